package partition

// Grouped is implemented by keys that should be collocated with every other
// key sharing the same group id.
type Grouped interface {
	GroupID() string
}

// KeyGroup wraps an arbitrary key with an explicit group.
type KeyGroup struct {
	Group string
	Key   any
}

var _ Grouped = KeyGroup{}

func (g KeyGroup) GroupID() string {
	return g.Group
}

// GroupPartitioner partitions grouped keys by their group id alone, and
// delegates everything else to the wrapped partitioner.  The raw key of a
// grouped key is never inspected.
type GroupPartitioner struct {
	inner Partitioner
}

var _ Partitioner = (*GroupPartitioner)(nil)

func NewGroupPartitioner(inner Partitioner) *GroupPartitioner {
	return &GroupPartitioner{
		inner: inner,
	}
}

func (p *GroupPartitioner) NumSegments() int {
	return p.inner.NumSegments()
}

func (p *GroupPartitioner) Segment(key any) int {
	if grouped, ok := key.(Grouped); ok {
		return p.inner.Segment(grouped.GroupID())
	}
	return p.inner.Segment(key)
}

// NewDefault returns the partitioner used by clustered grids: group aware
// murmur3 hashing across numSegments segments.
func NewDefault(numSegments int) Partitioner {
	return NewGroupPartitioner(NewHashPartitioner(numSegments))
}
