// Package partition maps keys onto the fixed set of hash segments.
package partition

import (
	"encoding"
	"fmt"
	"math"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// Partitioner maps a key to a segment in [0, NumSegments()).  Implementations
// must be deterministic and total: every possible key, including nil, maps
// to a valid segment without panicking.
type Partitioner interface {
	Segment(key any) int
	NumSegments() int
}

// HashPartitioner splits the non-negative 32-bit murmur3 hash space into
// equally sized ranges, one per segment.
type HashPartitioner struct {
	numSegments int
	segmentSize uint32
}

var _ Partitioner = (*HashPartitioner)(nil)

func NewHashPartitioner(numSegments int) *HashPartitioner {
	if numSegments <= 0 {
		numSegments = 1
	}

	// ceil(2^31 / numSegments) so the final segment absorbs the remainder
	hashSpace := uint64(math.MaxInt32) + 1
	segmentSize := (hashSpace + uint64(numSegments) - 1) / uint64(numSegments)

	return &HashPartitioner{
		numSegments: numSegments,
		segmentSize: uint32(segmentSize),
	}
}

func (p *HashPartitioner) NumSegments() int {
	return p.numSegments
}

func (p *HashPartitioner) Segment(key any) int {
	return p.SegmentOfBytes(KeyBytes(key))
}

// SegmentOfBytes returns the segment for an already canonicalised key.
func (p *HashPartitioner) SegmentOfBytes(data []byte) int {
	hash := murmur3.Sum32(data) & math.MaxInt32
	return int(hash / p.segmentSize)
}

// SinglePartitioner is used by non-clustered deployments, where exactly one
// segment exists.
type SinglePartitioner struct{}

var _ Partitioner = SinglePartitioner{}

func (SinglePartitioner) Segment(key any) int {
	return 0
}

func (SinglePartitioner) NumSegments() int {
	return 1
}

// KeyBytes returns the canonical byte form of a key that partitioners hash.
// It never fails; keys with no better representation are formatted with
// their Go syntax representation.
func KeyBytes(key any) []byte {
	switch k := key.(type) {
	case nil:
		return nil
	case string:
		return []byte(k)
	case []byte:
		return k
	case int:
		return []byte(strconv.FormatInt(int64(k), 10))
	case int32:
		return []byte(strconv.FormatInt(int64(k), 10))
	case int64:
		return []byte(strconv.FormatInt(k, 10))
	case uint:
		return []byte(strconv.FormatUint(uint64(k), 10))
	case uint32:
		return []byte(strconv.FormatUint(uint64(k), 10))
	case uint64:
		return []byte(strconv.FormatUint(k, 10))
	case encoding.BinaryMarshaler:
		if data, ok := marshalBinary(k); ok {
			return data
		}
	case fmt.Stringer:
		// fmt recovers from panicking String methods for us
		return []byte(fmt.Sprint(k))
	}

	return []byte(fmt.Sprintf("%T:%#v", key, key))
}

func marshalBinary(m encoding.BinaryMarshaler) (data []byte, ok bool) {
	defer func() {
		if recover() != nil {
			data, ok = nil, false
		}
	}()

	data, err := m.MarshalBinary()
	if err != nil {
		return nil, false
	}
	return data, true
}
