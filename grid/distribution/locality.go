package distribution

import "github.com/couchbase/stellar-grid/grid/consistenthash"

// Locality answers whether the local member is the primary owner of a key.
// A Locality must not be retained beyond one unit of work.
type Locality interface {
	IsLocal(key any) (bool, error)
}

type localLocality struct{}

func (localLocality) IsLocal(key any) (bool, error) {
	if key == nil {
		return false, ErrNilKey
	}
	return true, nil
}

type distributionLocality struct {
	dist  KeyDistribution
	local consistenthash.Address
}

func (l *distributionLocality) IsLocal(key any) (bool, error) {
	owner, err := l.dist.PrimaryOwner(key)
	if err != nil {
		return false, err
	}
	return owner == l.local, nil
}

// NewLocality builds a Locality for the given distribution.  Local
// distributions short-circuit to always being local.
func NewLocality(dist KeyDistribution, local consistenthash.Address) Locality {
	if _, ok := dist.(*LocalDistribution); ok {
		return localLocality{}
	}

	return &distributionLocality{
		dist:  dist,
		local: local,
	}
}
