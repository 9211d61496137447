package affinity

import "github.com/google/uuid"

// KeyGenerator produces candidate keys for the affinity service.  GetKey is
// called by the background producer and, for members owning no segments, by
// requesting goroutines, so it must be safe for concurrent use.
type KeyGenerator[K any] interface {
	GetKey() K
}

type KeyGeneratorFunc[K any] func() K

func (f KeyGeneratorFunc[K]) GetKey() K {
	return f()
}

// UUIDKeyGenerator generates random string keys.
type UUIDKeyGenerator struct {
	Prefix string
}

var _ KeyGenerator[string] = UUIDKeyGenerator{}

func (g UUIDKeyGenerator) GetKey() string {
	return g.Prefix + uuid.NewString()
}
