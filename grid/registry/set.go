package registry

import (
	"maps"
	"slices"

	"github.com/couchbase/stellar-grid/grid/consistenthash"
)

// Set is the value type replicated for every service.  A nil Set means the
// value has never been written.
type Set[T comparable] map[T]struct{}

func NewSet[T comparable](items ...T) Set[T] {
	s := make(Set[T], len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s Set[T]) Contains(item T) bool {
	_, ok := s[item]
	return ok
}

func (s Set[T]) Equal(o Set[T]) bool {
	if (s == nil) != (o == nil) || len(s) != len(o) {
		return false
	}
	for item := range s {
		if !o.Contains(item) {
			return false
		}
	}
	return true
}

func (s Set[T]) clone() Set[T] {
	out := make(Set[T], len(s)+1)
	for item := range s {
		out[item] = struct{}{}
	}
	return out
}

// SetFunction maps the current replicated value to its replacement.  These
// functions never modify their argument and always return a fresh set, which
// keeps them safe to re-run when the replicated map retries a write.
type SetFunction[T comparable] func(current Set[T]) Set[T]

// SetAddFunction returns S ∪ {item}.
func SetAddFunction[T comparable](item T) SetFunction[T] {
	return func(current Set[T]) Set[T] {
		out := current.clone()
		out[item] = struct{}{}
		return out
	}
}

// SetRemoveFunction returns S \ {item}.  A value that was never written stays
// never written.
func SetRemoveFunction[T comparable](item T) SetFunction[T] {
	return func(current Set[T]) Set[T] {
		if current == nil {
			return nil
		}

		out := current.clone()
		delete(out, item)
		return out
	}
}

// emptiedAddressSet is the stored form of an address set that every provider
// has left, as opposed to one that was never written.
func emptiedAddressSet() Set[consistenthash.Address] {
	return NewSet(consistenthash.LocalModeAddress)
}

func isEmptiedAddressSet(s Set[consistenthash.Address]) bool {
	return len(s) == 1 && s.Contains(consistenthash.LocalModeAddress)
}

// AddressSetAddFunction is SetAddFunction for provider sets, treating the
// emptied marker as an empty set.
func AddressSetAddFunction(addr consistenthash.Address) SetFunction[consistenthash.Address] {
	add := SetAddFunction(addr)
	return func(current Set[consistenthash.Address]) Set[consistenthash.Address] {
		if isEmptiedAddressSet(current) && addr != consistenthash.LocalModeAddress {
			current = Set[consistenthash.Address]{}
		}
		return add(current)
	}
}

// AddressSetRemoveFunction is SetRemoveFunction for provider sets.  Removing
// the last provider leaves the emptied marker behind.
func AddressSetRemoveFunction(addr consistenthash.Address) SetFunction[consistenthash.Address] {
	remove := SetRemoveFunction(addr)
	return func(current Set[consistenthash.Address]) Set[consistenthash.Address] {
		out := remove(current)
		if out != nil && len(out) == 0 {
			return emptiedAddressSet()
		}
		return out
	}
}

// ProviderList returns the providers held in an address set in a stable
// order, without the emptied marker.
func ProviderList(s Set[consistenthash.Address]) []consistenthash.Address {
	if s == nil || isEmptiedAddressSet(s) {
		return []consistenthash.Address{}
	}

	providers := slices.Sorted(maps.Keys(s))
	if providers == nil {
		providers = []consistenthash.Address{}
	}
	return providers
}
