package registry

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// AddressSetCodec is the wire form of a provider set: a sorted JSON array of
// addresses compressed with snappy.
type AddressSetCodec struct{}

func (AddressSetCodec) Encode(s Set[consistenthash.Address]) ([]byte, error) {
	addrs := slices.Sorted(maps.Keys(s))
	if addrs == nil {
		addrs = []consistenthash.Address{}
	}

	data, err := json.Marshal(addrs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal address set")
	}

	return snappy.Encode(nil, data), nil
}

func (AddressSetCodec) Decode(data []byte) (Set[consistenthash.Address], error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress address set")
	}

	var addrs []consistenthash.Address
	if err := json.Unmarshal(raw, &addrs); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal address set")
	}

	return NewSet(addrs...), nil
}
