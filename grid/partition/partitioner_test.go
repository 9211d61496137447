package partition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type panickyStringer struct{}

func (*panickyStringer) String() string {
	panic("boom")
}

type failingMarshaler struct {
	id int
}

func (failingMarshaler) MarshalBinary() ([]byte, error) {
	return nil, errors.New("cannot marshal")
}

type compositeKey struct {
	Tenant string
	ID     int
}

func TestPartitionTotality(t *testing.T) {
	var nilStringer *panickyStringer

	keys := []any{
		nil,
		"",
		"hello",
		[]byte("hello"),
		42,
		int64(-7),
		uint64(1 << 63),
		uuid.New(),
		compositeKey{Tenant: "acme", ID: 3},
		&compositeKey{Tenant: "acme", ID: 4},
		nilStringer,
		failingMarshaler{id: 1},
		KeyGroup{Group: "g", Key: 1},
		3.14,
		struct{}{},
	}

	for _, numSegments := range []int{1, 2, 7, 256, 1024} {
		p := NewDefault(numSegments)
		require.Equal(t, numSegments, p.NumSegments())

		for _, key := range keys {
			segment := p.Segment(key)
			require.GreaterOrEqual(t, segment, 0, "key %#v", key)
			require.Less(t, segment, numSegments, "key %#v", key)
		}

		for i := 0; i < 5000; i++ {
			segment := p.Segment(fmt.Sprintf("key-%d", i))
			require.GreaterOrEqual(t, segment, 0)
			require.Less(t, segment, numSegments)
		}
	}
}

func TestPartitionDeterminism(t *testing.T) {
	p1 := NewHashPartitioner(256)
	p2 := NewHashPartitioner(256)

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user:%d", i)
		require.Equal(t, p1.Segment(key), p2.Segment(key))
		require.Equal(t, p1.Segment(key), p1.Segment([]byte(key)))
	}

	require.Equal(t,
		p1.Segment(compositeKey{Tenant: "a", ID: 1}),
		p2.Segment(compositeKey{Tenant: "a", ID: 1}))
}

func TestPartitionSpread(t *testing.T) {
	p := NewHashPartitioner(16)
	hits := make([]int, 16)
	for i := 0; i < 16000; i++ {
		hits[p.Segment(uuid.NewString())]++
	}

	for segment, count := range hits {
		require.Greater(t, count, 0, "segment %d never used", segment)
	}
}

func TestGroupCollocation(t *testing.T) {
	p := NewDefault(512)

	for g := 0; g < 100; g++ {
		group := fmt.Sprintf("group-%d", g)
		expected := p.Segment(KeyGroup{Group: group, Key: "first"})

		for k := 0; k < 20; k++ {
			require.Equal(t, expected, p.Segment(KeyGroup{Group: group, Key: k}))
			require.Equal(t, expected, p.Segment(KeyGroup{Group: group, Key: uuid.New()}))
		}

		// the group id alone hashes to the same segment
		require.Equal(t, expected, p.Segment(group))
	}
}

func TestSinglePartitioner(t *testing.T) {
	p := SinglePartitioner{}
	require.Equal(t, 1, p.NumSegments())
	require.Equal(t, 0, p.Segment("anything"))
	require.Equal(t, 0, p.Segment(nil))
	require.Equal(t, 0, NewHashPartitioner(1).Segment("anything"))
	require.Equal(t, 1, NewHashPartitioner(0).NumSegments())
}

func TestKeyBytes(t *testing.T) {
	require.Equal(t, []byte("abc"), KeyBytes("abc"))
	require.Equal(t, []byte("abc"), KeyBytes([]byte("abc")))
	require.Equal(t, []byte("12"), KeyBytes(12))
	require.Nil(t, KeyBytes(nil))

	id := uuid.New()
	idBytes, _ := id.MarshalBinary()
	require.Equal(t, idBytes, KeyBytes(id))

	// a failing marshaler falls back to its formatted form
	require.NotEmpty(t, KeyBytes(failingMarshaler{id: 1}))
	require.NotEqual(t, KeyBytes(failingMarshaler{id: 1}), KeyBytes(failingMarshaler{id: 2}))
}
