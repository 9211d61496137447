package replicated

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func appendByte(b byte) ComputeFunc {
	return func(current []byte, exists bool) ([]byte, bool, error) {
		return append(current, b), true, nil
	}
}

func testMapBehaviour(t *testing.T, m Map) {
	ctx := context.Background()

	_, exists, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)

	value, err := m.Compute(ctx, "k1", func(current []byte, exists bool) ([]byte, bool, error) {
		require.False(t, exists)
		return []byte("v1"), true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	value, err = m.Compute(ctx, "k1", func(current []byte, exists bool) ([]byte, bool, error) {
		require.True(t, exists)
		require.Equal(t, []byte("v1"), current)
		return nil, false, nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	_, err = m.Compute(ctx, "never", func(current []byte, exists bool) ([]byte, bool, error) {
		return nil, false, nil
	})
	require.NoError(t, err)
	_, exists, err = m.Get(ctx, "never")
	require.NoError(t, err)
	require.False(t, exists)

	failure := errors.New("refused")
	_, err = m.Compute(ctx, "k1", func(current []byte, exists bool) ([]byte, bool, error) {
		return nil, false, failure
	})
	require.ErrorIs(t, err, failure)

	_, err = m.Compute(ctx, "k2", appendByte('x'))
	require.NoError(t, err)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, keys)

	var group errgroup.Group
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			_, err := m.Compute(ctx, "counter", appendByte('.'))
			return err
		})
	}
	require.NoError(t, group.Wait())

	value, exists, err = m.Get(ctx, "counter")
	require.NoError(t, err)
	require.True(t, exists)
	require.Len(t, value, 8)
}

// testMapWatch checks that a write is signalled to a watcher registered
// before it, and that the watch closes with its context.
func testMapWatch(t *testing.T, m Map) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchCh, err := m.Watch(ctx)
	require.NoError(t, err)

	_, err = m.Compute(ctx, "watched", appendByte('a'))
	require.NoError(t, err)
	_, err = m.Compute(ctx, "watched", appendByte('b'))
	require.NoError(t, err)

	select {
	case _, ok := <-watchCh:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		require.Fail(t, "change was not signalled")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-watchCh:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInProcMap(t *testing.T) {
	testMapBehaviour(t, NewInProcMap())
}

func TestInProcMapWatch(t *testing.T) {
	testMapWatch(t, NewInProcMap())
}

func TestInProcMapWatchIgnoresNoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewInProcMap()
	watchCh, err := m.Watch(ctx)
	require.NoError(t, err)

	_, err = m.Compute(ctx, "k", func(current []byte, exists bool) ([]byte, bool, error) {
		return nil, false, nil
	})
	require.NoError(t, err)

	select {
	case <-watchCh:
		require.Fail(t, "unchanged compute was signalled")
	default:
	}
}

func TestInProcMapCancelled(t *testing.T) {
	m := NewInProcMap()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
	_, err = m.Compute(ctx, "k", appendByte('x'))
	require.ErrorIs(t, err, context.Canceled)
	_, err = m.Keys(ctx)
	require.ErrorIs(t, err, context.Canceled)
	_, err = m.Watch(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
