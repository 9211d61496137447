package latestonlychannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatestOnlyChannel_EmptyBlock(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(context.Background(), inputCh)

	select {
	case <-outputCh:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}

	close(inputCh)
}

func TestLatestOnlyChannel_Single(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(context.Background(), inputCh)

	// the deduplication logic acts as if its a buffered 1-length channel.
	inputCh <- 1
	require.Equal(t, 1, <-outputCh)

	inputCh <- 2
	require.Equal(t, 2, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok, "output channel was not closed")
}

func TestLatestOnlyChannel_Multiple(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(context.Background(), inputCh)

	inputCh <- 1
	inputCh <- 2
	inputCh <- 3
	require.Equal(t, 3, <-outputCh)

	inputCh <- 4
	inputCh <- 5
	inputCh <- 6
	require.Equal(t, 6, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok, "output channel was not closed")
}

func TestLatestOnlyChannel_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inputCh := make(chan int)
	outputCh := Wrap(ctx, inputCh)

	inputCh <- 1
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-outputCh:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

// waitForValue reads until want is seen, intermediate values may or may
// not be observed.
func waitForValue(t *testing.T, ch <-chan int, want int) {
	timeout := time.After(time.Second)
	for {
		select {
		case v := <-ch:
			if v == want {
				return
			}
		case <-timeout:
			t.Fatalf("never received %d", want)
		}
	}
}

func TestFanout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFanout[int](ctx)

	subCtx, subCancel := context.WithCancel(ctx)
	early := f.Subscribe(subCtx)

	require.True(t, f.Publish(ctx, 1))
	require.True(t, f.Publish(ctx, 2))
	waitForValue(t, early, 2)

	late := f.Subscribe(ctx)
	require.Equal(t, 2, <-late)

	require.True(t, f.Publish(ctx, 3))
	require.Equal(t, 3, <-early)
	require.Equal(t, 3, <-late)

	subCancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-early:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	cancel()
	_, ok := <-late
	require.False(t, ok)
	require.False(t, f.Publish(context.Background(), 4))
}
