/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import "context"

// Wrap creates a pipe whose input never blocks for long: a value that has not
// yet been read from the output is replaced by any newer value arriving on the
// input.  The output is closed once the input is closed or ctx is cancelled.
func Wrap[T any](ctx context.Context, inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			var latest T
			select {
			case v, ok := <-inputCh:
				if !ok {
					return
				}
				latest = v
			case <-ctx.Done():
				return
			}

			// count(outputCh) <= count(inputCh)
			sent := false
			for !sent {
				select {
				case outputCh <- latest:
					sent = true
				case v, ok := <-inputCh:
					if !ok {
						return
					}
					latest = v
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outputCh
}

// Fanout keeps the most recent value published to it and delivers it to
// every subscriber, dropping intermediate values a slow subscriber missed.
type Fanout[T any] struct {
	subscribe   chan fanoutSub[T]
	unsubscribe chan chan T
	publish     chan T
	done        chan struct{}
}

type fanoutSub[T any] struct {
	ch chan T
}

func NewFanout[T any](ctx context.Context) *Fanout[T] {
	f := &Fanout[T]{
		subscribe:   make(chan fanoutSub[T]),
		unsubscribe: make(chan chan T),
		publish:     make(chan T),
		done:        make(chan struct{}),
	}
	go f.run(ctx)
	return f
}

func (f *Fanout[T]) run(ctx context.Context) {
	var (
		latest    T
		hasLatest bool
	)
	subs := make(map[chan T]struct{})

	deliver := func(ch chan T, v T) {
		// each subscriber channel has a single slot, replace what is there
		select {
		case <-ch:
		default:
		}
		ch <- v
	}

	defer func() {
		close(f.done)
		for ch := range subs {
			close(ch)
		}
	}()

	for {
		select {
		case v := <-f.publish:
			latest, hasLatest = v, true
			for ch := range subs {
				deliver(ch, v)
			}
		case sub := <-f.subscribe:
			subs[sub.ch] = struct{}{}
			if hasLatest {
				deliver(sub.ch, latest)
			}
		case ch := <-f.unsubscribe:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Publish replaces the current value.  It returns false once the fanout has
// shut down.
func (f *Fanout[T]) Publish(ctx context.Context, v T) bool {
	select {
	case f.publish <- v:
		return true
	case <-f.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Subscribe returns a channel receiving the current value (if any) and every
// later one.  The channel is closed when ctx is cancelled or the fanout stops.
func (f *Fanout[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	select {
	case f.subscribe <- fanoutSub[T]{ch: ch}:
	case <-f.done:
		close(ch)
		return ch
	case <-ctx.Done():
		close(ch)
		return ch
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
			return
		}

		select {
		case f.unsubscribe <- ch:
		case <-f.done:
		}
	}()

	return ch
}
