/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package registry is the cluster wide directory of which members provide
// which named services.
package registry

import (
	"context"
	"sync"

	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/griderrors"
)

var ErrEmptyService = griderrors.Wrap(griderrors.ErrInvalidArgument, "service name must not be empty")

type Registry interface {
	// Register announces the local member as a provider of service.  Each
	// call returns its own handle which must be closed exactly once.
	Register(ctx context.Context, service string) (*Registration, error)

	// Providers returns the members currently providing service, in a
	// stable order.  The answer may lag behind remote registrations.
	Providers(ctx context.Context, service string) ([]consistenthash.Address, error)

	// Services lists every service with at least one provider.
	Services(ctx context.Context) ([]string, error)
}

// Registration is the handle for one Register call.
type Registration struct {
	registry Registry
	service  string
	release  func(ctx context.Context) error

	lock   sync.Mutex
	closed bool
}

func newRegistration(r Registry, service string, release func(ctx context.Context) error) *Registration {
	return &Registration{
		registry: r,
		service:  service,
		release:  release,
	}
}

func (r *Registration) Service() string {
	return r.service
}

func (r *Registration) Providers(ctx context.Context) ([]consistenthash.Address, error) {
	return r.registry.Providers(ctx, r.service)
}

// Close withdraws this registration.  Closing twice is a no-op, a failed
// close leaves the registration open so it can be closed again later.
func (r *Registration) Close(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil
	}

	if err := r.release(ctx); err != nil {
		return err
	}

	r.closed = true
	return nil
}
