/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "com.couchbase.stellar-grid"

type GridMetrics struct {
	TopologyChanges     metric.Int64Counter
	AffinityGenerated   metric.Int64Counter
	AffinityServed      metric.Int64Counter
	AffinityFallbacks   metric.Int64Counter
	AffinityTimeouts    metric.Int64Counter
	RegistryOperations  metric.Int64Counter
	RegistryFailures    metric.Int64Counter
	ActiveRegistrations metric.Int64UpDownCounter
}

var (
	gridMetrics     *GridMetrics
	gridMetricsLock sync.Mutex
)

func GetGridMetrics() *GridMetrics {
	gridMetricsLock.Lock()

	if gridMetrics != nil {
		gridMetricsLock.Unlock()
		return gridMetrics
	}

	gridMetrics = NewGridMetrics(otel.Meter(instrumentationName))

	gridMetricsLock.Unlock()
	return gridMetrics
}

// NewGridMetrics creates the instruments against a specific meter.  Most
// callers want the process wide GetGridMetrics instead.
func NewGridMetrics(meter metric.Meter) *GridMetrics {
	topologyChanges, _ := meter.Int64Counter("grid_topology_changes_total")
	affinityGenerated, _ := meter.Int64Counter("grid_affinity_keys_generated_total")
	affinityServed, _ := meter.Int64Counter("grid_affinity_keys_served_total")
	affinityFallbacks, _ := meter.Int64Counter("grid_affinity_fallback_keys_total")
	affinityTimeouts, _ := meter.Int64Counter("grid_affinity_timeouts_total")
	registryOperations, _ := meter.Int64Counter("grid_registry_operations_total")
	registryFailures, _ := meter.Int64Counter("grid_registry_failures_total")
	activeRegistrations, _ := meter.Int64UpDownCounter("grid_registry_registrations")

	return &GridMetrics{
		TopologyChanges:     topologyChanges,
		AffinityGenerated:   affinityGenerated,
		AffinityServed:      affinityServed,
		AffinityFallbacks:   affinityFallbacks,
		AffinityTimeouts:    affinityTimeouts,
		RegistryOperations:  registryOperations,
		RegistryFailures:    registryFailures,
		ActiveRegistrations: activeRegistrations,
	}
}

// RegistryOp records a registry operation, and its failure if err is set.
func (m *GridMetrics) RegistryOp(ctx context.Context, op string, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.RegistryOperations.Add(ctx, 1, attrs)
	if err != nil {
		m.RegistryFailures.Add(ctx, 1, attrs)
	}
}
