// Package metrics holds the Prometheus collectors for provisioning runs.
// A run is short-lived, so the collectors are exported through the
// node-exporter textfile collector instead of an HTTP endpoint.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmlab"

var (
	// Registry contains every collector in this package.
	Registry = prometheus.NewRegistry()

	PowerOnAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "power_on_attempts_total",
		Help:      "startvm invocations, including retries.",
	})

	CLIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hypervisor_cli_retries_total",
		Help:      "Hypervisor CLI calls retried after a transient error.",
	}, []string{"reason"})

	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for exclusive locks.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	SlotClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slot_claims_total",
		Help:      "Slot claim attempts by pool and outcome.",
	}, []string{"pool", "outcome"})

	PublishSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_publish_seconds",
		Help:      "Duration of snapshot publication.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(PowerOnAttempts, CLIRetries, LockWaitSeconds, SlotClaims, PublishSeconds)
}

// WriteTextfile writes the current values in the text exposition format.
// An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
