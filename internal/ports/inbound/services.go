// Package inbound defines the driving-side contracts of the pipeline.
package inbound

import "context"

// Runnable is a long-lived service: Run blocks until the context is
// cancelled or Stop is called.
type Runnable interface {
	Run(ctx context.Context) error
	Stop()
}

// HealthChecker reports service health for the HTTP probes.
type HealthChecker interface {
	// Ready reports whether the service has started doing useful work.
	Ready() bool

	// Healthy reports whether the service is making progress.
	Healthy() bool
}
