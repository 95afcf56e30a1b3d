package accounting

import "time"

// Metrics defines the interface for tracking accounting operations.
type Metrics interface {
	// RecordRequest records a processed request with its outcome.
	RecordRequest(kind string, status Status, duration time.Duration)

	// RecordQueueDepth records the current depth of the request queue.
	RecordQueueDepth(depth int)

	// RecordCharge records a charge attempt for a product category.
	RecordCharge(provider, category string, amount int64, success bool)

	// RecordLeadershipChange records a leader-election state change.
	RecordLeadershipChange(state string)

	// RecordInvariantFailure records a failed post-mutation consistency
	// check.
	RecordInvariantFailure(check string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRequest(kind string, status Status, duration time.Duration)  {}
func (n *NoopMetrics) RecordQueueDepth(depth int)                                        {}
func (n *NoopMetrics) RecordCharge(provider, category string, amount int64, success bool) {}
func (n *NoopMetrics) RecordLeadershipChange(state string)                               {}
func (n *NoopMetrics) RecordInvariantFailure(check string)                               {}
