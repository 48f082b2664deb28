// Package metrics provides metrics recording for LLM client operations.
package metrics

import (
	"time"
)

// ContextProvider supplies the report-scoped labels attached to every
// observation. Implementations are typically the agent itself.
type ContextProvider interface {
	// GetReportID returns the id of the report this agent is working on.
	GetReportID() string
	// GetRole returns the agent's pipeline role (thresholder, planner, ...).
	GetRole() string
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(
		model, reportID, role string,
		promptTokens, completionTokens int,
		cost float64,
		success bool,
		errorType string,
		duration time.Duration,
	)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(
	_, _, _ string,
	_, _ int,
	_ float64,
	_ bool,
	_ string,
	_ time.Duration,
) {
	// No-op
}

// StaticContext is a fixed-label ContextProvider for callers that are not
// agents (embedding requests, ad-hoc completions).
type StaticContext struct {
	ReportID string
	Role     string
}

// GetReportID returns the fixed report id.
func (s StaticContext) GetReportID() string { return s.ReportID }

// GetRole returns the fixed role.
func (s StaticContext) GetRole() string { return s.Role }
