/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import "time"

// MetricsCollector receives events of the flow control for export.
type MetricsCollector interface {
	// IncDecisions increments the number of admission decisions of the given kind made in the given state.
	IncDecisions(kind DecisionKind, state State)

	// IncStateTransitions increments the number of transitions between states.
	IncStateTransitions(from, to State)

	// ObserveProcessing observes the duration of a processor call.
	ObserveProcessing(d time.Duration, success bool)
}

type disabledMetrics struct{}

func (disabledMetrics) IncDecisions(DecisionKind, State)      {}
func (disabledMetrics) IncStateTransitions(State, State)      {}
func (disabledMetrics) ObserveProcessing(time.Duration, bool) {}

var disabledMetricsCollector = disabledMetrics{}
