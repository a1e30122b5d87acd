/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import "github.com/prometheus/client_golang/prometheus"

var metricsResponseErrors *prometheus.CounterVec

const (
	metricsSubsystem = "restapi"

	metricsLabelResponseErrorDomain = "domain"
	metricsLabelResponseErrorCode   = "code"
)

// MustInitAndRegisterMetrics initializes restapi global metrics and registers them in reg
// (prometheus.DefaultRegisterer if nil). Panic will be raised in case of error.
func MustInitAndRegisterMetrics(namespace string, reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsResponseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      "response_errors_total",
		Help:      "The total number of REST API errors that were respond.",
	}, []string{metricsLabelResponseErrorDomain, metricsLabelResponseErrorCode})
	reg.MustRegister(metricsResponseErrors)
}

// UnregisterMetrics unregisters restapi global metrics from reg (prometheus.DefaultRegisterer if nil).
func UnregisterMetrics(reg prometheus.Registerer) {
	if metricsResponseErrors == nil {
		return
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.Unregister(metricsResponseErrors)
	metricsResponseErrors = nil
}
