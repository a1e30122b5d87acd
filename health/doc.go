/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package health provides implementations of flowcontrol.ResourceSource:
// PrometheusSource samples CPU and memory utilization with PromQL queries,
// StaticSource returns fixed values and SimulatedSource generates random load for demos.
package health
