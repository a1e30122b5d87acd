/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains assertion helpers for Prometheus metrics, JSON HTTP responses,
// wrapped processing errors and local TCP servers.
package testutil

type tHelper interface {
	Helper()
}
