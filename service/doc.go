/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package service provides the lifecycle primitives used to run flow-control background loops:
// workers (one-shot and periodic), units wrapping them, and a Service that stops units on OS signals.
package service
