/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides log.FieldLogger implementations for tests:
// a JSON logger writing to an arbitrary io.Writer and a Recorder that keeps entries for later inspection.
package logtest
