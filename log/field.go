/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"sort"

	"github.com/ssgreg/logf"
)

// Field is a key-value pair attached to a log entry.
type Field = logf.Field

// Field constructors.
var (
	Error      = logf.Error
	NamedError = logf.NamedError
	String     = logf.String
	Strings    = logf.Strings
	Bytes      = logf.Bytes
	Int        = logf.Int
	Int64      = logf.Int64
	Float64    = logf.Float64
	Bool       = logf.Bool
	Duration   = logf.Duration
	Time       = logf.Time
	Any        = logf.Any
)

// StaticFields converts a map of constant labels (service name, instance, region)
// into fields ordered by key, so every entry lists them the same way.
func StaticFields(labels map[string]string) []Field {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, String(k, labels[k]))
	}
	return fields
}
