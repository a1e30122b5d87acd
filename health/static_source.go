/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package health

import (
	"context"

	"go.uber.org/atomic"

	"github.com/acronis/go-flowcontrol/flowcontrol"
)

// StaticSource returns the last stored resource usage. It is safe for concurrent use.
type StaticSource struct {
	usage *atomic.Pointer[flowcontrol.ResourceUsage]
}

var _ flowcontrol.ResourceSource = (*StaticSource)(nil)

// NewStaticSource creates a new StaticSource returning usage.
func NewStaticSource(usage flowcontrol.ResourceUsage) *StaticSource {
	return &StaticSource{usage: atomic.NewPointer(&usage)}
}

// Set replaces the returned resource usage.
func (s *StaticSource) Set(usage flowcontrol.ResourceUsage) {
	s.usage.Store(&usage)
}

// FetchResourceUsage implements flowcontrol.ResourceSource.
func (s *StaticSource) FetchResourceUsage(ctx context.Context) (flowcontrol.ResourceUsage, error) {
	if err := ctx.Err(); err != nil {
		return flowcontrol.ResourceUsage{}, err
	}
	return *s.usage.Load(), nil
}
