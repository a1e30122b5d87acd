/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import "context"

// ResourceSource provides memory and CPU utilization sampled outside the flow control.
// The monitor polls it on every tick; see the health package for implementations.
type ResourceSource interface {
	FetchResourceUsage(ctx context.Context) (ResourceUsage, error)
}

// ResourceSourceFunc is an adapter to allow the use of ordinary functions as ResourceSource.
type ResourceSourceFunc func(ctx context.Context) (ResourceUsage, error)

// FetchResourceUsage implements ResourceSource.
func (f ResourceSourceFunc) FetchResourceUsage(ctx context.Context) (ResourceUsage, error) {
	return f(ctx)
}
