/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package health

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/log"
)

// Default values for SimulatedSourceOpts.
const (
	DefaultSimulatedCPUPercent    = 50
	DefaultSimulatedMemoryPercent = 60
	DefaultSimulatedJitterPercent = 5
)

// SimulatedSourceOpts represents options for SimulatedSource.
type SimulatedSourceOpts struct {
	BaseCPUPercent    float64
	BaseMemoryPercent float64

	// JitterPercent is the max deviation from the base values in both directions.
	JitterPercent float64

	// Seed makes the generated sequence reproducible. The current time is used if zero.
	Seed int64

	// Logger receives every generated sample at debug level.
	Logger log.FieldLogger
}

// SimulatedSource generates resource usage randomly distributed around base values.
// Values are clamped to [0, 100]. It is safe for concurrent use.
type SimulatedSource struct {
	mu         sync.Mutex
	rnd        *rand.Rand
	baseCPU    float64
	baseMemory float64
	jitter     float64
	logger     log.FieldLogger
}

var _ flowcontrol.ResourceSource = (*SimulatedSource)(nil)

// NewSimulatedSource creates a new SimulatedSource.
func NewSimulatedSource(opts SimulatedSourceOpts) *SimulatedSource {
	if opts.BaseCPUPercent == 0 {
		opts.BaseCPUPercent = DefaultSimulatedCPUPercent
	}
	if opts.BaseMemoryPercent == 0 {
		opts.BaseMemoryPercent = DefaultSimulatedMemoryPercent
	}
	if opts.JitterPercent == 0 {
		opts.JitterPercent = DefaultSimulatedJitterPercent
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &SimulatedSource{
		rnd:        rand.New(rand.NewSource(opts.Seed)), //nolint:gosec // not used for security
		baseCPU:    opts.BaseCPUPercent,
		baseMemory: opts.BaseMemoryPercent,
		jitter:     opts.JitterPercent,
		logger:     opts.Logger,
	}
}

// SetBase changes the base values, e.g. to simulate a load spike.
func (s *SimulatedSource) SetBase(cpuPercent, memoryPercent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCPU, s.baseMemory = cpuPercent, memoryPercent
}

// FetchResourceUsage implements flowcontrol.ResourceSource.
func (s *SimulatedSource) FetchResourceUsage(ctx context.Context) (flowcontrol.ResourceUsage, error) {
	if err := ctx.Err(); err != nil {
		return flowcontrol.ResourceUsage{}, err
	}

	s.mu.Lock()
	usage := flowcontrol.ResourceUsage{
		CPUPercent:    clampPercent(s.baseCPU + (s.rnd.Float64()*2-1)*s.jitter),
		MemoryPercent: clampPercent(s.baseMemory + (s.rnd.Float64()*2-1)*s.jitter),
	}
	s.mu.Unlock()

	s.logger.Debug("simulated resource usage",
		log.Float64("cpu_usage_percent", usage.CPUPercent), log.Float64("memory_usage_percent", usage.MemoryPercent))
	return usage, nil
}

func clampPercent(v float64) float64 {
	return math.Min(math.Max(v, 0), 100)
}
