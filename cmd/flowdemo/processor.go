/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/service"
)

type message struct {
	ID      string
	Payload []byte
	// Fail forces a processing failure.
	Fail bool
}

// simulatedProcessor sleeps for about processingTime and fails with failureRate probability.
type simulatedProcessor struct {
	failureRate    float64
	processingTime time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

var _ flowcontrol.Processor = (*simulatedProcessor)(nil)

func newSimulatedProcessor(cfg *DemoConfig, seed int64) *simulatedProcessor {
	return &simulatedProcessor{
		failureRate:    cfg.FailureRate,
		processingTime: time.Duration(cfg.ProcessingTime),
		rnd:            rand.New(rand.NewSource(seed)), //nolint:gosec // simulation
	}
}

func (p *simulatedProcessor) Process(ctx context.Context, item interface{}) (bool, error) {
	msg, _ := item.(message)

	p.mu.Lock()
	jitter := p.rnd.Float64() + 0.5 // [0.5, 1.5)
	failed := msg.Fail || p.rnd.Float64() < p.failureRate
	p.mu.Unlock()

	if p.processingTime > 0 {
		timer := time.NewTimer(time.Duration(float64(p.processingTime) * jitter))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	return !failed, nil
}

// newProducer returns a worker that pushes generated messages through fc until ctx is done.
// Rejected messages are dropped and the producer backs off exponentially until the next admission.
func newProducer(fc *flowcontrol.FlowControl, proc flowcontrol.Processor, interval time.Duration, logger log.FieldLogger) service.Worker {
	return service.WorkerFunc(func(ctx context.Context) error {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = 5 * time.Second
		bo.MaxElapsedTime = 0

		var rejected int
		for {
			msg := message{ID: xid.New().String(), Payload: []byte("demo")}
			ok, err := fc.Process(ctx, msg, proc)
			if ctx.Err() != nil {
				return nil
			}
			delay := interval
			switch {
			case err != nil:
				logger.Warn("message processing failed", log.String("message_id", msg.ID), log.Error(err))
			case !ok && fc.State() == flowcontrol.StateCircuitOpen:
				rejected++
				delay = bo.NextBackOff()
			default:
				if rejected > 0 {
					logger.Info("producer resumed after rejections", log.Int("rejected", rejected))
					rejected = 0
				}
				bo.Reset()
			}
			if delay <= 0 {
				continue
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	})
}
