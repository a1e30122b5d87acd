/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol_test

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-flowcontrol/config"
	"github.com/acronis/go-flowcontrol/flowcontrol"
)

func Example() {
	cfg := flowcontrol.NewDefaultConfig()
	cfg.CircuitBreaker.ErrorThreshold = 1

	fc, err := flowcontrol.New(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}

	handle := func(fail bool) flowcontrol.ProcessorFunc {
		return func(ctx context.Context, item interface{}) (bool, error) {
			return !fail, nil
		}
	}

	ok, err := fc.Process(context.Background(), "order-1", handle(false))
	fmt.Println(ok, err, fc.State())
	ok, err = fc.Process(context.Background(), "order-2", handle(true))
	fmt.Println(ok, err, fc.State())
	ok, err = fc.Process(context.Background(), "order-3", handle(false))
	fmt.Println(ok, err, fc.State())

	// Output:
	// true <nil> normal
	// false <nil> normal
	// false <nil> circuit_open
}

func ExampleFlowControl_Admit() {
	cfg := flowcontrol.NewDefaultConfig()
	cfg.Buffer.MaxSize = 10
	fc, _ := flowcontrol.New(cfg)

	for i := 0; i < 9; i++ {
		fc.RecordArrival()
	}

	d, err := fc.Admit(context.Background())
	if err != nil {
		fmt.Println(err)
		return
	}
	switch d.Kind {
	case flowcontrol.DecisionReject:
		fmt.Println("rejected")
		return
	case flowcontrol.DecisionAcceptAfterDelay:
		fmt.Printf("%s: waiting %s\n", d.State, d.Delay)
	}

	start := time.Now()
	fc.RecordArrival()
	fc.RecordCompletion(time.Since(start), true)

	// Output:
	// backpressure: waiting 100ms
}

func ExampleConfig() {
	cfgData := []byte(`
flowControl:
  buffer:
    maxSize: 5000
  maxMessagesPerSecond: 250
  circuitBreaker:
    timeout: 30s
  rateLimitAlg: leaky_bucket
`)
	cfg := flowcontrol.NewConfig()
	if err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader(cfgData), config.DataTypeYAML, cfg); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(cfg.Buffer.MaxSize, cfg.MaxMessagesPerSecond, cfg.CircuitBreaker.Timeout, cfg.RateLimitAlg, cfg.ThrottleFactor)

	// Output:
	// 5000 250 30s leaky_bucket 0.5
}
