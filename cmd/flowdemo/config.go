/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/acronis/go-flowcontrol/config"
	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/httpserver"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/profserver"
)

const envVarsPrefix = "flowdemo"

const cfgDefaultDemoKeyPrefix = "demo"

const (
	cfgKeyDemoProducers       = "producers"
	cfgKeyDemoProduceInterval = "produceInterval"
	cfgKeyDemoFailureRate     = "failureRate"
	cfgKeyDemoProcessingTime  = "processingTime"
	cfgKeyDemoPrometheusURL   = "prometheusUrl"
	cfgKeyDemoRedisAddress    = "redisAddress"
)

const (
	defaultDemoProducers       = 4
	defaultDemoProduceInterval = 10 * time.Millisecond
	defaultDemoFailureRate     = 0.02
	defaultDemoProcessingTime  = 20 * time.Millisecond
)

// AppConfig is the whole configuration of flowdemo.
type AppConfig struct {
	Log         *log.Config
	FlowControl *flowcontrol.Config
	Server      *httpserver.Config
	ProfServer  *profserver.Config
	Demo        *DemoConfig
}

// NewAppConfig creates an empty AppConfig. Default values are set by the loader.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:         log.NewConfig(),
		FlowControl: flowcontrol.NewConfig(),
		Server:      httpserver.NewConfig(),
		ProfServer:  profserver.NewConfig(),
		Demo:        &DemoConfig{},
	}
}

func (c *AppConfig) all() []config.Config {
	return []config.Config{c.Log, c.FlowControl, c.Server, c.ProfServer, c.Demo}
}

// loadAppConfig reads the YAML file at path. Only defaults and FLOWDEMO_* environment variables are used if path is empty.
func loadAppConfig(path string) (*AppConfig, error) {
	cfg := NewAppConfig()
	cfgs := cfg.all()
	loader := config.NewDefaultLoader(envVarsPrefix)
	if path == "" {
		return cfg, loader.LoadDefaults(cfgs[0], cfgs[1:]...)
	}
	return cfg, loader.LoadFromFile(path, config.DataTypeYAML, cfgs[0], cfgs[1:]...)
}

func loadAppConfigFromReader(r io.Reader) (*AppConfig, error) {
	cfg := NewAppConfig()
	cfgs := cfg.all()
	return cfg, config.NewDefaultLoader("").LoadFromReader(r, config.DataTypeYAML, cfgs[0], cfgs[1:]...)
}

// DemoConfig configures the simulated workload.
type DemoConfig struct {
	// Producers is the number of background workers pushing messages through FlowControl.Process.
	Producers       int                 `mapstructure:"producers" yaml:"producers" json:"producers"`
	ProduceInterval config.TimeDuration `mapstructure:"produceInterval" yaml:"produceInterval" json:"produceInterval"`
	// FailureRate is the probability of a simulated processing failure.
	FailureRate    float64             `mapstructure:"failureRate" yaml:"failureRate" json:"failureRate"`
	ProcessingTime config.TimeDuration `mapstructure:"processingTime" yaml:"processingTime" json:"processingTime"`
	// PrometheusURL enables CPU and memory sampling from Prometheus. Simulated usage is reported if it is empty.
	PrometheusURL string `mapstructure:"prometheusUrl" yaml:"prometheusUrl" json:"prometheusUrl"`
	// RedisAddress makes the throttled rate shared through Redis by all flowdemo instances.
	RedisAddress string `mapstructure:"redisAddress" yaml:"redisAddress" json:"redisAddress"`
}

var _ config.Config = (*DemoConfig)(nil)
var _ config.KeyPrefixProvider = (*DemoConfig)(nil)

// KeyPrefix implements config.KeyPrefixProvider.
func (c *DemoConfig) KeyPrefix() string {
	return cfgDefaultDemoKeyPrefix
}

// SetProviderDefaults implements config.Config.
func (c *DemoConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyDemoProducers, defaultDemoProducers)
	dp.SetDefault(cfgKeyDemoProduceInterval, defaultDemoProduceInterval)
	dp.SetDefault(cfgKeyDemoFailureRate, defaultDemoFailureRate)
	dp.SetDefault(cfgKeyDemoProcessingTime, defaultDemoProcessingTime)
	dp.SetDefault(cfgKeyDemoPrometheusURL, "")
	dp.SetDefault(cfgKeyDemoRedisAddress, "")
}

// Set implements config.Config.
func (c *DemoConfig) Set(dp config.DataProvider) error {
	var err error
	if c.Producers, err = dp.GetInt(cfgKeyDemoProducers); err != nil {
		return err
	}
	if c.Producers < 0 {
		return dp.WrapKeyErr(cfgKeyDemoProducers, fmt.Errorf("cannot be negative"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyDemoProduceInterval); err != nil {
		return err
	}
	c.ProduceInterval = config.TimeDuration(dur)
	if dur, err = dp.GetDuration(cfgKeyDemoProcessingTime); err != nil {
		return err
	}
	c.ProcessingTime = config.TimeDuration(dur)

	if c.FailureRate, err = dp.GetFloat64(cfgKeyDemoFailureRate); err != nil {
		return err
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return dp.WrapKeyErr(cfgKeyDemoFailureRate, fmt.Errorf("should be in range [0, 1]"))
	}

	if c.PrometheusURL, err = dp.GetString(cfgKeyDemoPrometheusURL); err != nil {
		return err
	}
	c.RedisAddress, err = dp.GetString(cfgKeyDemoRedisAddress)
	return err
}
