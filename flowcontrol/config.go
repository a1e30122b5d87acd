/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/acronis/go-flowcontrol/config"
)

const cfgDefaultKeyPrefix = "flowControl"

const (
	cfgKeyBufferMaxSize                = "buffer.maxSize"
	cfgKeyBufferHighWatermark          = "buffer.highWatermark"
	cfgKeyBufferLowWatermark           = "buffer.lowWatermark"
	cfgKeyMaxMessagesPerSecond         = "maxMessagesPerSecond"
	cfgKeyMaxProcessingLatency         = "maxProcessingLatency"
	cfgKeyMaxErrorRate                 = "maxErrorRate"
	cfgKeyMaxMemoryUsagePercent        = "maxMemoryUsagePercent"
	cfgKeyMaxCPUUsagePercent           = "maxCpuUsagePercent"
	cfgKeyCircuitBreakerErrorThreshold = "circuitBreaker.errorThreshold"
	cfgKeyCircuitBreakerTimeout        = "circuitBreaker.timeout"
	cfgKeyThrottleFactor               = "throttleFactor"
	cfgKeyRateLimitAlg                 = "rateLimitAlg"
	cfgKeyBackpressureDelay            = "backpressureDelay"
	cfgKeyAdaptiveDelayEnabled         = "adaptiveDelayEnabled"
	cfgKeyPropagateProcessorErrors     = "propagateProcessorErrors"
	cfgKeyMetricsSampleCapacity        = "metrics.sampleCapacity"
	cfgKeyMetricsThroughputWindow      = "metrics.throughputWindow"
	cfgKeyMonitorInterval              = "monitor.interval"
	cfgKeyAdaptiveEnabled              = "adaptive.enabled"
	cfgKeyAdaptiveInterval             = "adaptive.interval"
	cfgKeyAdaptiveStep                 = "adaptive.step"
	cfgKeyAdaptiveMinMessagesPerSecond = "adaptive.minMessagesPerSecond"
	cfgKeyAdaptiveMaxMessagesPerSecond = "adaptive.maxMessagesPerSecond"
)

// Default values.
const (
	DefaultBufferMaxSize                = 1000
	DefaultBufferHighWatermark          = 0.8
	DefaultBufferLowWatermark           = 0.3
	DefaultMaxMessagesPerSecond         = 100
	DefaultMaxProcessingLatency         = 5 * time.Second
	DefaultMaxErrorRate                 = 0.1
	DefaultMaxMemoryUsagePercent        = 85
	DefaultMaxCPUUsagePercent           = 80
	DefaultCircuitBreakerErrorThreshold = 5
	DefaultCircuitBreakerTimeout        = 60 * time.Second
	DefaultThrottleFactor               = 0.5
	DefaultBackpressureDelay            = 100 * time.Millisecond
	DefaultMetricsSampleCapacity        = 100
	DefaultMetricsThroughputWindow      = 60 * time.Second
	DefaultMonitorInterval              = 5 * time.Second
	DefaultAdaptiveInterval             = 30 * time.Second
	DefaultAdaptiveStep                 = 0.1
	DefaultAdaptiveMinMessagesPerSecond = 1
)

// RateLimitAlg defines the algorithm used for pacing admissions in the throttled state.
type RateLimitAlg string

// Rate limiting algorithms.
const (
	RateLimitAlgInterval    RateLimitAlg = "interval"
	RateLimitAlgLeakyBucket RateLimitAlg = "leaky_bucket"
)

var availableRateLimitAlgs = []string{string(RateLimitAlgInterval), string(RateLimitAlgLeakyBucket)}

// Config represents a set of configuration parameters for flow control.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Buffer BufferConfig `mapstructure:"buffer" yaml:"buffer" json:"buffer"`

	MaxMessagesPerSecond  float64             `mapstructure:"maxMessagesPerSecond" yaml:"maxMessagesPerSecond" json:"maxMessagesPerSecond"`
	MaxProcessingLatency  config.TimeDuration `mapstructure:"maxProcessingLatency" yaml:"maxProcessingLatency" json:"maxProcessingLatency"`
	MaxErrorRate          float64             `mapstructure:"maxErrorRate" yaml:"maxErrorRate" json:"maxErrorRate"`
	MaxMemoryUsagePercent float64             `mapstructure:"maxMemoryUsagePercent" yaml:"maxMemoryUsagePercent" json:"maxMemoryUsagePercent"`
	MaxCPUUsagePercent    float64             `mapstructure:"maxCpuUsagePercent" yaml:"maxCpuUsagePercent" json:"maxCpuUsagePercent"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitBreaker" yaml:"circuitBreaker" json:"circuitBreaker"`

	// ThrottleFactor is applied to MaxMessagesPerSecond to get the pacing rate in the throttled state.
	ThrottleFactor float64      `mapstructure:"throttleFactor" yaml:"throttleFactor" json:"throttleFactor"`
	RateLimitAlg   RateLimitAlg `mapstructure:"rateLimitAlg" yaml:"rateLimitAlg" json:"rateLimitAlg"`

	BackpressureDelay config.TimeDuration `mapstructure:"backpressureDelay" yaml:"backpressureDelay" json:"backpressureDelay"`

	// AdaptiveDelayEnabled scales BackpressureDelay by how far the worst metric exceeds its limit (up to 10x).
	AdaptiveDelayEnabled bool `mapstructure:"adaptiveDelayEnabled" yaml:"adaptiveDelayEnabled" json:"adaptiveDelayEnabled"`

	// PropagateProcessorErrors makes Process return processor failures as errors instead of (false, nil).
	PropagateProcessorErrors bool `mapstructure:"propagateProcessorErrors" yaml:"propagateProcessorErrors" json:"propagateProcessorErrors"`

	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor" json:"monitor"`
	Adaptive AdaptiveConfig `mapstructure:"adaptive" yaml:"adaptive" json:"adaptive"`

	keyPrefix string
}

// BufferConfig configures buffer occupancy limits.
// Watermarks are fractions of MaxSize.
type BufferConfig struct {
	MaxSize       int     `mapstructure:"maxSize" yaml:"maxSize" json:"maxSize"`
	HighWatermark float64 `mapstructure:"highWatermark" yaml:"highWatermark" json:"highWatermark"`
	LowWatermark  float64 `mapstructure:"lowWatermark" yaml:"lowWatermark" json:"lowWatermark"`
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	ErrorThreshold int                 `mapstructure:"errorThreshold" yaml:"errorThreshold" json:"errorThreshold"`
	Timeout        config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// MetricsConfig configures the rolling windows of MetricsAggregator.
type MetricsConfig struct {
	SampleCapacity   int                 `mapstructure:"sampleCapacity" yaml:"sampleCapacity" json:"sampleCapacity"`
	ThroughputWindow config.TimeDuration `mapstructure:"throughputWindow" yaml:"throughputWindow" json:"throughputWindow"`
}

// MonitorConfig configures the background monitor.
type MonitorConfig struct {
	Interval config.TimeDuration `mapstructure:"interval" yaml:"interval" json:"interval"`
}

// AdaptiveConfig configures the adaptive tuner.
type AdaptiveConfig struct {
	Enabled  bool                `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Interval config.TimeDuration `mapstructure:"interval" yaml:"interval" json:"interval"`
	Step     float64             `mapstructure:"step" yaml:"step" json:"step"`

	MinMessagesPerSecond float64 `mapstructure:"minMessagesPerSecond" yaml:"minMessagesPerSecond" json:"minMessagesPerSecond"`

	// MaxMessagesPerSecond caps the tuned rate. Zero means no upper bound.
	MaxMessagesPerSecond float64 `mapstructure:"maxMessagesPerSecond" yaml:"maxMessagesPerSecond" json:"maxMessagesPerSecond"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)
var _ config.Validator = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

func makeConfigOptions(options []ConfigOption) configOptions {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

// NewConfig creates a new instance of the Config.
// Values are expected to be filled by config.Loader.
func NewConfig(options ...ConfigOption) *Config {
	return &Config{keyPrefix: makeConfigOptions(options).keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	return &Config{
		keyPrefix: makeConfigOptions(options).keyPrefix,
		Buffer: BufferConfig{
			MaxSize:       DefaultBufferMaxSize,
			HighWatermark: DefaultBufferHighWatermark,
			LowWatermark:  DefaultBufferLowWatermark,
		},
		MaxMessagesPerSecond:  DefaultMaxMessagesPerSecond,
		MaxProcessingLatency:  config.TimeDuration(DefaultMaxProcessingLatency),
		MaxErrorRate:          DefaultMaxErrorRate,
		MaxMemoryUsagePercent: DefaultMaxMemoryUsagePercent,
		MaxCPUUsagePercent:    DefaultMaxCPUUsagePercent,
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: DefaultCircuitBreakerErrorThreshold,
			Timeout:        config.TimeDuration(DefaultCircuitBreakerTimeout),
		},
		ThrottleFactor:    DefaultThrottleFactor,
		RateLimitAlg:      RateLimitAlgInterval,
		BackpressureDelay: config.TimeDuration(DefaultBackpressureDelay),
		Metrics: MetricsConfig{
			SampleCapacity:   DefaultMetricsSampleCapacity,
			ThroughputWindow: config.TimeDuration(DefaultMetricsThroughputWindow),
		},
		Monitor: MonitorConfig{
			Interval: config.TimeDuration(DefaultMonitorInterval),
		},
		Adaptive: AdaptiveConfig{
			Interval:             config.TimeDuration(DefaultAdaptiveInterval),
			Step:                 DefaultAdaptiveStep,
			MinMessagesPerSecond: DefaultAdaptiveMinMessagesPerSecond,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyBufferMaxSize, DefaultBufferMaxSize)
	dp.SetDefault(cfgKeyBufferHighWatermark, DefaultBufferHighWatermark)
	dp.SetDefault(cfgKeyBufferLowWatermark, DefaultBufferLowWatermark)
	dp.SetDefault(cfgKeyMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	dp.SetDefault(cfgKeyMaxProcessingLatency, DefaultMaxProcessingLatency)
	dp.SetDefault(cfgKeyMaxErrorRate, DefaultMaxErrorRate)
	dp.SetDefault(cfgKeyMaxMemoryUsagePercent, DefaultMaxMemoryUsagePercent)
	dp.SetDefault(cfgKeyMaxCPUUsagePercent, DefaultMaxCPUUsagePercent)
	dp.SetDefault(cfgKeyCircuitBreakerErrorThreshold, DefaultCircuitBreakerErrorThreshold)
	dp.SetDefault(cfgKeyCircuitBreakerTimeout, DefaultCircuitBreakerTimeout)
	dp.SetDefault(cfgKeyThrottleFactor, DefaultThrottleFactor)
	dp.SetDefault(cfgKeyRateLimitAlg, string(RateLimitAlgInterval))
	dp.SetDefault(cfgKeyBackpressureDelay, DefaultBackpressureDelay)
	dp.SetDefault(cfgKeyMetricsSampleCapacity, DefaultMetricsSampleCapacity)
	dp.SetDefault(cfgKeyMetricsThroughputWindow, DefaultMetricsThroughputWindow)
	dp.SetDefault(cfgKeyMonitorInterval, DefaultMonitorInterval)
	dp.SetDefault(cfgKeyAdaptiveInterval, DefaultAdaptiveInterval)
	dp.SetDefault(cfgKeyAdaptiveStep, DefaultAdaptiveStep)
	dp.SetDefault(cfgKeyAdaptiveMinMessagesPerSecond, DefaultAdaptiveMinMessagesPerSecond)
}

// Set sets flow control configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Buffer.MaxSize, err = dp.GetInt(cfgKeyBufferMaxSize); err != nil {
		return err
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{cfgKeyBufferHighWatermark, &c.Buffer.HighWatermark},
		{cfgKeyBufferLowWatermark, &c.Buffer.LowWatermark},
		{cfgKeyMaxMessagesPerSecond, &c.MaxMessagesPerSecond},
		{cfgKeyMaxErrorRate, &c.MaxErrorRate},
		{cfgKeyMaxMemoryUsagePercent, &c.MaxMemoryUsagePercent},
		{cfgKeyMaxCPUUsagePercent, &c.MaxCPUUsagePercent},
		{cfgKeyThrottleFactor, &c.ThrottleFactor},
		{cfgKeyAdaptiveStep, &c.Adaptive.Step},
		{cfgKeyAdaptiveMinMessagesPerSecond, &c.Adaptive.MinMessagesPerSecond},
		{cfgKeyAdaptiveMaxMessagesPerSecond, &c.Adaptive.MaxMessagesPerSecond},
	}
	for _, f := range floats {
		if *f.dst, err = dp.GetFloat64(f.key); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *config.TimeDuration
	}{
		{cfgKeyMaxProcessingLatency, &c.MaxProcessingLatency},
		{cfgKeyCircuitBreakerTimeout, &c.CircuitBreaker.Timeout},
		{cfgKeyBackpressureDelay, &c.BackpressureDelay},
		{cfgKeyMetricsThroughputWindow, &c.Metrics.ThroughputWindow},
		{cfgKeyMonitorInterval, &c.Monitor.Interval},
		{cfgKeyAdaptiveInterval, &c.Adaptive.Interval},
	}
	for _, d := range durations {
		var val time.Duration
		if val, err = dp.GetDuration(d.key); err != nil {
			return err
		}
		*d.dst = config.TimeDuration(val)
	}

	if c.CircuitBreaker.ErrorThreshold, err = dp.GetInt(cfgKeyCircuitBreakerErrorThreshold); err != nil {
		return err
	}
	if c.Metrics.SampleCapacity, err = dp.GetInt(cfgKeyMetricsSampleCapacity); err != nil {
		return err
	}

	var alg string
	if alg, err = dp.GetStringFromSet(cfgKeyRateLimitAlg, availableRateLimitAlgs, true); err != nil {
		return err
	}
	c.RateLimitAlg = RateLimitAlg(strings.ToLower(alg))

	if c.AdaptiveDelayEnabled, err = dp.GetBool(cfgKeyAdaptiveDelayEnabled); err != nil {
		return err
	}
	if c.PropagateProcessorErrors, err = dp.GetBool(cfgKeyPropagateProcessorErrors); err != nil {
		return err
	}
	if c.Adaptive.Enabled, err = dp.GetBool(cfgKeyAdaptiveEnabled); err != nil {
		return err
	}

	if key, vErr := c.validate(); vErr != nil {
		return dp.WrapKeyErr(key, vErr)
	}
	return nil
}

// Validate checks that all values are within their allowed ranges.
func (c *Config) Validate() error {
	if key, err := c.validate(); err != nil {
		return config.WrapKeyErr(c.KeyPrefix()+"."+key, err)
	}
	return nil
}

func (c *Config) validate() (key string, err error) {
	for _, f := range []struct {
		key string
		val float64
	}{
		{cfgKeyBufferHighWatermark, c.Buffer.HighWatermark},
		{cfgKeyBufferLowWatermark, c.Buffer.LowWatermark},
		{cfgKeyMaxMessagesPerSecond, c.MaxMessagesPerSecond},
		{cfgKeyMaxErrorRate, c.MaxErrorRate},
		{cfgKeyMaxMemoryUsagePercent, c.MaxMemoryUsagePercent},
		{cfgKeyMaxCPUUsagePercent, c.MaxCPUUsagePercent},
		{cfgKeyThrottleFactor, c.ThrottleFactor},
		{cfgKeyAdaptiveStep, c.Adaptive.Step},
		{cfgKeyAdaptiveMinMessagesPerSecond, c.Adaptive.MinMessagesPerSecond},
		{cfgKeyAdaptiveMaxMessagesPerSecond, c.Adaptive.MaxMessagesPerSecond},
	} {
		// NaN fails every comparison below, so it has to be rejected up front.
		if math.IsNaN(f.val) || math.IsInf(f.val, 0) {
			return f.key, errors.New("must be a finite number")
		}
	}

	switch {
	case c.Buffer.MaxSize <= 0:
		return cfgKeyBufferMaxSize, errors.New("must be > 0")
	case c.Buffer.HighWatermark <= 0 || c.Buffer.HighWatermark >= 1:
		return cfgKeyBufferHighWatermark, errors.New("must be in range (0, 1)")
	case c.Buffer.LowWatermark <= 0 || c.Buffer.LowWatermark >= 1:
		return cfgKeyBufferLowWatermark, errors.New("must be in range (0, 1)")
	case c.Buffer.LowWatermark >= c.Buffer.HighWatermark:
		return cfgKeyBufferLowWatermark, fmt.Errorf("must be less than %s (%v)", cfgKeyBufferHighWatermark, c.Buffer.HighWatermark)
	case c.MaxMessagesPerSecond <= 0:
		return cfgKeyMaxMessagesPerSecond, errors.New("must be > 0")
	case c.MaxProcessingLatency <= 0:
		return cfgKeyMaxProcessingLatency, errors.New("must be > 0")
	case c.MaxErrorRate < 0 || c.MaxErrorRate > 1:
		return cfgKeyMaxErrorRate, errors.New("must be in range [0, 1]")
	case c.MaxMemoryUsagePercent <= 0 || c.MaxMemoryUsagePercent > 100:
		return cfgKeyMaxMemoryUsagePercent, errors.New("must be in range (0, 100]")
	case c.MaxCPUUsagePercent <= 0 || c.MaxCPUUsagePercent > 100:
		return cfgKeyMaxCPUUsagePercent, errors.New("must be in range (0, 100]")
	case c.CircuitBreaker.ErrorThreshold <= 0:
		return cfgKeyCircuitBreakerErrorThreshold, errors.New("must be > 0")
	case c.CircuitBreaker.Timeout <= 0:
		return cfgKeyCircuitBreakerTimeout, errors.New("must be > 0")
	case c.ThrottleFactor <= 0 || c.ThrottleFactor >= 1:
		return cfgKeyThrottleFactor, errors.New("must be in range (0, 1)")
	case c.RateLimitAlg != RateLimitAlgInterval && c.RateLimitAlg != RateLimitAlgLeakyBucket:
		return cfgKeyRateLimitAlg, fmt.Errorf("unknown value %q, should be one of %v", c.RateLimitAlg, availableRateLimitAlgs)
	case c.BackpressureDelay < 0:
		return cfgKeyBackpressureDelay, errors.New("must be >= 0")
	case c.Metrics.SampleCapacity <= 0:
		return cfgKeyMetricsSampleCapacity, errors.New("must be > 0")
	case c.Metrics.ThroughputWindow <= 0:
		return cfgKeyMetricsThroughputWindow, errors.New("must be > 0")
	case c.Monitor.Interval <= 0:
		return cfgKeyMonitorInterval, errors.New("must be > 0")
	case c.Adaptive.Interval <= 0:
		return cfgKeyAdaptiveInterval, errors.New("must be > 0")
	case c.Adaptive.Step <= 0 || c.Adaptive.Step >= 1:
		return cfgKeyAdaptiveStep, errors.New("must be in range (0, 1)")
	case c.Adaptive.MinMessagesPerSecond <= 0:
		return cfgKeyAdaptiveMinMessagesPerSecond, errors.New("must be > 0")
	case c.Adaptive.MaxMessagesPerSecond != 0 && c.Adaptive.MaxMessagesPerSecond < c.Adaptive.MinMessagesPerSecond:
		return cfgKeyAdaptiveMaxMessagesPerSecond, fmt.Errorf("must be 0 or >= %s (%v)",
			cfgKeyAdaptiveMinMessagesPerSecond, c.Adaptive.MinMessagesPerSecond)
	}
	return "", nil
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
