/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-flowcontrol/config"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfgData     string
		expectedCfg func() *Config
		expectedErr string
	}{
		{
			name:        "defaults",
			expectedCfg: func() *Config { return NewDefaultConfig() },
		},
		{
			name: "custom values",
			cfgData: `
server:
  address: "127.0.0.1:9090"
  timeouts:
    write: 2s
    read: 3s
    readHeader: 1s
    idle: 10s
    shutdown: 30s
  limits:
    maxBodySize: 64K
  log:
    requestStart: true
    slowRequestThreshold: 500ms
`,
			expectedCfg: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Address = "127.0.0.1:9090"
				cfg.Timeouts = TimeoutsConfig{
					Write:      config.TimeDuration(2 * time.Second),
					Read:       config.TimeDuration(3 * time.Second),
					ReadHeader: config.TimeDuration(time.Second),
					Idle:       config.TimeDuration(10 * time.Second),
					Shutdown:   config.TimeDuration(30 * time.Second),
				}
				cfg.Limits.MaxBodySize = 64 * 1024
				cfg.Log = LogConfig{RequestStart: true, SlowRequestThreshold: config.TimeDuration(500 * time.Millisecond)}
				return cfg
			},
		},
		{
			name:        "empty address",
			cfgData:     "server:\n  address: \"\"\n",
			expectedErr: "server.address: cannot be empty",
		},
		{
			name:        "invalid timeout",
			cfgData:     "server:\n  timeouts:\n    write: soon\n",
			expectedErr: "server.timeouts.write",
		},
		{
			name:        "invalid body size",
			cfgData:     "server:\n  limits:\n    maxBodySize: lots\n",
			expectedErr: "server.limits.maxBodySize",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(tt.cfgData), config.DataTypeYAML, cfg)
			if tt.expectedErr != "" {
				require.ErrorContains(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expectedCfg(), cfg)
		})
	}
}

func TestConfig_KeyPrefix(t *testing.T) {
	require.Equal(t, "server", NewConfig().KeyPrefix())
	require.Equal(t, "ingest.server", NewDefaultConfig(WithKeyPrefix("ingest.server")).KeyPrefix())
}
