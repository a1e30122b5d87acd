/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package profserver

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-flowcontrol/config"
)

func TestConfig_Load(t *testing.T) {
	tests := []struct {
		name        string
		options     []ConfigOption
		cfgDataType config.DataType
		cfgData     string
		wantCfg     *Config
		wantErr     string
	}{
		{
			name:        "defaults",
			cfgDataType: config.DataTypeYAML,
			wantCfg:     NewDefaultConfig(),
		},
		{
			name:        "yaml",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "profServer:\n  enabled: true\n  address: \"0.0.0.0:6060\"\n",
			wantCfg:     &Config{Enabled: true, Address: "0.0.0.0:6060", keyPrefix: cfgDefaultKeyPrefix},
		},
		{
			name:        "json",
			cfgDataType: config.DataTypeJSON,
			cfgData:     `{"profServer": {"enabled": true}}`,
			wantCfg:     &Config{Enabled: true, Address: defaultAddress, keyPrefix: cfgDefaultKeyPrefix},
		},
		{
			name:        "custom key prefix",
			options:     []ConfigOption{WithKeyPrefix("debug.pprof")},
			cfgDataType: config.DataTypeYAML,
			cfgData:     "debug:\n  pprof:\n    enabled: true\n    address: \"127.0.0.1:7070\"\n",
			wantCfg:     &Config{Enabled: true, Address: "127.0.0.1:7070", keyPrefix: "debug.pprof"},
		},
		{
			name:        "error, empty address",
			cfgDataType: config.DataTypeYAML,
			cfgData:     "profServer:\n  address: \"\"\n",
			wantErr:     "profServer.address: cannot be empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig(tt.options...)
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(tt.cfgData), tt.cfgDataType, cfg)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantCfg, cfg)
		})
	}
}

func TestConfig_EnvVars(t *testing.T) {
	t.Setenv("FLOWDEMO_PROFSERVER_ENABLED", "true")
	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("flowdemo").LoadDefaults(cfg))
	require.True(t, cfg.Enabled)
	require.Equal(t, defaultAddress, cfg.Address)
}

func TestConfig_Unmarshal(t *testing.T) {
	want := &Config{Enabled: true, Address: "127.0.0.1:6061"}

	cfg := NewDefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte("enabled: true\naddress: 127.0.0.1:6061\n"), cfg))
	cfg.keyPrefix = ""
	require.Equal(t, want, cfg)

	cfg = NewDefaultConfig()
	require.NoError(t, json.Unmarshal([]byte(`{"enabled": true, "address": "127.0.0.1:6061"}`), cfg))
	cfg.keyPrefix = ""
	require.Equal(t, want, cfg)
}
