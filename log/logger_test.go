/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger_FileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flow-{{pid}}.log")

	cfg := NewDefaultConfig()
	cfg.Output = OutputFile
	cfg.Level = LevelDebug
	cfg.File.Path = logPath

	logger, closeFn := NewLogger(cfg)
	logger.Debug("item admitted", String("flow", "orders"), Int("buffer", 3))
	logger.Infof("state changed to %s", "throttled")
	logger.With(String("flow", "orders")).Error("processor failed", Error(errors.New("boom")))
	logger.WithLevel(LevelError).Warn("must be dropped")
	closeFn()

	data, err := os.ReadFile(resolvePlaceholders(logPath))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "debug", entry["level"])
	require.Equal(t, "item admitted", entry["msg"])
	require.Equal(t, "orders", entry["flow"])
	require.EqualValues(t, 3, entry["buffer"])
	require.EqualValues(t, os.Getpid(), entry["pid"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	require.Equal(t, "state changed to throttled", entry["msg"])

	entry = map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "boom", entry["error"])
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flow.log")

	cfg := NewDefaultConfig()
	cfg.Output = OutputFile
	cfg.Level = LevelWarn
	cfg.File.Path = logPath

	logger, closeFn := NewLogger(cfg)
	logger.Info("skipped")
	logger.Debugf("skipped %d", 1)
	logger.Warn("circuit breaker opened")
	closeFn()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "\n"))
	require.Contains(t, string(data), "circuit breaker opened")
}

func TestNewLoggerWithOpts_StaticFields(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Fields = map[string]string{"service": "ingest", "instance": "ingest-1"}
	var buf bytes.Buffer
	logger, closeFn := NewLoggerWithOpts(cfg, LoggerOpts{Writer: &buf})
	logger.Info("flow control state changed from normal to throttled", String("to", "throttled"))
	closeFn()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "ingest", entry["service"])
	require.Equal(t, "ingest-1", entry["instance"])
	require.Equal(t, "throttled", entry["to"])
	require.EqualValues(t, os.Getpid(), entry["pid"])
}

func TestStaticFields(t *testing.T) {
	require.Nil(t, StaticFields(nil))
	fields := StaticFields(map[string]string{"zone": "eu", "app": "ingest"})
	require.Equal(t, []Field{String("app", "ingest"), String("zone", "eu")}, fields)
}

func TestResolvePlaceholders(t *testing.T) {
	path := resolvePlaceholders("/var/log/flow-{{pid}}-{{starttime}}.log")
	require.True(t, strings.HasPrefix(path, "/var/log/flow-"+strconv.Itoa(os.Getpid())+"-"))
	require.NotContains(t, path, "{{")
}

func TestDisabledLogger(t *testing.T) {
	logger := NewDisabledLogger()
	require.NotPanics(t, func() {
		logger.With(String("k", "v")).Error("nothing")
		logger.AtLevel(LevelError, func(logFunc LogFunc) { logFunc("nothing") })
	})
}
