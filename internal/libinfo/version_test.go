/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package libinfo

import (
	"debug/buildinfo"
	"runtime/debug"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestExtractLibVersion(t *testing.T) {
	tests := []struct {
		name        string
		buildInfo   *buildinfo.BuildInfo
		expectedVer string
	}{
		{
			name:        "dependency",
			buildInfo:   &buildinfo.BuildInfo{Deps: []*debug.Module{{Path: moduleName, Version: "v1.2.3"}}},
			expectedVer: "v1.2.3",
		},
		{
			name:        "dependency, major version suffix",
			buildInfo:   &buildinfo.BuildInfo{Deps: []*debug.Module{{Path: moduleName + "/v2", Version: "v2.0.0"}}},
			expectedVer: "v2.0.0",
		},
		{
			name: "replaced dependency",
			buildInfo: &buildinfo.BuildInfo{Deps: []*debug.Module{
				{Path: moduleName, Version: "v1.0.0", Replace: &debug.Module{Path: "example.com/fork", Version: "v1.0.1"}},
			}},
			expectedVer: "v1.0.1",
		},
		{
			name:        "main module",
			buildInfo:   &buildinfo.BuildInfo{Main: debug.Module{Path: moduleName, Version: "v1.4.0"}},
			expectedVer: "v1.4.0",
		},
		{
			name:        "main module, devel build",
			buildInfo:   &buildinfo.BuildInfo{Main: debug.Module{Path: moduleName, Version: "(devel)"}},
			expectedVer: "",
		},
		{
			name:        "not found",
			buildInfo:   &buildinfo.BuildInfo{Deps: []*debug.Module{{Path: moduleName + "-extra", Version: "v1.0.0"}}},
			expectedVer: "",
		},
		{
			name:        "nil build info",
			expectedVer: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedVer, extractLibVersion(tt.buildInfo, moduleName))
		})
	}
}

func TestAddPrometheusLibVersionLabel(t *testing.T) {
	labels := prometheus.Labels{"flow": "orders"}
	res := AddPrometheusLibVersionLabel(labels)
	require.Equal(t, "orders", res["flow"])
	require.NotEmpty(t, res[PrometheusLibVersionLabel])
	require.NotContains(t, labels, PrometheusLibVersionLabel)
}
