/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package libinfo resolves the version of this library from the build info of the running binary.
package libinfo

import (
	"debug/buildinfo"
	"regexp"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const moduleName = "github.com/acronis/go-flowcontrol"

// PrometheusLibVersionLabel is the constant label added to all metrics exported by the library.
const PrometheusLibVersionLabel = "go_flowcontrol_version"

const unknownVersion = "v0.0.0"

// AddPrometheusLibVersionLabel returns a copy of labels with the library version label added.
func AddPrometheusLibVersionLabel(labels prometheus.Labels) prometheus.Labels {
	res := make(prometheus.Labels, len(labels)+1)
	for k, v := range labels {
		res[k] = v
	}
	res[PrometheusLibVersionLabel] = GetLibVersion()
	return res
}

var (
	libVersion     string
	libVersionOnce sync.Once
)

// GetLibVersion returns the library version, or v0.0.0 if it cannot be determined.
func GetLibVersion() string {
	libVersionOnce.Do(func() {
		if bi, ok := debug.ReadBuildInfo(); ok {
			libVersion = extractLibVersion(bi, moduleName)
		}
		if libVersion == "" {
			libVersion = unknownVersion
		}
	})
	return libVersion
}

// extractLibVersion looks for modName (optionally with a /vN major suffix)
// among the dependencies and then as the main module.
func extractLibVersion(bi *buildinfo.BuildInfo, modName string) string {
	if bi == nil {
		return ""
	}
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(modName) + `(/v[0-9]+)?$`)
	for _, dep := range bi.Deps {
		if re.MatchString(dep.Path) {
			if dep.Replace != nil && dep.Replace.Version != "" {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	if re.MatchString(bi.Main.Path) && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return ""
}
