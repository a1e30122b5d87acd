/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package config loads configuration of flow-control components (and the applications embedding them)
// from YAML/JSON files, readers and environment variables.
package config

// Config is a common interface for configuration objects that may be used by Loader.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is an interface for providing key prefix that will be used for configuration parameters.
type KeyPrefixProvider interface {
	KeyPrefix() string
}

// Validator is implemented by configuration objects that can check their invariants on their own,
// without a DataProvider (e.g. after being decoded with yaml.Unmarshal or constructed in code).
type Validator interface {
	Validate() error
}
