/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
)

// Loader fills configuration objects from a single DataProvider.
// Every object reads its own section: the one named by its KeyPrefix (see KeyPrefixProvider)
// or the root if it has no prefix. Defaults of all objects are registered before any value is read,
// and objects implementing Validator are validated once all of them are set.
type Loader struct {
	DataProvider DataProvider
}

// NewDefaultLoader creates a Loader backed by viper that also reads environment variables
// (e.g. FLOWDEMO_FLOWCONTROL_MAXMESSAGESPERSECOND for the "flowdemo" prefix).
func NewDefaultLoader(envVarsPrefix string) *Loader {
	va := NewViperAdapter()
	va.UseEnvVars(envVarsPrefix)
	return NewLoader(va)
}

// NewLoader creates a Loader for the given DataProvider.
func NewLoader(dp DataProvider) *Loader {
	return &Loader{DataProvider: dp}
}

// LoadFromFile reads the file and fills the configuration objects.
func (l *Loader) LoadFromFile(path string, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromFile(path, dataType); err != nil {
		return err
	}
	return l.load(append([]Config{cfg}, cfgs...))
}

// LoadFromReader reads the data and fills the configuration objects.
func (l *Loader) LoadFromReader(reader io.Reader, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromReader(reader, dataType); err != nil {
		return err
	}
	return l.load(append([]Config{cfg}, cfgs...))
}

// LoadDefaults fills the configuration objects without any file,
// from defaults and (if enabled) environment variables only.
func (l *Loader) LoadDefaults(cfg Config, cfgs ...Config) error {
	return l.load(append([]Config{cfg}, cfgs...))
}

type sectionBinding struct {
	cfg Config
	dp  DataProvider
}

func (l *Loader) bind(cfgs []Config) ([]sectionBinding, error) {
	bindings := make([]sectionBinding, 0, len(cfgs))
	usedPrefixes := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		kpProvider, ok := cfg.(KeyPrefixProvider)
		if !ok || kpProvider.KeyPrefix() == "" {
			bindings = append(bindings, sectionBinding{cfg, l.DataProvider})
			continue
		}
		prefix := kpProvider.KeyPrefix()
		// Two objects sharing a section would silently override each other's defaults
		// (e.g. two flow controls left with the default "flowControl" prefix).
		if _, dup := usedPrefixes[prefix]; dup {
			return nil, fmt.Errorf("key prefix %q is used by more than one configuration object", prefix)
		}
		usedPrefixes[prefix] = struct{}{}
		bindings = append(bindings, sectionBinding{cfg, NewKeyPrefixedDataProvider(l.DataProvider, prefix)})
	}
	return bindings, nil
}

func (l *Loader) load(cfgs []Config) error {
	bindings, err := l.bind(cfgs)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		b.cfg.SetProviderDefaults(b.dp)
	}
	for _, b := range bindings {
		if err = b.cfg.Set(b.dp); err != nil {
			return err
		}
	}
	for _, b := range bindings {
		if v, ok := b.cfg.(Validator); ok {
			if err = v.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
