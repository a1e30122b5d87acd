/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"strings"
	"time"
)

// KeyPrefixedDataProvider is a view of a DataProvider section: every key is resolved relative to the prefix,
// so "maxMessagesPerSecond" read with the "ingest.flowControl" prefix is "ingest.flowControl.maxMessagesPerSecond".
// Sources (files, readers, environment variables) are shared with the underlying provider.
type KeyPrefixedDataProvider struct {
	DataProvider
	keyPrefix string
}

var _ DataProvider = (*KeyPrefixedDataProvider)(nil)

// NewKeyPrefixedDataProvider creates a new KeyPrefixedDataProvider.
// Prefixing an already prefixed provider yields a flat view with the joined prefix.
func NewKeyPrefixedDataProvider(delegate DataProvider, keyPrefix string) *KeyPrefixedDataProvider {
	if parent, ok := delegate.(*KeyPrefixedDataProvider); ok {
		return &KeyPrefixedDataProvider{DataProvider: parent.DataProvider, keyPrefix: joinKeys(parent.keyPrefix, keyPrefix)}
	}
	return &KeyPrefixedDataProvider{DataProvider: delegate, keyPrefix: strings.Trim(keyPrefix, ".")}
}

// KeyPrefix returns the full prefix of the section.
func (kp *KeyPrefixedDataProvider) KeyPrefix() string {
	return kp.keyPrefix
}

func joinKeys(prefix, key string) string {
	return strings.Trim(prefix+"."+key, ".")
}

// Set sets the override value for the key of the section.
func (kp *KeyPrefixedDataProvider) Set(key string, value interface{}) {
	kp.DataProvider.Set(joinKeys(kp.keyPrefix, key), value)
}

// SetDefault sets the default value for the key of the section.
func (kp *KeyPrefixedDataProvider) SetDefault(key string, value interface{}) {
	kp.DataProvider.SetDefault(joinKeys(kp.keyPrefix, key), value)
}

// IsSet reports whether the key of the section is set in any source.
func (kp *KeyPrefixedDataProvider) IsSet(key string) bool {
	return kp.DataProvider.IsSet(joinKeys(kp.keyPrefix, key))
}

// Get returns the raw value of the key of the section.
func (kp *KeyPrefixedDataProvider) Get(key string) interface{} {
	return kp.DataProvider.Get(joinKeys(kp.keyPrefix, key))
}

// GetBool returns the key of the section as a bool.
func (kp *KeyPrefixedDataProvider) GetBool(key string) (bool, error) {
	return kp.DataProvider.GetBool(joinKeys(kp.keyPrefix, key))
}

// GetInt returns the key of the section as an int.
func (kp *KeyPrefixedDataProvider) GetInt(key string) (int, error) {
	return kp.DataProvider.GetInt(joinKeys(kp.keyPrefix, key))
}

// GetFloat64 returns the key of the section as a float64.
func (kp *KeyPrefixedDataProvider) GetFloat64(key string) (float64, error) {
	return kp.DataProvider.GetFloat64(joinKeys(kp.keyPrefix, key))
}

// GetString returns the key of the section as a string.
func (kp *KeyPrefixedDataProvider) GetString(key string) (string, error) {
	return kp.DataProvider.GetString(joinKeys(kp.keyPrefix, key))
}

// GetStringFromSet returns the key of the section as one of the strings from set.
func (kp *KeyPrefixedDataProvider) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	return kp.DataProvider.GetStringFromSet(joinKeys(kp.keyPrefix, key), set, ignoreCase)
}

// GetDuration returns the key of the section as a time.Duration.
func (kp *KeyPrefixedDataProvider) GetDuration(key string) (time.Duration, error) {
	return kp.DataProvider.GetDuration(joinKeys(kp.keyPrefix, key))
}

// GetByteSize returns the key of the section as a ByteSize.
func (kp *KeyPrefixedDataProvider) GetByteSize(key string) (ByteSize, error) {
	return kp.DataProvider.GetByteSize(joinKeys(kp.keyPrefix, key))
}

// UnmarshalKey decodes the key of the section into rawVal.
func (kp *KeyPrefixedDataProvider) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	return kp.DataProvider.UnmarshalKey(joinKeys(kp.keyPrefix, key), rawVal, opts...)
}

// WrapKeyErr annotates err with the full key, e.g. "ingest.flowControl.buffer.maxSize: must be > 0".
func (kp *KeyPrefixedDataProvider) WrapKeyErr(key string, err error) error {
	return WrapKeyErr(joinKeys(kp.keyPrefix, key), err)
}
