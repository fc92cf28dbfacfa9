// Package vault stores provider credentials in the OS keychain with an
// environment-variable fallback. A stored value may be a comma-separated
// list of API keys; Secrets splits it into individual credentials.
package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "modelrelay"

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores the credential value for the given provider in the OS keychain.
// The value may be a single key or a comma-separated list of keys.
func (v *Vault) Set(provider, value string) error {
	return keyring.Set(serviceName, provider, value)
}

// Get retrieves the raw credential value for the given provider. It first
// checks the OS keychain, then falls back to the environment variable
// MODELRELAY_KEY_{UPPER(provider)}.
func (v *Vault) Get(provider string) (string, error) {
	secret, err := keyring.Get(serviceName, provider)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := envVarFor(provider)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for provider %q: not in keychain and %s not set", provider, envKey)
}

// Secrets retrieves the credential value for the given provider and splits it
// into individual keys. A provider with no stored credentials returns an
// error; a value like "sk-a,sk-b" yields two keys, preserving order.
func (v *Vault) Secrets(provider string) ([]string, error) {
	raw, err := v.Get(provider)
	if err != nil {
		return nil, err
	}
	return SplitSecrets(raw), nil
}

// SplitSecrets splits a raw credential value on commas, trimming whitespace
// and dropping empty entries.
func SplitSecrets(raw string) []string {
	parts := strings.Split(raw, ",")
	secrets := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			secrets = append(secrets, s)
		}
	}
	return secrets
}

// Delete removes the credential for the given provider from the OS keychain.
func (v *Vault) Delete(provider string) error {
	return keyring.Delete(serviceName, provider)
}

// List returns the names from providerIDs that currently have credentials
// stored, checking both the keychain and environment variables.
func (v *Vault) List(providerIDs []string) []string {
	var have []string
	for _, id := range providerIDs {
		secret, err := keyring.Get(serviceName, id)
		if err == nil && secret != "" {
			have = append(have, id)
			continue
		}
		if os.Getenv(envVarFor(id)) != "" {
			have = append(have, id)
		}
	}
	return have
}

// envVarFor returns the fallback environment variable name for a provider.
func envVarFor(provider string) string {
	return "MODELRELAY_KEY_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}
