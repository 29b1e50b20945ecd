// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the relay configuration file
// (config.yml in the working directory, per spec.md Sec. 6).
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	relayerrors "grimm.is/relay/internal/errors"
)

// DefaultConfigFileName is the default value of cmd/relay's -config
// flag.
const DefaultConfigFileName = "config.yml"

// Config is the top-level document at config.yml.
type Config struct {
	// Endpoint is the TCP port the control endpoint listens on, when
	// UseRestAPI is enabled.
	Endpoint int `yaml:"endpoint"`

	// UseRestAPI enables the control endpoint and identity-correlation
	// mode across all listeners (spec.md Sec. 4.8-4.9).
	UseRestAPI bool `yaml:"useRestApi"`

	// SavePlayerIP enables Identity Persistence (spec.md Sec. 4.4).
	SavePlayerIP bool `yaml:"savePlayerIP"`

	// Listeners is the set of forwarding rules. Required: a config
	// with a missing or non-array listeners field is a fatal startup
	// error.
	Listeners []Listener `yaml:"listeners"`
}

// Target describes the backend a listener forwards to.
type Target struct {
	Host string `yaml:"host"`
	TCP  int    `yaml:"tcp,omitempty"`
	UDP  int    `yaml:"udp,omitempty"`
}

// Listener is a single forwarding rule.
type Listener struct {
	Bind string `yaml:"bind"`
	// TCP is the listen port for TCP traffic. Zero means TCP is
	// inactive for this rule.
	TCP int `yaml:"tcp,omitempty"`
	// UDP is the listen port for UDP traffic. Zero means UDP is
	// inactive for this rule.
	UDP int `yaml:"udp,omitempty"`
	// Haproxy, if true, prepends a PROXY Protocol v2 preamble to
	// traffic forwarded to Target (spec.md calls this emit_ppv2).
	Haproxy bool `yaml:"haproxy,omitempty"`
	// Webhook is the notification URL fired for connect/disconnect
	// and identity-correlated events observed on this listener.
	// Empty or whitespace-only values are treated as disabled.
	Webhook string `yaml:"webhook,omitempty"`
	Target  Target `yaml:"target"`
}

// Default returns the default configuration written to disk when no
// config.yml is found.
func Default() *Config {
	return &Config{
		Endpoint:     6000,
		UseRestAPI:   false,
		SavePlayerIP: true,
		Listeners: []Listener{
			{
				Bind: "0.0.0.0",
				TCP:  25565,
				Target: Target{
					Host: "127.0.0.1",
					TCP:  25566,
				},
			},
		},
	}
}

// Load reads config.yml from path, writing and returning the default
// document if the file does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if writeErr := writeYAML(path, cfg); writeErr != nil {
			return nil, relayerrors.Wrapf(writeErr, relayerrors.KindInternal, "writing default config to %s", path)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, relayerrors.Wrapf(err, relayerrors.KindInternal, "reading config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, relayerrors.Wrapf(err, relayerrors.KindValidation, "parsing config %s", path)
	}

	// SavePlayerIP defaults to true, so "absent" and "false" must be
	// distinguished at the raw-document level before Config's zero
	// value (false) can be trusted.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err == nil {
		if _, present := raw["savePlayerIP"]; !present {
			cfg.SavePlayerIP = true
		}
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills in the scalar defaults the zero value of Config
// would otherwise leave as zero, which for Endpoint is not the
// intended default.
func applyDefaults(cfg *Config) {
	if cfg.Endpoint == 0 {
		cfg.Endpoint = 6000
	}
}

func writeYAML(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return AtomicWriteFile(path, data, 0o644)
}

// AtomicWriteFile writes data to path by writing to a sibling temp
// file and renaming over the destination, so a crash mid-write never
// leaves a truncated file. Used for both config.yml and the Identity
// Persistence document (internal/identitystore), generalizing the
// teacher's internal/auth.Store.save temp-file-then-rename idiom.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
