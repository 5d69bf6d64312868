// Package config loads the optional YAML configuration file shared by
// the protoserver and protoclient demo commands (SPEC_FULL.md §1 ADDED,
// §2 ADDED). The engine itself takes no configuration beyond the
// Options in internal/engine; this package exists purely for the demo
// binaries, grounded on tzrikka-timpani's config-file-plus-flags idiom.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the settings the demo commands need beyond what fits
// comfortably as CLI flags: a handful of fields, loaded from a YAML
// file when one is given and overridden by explicit flags at the call
// site.
type Config struct {
	// Addr is the TCP address to listen on (protoserver) or dial
	// (protoclient), e.g. "127.0.0.1:7200".
	Addr string `yaml:"addr"`

	// ProcessName identifies this process in the handshake (§4.4).
	ProcessName string `yaml:"process_name"`

	// LogLevel is a zerolog level name: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:        "127.0.0.1:7200",
		ProcessName: "protocore-demo",
		LogLevel:    "info",
	}
}

// Load reads a YAML config file from path, starting from Default() and
// overriding only the fields the file sets.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
