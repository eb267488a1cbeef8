package config

import (
	"fmt"
	"os"
	"strings"

	koanf "github.com/knadh/koanf/v2"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kposflag "github.com/knadh/koanf/providers/posflag"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every environment variable FMTA reads
// (spec.md §6 "Environment variables consumed by the config loader").
const EnvPrefix = "FMTA_"

// Load builds a Config from, in increasing precedence order: defaults,
// an optional YAML file, environment variables prefixed with
// EnvPrefix, and command-line flags. flags may be nil to skip the
// flag layer (used by tests).
func Load(configFilePath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(kfile.Provider(configFilePath), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFilePath, err)
		}
	}

	envReplacer := strings.NewReplacer("_", "-")
	if err := k.Load(kenv.Provider(EnvPrefix, ".", func(name string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		return envReplacer.Replace(trimmed)
	}), nil); err != nil {
		return nil, fmt.Errorf("config: reading environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(kposflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("config: reading flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.EnsureDefaults()
	return &cfg, nil
}

// LoadFromDefaultFlagFile is a convenience wrapper used by cmd/fmtad:
// it reads the --config flag's value (if set) as the YAML file path.
func LoadFromDefaultFlagFile(flags *pflag.FlagSet) (*Config, error) {
	configFilePath, _ := flags.GetString("config")
	if configFilePath != "" {
		if _, err := os.Stat(configFilePath); err != nil {
			return nil, fmt.Errorf("config: %s: %w", configFilePath, err)
		}
	}
	return Load(configFilePath, flags)
}
