// Package config defines the engine run configuration. A Config is built
// explicitly (or loaded from YAML), validated once, and passed into
// constructors; it is never mutated after a run begins.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls run-wide engine behavior.
type Config struct {
	// StopOnFirstCrash drains the run after the first node failure instead
	// of continuing with branches independent of the failed node.
	StopOnFirstCrash bool `yaml:"stopOnFirstCrash"`

	// KeepInputs writes a resolved-inputs snapshot into each node's working
	// directory before execution.
	KeepInputs bool `yaml:"keepInputs"`

	// RemoveUnnecessaryOutputs prunes working files that are not part of
	// the committed output manifest after a node succeeds.
	RemoveUnnecessaryOutputs bool `yaml:"removeUnnecessaryOutputs"`

	// CrashDumpDir is where per-node crash dumps are written. Empty
	// disables dumps.
	CrashDumpDir string `yaml:"crashDumpDir"`

	// ResourceMonitorFrequency is how often resource-aware strategies log
	// their admission state. Zero disables the monitor.
	ResourceMonitorFrequency time.Duration `yaml:"resourceMonitorFrequency"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		StopOnFirstCrash:         true,
		ResourceMonitorFrequency: 30 * time.Second,
	}
}

// UnmarshalYAML accepts Go duration strings ("30s", "2m") for the frequency
// field. Fields absent from the document keep the values already set on the
// receiver.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type alias struct {
		StopOnFirstCrash         bool   `yaml:"stopOnFirstCrash"`
		KeepInputs               bool   `yaml:"keepInputs"`
		RemoveUnnecessaryOutputs bool   `yaml:"removeUnnecessaryOutputs"`
		CrashDumpDir             string `yaml:"crashDumpDir"`
		ResourceMonitorFrequency string `yaml:"resourceMonitorFrequency"`
	}
	aux := alias{
		StopOnFirstCrash:         c.StopOnFirstCrash,
		KeepInputs:               c.KeepInputs,
		RemoveUnnecessaryOutputs: c.RemoveUnnecessaryOutputs,
		CrashDumpDir:             c.CrashDumpDir,
	}
	if c.ResourceMonitorFrequency != 0 {
		aux.ResourceMonitorFrequency = c.ResourceMonitorFrequency.String()
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}

	c.StopOnFirstCrash = aux.StopOnFirstCrash
	c.KeepInputs = aux.KeepInputs
	c.RemoveUnnecessaryOutputs = aux.RemoveUnnecessaryOutputs
	c.CrashDumpDir = aux.CrashDumpDir
	if aux.ResourceMonitorFrequency == "" {
		c.ResourceMonitorFrequency = 0
		return nil
	}
	d, err := time.ParseDuration(aux.ResourceMonitorFrequency)
	if err != nil {
		return fmt.Errorf("resourceMonitorFrequency: %w", err)
	}
	c.ResourceMonitorFrequency = d
	return nil
}

// Validate checks the configuration for values that cannot be normalized.
func (c Config) Validate() error {
	if c.ResourceMonitorFrequency < 0 {
		return fmt.Errorf("resourceMonitorFrequency must not be negative, got %s", c.ResourceMonitorFrequency)
	}
	return nil
}

// Load reads a YAML configuration file. Fields absent from the file keep
// their Default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
