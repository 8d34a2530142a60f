// Package config defines the coordinator's configuration: the table names,
// column family, and tunable timing/batching constants it needs to run,
// loaded from a YAML file via gopkg.in/yaml.v2.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the coordinator's configuration.
type Config struct {
	// LookupTable is the logical name of the lookup table.
	LookupTable string `yaml:"lookupTable"`
	// CounterTable is the logical name of the counter table.
	CounterTable string `yaml:"counterTable"`
	// OccurrenceTable is the logical name of the occurrence table.
	OccurrenceTable string `yaml:"occTable"`
	// ColumnFamily is the single column family name used on every table.
	ColumnFamily string `yaml:"columnFamily"`
	// DatasetID is the default scope used by the single-argument overloads.
	DatasetID string `yaml:"datasetId,omitempty"`

	// BatchSize is the number of keys reserved per counter increment.
	BatchSize int `yaml:"batchSize"`
	// WaitBeforeRetry is the base backoff between lock-contention retries.
	WaitBeforeRetry duration `yaml:"waitBeforeRetry"`
	// WaitSkew is the jitter window applied to WaitBeforeRetry.
	WaitSkew duration `yaml:"waitSkew"`
	// StaleLockTime is how old a lock must be before it can be taken over.
	StaleLockTime duration `yaml:"staleLockTime"`
	// ClientCaching is the scan batch size used by findKeysByScope/deleteKey.
	ClientCaching int `yaml:"clientCaching"`
}

// duration unmarshals from a Go duration string ("5s", "5m") rather than
// yaml.v2's default of a bare integer nanosecond count, which nobody wants
// to hand-write in a config file.
type duration time.Duration

func (d *duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}

	*d = duration(parsed)

	return nil
}

// Default returns sensible timing and batching defaults, with no table
// names or dataset ID set.
func Default() Config {
	return Config{
		ColumnFamily:    "o",
		BatchSize:       100,
		WaitBeforeRetry: duration(5 * time.Second),
		WaitSkew:        duration(4 * time.Second),
		StaleLockTime:   duration(5 * time.Minute),
		ClientCaching:   200,
	}
}

// Load reads a YAML configuration file at path, starting from Default()
// so a caller need only override what they care about.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: could not read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: could not parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WaitBeforeRetryDuration returns WaitBeforeRetry as a time.Duration.
func (c Config) WaitBeforeRetryDuration() time.Duration { return time.Duration(c.WaitBeforeRetry) }

// WaitSkewDuration returns WaitSkew as a time.Duration.
func (c Config) WaitSkewDuration() time.Duration { return time.Duration(c.WaitSkew) }

// StaleLockTimeDuration returns StaleLockTime as a time.Duration.
func (c Config) StaleLockTimeDuration() time.Duration { return time.Duration(c.StaleLockTime) }

// Validate checks that the required table names are present.
func (c Config) Validate() error {
	if c.LookupTable == "" {
		return fmt.Errorf("config: lookupTable is required")
	}
	if c.CounterTable == "" {
		return fmt.Errorf("config: counterTable is required")
	}
	if c.OccurrenceTable == "" {
		return fmt.Errorf("config: occTable is required")
	}
	if c.ColumnFamily == "" {
		return fmt.Errorf("config: columnFamily is required")
	}

	return nil
}
