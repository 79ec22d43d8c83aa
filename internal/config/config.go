// internal/config/config.go
//
// Runner configuration. Every setting has a default (defaultConfigYAML); a
// YAML file only needs to name what it overrides.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. A missing file is not an error.
const DefaultPath = "model-runner.yaml"

// Forecaster kinds
const (
	ForecasterCommand = "command"
	ForecasterDryRun  = "dry-run"
)

const defaultConfigYAML = `# model runner configuration
country: USA
countries: [USA]

outputs:
  county: results/county
  state: results/state

# run ledger (SQLite). Set to "" to disable.
database: model-runner.db

forecaster:
  kind: command
  # argv template; placeholders: {level} {start} {end} {output} {country} {region}
  command:
    - pyseir
    - run-{level}-forecast
    - --min-date
    - "{start}"
    - --max-date
    - "{end}"
    - --output-dir
    - "{output}"
    - --country
    - "{country}"
    - --state
    - "{region}"

revision:
  repo_dir: .

api:
  addr: ":8080"
  # upper bound for a run started through the API
  run_timeout: 12h

publish:
  enabled: false
  prefix: model-runs
  use_ssl: true
  workers: 4
  max_attempts: 3
`

// Outputs are the default output locations per aggregation level
type Outputs struct {
	County string `yaml:"county"`
	State  string `yaml:"state"`
}

// Forecaster selects and configures the forecasting collaborator
type Forecaster struct {
	Kind    string   `yaml:"kind"`
	Command []string `yaml:"command"`
	Workdir string   `yaml:"workdir,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	Regions []string `yaml:"regions,omitempty"` // dry-run only
}

// Revision configures where the revision is read from
type Revision struct {
	RepoDir string `yaml:"repo_dir"`
}

// API configures the HTTP server
type API struct {
	Addr       string `yaml:"addr"`
	RunTimeout string `yaml:"run_timeout"`
}

// Publish configures mirroring of stamped output locations to object storage
type Publish struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region,omitempty"`

	// concurrent artifact uploads
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
}

// Config models model-runner.yaml
type Config struct {
	Country    string     `yaml:"country"`
	Countries  []string   `yaml:"countries"`
	Outputs    Outputs    `yaml:"outputs"`
	Database   string     `yaml:"database"`
	Forecaster Forecaster `yaml:"forecaster"`
	Revision   Revision   `yaml:"revision"`
	API        API        `yaml:"api"`
	Publish    Publish    `yaml:"publish"`
}

// Default returns the built-in configuration
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &cfg); err != nil {
		panic(fmt.Sprintf("config: default config is invalid: %v", err))
	}
	return cfg
}

// DefaultYAML returns the default configuration document, e.g. for `init`
func DefaultYAML() string {
	return defaultConfigYAML
}

// Load reads path over the defaults. If path is empty, DefaultPath is tried
// and silently skipped when absent. Credentials for publishing may also come
// from MODEL_RUNNER_S3_ACCESS_KEY / MODEL_RUNNER_S3_SECRET_KEY.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if v := os.Getenv("MODEL_RUNNER_S3_ACCESS_KEY"); v != "" {
		cfg.Publish.AccessKey = v
	}
	if v := os.Getenv("MODEL_RUNNER_S3_SECRET_KEY"); v != "" {
		cfg.Publish.SecretKey = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// Validate checks the settings a run depends on
func (c Config) Validate() error {
	if strings.TrimSpace(c.Country) == "" {
		return errors.New("config: country is required")
	}
	if strings.TrimSpace(c.Outputs.County) == "" || strings.TrimSpace(c.Outputs.State) == "" {
		return errors.New("config: outputs.county and outputs.state are required")
	}
	switch c.Forecaster.Kind {
	case ForecasterCommand:
		if len(c.Forecaster.Command) == 0 {
			return errors.New("config: forecaster.command is required for kind command")
		}
	case ForecasterDryRun:
	default:
		return fmt.Errorf("config: unknown forecaster.kind %q (expected %s|%s)", c.Forecaster.Kind, ForecasterCommand, ForecasterDryRun)
	}
	if c.Publish.Enabled {
		if c.Publish.Endpoint == "" || c.Publish.Bucket == "" {
			return errors.New("config: publish.endpoint and publish.bucket are required when publishing is enabled")
		}
		if c.Publish.AccessKey == "" || c.Publish.SecretKey == "" {
			return errors.New("config: publish credentials are required when publishing is enabled")
		}
	}
	return nil
}

// OutputFor returns the configured default output location for level ("county" or "state")
func (c Config) OutputFor(level string) string {
	if level == "county" {
		return c.Outputs.County
	}
	return c.Outputs.State
}
