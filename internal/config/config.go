// Package config loads the syncvault configuration file.
//
// A file is YAML (.yaml, .yml) or TOML (.toml). After decoding, defaults are
// filled in and the result is checked against an embedded CUE schema, so
// every violation is reported together.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	homedir "github.com/mitchellh/go-homedir"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks when --config is not given.
const DefaultPath = "~/.syncvault/config.yaml"

// Backing kinds.
const (
	BackingMemory = "memory"
	BackingSQLite = "sqlite"
	BackingFS     = "fs"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: "Go duration such as 500ms, 5s or 1m"}
}

// Retry configures remote retry backoff, in units of Unit.
type Retry struct {
	Unit          Duration `yaml:"unit" toml:"unit" json:"unit" jsonschema:"description=Length of one backoff unit"`
	InitialUnits  int      `yaml:"initial_units" toml:"initial_units" json:"initial_units" jsonschema:"description=First delay in units"`
	MaxUnits      int      `yaml:"max_units" toml:"max_units" json:"max_units" jsonschema:"description=Largest single delay in units"`
	TotalCapUnits int      `yaml:"total_cap_units" toml:"total_cap_units" json:"total_cap_units" jsonschema:"description=Accumulated delay after which retrying stops"`
}

// Remote is one configured peer.
type Remote struct {
	ID      string `yaml:"id" toml:"id" json:"id" jsonschema:"required,description=Name of the remote"`
	Address string `yaml:"address" toml:"address" json:"address" jsonschema:"required,description=gRPC address (host:port)"`
	// Pull and Push are name prefixes such as "mail/storage". Empty means
	// every path.
	Pull []string `yaml:"pull,omitempty" toml:"pull,omitempty" json:"pull,omitempty" jsonschema:"description=Path prefixes pulled from this remote"`
	Push []string `yaml:"push,omitempty" toml:"push,omitempty" json:"push,omitempty" jsonschema:"description=Path prefixes pushed to this remote"`
}

// Config is the decoded configuration.
type Config struct {
	Root         string   `yaml:"root" toml:"root" json:"root" jsonschema:"required,description=Storage root id of this replica"`
	DataDir      string   `yaml:"data_dir,omitempty" toml:"data_dir,omitempty" json:"data_dir,omitempty" jsonschema:"description=Directory for the store and identity (~ is expanded)"`
	Backing      string   `yaml:"backing,omitempty" toml:"backing,omitempty" json:"backing,omitempty" jsonschema:"enum=memory,enum=sqlite,enum=fs,description=Where items are stored"`
	LockTimeout  Duration `yaml:"lock_timeout,omitempty" toml:"lock_timeout,omitempty" json:"lock_timeout,omitempty" jsonschema:"description=Bounded wait for the root lock"`
	SyncInterval Duration `yaml:"sync_interval,omitempty" toml:"sync_interval,omitempty" json:"sync_interval,omitempty" jsonschema:"description=Time between sync cycles"`
	Listen       string   `yaml:"listen,omitempty" toml:"listen,omitempty" json:"listen,omitempty" jsonschema:"description=Address the serve command listens on"`
	Retry        Retry    `yaml:"retry,omitempty" toml:"retry,omitempty" json:"retry" jsonschema:"description=Retry backoff"`
	Remotes      []Remote `yaml:"remotes,omitempty" toml:"remotes,omitempty" json:"remotes,omitempty" jsonschema:"description=Configured remotes"`
	Debug        bool     `yaml:"debug,omitempty" toml:"debug,omitempty" json:"debug,omitempty" jsonschema:"description=Log at debug level"`
}

// Default returns a configuration with every default applied and no root.
func Default() Config {
	return Config{
		DataDir:      "~/.syncvault",
		Backing:      BackingSQLite,
		LockTimeout:  Duration(5 * time.Second),
		SyncInterval: Duration(30 * time.Second),
		Listen:       "127.0.0.1:7443",
		Retry: Retry{
			Unit:          Duration(time.Second),
			InitialUnits:  1,
			MaxUnits:      32,
			TotalCapUnits: 600,
		},
	}
}

// applyDefaults fills zero fields from Default.
func (c *Config) applyDefaults() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Backing == "" {
		c.Backing = def.Backing
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Retry == (Retry{}) {
		c.Retry = def.Retry
	}
}

// homedirExpand is replaced in tests.
var homedirExpand = homedir.Expand

// Load reads the file at path from fs, applies defaults, expands ~ in
// DataDir and validates the result.
func Load(fs afero.Fs, path string) (Config, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Config{}, fmt.Errorf("expand config path: %w", err)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext, applies defaults, and
// validates the result.
func Parse(data []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}
	cfg.applyDefaults()
	dir, err := homedirExpand(cfg.DataDir)
	if err != nil {
		return Config{}, fmt.Errorf("expand data_dir: %w", err)
	}
	cfg.DataDir = dir
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write encodes cfg in the format named by path's extension.
func Write(fs afero.Fs, path string, cfg Config) error {
	path, err := homedirExpand(path)
	if err != nil {
		return fmt.Errorf("expand config path: %w", err)
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		data, err = toml.Marshal(cfg)
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return afero.WriteFile(fs, path, data, 0o600)
}

// Remote returns the remote named id.
func (c Config) Remote(id string) (Remote, bool) {
	for _, r := range c.Remotes {
		if r.ID == id {
			return r, true
		}
	}
	return Remote{}, false
}
