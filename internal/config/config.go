package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/idanyas/nearspeed/internal/data"
	"github.com/idanyas/nearspeed/internal/location"
	"github.com/idanyas/nearspeed/internal/output"
)

const (
	defaultRuns        = 2
	defaultMode        = int(data.ModeAll)
	defaultDialTimeout = 30 * time.Second
	envPrefix          = "NEARSPEED_"
)

// Config holds every setting of a run. The same struct is used for the
// YAML file, where zero values mean "not set".
type Config struct {
	Server      string        `yaml:"server,omitempty"`
	Directory   string        `yaml:"directory,omitempty"`
	Runs        int           `yaml:"runs,omitempty"`
	Mode        int           `yaml:"mode,omitempty"`
	Format      string        `yaml:"format,omitempty"`
	Debug       int           `yaml:"debug,omitempty"`
	Verbose     bool          `yaml:"verbose,omitempty"`
	TLS         bool          `yaml:"tls,omitempty"`
	Insecure    bool          `yaml:"insecure,omitempty"`
	Nameservers []string      `yaml:"nameservers,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
}

func Defaults() Config {
	return Config{
		Directory:   location.DirectoryHost,
		Runs:        defaultRuns,
		Mode:        defaultMode,
		Format:      output.FormatDefault,
		DialTimeout: defaultDialTimeout,
	}
}

// DefaultPath is $XDG_CONFIG_HOME/nearspeed/config.yaml, falling back to
// ~/.config. It is empty when no home directory is known.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "nearspeed", "config.yaml")
}

// Load reads a YAML config file. A missing file is not an error unless
// required is set.
func Load(path string, required bool) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.Format != "" && !output.Supported(cfg.Format) {
		return nil, fmt.Errorf("invalid config file: output format not supported: %s", cfg.Format)
	}
	return &cfg, nil
}

// Merge layers defaults, the config file, the environment and the flags
// that were explicitly set, in that order of precedence.
func Merge(file *Config, getenv func(string) string, flags Config, flagsSet map[string]bool, warn io.Writer) Config {
	result := Defaults()

	if file != nil {
		if file.Server != "" {
			result.Server = file.Server
		}
		if file.Directory != "" {
			result.Directory = file.Directory
		}
		if file.Runs > 0 {
			result.Runs = file.Runs
		}
		if file.Mode > 0 {
			result.Mode = file.Mode
		}
		if file.Format != "" {
			result.Format = file.Format
		}
		if file.Debug > 0 {
			result.Debug = file.Debug
		}
		if file.DialTimeout > 0 {
			result.DialTimeout = file.DialTimeout
		}
		if len(file.Nameservers) > 0 {
			result.Nameservers = file.Nameservers
		}
		result.Verbose = file.Verbose
		result.TLS = file.TLS
		result.Insecure = file.Insecure
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if val := getenv(envPrefix + "SERVER"); val != "" {
		result.Server = val
	}
	if val := getenv(envPrefix + "FORMAT"); val != "" {
		result.Format = val
	}
	if val := getenv(envPrefix + "NAMESERVERS"); val != "" {
		result.Nameservers = splitList(val)
	}
	envInt(getenv, "RUNS", &result.Runs, warn)
	envInt(getenv, "MODE", &result.Mode, warn)

	if flagsSet["server"] {
		result.Server = flags.Server
	}
	if flagsSet["directory"] && flags.Directory != "" {
		result.Directory = flags.Directory
	}
	if flagsSet["runs"] {
		result.Runs = flags.Runs
	}
	if flagsSet["mode"] {
		result.Mode = flags.Mode
	}
	if flagsSet["format"] {
		result.Format = flags.Format
	}
	if flagsSet["debug"] {
		result.Debug = flags.Debug
	}
	if flagsSet["verbose"] {
		result.Verbose = flags.Verbose
	}
	if flagsSet["tls"] {
		result.TLS = flags.TLS
	}
	if flagsSet["insecure"] {
		result.Insecure = flags.Insecure
	}
	if flagsSet["dns"] {
		result.Nameservers = flags.Nameservers
	}
	if flagsSet["dial-timeout"] {
		result.DialTimeout = flags.DialTimeout
	}

	result.Format = strings.ToLower(result.Format)
	return result
}

func (c Config) Validate() error {
	if c.Runs < 1 {
		return fmt.Errorf("invalid runs: %d (must be at least 1)", c.Runs)
	}
	if c.Mode < int(data.ModeDownload) || c.Mode > int(data.ModeAll) {
		return fmt.Errorf("invalid mode: %d (must be 1-7)", c.Mode)
	}
	if c.Debug < 0 {
		return fmt.Errorf("invalid debug level: %d (must be positive)", c.Debug)
	}
	if !output.Supported(c.Format) {
		return fmt.Errorf("output format not supported: '%s'", c.Format)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("invalid dial timeout: %s (must be positive)", c.DialTimeout)
	}
	if c.Directory == "" {
		return errors.New("directory host must not be empty")
	}
	return nil
}

func envInt(getenv func(string) string, key string, dst *int, warn io.Writer) {
	val := getenv(envPrefix + key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		if warn != nil {
			fmt.Fprintf(warn, "nearspeed: warning: invalid %s%s value '%s' (must be integer), ignoring\n", envPrefix, key, val)
		}
		return
	}
	*dst = n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
