// Package config loads the server configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, a
// YAML file, DOCDB_* environment variables, command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/andreyvit/docdb"
	"github.com/andreyvit/docdb/server"
)

const EnvPrefix = "DOCDB_"

type Config struct {
	Listen          string        `koanf:"listen"`
	DataDir         string        `koanf:"data_dir"`
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	Verbose         bool          `koanf:"verbose"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Bulk            Bulk          `koanf:"bulk"`
	Tenants         []Tenant      `koanf:"tenants"`
}

// Bulk holds the batch settings used when a client leaves them unset.
type Bulk struct {
	BatchSize          int `koanf:"batch_size"`
	MaxInFlightBatches int `koanf:"max_in_flight"`
}

type Tenant struct {
	Name string `koanf:"name"`
	// Engine is "cow" or "isam".
	Engine string `koanf:"engine"`
	Path   string `koanf:"path"`
	// Bundles is a ";" or "," separated list, e.g. "BulkInsert;Versioning".
	Bundles   string `koanf:"bundles"`
	Atomicity string `koanf:"atomicity"`
	Verbose   bool   `koanf:"verbose"`
}

var defaults = map[string]any{
	"listen":             "127.0.0.1:8040",
	"data_dir":           "data",
	"log_level":          "info",
	"log_format":         "text",
	"verbose":            false,
	"shutdown_timeout":   "10s",
	"bulk.batch_size":    docdb.DefaultBatchSize,
	"bulk.max_in_flight": docdb.DefaultMaxInFlightBatches,
}

// Flags registers the command-line flags understood by Load.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "YAML configuration file")
	fs.String("listen", defaults["listen"].(string), "HTTP listen address")
	fs.String("data_dir", defaults["data_dir"].(string), "directory holding tenant databases")
	fs.String("log_level", defaults["log_level"].(string), "debug, info, warn or error")
	fs.String("log_format", defaults["log_format"].(string), "text or json")
	fs.BoolP("verbose", "v", false, "log every write")
	fs.Duration("shutdown_timeout", 10*time.Second, "how long to wait for requests on shutdown")
	fs.Int("bulk.batch_size", docdb.DefaultBatchSize, "default bulk insert batch size")
	fs.Int("bulk.max_in_flight", docdb.DefaultMaxInFlightBatches, "default number of queued or committing batches per session")
}

// Load reads the configuration. fs may be nil; otherwise it must have been
// set up by Flags and parsed, and its "config" flag names the YAML file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	path := ""
	if fs != nil {
		path, _ = fs.GetString("config")
	}
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	return load(path, fs)
}

func load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, errors.Wrap(err, "defaults")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading %s", path)
		}
	}
	// DOCDB_BULK__BATCH_SIZE sets bulk.batch_size
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "environment")
	}
	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, errors.Wrap(err, "flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	if c.Bulk.BatchSize < 0 || c.Bulk.MaxInFlightBatches < 0 {
		return fmt.Errorf("bulk settings must not be negative")
	}
	_, err := c.ServerTenants()
	return err
}

func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// ServerTenants converts the tenant list for server.Options.
func (c *Config) ServerTenants() ([]server.TenantConfig, error) {
	result := make([]server.TenantConfig, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		tc := server.TenantConfig{
			Name:    t.Name,
			Path:    t.Path,
			Verbose: t.Verbose || c.Verbose,
		}
		var err error
		if t.Engine != "" {
			tc.Engine, err = docdb.ParseEngineKind(t.Engine)
			if err != nil {
				return nil, fmt.Errorf("tenant %q: %w", t.Name, err)
			}
		}
		if t.Atomicity != "" {
			tc.Atomicity, err = docdb.ParseAtomicityMode(t.Atomicity)
			if err != nil {
				return nil, fmt.Errorf("tenant %q: %w", t.Name, err)
			}
		}
		tc.ActiveBundles, err = server.ParseBundles(t.Bundles)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", t.Name, err)
		}
		result = append(result, tc)
	}
	return result, nil
}

func (c *Config) ServerOptions(logger *slog.Logger) (server.Options, error) {
	tenants, err := c.ServerTenants()
	if err != nil {
		return server.Options{}, err
	}
	return server.Options{
		Tenants: tenants,
		DataDir: c.DataDir,
		Logger:  logger,
		BulkDefaults: docdb.BulkInsertOptions{
			BatchSize:          c.Bulk.BatchSize,
			MaxInFlightBatches: c.Bulk.MaxInFlightBatches,
		},
	}, nil
}
