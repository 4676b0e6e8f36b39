// Package config loads and validates the server's TOML configuration,
// including the endpoint string and database engine forms.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ErrInvalid occurs for malformed TOML, missing required keys, bad endpoint
// or engine strings, and filesystem conflicts on output paths. It prevents
// startup.
var ErrInvalid = errors.New("invalid configuration")

// Defaults applied when the TOML file omits the keys.
const (
	DefaultRecordFile   = "records.csv"
	DefaultMetadataFile = "metadata.json"
	DefaultTimesFile    = "times.json"
	DefaultChunkSize    = 1000
	DefaultBacklog      = 50
	DefaultLogFormat    = "console"
)

// Config is the root of the TOML file.
type Config struct {
	Experiment ExperimentConfig `toml:"experiment"`
	Output     OutputConfig     `toml:"output"`
	Database   DatabaseConfig   `toml:"database"`
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`
}

// ExperimentConfig names the run and seeds per-instance metadata.
type ExperimentConfig struct {
	Name            string            `toml:"name"`
	Description     string            `toml:"description"`
	DefaultMetadata map[string]string `toml:"default_metadata"`
}

// OutputConfig locates the export artifacts.
type OutputConfig struct {
	Directory    string `toml:"directory"`
	RecordFile   string `toml:"record_file"`
	MetadataFile string `toml:"metadata_file"`
	TimesFile    string `toml:"times_file"`
	Compress     bool   `toml:"compress"`
}

// DatabaseConfig selects the store engine.
type DatabaseConfig struct {
	Engine          string `toml:"engine"`
	RecordChunkSize int    `toml:"record_chunksize"`
	Persist         bool   `toml:"persist"`
}

// ServerConfig describes the listen endpoint.
type ServerConfig struct {
	Endpoint       string `toml:"endpoint"`
	Backlog        int    `toml:"backlog"`
	StatusEndpoint string `toml:"status_endpoint"`
}

// LogConfig selects the log output format.
type LogConfig struct {
	Format string `toml:"format"`
}

// Engine kinds parsed from database.engine.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Engine is the parsed database.engine value. For sqlite, Path is the
// database file; for postgres, DSN is the full connection string.
type Engine struct {
	Kind string
	Path string
	DSN  string
}

// Endpoint is the parsed server.endpoint value.
type Endpoint struct {
	// Network is "unix", "tcp4" or "tcp6", usable with net.Listen.
	Network string
	// Address is the socket path or host:port.
	Address string
}

// Load reads, decodes and validates the configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer f.Close()

	var cfg Config
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Output.RecordFile == "" {
		c.Output.RecordFile = DefaultRecordFile
	}
	if c.Output.MetadataFile == "" {
		c.Output.MetadataFile = DefaultMetadataFile
	}
	if c.Output.TimesFile == "" {
		c.Output.TimesFile = DefaultTimesFile
	}
	if c.Database.RecordChunkSize == 0 {
		c.Database.RecordChunkSize = DefaultChunkSize
	}
	if c.Server.Backlog == 0 {
		c.Server.Backlog = DefaultBacklog
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Experiment.DefaultMetadata == nil {
		c.Experiment.DefaultMetadata = map[string]string{}
	}
}

func (c *Config) validate() error {
	if c.Experiment.Name == "" {
		return fmt.Errorf("%w: experiment.name is required", ErrInvalid)
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("%w: output.directory is required", ErrInvalid)
	}
	if c.Database.Engine == "" {
		return fmt.Errorf("%w: database.engine is required", ErrInvalid)
	}
	if c.Server.Endpoint == "" {
		return fmt.Errorf("%w: server.endpoint is required", ErrInvalid)
	}
	if c.Database.RecordChunkSize < 1 {
		return fmt.Errorf("%w: database.record_chunksize must be positive", ErrInvalid)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format must be console or json", ErrInvalid)
	}

	if _, err := c.ParseEngine(); err != nil {
		return err
	}
	if _, err := c.ParseEndpoint(); err != nil {
		return err
	}

	if err := os.MkdirAll(c.Output.Directory, 0o755); err != nil {
		return fmt.Errorf("%w: output.directory: %v", ErrInvalid, err)
	}
	for _, p := range []string{c.RecordPath(), c.MetadataPath(), c.TimesPath()} {
		info, err := os.Stat(p)
		if err == nil && info.IsDir() {
			return fmt.Errorf("%w: output target %s is a directory", ErrInvalid, p)
		}
	}

	return nil
}

// RecordPath is the records file target; ".gz" is appended when
// output.compress is set.
func (c *Config) RecordPath() string {
	name := c.Output.RecordFile
	if c.Output.Compress {
		name += ".gz"
	}
	return filepath.Join(c.Output.Directory, name)
}

// MetadataPath is the metadata file target.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.Output.Directory, c.Output.MetadataFile)
}

// TimesPath is the times file target.
func (c *Config) TimesPath() string {
	return filepath.Join(c.Output.Directory, c.Output.TimesFile)
}

// ParseEngine interprets database.engine: "sqlite://<path>" or a
// "postgres://…" DSN.
func (c *Config) ParseEngine() (Engine, error) {
	raw := c.Database.Engine
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return Engine{}, fmt.Errorf("%w: sqlite engine needs a file path", ErrInvalid)
		}
		return Engine{Kind: EngineSQLite, Path: path}, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return Engine{Kind: EnginePostgres, DSN: raw}, nil
	default:
		return Engine{}, fmt.Errorf("%w: unsupported database engine %q (use sqlite:// or postgres://)", ErrInvalid, raw)
	}
}

// ParseEndpoint interprets server.endpoint. Three forms:
//
//	unix:/absolute/path
//	tcp4:<port>:interface=<ipv4-addr>
//	tcp6:<port>:interface=<ipv6-addr>
//
// The interface part is optional; without it the listener binds every
// interface of the address family.
func (c *Config) ParseEndpoint() (Endpoint, error) {
	raw := c.Server.Endpoint
	kind, rest, found := strings.Cut(raw, ":")
	if !found {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q has no type prefix", ErrInvalid, raw)
	}

	switch kind {
	case "unix":
		if !strings.HasPrefix(rest, "/") {
			return Endpoint{}, fmt.Errorf("%w: unix endpoint needs an absolute path", ErrInvalid)
		}
		return Endpoint{Network: "unix", Address: rest}, nil

	case "tcp4", "tcp6":
		portStr, opts, _ := strings.Cut(rest, ":")
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("%w: endpoint port %q", ErrInvalid, portStr)
		}

		iface := ""
		if opts != "" {
			key, val, _ := strings.Cut(opts, "=")
			if key != "interface" {
				return Endpoint{}, fmt.Errorf("%w: endpoint option %q", ErrInvalid, key)
			}
			ip := net.ParseIP(val)
			if ip == nil {
				return Endpoint{}, fmt.Errorf("%w: endpoint interface %q", ErrInvalid, val)
			}
			if kind == "tcp4" && ip.To4() == nil {
				return Endpoint{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalid, val)
			}
			if kind == "tcp6" && ip.To4() != nil {
				return Endpoint{}, fmt.Errorf("%w: %q is not an IPv6 address", ErrInvalid, val)
			}
			iface = val
		}

		return Endpoint{
			Network: kind,
			Address: net.JoinHostPort(iface, strconv.Itoa(port)),
		}, nil

	default:
		return Endpoint{}, fmt.Errorf("%w: unknown endpoint type %q", ErrInvalid, kind)
	}
}
