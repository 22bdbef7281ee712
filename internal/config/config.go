// Package config loads the gateway configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hanpama/graphloader/internal/cache"
	"github.com/hanpama/graphloader/internal/grpctp"
	"github.com/hanpama/graphloader/internal/invalidation"
	"github.com/hanpama/graphloader/internal/loader"
	"github.com/hanpama/graphloader/internal/logging"
	"github.com/hanpama/graphloader/internal/server"
)

// Config is the root of a configuration file. Zero-valued fields keep the
// defaults from Default.
type Config struct {
	Log          Log          `yaml:"log"`
	Server       Server       `yaml:"server"`
	Cache        Cache        `yaml:"cache"`
	Loader       Loader       `yaml:"loader"`
	Invalidation Invalidation `yaml:"invalidation"`
	Federation   Federation   `yaml:"federation"`
	Telemetry    Telemetry    `yaml:"telemetry"`
	Catalog      Catalog      `yaml:"catalog"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Server struct {
	// Addr is the HTTP listen address.
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	MaxBatch        int           `yaml:"max_batch"`
	Pretty          bool          `yaml:"pretty"`
	GraphiQL        bool          `yaml:"graphiql"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	MetadataHeaders []string      `yaml:"metadata_headers"`
}

type Cache struct {
	MaxEntries      int           `yaml:"max_entries"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	MarkRetention   time.Duration `yaml:"mark_retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

type Loader struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxBatchSize int           `yaml:"max_batch_size"`
}

type Invalidation struct {
	QueueSize   int  `yaml:"queue_size"`
	DedupWindow int  `yaml:"dedup_window"`
	Synchronous bool `yaml:"synchronous"`
}

// Federation lists the subgraphs a gateway composes.
type Federation struct {
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	MaxConnsPerEndpoint int           `yaml:"max_conns_per_endpoint"`
	Subgraphs           []Subgraph    `yaml:"subgraphs"`
}

type Subgraph struct {
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
}

type Telemetry struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	MetricsPath  string `yaml:"metrics_path"`
}

// Catalog configures the demo SQLite store.
type Catalog struct {
	DSN  string `yaml:"dsn"`
	Seed bool   `yaml:"seed"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info"},
		Server: Server{
			Addr:         ":8080",
			Path:         "/graphql",
			Timeout:      10 * time.Second,
			MaxBodyBytes: 1 << 20,
			GraphiQL:     true,
		},
		Cache: Cache{
			MaxEntries:      10000,
			DefaultTTL:      5 * time.Minute,
			MarkRetention:   5 * time.Minute,
			JanitorInterval: 30 * time.Second,
		},
		Loader: Loader{
			FetchTimeout: 5 * time.Second,
			MaxBatchSize: 500,
		},
		Invalidation: Invalidation{QueueSize: 1024, DedupWindow: 4096},
		Federation: Federation{
			RPCTimeout:          3 * time.Second,
			MaxConnsPerEndpoint: 2,
		},
		Telemetry: Telemetry{ServiceName: "graphloader", MetricsPath: "/metrics"},
		Catalog:   Catalog{DSN: "file:catalog?mode=memory&cache=shared", Seed: true},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Timeout < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Server.MaxBatch < 0 {
		errs = append(errs, errors.New("server.max_batch must not be negative"))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}
	if c.Loader.MaxBatchSize < 0 {
		errs = append(errs, errors.New("loader.max_batch_size must not be negative"))
	}
	if c.Invalidation.QueueSize < 0 {
		errs = append(errs, errors.New("invalidation.queue_size must not be negative"))
	}
	seen := map[string]bool{}
	for i, sg := range c.Federation.Subgraphs {
		switch {
		case sg.Name == "":
			errs = append(errs, fmt.Errorf("federation.subgraphs[%d]: name is required", i))
		case seen[sg.Name]:
			errs = append(errs, fmt.Errorf("federation.subgraphs[%d]: duplicate name %q", i, sg.Name))
		case len(sg.Endpoints) == 0:
			errs = append(errs, fmt.Errorf("federation.subgraphs[%d]: %s has no endpoints", i, sg.Name))
		}
		seen[sg.Name] = true
	}
	return errors.Join(errs...)
}

// CacheOptions returns the options for cache.New.
func (c *Config) CacheOptions(logger *zap.Logger) []cache.Option {
	logger = logging.OrNop(logger)
	return []cache.Option{
		cache.WithMaxEntries(c.Cache.MaxEntries),
		cache.WithDefaultTTL(c.Cache.DefaultTTL),
		cache.WithMarkRetention(c.Cache.MarkRetention),
		cache.WithLogger(logger),
	}
}

// LoaderOptions returns the options for loader.New.
func (c *Config) LoaderOptions(logger *zap.Logger) []loader.Option {
	logger = logging.OrNop(logger)
	return []loader.Option{
		loader.WithFetchTimeout(c.Loader.FetchTimeout),
		loader.WithMaxBatchSize(c.Loader.MaxBatchSize),
		loader.WithLogger(logger),
	}
}

// BusOptions returns the options for invalidation.New.
func (c *Config) BusOptions(logger *zap.Logger) []invalidation.Option {
	logger = logging.OrNop(logger)
	opts := []invalidation.Option{
		invalidation.WithQueueSize(c.Invalidation.QueueSize),
		invalidation.WithDedupWindow(c.Invalidation.DedupWindow),
		invalidation.WithLogger(logger),
	}
	if c.Invalidation.Synchronous {
		opts = append(opts, invalidation.WithSynchronousDelivery())
	}
	return opts
}

// ServerOptions returns the options for server.New.
func (c *Config) ServerOptions(logger *zap.Logger) []server.Option {
	logger = logging.OrNop(logger)
	opts := []server.Option{
		server.WithTimeout(c.Server.Timeout),
		server.WithMaxBodyBytes(c.Server.MaxBodyBytes),
		server.WithMaxBatch(c.Server.MaxBatch),
		server.WithGraphiQL(c.Server.GraphiQL),
		server.WithLogger(logger),
	}
	if c.Server.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if len(c.Server.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(c.Server.CORSOrigins...))
	}
	if len(c.Server.MetadataHeaders) > 0 {
		opts = append(opts, server.WithMetadataHeaders(c.Server.MetadataHeaders...))
	}
	return opts
}

// TransportOptions returns the options for grpctp.New, with endpoints taken
// from the subgraph list.
func (c *Config) TransportOptions(logger *zap.Logger) []grpctp.Option {
	logger = logging.OrNop(logger)
	endpoints := make(map[string][]string, len(c.Federation.Subgraphs))
	for _, sg := range c.Federation.Subgraphs {
		endpoints[sg.Name] = sg.Endpoints
	}
	return []grpctp.Option{
		grpctp.WithProvider(grpctp.NewStaticEndpoints(endpoints)),
		grpctp.WithRPCTimeout(c.Federation.RPCTimeout),
		grpctp.WithMaxConnsPerEndpoint(c.Federation.MaxConnsPerEndpoint),
		grpctp.WithLogger(logger),
	}
}
