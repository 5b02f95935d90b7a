// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/fieldgate/internal/infra/logging"
)

// DefaultPath is used when neither a flag nor FIELDGATE_CONFIG names a file.
const DefaultPath = "config/fieldgate.yaml"

// DefaultSQLiteFile is the SQLite database created in the data folder when no DSN is set.
const DefaultSQLiteFile = "fieldgate.db"

// TelemetryConfig configures OTLP exporters (metrics only). An empty
// endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	ExportInterval time.Duration `yaml:"exportInterval"`
}

// DatabaseConfig selects where scan modes and metrics are persisted.
type DatabaseConfig struct {
	Driver            string        `yaml:"driver"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults(dataFolder string) {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" && c.Driver == DriverSQLite {
		c.DSN = filepath.Join(dataFolder, DefaultSQLiteFile)
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("dsn required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("driver must be one of %s, %s, %s", DriverSQLite, DriverPostgres, DriverMemory)
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// APIServerConfig configures the gateway's HTTP control surface.
type APIServerConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

// EngineConfig tunes the background services of the engine.
type EngineConfig struct {
	MetricsFlushInterval time.Duration `yaml:"metricsFlushInterval"`
	CleanupInterval      time.Duration `yaml:"cleanupInterval"`
	ShutdownTimeout      time.Duration `yaml:"shutdownTimeout"`
}

// AppConfig is the unified gateway configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	DataFolder  string          `yaml:"dataFolder"`
	Logging     logging.Config  `yaml:"logging"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
	Engine      EngineConfig    `yaml:"engine"`
	ScanModes   []ScanModeSpec  `yaml:"scanModes"`
	North       []NorthSpec     `yaml:"north"`
	South       []SouthSpec     `yaml:"south"`
}

// DefaultAppConfig returns a configuration with no connectors.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// ResolvePath picks the configuration file: the explicit path, then
// FIELDGATE_CONFIG, then DefaultPath.
func ResolvePath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()
	return Parse(reader, os.LookupEnv)
}

// LoadOrDefault behaves like Load but returns DefaultAppConfig, with
// environment overrides applied, when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = AppConfig{Environment: EnvDev}
		cfg.applyEnv(os.LookupEnv)
		if err := cfg.normalise(); err != nil {
			return AppConfig{}, err
		}
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// Parse decodes YAML from r, applies environment overrides from lookup and validates.
func Parse(r io.Reader, lookup func(string) (string, bool)) (AppConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if lookup != nil {
		cfg.applyEnv(lookup)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDataFolder); ok && strings.TrimSpace(v) != "" {
		c.DataFolder = v
	}
	if v, ok := lookup(EnvDatabaseDSN); ok && strings.TrimSpace(v) != "" {
		c.Database.DSN = v
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	dataFolder := strings.TrimSpace(c.DataFolder)
	if dataFolder == "" {
		dataFolder = "data"
	}
	c.DataFolder = filepath.Clean(dataFolder)

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "fieldgate"
	}
	if c.Telemetry.ExportInterval <= 0 {
		c.Telemetry.ExportInterval = 30 * time.Second
	}

	c.Database.applyDefaults(c.DataFolder)

	if c.Engine.MetricsFlushInterval <= 0 {
		c.Engine.MetricsFlushInterval = time.Minute
	}
	if c.Engine.CleanupInterval <= 0 {
		c.Engine.CleanupInterval = time.Hour
	}
	if c.Engine.ShutdownTimeout <= 0 {
		c.Engine.ShutdownTimeout = 30 * time.Second
	}

	for i := range c.ScanModes {
		c.ScanModes[i].normalise()
	}
	for i := range c.North {
		c.North[i].normalise()
	}
	for i := range c.South {
		c.South[i].normalise()
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.DataFolder) == "" {
		return fmt.Errorf("dataFolder required")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	seen := make(map[string]struct{}, len(c.ScanModes))
	for _, m := range c.ScanModes {
		if err := m.validate(); err != nil {
			return err
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate scan mode id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	if err := validateIDs("north", len(c.North), func(i int) string { return c.North[i].ID }); err != nil {
		return err
	}
	for _, n := range c.North {
		if err := n.validate(); err != nil {
			return err
		}
	}
	if err := validateIDs("south", len(c.South), func(i int) string { return c.South[i].ID }); err != nil {
		return err
	}
	for _, s := range c.South {
		if err := s.validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateIDs(kind string, n int, id func(int) string) error {
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		key := id(i)
		if key == "" {
			return fmt.Errorf("%s connector id required", kind)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate %s connector id %q", kind, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
