package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/mdcore/internal/dataset"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the ingestion core
type Config struct {
	Breaker     BreakerConfig     `yaml:"breaker"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Validation  ValidationConfig  `yaml:"validation"`
	Warehouse   WarehouseConfig   `yaml:"warehouse"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Slack       SlackConfig       `yaml:"slack"`
	Runner      RunnerConfig      `yaml:"runner"`
	Jobs        []JobConfig       `yaml:"jobs"`
}

// BreakerConfig holds circuit breaker defaults and per-source overrides
type BreakerConfig struct {
	FailureThreshold int                       `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration             `yaml:"recovery_timeout"`
	TransientOnly    bool                      `yaml:"transient_only"` // count only transient source errors
	Sources          map[string]BreakerOverride `yaml:"sources"`
}

// BreakerOverride tunes the breaker of a single source
type BreakerOverride struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// IdempotencyConfig selects where completion markers are stored
type IdempotencyConfig struct {
	Backend      string   `yaml:"backend"` // file (default), sqlite, postgres, s3
	DataDir      string   `yaml:"data_dir"`
	DSN          string   `yaml:"dsn"`
	ValidateHash *bool    `yaml:"validate_hash"` // default true
	S3           S3Config `yaml:"s3"`
}

// S3Config holds object store settings for markers and artifacts
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ValidationConfig holds streaming validator settings
type ValidationConfig struct {
	SchemaFile      string  `yaml:"schema_file"`
	BatchSize       int     `yaml:"batch_size"`
	MaxErrorDetails int     `yaml:"max_error_details"`
	QuarantineDir   string  `yaml:"quarantine_dir"`
	MaxFailureRate  float64 `yaml:"max_failure_rate"` // reject artifact above this critical-row ratio
}

// WarehouseConfig holds warehouse connection and load settings
type WarehouseConfig struct {
	Type            string                 `yaml:"type"` // postgres, mssql, sqlite, duckdb
	Host            string                 `yaml:"host"`
	Port            int                    `yaml:"port"`
	Database        string                 `yaml:"database"`
	User            string                 `yaml:"user"`
	Password        string                 `yaml:"password"`
	Schema          string                 `yaml:"schema"`
	Path            string                 `yaml:"path"`     // sqlite/duckdb database file
	DSN             string                 `yaml:"dsn"`      // overrides the fields above
	SSLMode         string                 `yaml:"ssl_mode"` // PostgreSQL (default: require)
	Encrypt         string                 `yaml:"encrypt"`  // MSSQL (default: true)
	TrustServerCert bool                   `yaml:"trust_server_cert"`
	MaxConnections  int                    `yaml:"max_connections"`
	InsertBatchSize int                    `yaml:"insert_batch_size"`
	Transactional   bool                   `yaml:"transactional"` // wrap each key's delete+insert in one transaction
	Tables          map[string]TableConfig `yaml:"tables"`
}

// TableConfig is the allow-list entry of one warehouse table
type TableConfig struct {
	PartitionColumns []string `yaml:"partition_columns"`
	Columns          []string `yaml:"columns"`
	KeyPattern       string   `yaml:"key_pattern"`
}

// MetricsConfig controls Prometheus collectors
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// RunnerConfig holds settings of the reference job runner
type RunnerConfig struct {
	Workers    int    `yaml:"workers"`
	StagingDir string `yaml:"staging_dir"`
}

// JobConfig describes one ingestion task
type JobConfig struct {
	Name         string `yaml:"name"`
	Source       string `yaml:"source"`        // breaker key
	Input        string `yaml:"input"`         // raw payload to fetch
	Output       string `yaml:"output"`        // clean artifact path
	TaskKey      string `yaml:"task_key"`      // default: name
	Schema       string `yaml:"schema"`        // validation schema
	Table        string `yaml:"table"`         // optional warehouse table
	PartitionKey string `yaml:"partition_key"` // required with table
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
	SkipDotEnv       bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
// A .env file next to the config is loaded first; it never overrides
// variables already set in the environment.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	if !opts.SkipDotEnv {
		envPath := filepath.Join(filepath.Dir(path), ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return nil, fmt.Errorf("loading %s: %w", envPath, err)
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for marker storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".mdcore")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout == 0 {
		c.Breaker.RecoveryTimeout = 60 * time.Second
	}

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "file"
	}
	if c.Idempotency.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Idempotency.DataDir = filepath.Join(home, ".mdcore")
	} else {
		c.Idempotency.DataDir = expandTilde(c.Idempotency.DataDir)
	}
	if c.Idempotency.ValidateHash == nil {
		v := true
		c.Idempotency.ValidateHash = &v
	}

	if c.Validation.BatchSize == 0 {
		c.Validation.BatchSize = 10000
	}
	if c.Validation.MaxErrorDetails == 0 {
		c.Validation.MaxErrorDetails = 1000
	}
	if c.Validation.MaxFailureRate == 0 {
		c.Validation.MaxFailureRate = 1 // never reject on rate alone
	}
	c.Validation.SchemaFile = expandTilde(c.Validation.SchemaFile)
	c.Validation.QuarantineDir = expandTilde(c.Validation.QuarantineDir)

	if c.Warehouse.Type != "" {
		c.Warehouse.Type = strings.ToLower(c.Warehouse.Type)
		switch c.Warehouse.Type {
		case "postgresql", "pg":
			c.Warehouse.Type = "postgres"
		case "sqlserver":
			c.Warehouse.Type = "mssql"
		}
	}
	if c.Warehouse.Port == 0 {
		switch c.Warehouse.Type {
		case "postgres":
			c.Warehouse.Port = 5432
		case "mssql":
			c.Warehouse.Port = 1433
		}
	}
	if c.Warehouse.Schema == "" {
		switch c.Warehouse.Type {
		case "postgres":
			c.Warehouse.Schema = "public"
		case "mssql":
			c.Warehouse.Schema = "dbo"
		}
	}
	if c.Warehouse.SSLMode == "" {
		c.Warehouse.SSLMode = "require"
	}
	if c.Warehouse.Encrypt == "" {
		c.Warehouse.Encrypt = "true"
	}
	if c.Warehouse.MaxConnections == 0 {
		c.Warehouse.MaxConnections = 4
	}
	if c.Warehouse.InsertBatchSize == 0 {
		c.Warehouse.InsertBatchSize = 5000
	}
	c.Warehouse.Path = expandTilde(c.Warehouse.Path)

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "mdcore"
	}

	// Leave a core for the warehouse driver and the OS
	if c.Runner.Workers == 0 {
		c.Runner.Workers = runtime.NumCPU() - 1
		if c.Runner.Workers < 1 {
			c.Runner.Workers = 1
		}
		if c.Runner.Workers > 8 {
			c.Runner.Workers = 8
		}
	}
	c.Runner.StagingDir = expandTilde(c.Runner.StagingDir)

	for i := range c.Jobs {
		if c.Jobs[i].TaskKey == "" {
			c.Jobs[i].TaskKey = c.Jobs[i].Name
		}
		if c.Jobs[i].Source == "" {
			c.Jobs[i].Source = c.Jobs[i].Name
		}
	}
}

// resolvePaths makes relative file paths relative to the config file's directory.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Validation.SchemaFile = abs(c.Validation.SchemaFile)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func (c *Config) validate() error {
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.RecoveryTimeout < 0 {
		return fmt.Errorf("breaker.recovery_timeout must not be negative")
	}
	for name, o := range c.Breaker.Sources {
		if o.FailureThreshold < 0 || o.RecoveryTimeout < 0 {
			return fmt.Errorf("breaker.sources.%s: values must not be negative", name)
		}
	}

	switch c.Idempotency.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.Idempotency.DSN == "" {
			return fmt.Errorf("idempotency.dsn is required for the postgres backend")
		}
	case "s3":
		if c.Idempotency.S3.Bucket == "" {
			return fmt.Errorf("idempotency.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("idempotency.backend must be 'file', 'sqlite', 'postgres' or 's3', got '%s'", c.Idempotency.Backend)
	}

	if c.Validation.BatchSize < 1 {
		return fmt.Errorf("validation.batch_size must be at least 1")
	}
	if c.Validation.MaxErrorDetails < 0 {
		return fmt.Errorf("validation.max_error_details must not be negative")
	}
	if c.Validation.MaxFailureRate < 0 || c.Validation.MaxFailureRate > 1 {
		return fmt.Errorf("validation.max_failure_rate must be between 0 and 1")
	}

	if err := c.validateWarehouse(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, job := range c.Jobs {
		if job.Name == "" {
			return fmt.Errorf("jobs[%d].name is required", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("duplicate job name '%s'", job.Name)
		}
		seen[job.Name] = true
		if job.Input == "" || job.Output == "" {
			return fmt.Errorf("job '%s': input and output are required", job.Name)
		}
		if err := dataset.CheckWritable(job.Output); err != nil {
			return fmt.Errorf("job '%s': output: %w", job.Name, err)
		}
		if job.Schema == "" {
			return fmt.Errorf("job '%s': schema is required", job.Name)
		}
		if job.Table == "" {
			continue
		}
		tbl, ok := c.Warehouse.Tables[job.Table]
		if !ok {
			return fmt.Errorf("job '%s': table '%s' is not in warehouse.tables", job.Name, job.Table)
		}
		if !contains(tbl.PartitionColumns, job.PartitionKey) {
			return fmt.Errorf("job '%s': partition_key '%s' is not allowed for table '%s'", job.Name, job.PartitionKey, job.Table)
		}
	}
	return nil
}

func (c *Config) validateWarehouse() error {
	w := c.Warehouse
	switch w.Type {
	case "":
		if len(c.Warehouse.Tables) > 0 {
			return errors.New("warehouse.type is required when warehouse.tables is set")
		}
		return nil
	case "postgres", "mssql":
		if w.DSN == "" && (w.Host == "" || w.Database == "") {
			return fmt.Errorf("warehouse.host and warehouse.database are required for %s", w.Type)
		}
	case "sqlite", "duckdb":
		if w.DSN == "" && w.Path == "" {
			return fmt.Errorf("warehouse.path is required for %s", w.Type)
		}
	default:
		return fmt.Errorf("warehouse.type must be 'postgres', 'mssql', 'sqlite' or 'duckdb', got '%s'", w.Type)
	}
	if w.Schema != "" && !identPattern.MatchString(w.Schema) {
		return fmt.Errorf("warehouse.schema '%s' is not a valid identifier", w.Schema)
	}
	if w.InsertBatchSize < 1 {
		return fmt.Errorf("warehouse.insert_batch_size must be at least 1")
	}
	for name, tbl := range w.Tables {
		if !identPattern.MatchString(name) {
			return fmt.Errorf("warehouse.tables: '%s' is not a valid identifier", name)
		}
		if len(tbl.PartitionColumns) == 0 {
			return fmt.Errorf("warehouse.tables.%s.partition_columns is required", name)
		}
		for _, col := range append(append([]string{}, tbl.PartitionColumns...), tbl.Columns...) {
			if !identPattern.MatchString(col) {
				return fmt.Errorf("warehouse.tables.%s: column '%s' is not a valid identifier", name, col)
			}
		}
		if tbl.KeyPattern != "" {
			if _, err := regexp.Compile(tbl.KeyPattern); err != nil {
				return fmt.Errorf("warehouse.tables.%s.key_pattern: %w", name, err)
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ValidateHashEnabled reports whether markers are checked against artifact hashes.
func (c *Config) ValidateHashEnabled() bool {
	return c.Idempotency.ValidateHash == nil || *c.Idempotency.ValidateHash
}

// WarehouseDSN returns the warehouse connection string for the configured driver
func (c *Config) WarehouseDSN() string {
	w := c.Warehouse
	if w.DSN != "" {
		return w.DSN
	}
	switch w.Type {
	case "postgres":
		return c.buildPostgresDSN(w.Host, w.Port, w.Database, w.User, w.Password, w.SSLMode)
	case "mssql":
		return c.buildMSSQLDSN(w.Host, w.Port, w.Database, w.User, w.Password, w.Encrypt, w.TrustServerCert)
	default:
		return w.Path
	}
}

// buildMSSQLDSN builds an MSSQL connection string
func (c *Config) buildMSSQLDSN(host string, port int, database, user, password, encrypt string, trustServerCert bool) string {
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s&TrustServerCertificate=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port,
		url.QueryEscape(database), encrypt, strconv.FormatBool(trustServerCert))
}

// buildPostgresDSN builds a PostgreSQL connection string
func (c *Config) buildPostgresDSN(host string, port int, database, user, password, sslMode string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port,
		url.PathEscape(database), sslMode)
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Warehouse.Password != "" {
		sanitized.Warehouse.Password = "[REDACTED]"
	}
	if sanitized.Warehouse.DSN != "" {
		sanitized.Warehouse.DSN = "[REDACTED]"
	}
	if sanitized.Idempotency.DSN != "" {
		sanitized.Idempotency.DSN = "[REDACTED]"
	}
	if sanitized.Idempotency.S3.SecretAccessKey != "" {
		sanitized.Idempotency.S3.SecretAccessKey = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
