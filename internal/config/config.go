// Package config handles loading and parsing of GridStore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for GridStore.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Bucket        BucketConfig        `yaml:"bucket"`
	Store         StoreConfig         `yaml:"store"`
	Archive       ArchiveConfig       `yaml:"archive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadBytes caps request bodies on upload; 0 means unlimited.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Token enables bearer-token authentication when non-empty.
	Token string `yaml:"token"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// BucketConfig holds the defaults applied to every bucket handle the server
// builds.
type BucketConfig struct {
	// Name is the bucket used when a request does not name one.
	Name           string `yaml:"name"`
	ChunkSizeBytes int32  `yaml:"chunk_size_bytes"`
	// BatchSize is the number of chunks a download fetches per query.
	BatchSize      int32              `yaml:"batch_size"`
	WriteConcern   WriteConcernConfig `yaml:"write_concern"`
	ReadConcern    string             `yaml:"read_concern"`
	ReadPreference string             `yaml:"read_preference"`
}

// WriteConcernConfig mirrors the engine-neutral write concern.
type WriteConcernConfig struct {
	W        string        `yaml:"w"`
	Journal  *bool         `yaml:"journal"`
	WTimeout time.Duration `yaml:"wtimeout"`
}

// StoreConfig selects the document engine.
type StoreConfig struct {
	// Engine is one of "memory", "local", "sqlite", "mongo", "dynamodb",
	// "firestore", "cosmos".
	Engine    string           `yaml:"engine"`
	Local     LocalStoreConfig `yaml:"local"`
	SQLite    SQLiteConfig     `yaml:"sqlite"`
	Mongo     MongoConfig      `yaml:"mongo"`
	DynamoDB  DynamoDBConfig   `yaml:"dynamodb"`
	Firestore FirestoreConfig  `yaml:"firestore"`
	Cosmos    CosmosConfig     `yaml:"cosmos"`
}

// LocalStoreConfig holds settings of the append-log engine.
type LocalStoreConfig struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
	Sync             bool   `yaml:"sync"`
}

// SQLiteConfig holds SQLite engine settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// MongoConfig holds MongoDB engine settings.
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DynamoDBConfig holds DynamoDB engine settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore engine settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Root            string `yaml:"root"`
}

// CosmosConfig holds Cosmos DB engine settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// ArchiveConfig holds settings for bucket archives.
type ArchiveConfig struct {
	// Backend is the archive storage backend ("local", "memory", "sqlite",
	// "aws", "gcp", "azure").
	Backend string `yaml:"backend"`
	// Compression is the frame codec ("none", "zstd", "lz4").
	Compression string             `yaml:"compression"`
	Local       LocalArchiveConfig `yaml:"local"`
	SQLite      SQLiteConfig       `yaml:"sqlite"`
	AWS         AWSConfig          `yaml:"aws"`
	GCP         GCPConfig          `yaml:"gcp"`
	Azure       AzureConfig        `yaml:"azure"`
}

// LocalArchiveConfig holds local filesystem archive settings.
type LocalArchiveConfig struct {
	RootDir string `yaml:"root_dir"`
}

// AWSConfig holds S3 archive settings.
type AWSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds GCS archive settings.
type GCPConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds Azure Blob archive settings.
type AzureConfig struct {
	Container string `yaml:"container"`
	Account   string `yaml:"account"`
	// AccountURL defaults to https://{account}.blob.core.windows.net.
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults and environment overrides applied. An empty
// path yields the defaults. If the path cannot be read, Load falls back to
// gridstore.example.yaml in the same or the parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			fallbackPaths := []string{
				filepath.Join(filepath.Dir(path), "gridstore.example.yaml"),
				filepath.Join(filepath.Dir(path), "..", "gridstore.example.yaml"),
			}
			var fallbackErr error
			for _, fp := range fallbackPaths {
				data, fallbackErr = os.ReadFile(fp)
				if fallbackErr == nil {
					break
				}
			}
			if fallbackErr != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9010,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
		Bucket: BucketConfig{
			Name:           "fs",
			ChunkSizeBytes: 255 * 1024,
			BatchSize:      32,
		},
		Store: StoreConfig{
			Engine: "sqlite",
			Local:  LocalStoreConfig{RootDir: "./data/docstore"},
			SQLite: SQLiteConfig{Path: "./data/gridstore.db"},
		},
		Archive: ArchiveConfig{
			Backend:     "local",
			Compression: "zstd",
			Local:       LocalArchiveConfig{RootDir: "./data/archives"},
			SQLite:      SQLiteConfig{Path: "./data/archives.db"},
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9010
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Bucket.Name == "" {
		cfg.Bucket.Name = "fs"
	}
	if cfg.Bucket.ChunkSizeBytes == 0 {
		cfg.Bucket.ChunkSizeBytes = 255 * 1024
	}
	if cfg.Bucket.BatchSize == 0 {
		cfg.Bucket.BatchSize = 32
	}
	if cfg.Store.Engine == "" {
		cfg.Store.Engine = "sqlite"
	}
	if cfg.Store.Local.RootDir == "" {
		cfg.Store.Local.RootDir = "./data/docstore"
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "./data/gridstore.db"
	}
	if cfg.Store.Mongo.Database == "" {
		cfg.Store.Mongo.Database = "gridstore"
	}
	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = "local"
	}
	if cfg.Archive.Compression == "" {
		cfg.Archive.Compression = "zstd"
	}
	if cfg.Archive.Local.RootDir == "" {
		cfg.Archive.Local.RootDir = "./data/archives"
	}
	if cfg.Archive.SQLite.Path == "" {
		cfg.Archive.SQLite.Path = "./data/archives.db"
	}
}

// applyEnv overrides fields from GRIDSTORE_* variables. lookup is
// os.LookupEnv outside tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"GRIDSTORE_HOST":            &cfg.Server.Host,
		"GRIDSTORE_AUTH_TOKEN":      &cfg.Auth.Token,
		"GRIDSTORE_LOG_LEVEL":       &cfg.Logging.Level,
		"GRIDSTORE_LOG_FORMAT":      &cfg.Logging.Format,
		"GRIDSTORE_STORE_ENGINE":    &cfg.Store.Engine,
		"GRIDSTORE_SQLITE_PATH":     &cfg.Store.SQLite.Path,
		"GRIDSTORE_MONGO_URI":       &cfg.Store.Mongo.URI,
		"GRIDSTORE_MONGO_DATABASE":  &cfg.Store.Mongo.Database,
		"GRIDSTORE_ARCHIVE_BACKEND": &cfg.Archive.Backend,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("GRIDSTORE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRIDSTORE_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("GRIDSTORE_CHUNK_SIZE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("GRIDSTORE_CHUNK_SIZE_BYTES: %w", err)
		}
		cfg.Bucket.ChunkSizeBytes = int32(n)
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Bucket.ChunkSizeBytes <= 0 {
		return fmt.Errorf("bucket.chunk_size_bytes must be positive")
	}
	if c.Bucket.BatchSize <= 0 {
		return fmt.Errorf("bucket.batch_size must be positive")
	}
	switch c.Store.Engine {
	case "memory", "local", "sqlite", "mongo", "dynamodb", "firestore", "cosmos":
	default:
		return fmt.Errorf("unknown store.engine %q", c.Store.Engine)
	}
	switch c.Archive.Backend {
	case "local", "memory", "sqlite", "aws", "gcp", "azure":
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	switch c.Archive.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown archive.compression %q", c.Archive.Compression)
	}
	return nil
}
