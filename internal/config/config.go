package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

const envPrefix = "TABLESOURCE_"

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Storage       StorageConfig
	ObjectStore   ObjectStoreConfig
	Query         QueryConfig
	Export        ExportConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig selects where record files are read from. Root is the
// directory holding one folder per database for the local backend.
type StorageConfig struct {
	Backend string
	Root    string
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type QueryConfig struct {
	TempDir         string
	MaxRows         int
	LoadConcurrency int
}

type ExportConfig struct {
	FSRoot     string
	S3Prefix   string
	QueueDir   string
	QueueDSN   string
	Workers    int
	RetryAfter time.Duration
	Timeout    time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup(envPrefix + "PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid %sPROFILE: %q", envPrefix, profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	env := func(name string) string { return envPrefix + name }
	err := errors.Join(
		applyString(lookup, env("SERVICE_NAME"), &cfg.Service.Name),

		applyString(lookup, env("HTTP_ADDR"), &cfg.HTTP.Address),
		applyDuration(lookup, env("HTTP_READ_TIMEOUT"), &cfg.HTTP.ReadTimeout),
		applyDuration(lookup, env("HTTP_WRITE_TIMEOUT"), &cfg.HTTP.WriteTimeout),
		applyDuration(lookup, env("HTTP_IDLE_TIMEOUT"), &cfg.HTTP.IdleTimeout),
		applyDuration(lookup, env("HTTP_SHUTDOWN_TIMEOUT"), &cfg.HTTP.ShutdownTimeout),

		applyString(lookup, env("STORAGE_BACKEND"), &cfg.Storage.Backend),
		applyString(lookup, env("STORAGE_ROOT"), &cfg.Storage.Root),

		applyString(lookup, env("OBJECTSTORE_ENDPOINT"), &cfg.ObjectStore.Endpoint),
		applyString(lookup, env("OBJECTSTORE_REGION"), &cfg.ObjectStore.Region),
		applyString(lookup, env("OBJECTSTORE_BUCKET"), &cfg.ObjectStore.Bucket),
		applyString(lookup, env("OBJECTSTORE_ACCESS_KEY"), &cfg.ObjectStore.AccessKeyID),
		applyString(lookup, env("OBJECTSTORE_SECRET_KEY"), &cfg.ObjectStore.SecretAccessKey),
		applyBool(lookup, env("OBJECTSTORE_USE_SSL"), &cfg.ObjectStore.UseSSL),
		applyString(lookup, env("OBJECTSTORE_PREFIX"), &cfg.ObjectStore.Prefix),
		applyBool(lookup, env("OBJECTSTORE_AUTO_CREATE_BUCKET"), &cfg.ObjectStore.AutoCreateBucket),

		applyString(lookup, env("QUERY_TEMP_DIR"), &cfg.Query.TempDir),
		applyInt(lookup, env("QUERY_MAX_ROWS"), &cfg.Query.MaxRows),
		applyInt(lookup, env("QUERY_LOAD_CONCURRENCY"), &cfg.Query.LoadConcurrency),

		applyString(lookup, env("EXPORT_FS_ROOT"), &cfg.Export.FSRoot),
		applyString(lookup, env("EXPORT_S3_PREFIX"), &cfg.Export.S3Prefix),
		applyString(lookup, env("EXPORT_QUEUE_DIR"), &cfg.Export.QueueDir),
		applyString(lookup, env("EXPORT_QUEUE_DSN"), &cfg.Export.QueueDSN),
		applyInt(lookup, env("EXPORT_WORKERS"), &cfg.Export.Workers),
		applyDuration(lookup, env("EXPORT_RETRY_AFTER"), &cfg.Export.RetryAfter),
		applyDuration(lookup, env("EXPORT_TIMEOUT"), &cfg.Export.Timeout),

		applyBool(lookup, env("LOG_JSON"), &cfg.Observability.LogJSON),
		applyLogLevel(lookup, env("LOG_LEVEL"), &cfg.Observability.LogLevel),

		applyBool(lookup, env("AUTH_REQUIRED"), &cfg.Auth.Required),
		applyString(lookup, env("AUTH_STATIC_KEYS"), &cfg.Auth.StaticKeys),
	)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage root is required for the local backend")
		}
	case StorageS3:
		if c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object store endpoint and bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}
	if c.Query.MaxRows <= 0 {
		return fmt.Errorf("query max rows must be positive")
	}
	if c.Query.LoadConcurrency <= 0 {
		return fmt.Errorf("query load concurrency must be positive")
	}
	if c.Export.Workers <= 0 {
		return fmt.Errorf("export workers must be positive")
	}
	if c.Export.QueueDir == "" && c.Export.QueueDSN == "" {
		return fmt.Errorf("export queue dir or dsn is required")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "tablesource-api"},
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageLocal,
			Root:    "./data",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "tablesource",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Query: QueryConfig{
			TempDir:         "",
			MaxRows:         100000,
			LoadConcurrency: 4,
		},
		Export: ExportConfig{
			FSRoot:     "./exports",
			QueueDir:   "./export-queue",
			Workers:    4,
			RetryAfter: 500 * time.Millisecond,
			Timeout:    30 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
		cfg.Query.MaxRows = 10000
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
