package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mikills/dagcore/dag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "DAGCORE_"

// serverConfig is the binary's configuration. It is read from an optional
// YAML file and then overridden by DAGCORE_* environment variables.
type serverConfig struct {
	// Connection names the entry of Connections to use.
	Connection  string            `yaml:"connection"`
	Connections map[string]string `yaml:"connections"`
	// DSN, when set, wins over the named connections.
	DSN string `yaml:"dsn"`

	Store dag.Config `yaml:"store"`

	HTTPAddr  string `yaml:"http_addr"`
	LogFormat string `yaml:"log_format"`

	Redis struct {
		Addr   string `yaml:"addr"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`
	Lease struct {
		TTL     time.Duration `yaml:"ttl"`
		Retries int           `yaml:"retries"`
	} `yaml:"lease"`
	Journal struct {
		MongoURI   string `yaml:"mongo_uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	} `yaml:"journal"`
	Blob struct {
		Root       string `yaml:"root"`
		S3Bucket   string `yaml:"s3_bucket"`
		S3Prefix   string `yaml:"s3_prefix"`
		S3Endpoint string `yaml:"s3_endpoint"`
		S3Region   string `yaml:"s3_region"`
	} `yaml:"blob"`
	Snapshot struct {
		Interval time.Duration `yaml:"interval"`
		Sources  []string      `yaml:"sources"`
	} `yaml:"snapshot"`
}

func defaultServerConfig() serverConfig {
	var cfg serverConfig
	cfg.Connection = "default"
	cfg.Connections = map[string]string{"default": "sqlite://./.temp/dag.db"}
	cfg.Store = dag.DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:8080"
	cfg.LogFormat = "text"
	cfg.Lease.TTL = 30 * time.Second
	cfg.Lease.Retries = 3
	cfg.Journal.Database = "dagcore"
	cfg.Journal.Collection = "journal"
	cfg.Blob.S3Region = "us-east-1"
	return cfg
}

// loadServerConfig layers defaults, the YAML file at path (if any) and the
// KEY=value pairs of environ.
func loadServerConfig(path string, environ []string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, environ); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *serverConfig, environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}
	getenv := func(key string) string { return env[key] }

	setString := func(key string, dest *string) {
		if v := strings.TrimSpace(getenv(envPrefix + key)); v != "" {
			*dest = v
		}
	}
	setInt := func(key string, dest *int) error {
		v := strings.TrimSpace(getenv(envPrefix + key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s%s must be a non-negative integer", envPrefix, key)
		}
		*dest = n
		return nil
	}
	setDuration := func(key string, dest *time.Duration) error {
		v := strings.TrimSpace(getenv(envPrefix + key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dest = d
		return nil
	}

	// DAGCORE_CONNECTIONS_<NAME>=dsn adds or replaces a named connection.
	const connPrefix = envPrefix + "CONNECTIONS_"
	for key, value := range env {
		if !strings.HasPrefix(key, connPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, connPrefix))
		if dsn := strings.TrimSpace(value); name != "" && dsn != "" {
			if cfg.Connections == nil {
				cfg.Connections = map[string]string{}
			}
			cfg.Connections[name] = dsn
		}
	}

	setString("CONNECTION", &cfg.Connection)
	setString("DB_DSN", &cfg.DSN)
	setString("TABLE_NAME", &cfg.Store.TableName)
	setString("HTTP_ADDR", &cfg.HTTPAddr)
	setString("LOG_FORMAT", &cfg.LogFormat)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PREFIX", &cfg.Redis.Prefix)
	setString("JOURNAL_MONGO_URI", &cfg.Journal.MongoURI)
	setString("JOURNAL_MONGO_DB", &cfg.Journal.Database)
	setString("JOURNAL_MONGO_COLLECTION", &cfg.Journal.Collection)
	setString("BLOB_ROOT", &cfg.Blob.Root)
	setString("S3_BUCKET", &cfg.Blob.S3Bucket)
	setString("S3_PREFIX", &cfg.Blob.S3Prefix)
	setString("S3_ENDPOINT", &cfg.Blob.S3Endpoint)
	setString("S3_REGION", &cfg.Blob.S3Region)
	if v := strings.TrimSpace(getenv(envPrefix + "SNAPSHOT_SOURCES")); v != "" {
		cfg.Snapshot.Sources = splitList(v)
	}

	for _, err := range []error{
		setInt("MAX_HOPS", &cfg.Store.MaxHops),
		setInt("LEASE_RETRIES", &cfg.Lease.Retries),
		setDuration("LEASE_TTL", &cfg.Lease.TTL),
		setDuration("SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveDSN picks the DSN to open: an explicit DSN, else the selected named
// connection.
func (c serverConfig) resolveDSN() (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	name := strings.TrimSpace(c.Connection)
	for key, dsn := range c.Connections {
		if strings.EqualFold(key, name) && strings.TrimSpace(dsn) != "" {
			return dsn, nil
		}
	}
	return "", fmt.Errorf("connection %q is not configured", c.Connection)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
