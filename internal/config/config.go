package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port     string         `yaml:"port"`
	LogLevel string         `yaml:"logLevel"`
	LogDir   string         `yaml:"logDir"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Agent    AgentConfig    `yaml:"agent"`
	Credits  CreditsConfig  `yaml:"credits"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	URL    string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
	// ServiceRoleKey is the credential used only by the bucket provisioner.
	ServiceRoleKey string `yaml:"serviceRoleKey"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // local, s3 or gcs
	Path    string `yaml:"path"`
	// PublicBaseURL prefixes object URLs. Empty means the backend's own
	// address (the server's /storage route for local).
	PublicBaseURL string `yaml:"publicBaseURL"`
	S3Bucket      string `yaml:"s3Bucket"`
	S3Region      string `yaml:"s3Region"`
	S3Endpoint    string `yaml:"s3Endpoint"`
	// S3WriterARN is the IAM principal granted uploads in the bucket policy.
	S3WriterARN string `yaml:"s3WriterARN"`
	GCSBucket   string `yaml:"gcsBucket"`
	GCSProject  string `yaml:"gcsProject"`
	GCSCredFile string `yaml:"gcsCredentialsFile"`
}

type AgentConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CreditsConfig struct {
	// Initial is granted to a profile the first time it is seen.
	Initial int64 `yaml:"initial"`
	// CreatesPerMinute limits project creation per user.
	CreatesPerMinute int `yaml:"createsPerMinute"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "info",
		LogDir:   "logs",
		Database: DatabaseConfig{
			Driver: "sqlite",
			URL:    "./data/catalog.db",
		},
		Auth: AuthConfig{
			Issuer: "project-builder",
		},
		Storage: StorageConfig{
			Backend:  "local",
			Path:     "./data/storage",
			S3Region: "us-east-1",
		},
		Agent: AgentConfig{
			Timeout: 5 * time.Minute,
		},
		Credits: CreditsConfig{
			Initial:          3,
			CreatesPerMinute: 5,
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogDir, "LOG_DIR")
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Auth.ServiceRoleKey, "SERVICE_ROLE_KEY")
	setString(&c.Storage.Backend, "STORAGE_BACKEND")
	setString(&c.Storage.Path, "STORAGE_PATH")
	setString(&c.Storage.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&c.Storage.S3Bucket, "S3_BUCKET")
	setString(&c.Storage.S3Region, "S3_REGION")
	setString(&c.Storage.S3Endpoint, "S3_ENDPOINT")
	setString(&c.Storage.S3WriterARN, "S3_WRITER_ARN")
	setString(&c.Storage.GCSBucket, "GCS_BUCKET")
	setString(&c.Storage.GCSProject, "GCS_PROJECT")
	setString(&c.Storage.GCSCredFile, "GCS_CREDENTIALS_FILE")
	setString(&c.Agent.URL, "AGENT_URL")

	if v := os.Getenv("AGENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGENT_TIMEOUT: %w", err)
		}
		c.Agent.Timeout = d
	}
	if v := os.Getenv("INITIAL_CREDITS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("INITIAL_CREDITS: %w", err)
		}
		c.Credits.Initial = n
	}
	if v := os.Getenv("CREATES_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CREATES_PER_MINUTE: %w", err)
		}
		c.Credits.CreatesPerMinute = n
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret (JWT_SECRET) is required"))
	}
	if c.Auth.ServiceRoleKey == "" {
		errs = append(errs, errors.New("auth.serviceRoleKey (SERVICE_ROLE_KEY) is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path (STORAGE_PATH) is required for the local backend"))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, errors.New("storage.s3Bucket (S3_BUCKET) is required for the s3 backend"))
		}
		if c.Storage.S3WriterARN == "" {
			errs = append(errs, errors.New("storage.s3WriterARN (S3_WRITER_ARN) is required for the s3 backend"))
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcsBucket (GCS_BUCKET) is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Credits.Initial < 0 {
		errs = append(errs, errors.New("credits.initial must not be negative"))
	}
	return errors.Join(errs...)
}
