// Package config loads layercache settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"
)

type Postgres struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`
}

type S3 struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
}

type Config struct {
	Postgres Postgres `yaml:"postgres"`
	S3       S3       `yaml:"s3"`
	// Dir is the working directory root. Empty means next to the executable.
	Dir         string `yaml:"dir"`
	Concurrency int    `yaml:"concurrency"`
	PerLayer    bool   `yaml:"perLayer"`
	DockerBin   string `yaml:"dockerBin"`
	LogLevel    string `yaml:"logLevel"`
}

// Default returns the settings used when nothing is configured. They match a
// local docker-compose with LocalStack.
func Default() Config {
	return Config{
		Postgres: Postgres{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "password",
			DB:       "layercache",
		},
		S3: S3{
			Endpoint: "http://localhost:4566",
			Region:   "us-east-1",
			Bucket:   "layercache-bucket",
		},
		Concurrency: 4,
		PerLayer:    true,
		DockerBin:   "docker",
		LogLevel:    "info",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = getEnvOrDefault("POSTGRES_PORT", c.Postgres.Port)
	c.Postgres.User = getEnvOrDefault("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.DB = getEnvOrDefault("POSTGRES_DB", c.Postgres.DB)

	c.S3.Endpoint = getEnvOrDefault("AWS_ENDPOINT_URL", c.S3.Endpoint)
	c.S3.Region = getEnvOrDefault("AWS_REGION", c.S3.Region)
	c.S3.Bucket = getEnvOrDefault("S3_BUCKET_NAME", c.S3.Bucket)

	c.Dir = getEnvOrDefault("LAYERCACHE_DIR", c.Dir)
	c.DockerBin = getEnvOrDefault("DOCKER_BIN", c.DockerBin)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)

	if v, ok := os.LookupEnv("LAYERCACHE_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LAYERCACHE_CONCURRENCY %q: %w", v, err)
		}
		c.Concurrency = n
	}
	if v, ok := os.LookupEnv("LAYERCACHE_PER_LAYER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LAYERCACHE_PER_LAYER %q: %w", v, err)
		}
		c.PerLayer = b
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.S3.Bucket == "" {
		return errors.New("s3 bucket name is required")
	}
	return nil
}

// PostgresDSN returns the lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host, c.Postgres.Port, c.Postgres.User, c.Postgres.Password, c.Postgres.DB)
}

// S3Client builds a path-style S3 client for the configured endpoint. Without
// AWS_ACCESS_KEY_ID in the environment, LocalStack's static test credentials
// are used.
func (c *Config) S3Client(ctx context.Context) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.S3.Region),
	}
	if _, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); !ok {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "test")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to configure AWS client: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.S3.Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

// getEnvOrDefault returns the environment variable value or a default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
