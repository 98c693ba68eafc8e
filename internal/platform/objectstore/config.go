package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/dagflow/internal/platform/env"
)

// Config describes the S3-compatible bucket holding port files.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	BasePath  string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("DAGFLOW_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("DAGFLOW_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("DAGFLOW_MINIO_ACCESS_KEY", "dagflow"),
		SecretKey: env.String("DAGFLOW_MINIO_SECRET_KEY", "dagflowminio"),
		Region:    env.String("DAGFLOW_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("DAGFLOW_MINIO_BUCKET", "dagflow"),
		BasePath:  env.String("DAGFLOW_BLOB_BASE_PATH", "runs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base path must be relative: %q", c.BasePath)
	}
	return nil
}
