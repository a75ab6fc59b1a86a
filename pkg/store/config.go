package store

import (
	"fmt"
	"time"
)

// Driver names accepted by Config.Driver
const (
	DriverNone     = ""
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Blob backends accepted by Config.BlobType
const (
	BlobFilesystem = "filesystem"
	BlobS3         = "s3"
)

// Config for the durable plugin store
type Config struct {
	// Driver selects the state store. Empty disables persistence.
	Driver string
	DSN    string

	MaxOpenConns int
	MaxIdleConns int
	ConnTimeout  time.Duration

	BlobType string
	BlobRoot string

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig returns a disabled store with filesystem blobs
func DefaultConfig() Config {
	return Config{
		Driver:       DriverNone,
		MaxOpenConns: 10,
		MaxIdleConns: 2,
		ConnTimeout:  10 * time.Second,
		BlobType:     BlobFilesystem,
		BlobRoot:     "./data/blobs",
		S3Region:     "us-east-1",
		S3Prefix:     "plugins/sha256",
	}
}

// Enabled reports whether a state store driver is configured
func (c Config) Enabled() bool {
	return c.Driver != DriverNone
}

// Validate checks the configuration for the selected backends
func (c Config) Validate() error {
	switch c.Driver {
	case DriverNone:
		return nil
	case DriverSQLite, DriverPostgres, DriverMySQL:
		if c.DSN == "" {
			return fmt.Errorf("DSN is required for %s state store", c.Driver)
		}
	default:
		return fmt.Errorf("invalid state store driver: %s (must be sqlite3, postgres, or mysql)", c.Driver)
	}

	switch c.BlobType {
	case BlobFilesystem:
		if c.BlobRoot == "" {
			return fmt.Errorf("blob root is required for filesystem blob store")
		}
	case BlobS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 blob store")
		}
	default:
		return fmt.Errorf("invalid blob store type: %s (must be filesystem or s3)", c.BlobType)
	}
	return nil
}
