package store

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/zenith/pkg/sandbox"
)

// ErrNotFound is returned when a record or blob does not exist
var ErrNotFound = errors.New("store: not found")

// Record is the persisted form of a published plugin version
type Record struct {
	Name       string
	Version    string
	Hash       string
	Source     string
	Entrypoint string
	Priority   string
	Limits     sandbox.Limits
	LoadedAt   time.Time
}

// StateStore holds one record per plugin name
type StateStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, name string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, name string) error
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore is a content-addressed store for plugin bytecode keyed by sha256 hex
type BlobStore interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}
