package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/zenith/pkg/observability"
	"github.com/platinummonkey/zenith/pkg/sandbox"
)

// Restored is a record together with its verified bytecode
type Restored struct {
	Record   Record
	Bytecode []byte
}

// Durable pairs a StateStore with a BlobStore
type Durable struct {
	state   StateStore
	blobs   BlobStore
	metrics *observability.OTelMetrics
	kind    string
}

// Option configures a Durable store
type Option func(*Durable)

// WithMetrics records every operation on m
func WithMetrics(m *observability.OTelMetrics) Option {
	return func(d *Durable) { d.metrics = m }
}

// New combines state and blobs
func New(state StateStore, blobs BlobStore, opts ...Option) *Durable {
	d := &Durable{state: state, blobs: blobs, kind: "sql"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open builds a Durable store from cfg. It returns nil, nil when no driver is configured.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Durable, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var blobs BlobStore
	switch cfg.BlobType {
	case BlobS3:
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		blobs = NewS3BlobStore(client, cfg.S3Bucket, cfg.S3Prefix)
	default:
		fs, err := NewFilesystemBlobStore(cfg.BlobRoot)
		if err != nil {
			return nil, err
		}
		blobs = fs
	}

	state, err := OpenSQL(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := New(state, blobs, opts...)
	d.kind = cfg.Driver
	return d, nil
}

// State returns the underlying state store
func (d *Durable) State() StateStore {
	return d.state
}

// Publish stores bytecode, then commits rec. rec.Hash must match the bytecode.
func (d *Durable) Publish(ctx context.Context, rec Record, bytecode []byte) (err error) {
	start := time.Now()
	defer func() { d.metrics.RecordStorageOperation(ctx, "publish", d.kind, time.Since(start), err) }()

	if sum := sandbox.HashBytecode(bytecode); sum != rec.Hash {
		return fmt.Errorf("record hash %s does not match bytecode hash %s", rec.Hash, sum)
	}
	if err := d.blobs.Put(ctx, rec.Hash, bytecode); err != nil {
		return fmt.Errorf("failed to store bytecode for %s: %w", rec.Name, err)
	}
	if err := d.state.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to commit %s: %w", rec.Name, err)
	}
	return nil
}

// Remove forgets the plugin. Its blob stays, other records may reference it.
func (d *Durable) Remove(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { d.metrics.RecordStorageOperation(ctx, "remove", d.kind, time.Since(start), err) }()
	return d.state.Delete(ctx, name)
}

// Restore loads every record with its bytecode. Records whose blob is missing
// or corrupt are skipped and reported in the returned error; the rest are returned.
func (d *Durable) Restore(ctx context.Context) (restored []Restored, err error) {
	start := time.Now()
	defer func() { d.metrics.RecordStorageOperation(ctx, "restore", d.kind, time.Since(start), err) }()

	records, err := d.state.List(ctx)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, rec := range records {
		data, err := d.blobs.Get(ctx, rec.Hash)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Name, err))
			continue
		}
		if sum := sandbox.HashBytecode(data); sum != rec.Hash {
			errs = append(errs, fmt.Errorf("%s: blob hash %s does not match record hash %s", rec.Name, sum, rec.Hash))
			continue
		}
		restored = append(restored, Restored{Record: rec, Bytecode: data})
	}
	return restored, errors.Join(errs...)
}

// Ping checks the state store
func (d *Durable) Ping(ctx context.Context) error {
	return d.state.Ping(ctx)
}

// Close closes the state store
func (d *Durable) Close() error {
	return d.state.Close()
}
