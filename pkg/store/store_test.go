package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/pkg/sandbox"
)

func testRecord(name string, bytecode []byte) Record {
	limits := sandbox.DefaultLimits()
	limits.QuotaPolicy = sandbox.QuotaFatal
	return Record{
		Name:       name,
		Version:    "1.0.0",
		Hash:       sandbox.HashBytecode(bytecode),
		Source:     "/plugins/" + name + ".wasm",
		Entrypoint: "on_event",
		Priority:   "normal",
		Limits:     limits,
		LoadedAt:   time.Unix(1700000000, 42).UTC(),
	}
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Driver = DriverSQLite
	cfg.DSN = filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQL(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	rec := testRecord("filter", []byte("v1"))
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "filter")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)

	rec.Version = "2.0.0"
	rec.Hash = sandbox.HashBytecode([]byte("v2"))
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Put(ctx, testRecord("audit", []byte("a"))))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "audit", list[0].Name)
	assert.Equal(t, "2.0.0", list[1].Version)

	require.NoError(t, s.Delete(ctx, "filter"))
	require.NoError(t, s.Delete(ctx, "filter"))
	_, err = s.Get(ctx, "filter")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Ping(ctx))
}

func TestSQLStore_Migrate_Idempotent(t *testing.T) {
	s := openSQLite(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestRebind(t *testing.T) {
	pg := NewSQLStore(nil, DriverPostgres)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	my := NewSQLStore(nil, DriverMySQL)
	assert.Equal(t, "WHERE x = ?", my.rebind("WHERE x = ?"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled", func(c *Config) {}, ""},
		{"sqlite", func(c *Config) { c.Driver = DriverSQLite; c.DSN = "file.db" }, ""},
		{"missing dsn", func(c *Config) { c.Driver = DriverPostgres }, "DSN is required"},
		{"bad driver", func(c *Config) { c.Driver = "oracle"; c.DSN = "x" }, "invalid state store driver"},
		{"s3 without bucket", func(c *Config) {
			c.Driver = DriverMySQL
			c.DSN = "x"
			c.BlobType = BlobS3
		}, "S3 bucket is required"},
		{"bad blob type", func(c *Config) {
			c.Driver = DriverMySQL
			c.DSN = "x"
			c.BlobType = "gcs"
		}, "invalid blob store type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestOpen_Disabled(t *testing.T) {
	d, err := Open(context.Background(), DefaultConfig())
	assert.NoError(t, err)
	assert.Nil(t, d)
}
