package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemBlobStore keeps blobs under root/<first two hex chars>/<rest>
type FilesystemBlobStore struct {
	rootDir string
}

// NewFilesystemBlobStore creates the root directory if needed
func NewFilesystemBlobStore(rootDir string) (*FilesystemBlobStore, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FilesystemBlobStore{rootDir: rootDir}, nil
}

func (s *FilesystemBlobStore) path(hash string) (string, error) {
	if err := checkHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(s.rootDir, hash[:2], hash[2:]), nil
}

// Put writes data atomically: temp file, fsync, rename, then fsync the directory.
// Existing blobs are left untouched.
func (s *FilesystemBlobStore) Put(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+hash[:8]+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("failed to publish blob: %w", err)
	}
	return syncDir(dir)
}

// Get reads a blob or returns ErrNotFound
func (s *FilesystemBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	return data, nil
}

// Exists reports whether a blob is present
func (s *FilesystemBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	target, err := s.path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob %s: %w", hash, err)
	}
	return true, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open blob directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync blob directory: %w", err)
	}
	return nil
}

func checkHash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("invalid blob hash %q: want 64 hex characters", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("invalid blob hash %q: %w", hash, err)
	}
	return nil
}
