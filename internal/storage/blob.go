// Package storage provides the blob storage collaborator used for both
// original uploads and generated export files.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BlobStore is write-once, content-addressed-by-name storage. Store
// refuses to overwrite an existing name; Open resolves a reference
// returned by Store.
type BlobStore interface {
	Store(name string, content []byte) (ref string, err error)
	Open(ref string) ([]byte, error)
}

// LocalBlobStore implements BlobStore on the local filesystem under a
// fixed base directory.
type LocalBlobStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewLocalBlobStore creates the store, creating the base directory if
// needed.
func NewLocalBlobStore(baseDir string, logger *zap.Logger) (*LocalBlobStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("invalid storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalBlobStore{baseDir: abs, logger: logger}, nil
}

// Store writes content under name. Names may contain directory levels
// (e.g. "exports/<batch>/RImport_x.txt") but never path traversal.
func (s *LocalBlobStore) Store(name string, content []byte) (string, error) {
	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("blob %q already exists", name)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		s.logger.Error("Failed to write blob",
			zap.String("name", name),
			zap.Error(err))
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	s.logger.Debug("Blob stored",
		zap.String("name", name),
		zap.Int("size", len(content)))
	return name, nil
}

// Open reads back a stored blob by its reference.
func (s *LocalBlobStore) Open(ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %q: %w", ref, err)
	}
	return content, nil
}

// resolve validates the name and maps it inside the base directory.
func (s *LocalBlobStore) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("blob name is required")
	}
	path := filepath.Join(s.baseDir, filepath.FromSlash(name))
	if !strings.HasPrefix(path, s.baseDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob name %q escapes storage directory", name)
	}
	return path, nil
}
