package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore keeps artifacts on disk under Dir. Used in development and
// whenever no bucket is configured.
type LocalStore struct {
	Dir       string
	URLPrefix string // e.g. "/uploads"
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &LocalStore{Dir: dir, URLPrefix: "/uploads"}, nil
}

// Put writes body to Dir/key, creating parent directories as needed.
func (s *LocalStore) Put(_ context.Context, key string, body []byte, _ string) error {
	destPath := s.path(key)
	if err := os.MkdirAll(filepath.Dir(destPath), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(destPath, body, 0o644)
}

func (s *LocalStore) URL(key string) string {
	return s.URLPrefix + "/" + filepath.ToSlash(key)
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(key))
}
