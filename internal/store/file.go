package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	dirMode  fs.FileMode = 0o775
	fileMode fs.FileMode = 0o664
)

// FileStore keeps all sessions in one JSON document on local disk.
// Writes go to a temp file in the same directory which is then renamed over
// the target, so readers only ever see a complete document.
type FileStore struct {
	path string
}

// NewFileStore creates the directory and an empty document if absent.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store: empty file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	s := &FileStore{path: path}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := s.SaveAll(context.Background(), Sessions{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) LoadAll(_ context.Context) (Sessions, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Sessions{}, nil
	}
	if err != nil {
		return Sessions{}, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.path, err)
	}

	trimmed := bytes.TrimSpace(b)
	// "[]" is what the first-run initializer of older kiosks wrote.
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[]")) {
		return Sessions{}, nil
	}

	var out Sessions
	if err := json.Unmarshal(trimmed, &out); err != nil {
		moved := s.quarantine()
		return Sessions{}, fmt.Errorf("%w: decode %s (moved to %s): %v", ErrCorrupt, s.path, moved, err)
	}
	if out == nil {
		out = Sessions{}
	}
	return out, nil
}

// quarantine moves an undecodable document aside so the next save does not
// destroy the evidence.
func (s *FileStore) quarantine() string {
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixNano())
	if err := os.Rename(s.path, dst); err != nil {
		return ""
	}
	return dst
}

func (s *FileStore) SaveAll(_ context.Context, sessions Sessions) error {
	if sessions == nil {
		sessions = Sessions{}
	}
	data, err := json.MarshalIndent(sessions, "", "    ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write temp: %v", ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync temp: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close temp: %v", ErrUnavailable, err)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		cleanup()
		return fmt.Errorf("%w: chmod temp: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *FileStore) Ping(_ context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
