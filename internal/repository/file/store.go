// Package file keeps the table set in a single JSON document on local disk.
//
// Writes go to a temporary sibling, are fsynced, then renamed over the
// document, so a reader sees either the previous or the new content and
// never a partial write.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crlogger/internal/repository"
)

type Store struct {
	path string
	loc  *time.Location
	mu   sync.Mutex
}

// New returns a store for the document at path. Zone-less timestamps found
// in the document are read in loc.
func New(path string, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{path: path, loc: loc}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load(ctx context.Context) (map[string]time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading checkpoint file %s: %w", s.path, err)
	}
	tables, err := repository.DecodeDocument(data, s.loc)
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint file %s: %w", s.path, err)
	}
	return tables, true, nil
}

func (s *Store) Save(ctx context.Context, tables map[string]time.Time) error {
	// Encode before touching the disk.
	data, err := repository.EncodeDocument(tables)
	if err != nil {
		return fmt.Errorf("%w: encoding: %v", repository.ErrPersistence, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary checkpoint file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary checkpoint file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary checkpoint file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary checkpoint file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming checkpoint file into place: %w", err)
	}

	// Make the rename itself durable.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
