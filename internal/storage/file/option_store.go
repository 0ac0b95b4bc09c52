// Package file persists plugin runtime options in a single JSON document on
// local disk. It is the default backend for single node deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

// OptionStore keeps every option in memory and rewrites the whole document
// on each Set. Writes go to a temporary file that is renamed over the target.
type OptionStore struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

var _ plugin.OptionStore = (*OptionStore)(nil)

// NewOptionStore loads path if it exists. A missing file is an empty store.
func NewOptionStore(path string) (*OptionStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "option file path cannot be empty")
	}
	s := &OptionStore{path: path, values: make(map[string]string)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read option file", xerrors.WithMetadata("path", path))
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.values); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode option file", xerrors.WithMetadata("path", path))
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}

// Get implements plugin.OptionStore.
func (s *OptionStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

// Set implements plugin.OptionStore. The in-memory value only changes when
// the file was written successfully.
func (s *OptionStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]string, len(s.values)+1)
	for k, v := range s.values {
		next[k] = v
	}
	next[key] = value
	if err := s.flush(next); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write option file", xerrors.WithMetadata("key", key))
	}
	s.values = next
	return nil
}

// Keys returns the stored keys that start with prefix, sorted.
func (s *OptionStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *OptionStore) flush(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create option directory: %w", err)
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace option file: %w", err)
	}
	return nil
}
