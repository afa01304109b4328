// Package disk implements ports.ObjectStore on a local directory. The bucket
// argument is ignored and keys are slash-separated paths under the root.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/linkflow-go/gallery/internal/storage/ports"
)

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// List walks the root recursively. A missing root lists as empty.
func (s *Store) List(_ context.Context, _ string, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == s.root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, &ports.TransportError{Op: "list directory", Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Get(_ context.Context, _ string, key string) (string, error) {
	path, ok := s.resolve(key)
	if !ok {
		return "", fmt.Errorf("read %s: %w", key, ports.ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read %s: %w", key, ports.ErrNotFound)
		}
		return "", &ports.TransportError{Op: "read " + key, Err: err}
	}
	return string(data), nil
}

// Put writes through a temporary file so readers never see a partial object.
func (s *Store) Put(_ context.Context, _ string, key, body, _ string) error {
	path, ok := s.resolve(key)
	if !ok {
		return &ports.TransportError{Op: "write " + key, Err: errors.New("key escapes storage directory")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &ports.TransportError{Op: "write " + key, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return &ports.TransportError{Op: "write " + key, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		return &ports.TransportError{Op: "write " + key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &ports.TransportError{Op: "write " + key, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &ports.TransportError{Op: "write " + key, Err: err}
	}
	return nil
}

func (s *Store) resolve(key string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(s.root, clean), true
}
