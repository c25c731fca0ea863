package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore implements Store on the filesystem: one JSON document per row
// under <dir>/<provider>/. Rows are written to a temporary file and renamed
// into place so readers never see a partial row.
type FileStore struct {
	dir string
	// mu serializes read-modify-write cycles within this process
	mu sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir.
// If dir is empty, uses ~/.propertydata_cache
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".propertydata_cache")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Get(ctx context.Context, provider Provider, key string) (*Entry, error) {
	return s.read(s.path(provider, key))
}

func (s *FileStore) Meta(ctx context.Context, provider Provider, key string) (*Entry, error) {
	e, err := s.Get(ctx, provider, key)
	if err != nil {
		return nil, err
	}
	e.Payload = nil
	return e, nil
}

func (s *FileStore) GetMany(ctx context.Context, provider Provider, keys []string) ([]*Entry, error) {
	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		e, err := s.Get(ctx, provider, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Upsert writes each row atomically; a failure part way through a batch
// leaves the earlier rows written.
func (s *FileStore) Upsert(ctx context.Context, entries ...*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if err := s.write(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, provider Provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(provider, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s/%s: %w", provider, key, err)
	}
	return nil
}

func (s *FileStore) DeleteProvider(ctx context.Context, provider Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.dir, fileSafe(string(provider)))); err != nil {
		return fmt.Errorf("delete provider %s: %w", provider, err)
	}
	return nil
}

func (s *FileStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list cache dir: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, d.Name())); err != nil {
			return fmt.Errorf("delete %s: %w", d.Name(), err)
		}
	}
	return nil
}

func (s *FileStore) MarkStale(ctx context.Context, provider Provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.read(s.path(provider, key))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.IsStale {
		return nil
	}
	e.IsStale = true
	return s.write(e)
}

func (s *FileStore) Expire(ctx context.Context, provider Provider, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.read(s.path(provider, key))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.IsStale || e.ID != id {
		return nil
	}
	e.IsStale = true
	return s.write(e)
}

func (s *FileStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.walk(func(path string, e *Entry) error {
		if !e.ExpiresAt().Before(now) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("delete expired: %w", err)
	}
	return n, nil
}

func (s *FileStore) Stats(ctx context.Context) (StoreStats, error) {
	stats := StoreStats{Providers: map[Provider]int{}}
	err := s.walk(func(_ string, e *Entry) error {
		stats.Add(e)
		return nil
	})
	if err != nil {
		return StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	// MarshalIndent reflows the payload; undo that so callers see the bytes they wrote
	var compact bytes.Buffer
	if err := json.Compact(&compact, e.Payload); err == nil {
		e.Payload = compact.Bytes()
	}
	return &e, nil
}

func (s *FileStore) write(e *Entry) error {
	path := s.path(e.Provider, e.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// walk visits every row file, skipping temporaries and unreadable rows
func (s *FileStore) walk(fn func(path string, e *Entry) error) error {
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		e, err := s.read(path)
		if err != nil {
			return nil
		}
		return fn(path, e)
	})
}

// path generates the full filesystem path for a row
func (s *FileStore) path(provider Provider, key string) string {
	return filepath.Join(s.dir, fileSafe(string(provider)), fileSafe(key)+".json")
}

// fileSafe encodes s into a filename that is unique per input; very long
// inputs are hashed to stay under filesystem limits.
func fileSafe(s string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(s))
	if len(name) > 200 {
		sum := sha256.Sum256([]byte(s))
		return "hash_" + hex.EncodeToString(sum[:])
	}
	return name
}

var _ Store = (*FileStore)(nil)
