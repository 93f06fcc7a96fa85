package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"backendlink/internal/logging"
)

// DefaultPath is the credential document under the user config directory.
func DefaultPath(profile string) (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	if profile == "" {
		profile = "default"
	}
	return filepath.Join(root, "backendlink", profile, "credentials.json"), nil
}

// FileStore persists credentials as a JSON document readable only by the
// current user. Watch picks up writes made by other processes.
type FileStore struct {
	path   string
	logger *logging.Logger

	mu     sync.RWMutex
	values map[string]string
	closed bool
}

func NewFileStore(path string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		panic("credential.NewFileStore: logger must not be nil")
	}
	if path == "" {
		return nil, errors.New("credential file path is required")
	}
	s := &FileStore{path: filepath.Clean(path), logger: logger, values: map[string]string{}}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Read(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *FileStore) Write(key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if current, ok := s.values[key]; ok && current == value {
		return nil
	}
	s.values[key] = value
	return s.persistLocked()
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.persistLocked()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Watch reloads the document whenever it changes on disk and calls onChange
// afterwards. It blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic renames replace the file inode.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch credential directory %s: %w", dir, err)
	}
	s.logger.Debug("watching credential file", logging.Field("path", s.path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if reloadErr := s.reload(); reloadErr != nil {
				s.logger.Warn("credential reload failed", logging.Field("error", reloadErr))
				continue
			}
			s.logger.Debug("credential file changed", logging.Field("op", event.Op.String()))
			if onChange != nil {
				onChange()
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("credential watcher error", logging.Field("error", watchErr))
		}
	}
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	values := map[string]string{}
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	default:
		if len(data) > 0 {
			if err := json.Unmarshal(data, &values); err != nil {
				return fmt.Errorf("invalid credential file %s: %w", s.path, err)
			}
		}
	}
	s.mu.Lock()
	if !s.closed {
		s.values = values
	}
	s.mu.Unlock()
	return nil
}

func (s *FileStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
