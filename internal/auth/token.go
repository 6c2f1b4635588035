// Package auth supplies the connection credential the replication channel
// attaches during its handshake.
package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var ErrNoCredential = errors.New("no credential available")

// TokenSource yields the current authentication credential. The channel
// consults it on every connect attempt, so rotated tokens take effect on
// the next (re)connect.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed credential.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// FileTokenSource reads the credential from a file on every call, and can
// watch the file so callers learn about rotation.
type FileTokenSource struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewFileTokenSource(path string) (*FileTokenSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("token file path is required")
	}
	return &FileTokenSource{path: path}, nil
}

func (s *FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", ErrNoCredential
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Watch invokes onChange whenever the token file is rewritten, until ctx
// is done. The parent directory is watched because editors and secret
// managers typically replace the file by rename.
func (s *FileTokenSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go func() {
		defer func() {
			_ = watcher.Close()
		}()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if onChange != nil {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
