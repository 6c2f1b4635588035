package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("secret").Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "secret" {
		t.Fatalf("token = %q", token)
	}

	if _, err := StaticToken("").Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if _, err := StaticToken("   ").Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("whitespace-only token must not count, got %v", err)
	}
}

func TestFileTokenSourceReadsEachCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	source, err := NewFileTokenSource(path)
	if err != nil {
		t.Fatalf("NewFileTokenSource failed: %v", err)
	}
	token, err := source.Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "first" {
		t.Fatalf("token = %q", token)
	}

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite token file: %v", err)
	}
	token, err = source.Token()
	if err != nil {
		t.Fatalf("Token after rotation failed: %v", err)
	}
	if token != "second" {
		t.Fatalf("rotated token = %q", token)
	}
}

func TestFileTokenSourceMissingFile(t *testing.T) {
	source, err := NewFileTokenSource(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("NewFileTokenSource failed: %v", err)
	}
	if _, err := source.Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestWatchSignalsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	source, err := NewFileTokenSource(path)
	if err != nil {
		t.Fatalf("NewFileTokenSource failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	if err := source.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Replace by rename, the way secret managers rotate credentials.
	tmp := filepath.Join(dir, "token.tmp")
	if err := os.WriteFile(tmp, []byte("second"), 0o600); err != nil {
		t.Fatalf("write replacement: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename replacement: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatalf("rotation was not observed")
	}

	token, err := source.Token()
	if err != nil {
		t.Fatalf("Token after rotation failed: %v", err)
	}
	if token != "second" {
		t.Fatalf("rotated token = %q", token)
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	source, err := NewFileTokenSource(path)
	if err != nil {
		t.Fatalf("NewFileTokenSource failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	if err := source.Watch(ctx, func() { changed <- struct{}{} }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case <-changed:
		t.Fatalf("sibling write must not trigger the callback")
	case <-time.After(200 * time.Millisecond):
	}
}
