// Package testutil provides shared test helpers for castella tests.
package testutil

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/castella/castella/internal/catalog"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "castella-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Catalog opens a migrated sqlite catalog in a temporary directory. It is
// closed when the test ends.
func Catalog(t *testing.T, opts ...catalog.Option) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(catalog.Config{
		Driver: catalog.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "catalog.db"),
	}, opts...)
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	if err := cat.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate catalog: %v", err)
	}
	return cat
}

// RandomBytes returns n random bytes.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to read random bytes: %v", err)
	}
	return b
}
