// Package storage keeps uploaded documents and derived OIM JSON files.
//
// Keys are slash-separated relative paths. A missing object is reported as
// ErrNotFound by every backend so callers can clear stale references.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/config"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty or escape the root.
var ErrInvalidKey = errors.New("invalid storage key")

// Store is an artifact backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// Fetch makes the object available as a local file for tools that need
	// a path. cleanup must be called when the file is no longer needed.
	Fetch(ctx context.Context, key string) (localPath string, cleanup func(), err error)
}

// New returns the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalStore(cfg.Root)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsJSON)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// cleanKey normalizes key and rejects traversal.
func cleanKey(key string) (string, error) {
	k := strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if k == "" {
		return "", ErrInvalidKey
	}
	k = path.Clean(k)
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}

// OriginalKey is where an uploaded document is stored.
func OriginalKey(runID, filename string) string {
	return path.Join("reports", "original", runID, SafeFilename(filename))
}

// OIMKey is where the OIM JSON derived for a report is stored.
func OIMKey(reportID int64, runID string) string {
	return fmt.Sprintf("reports/oim/report_%d_%s.json", reportID, runID)
}

// SafeFilename strips directories and characters that are awkward in
// object names.
func SafeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "document"
	}
	return s
}
