package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/JonMunkholm/esgregister/internal/config"
)

// =============================================================================
// Keys
// =============================================================================

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"reports/a.json", "reports/a.json", false},
		{"/reports//b.json", "reports/b.json", false},
		{`reports\c.json`, "reports/c.json", false},
		{"", "", true},
		{"..", "", true},
		{"../etc/passwd", "", true},
		{"reports/../../x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("cleanKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("cleanKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"report.xhtml":          "report.xhtml",
		"../../etc/passwd":      "passwd",
		`C:\docs\VSME 2024.zip`: "VSME_2024.zip",
		"..":                    "document",
		"årsrapport.html":       "_rsrapport.html",
	}
	for in, want := range tests {
		if got := SafeFilename(in); got != want {
			t.Errorf("SafeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeys(t *testing.T) {
	if got := OriginalKey("run1", "a b.xhtml"); got != "reports/original/run1/a_b.xhtml" {
		t.Errorf("OriginalKey = %s", got)
	}
	if got := OIMKey(7, "run1"); got != "reports/oim/report_7_run1.json" {
		t.Errorf("OIMKey = %s", got)
	}
}

// =============================================================================
// LocalStore
// =============================================================================

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Put(ctx, "reports/oim/x.json", strings.NewReader(`{"facts":[]}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.Exists(ctx, "reports/oim/x.json")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	rc, err := s.Open(ctx, "reports/oim/x.json")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != `{"facts":[]}` {
		t.Errorf("content = %s", data)
	}

	p, cleanup, err := s.Fetch(ctx, "reports/oim/x.json")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	cleanup()
	if _, err := os.Stat(p); err != nil {
		t.Errorf("Fetch cleanup removed the stored object: %v", err)
	}

	if err := s.Delete(ctx, "reports/oim/x.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "reports/oim/x.json"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestLocalStore_Missing(t *testing.T) {
	ctx := context.Background()
	s, _ := NewLocalStore(t.TempDir())

	if _, err := s.Open(ctx, "nope.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open error = %v, want ErrNotFound", err)
	}
	if _, _, err := s.Fetch(ctx, "nope.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch error = %v, want ErrNotFound", err)
	}
	if ok, err := s.Exists(ctx, "nope.json"); ok || err != nil {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir())
	err := s.Put(context.Background(), "../outside.txt", strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put error = %v, want ErrInvalidKey", err)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), configFor("s3")); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func configFor(backend string) config.StorageConfig {
	return config.StorageConfig{Backend: backend}
}
