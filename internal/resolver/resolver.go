// Package resolver turns an uploaded artifact into an input Arelle can open.
//
// Bare HTML is wrapped into a minimal report package so Arelle loads it
// with the inline XBRL document set plugin; ZIP packages pass through, and
// their primary document can be extracted for Arelle builds that cannot
// open the archive directly.
package resolver

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/logging"
)

// ErrUnsupportedExtension is returned for artifacts that are not HTML,
// XHTML or ZIP.
var ErrUnsupportedExtension = errors.New("unsupported document extension")

// ErrNoPrimaryDocument is returned when a ZIP holds no .xhtml/.html member.
var ErrNoPrimaryDocument = errors.New("package contains no .xhtml or .html document")

// manifest is the report package descriptor written into wrapped HTML.
const manifest = `{"documentInfo":{"documentType":"https://xbrl.org/report-package/2023/xbrl"}}`

// Resolved is an effective input path plus the temporary directory that
// backs it, if any.
type Resolved struct {
	Path    string
	TempDir string
	Wrapped bool
}

// Cleanup removes the temporary directory. Safe to call on a zero value and
// more than once.
func (r Resolved) Cleanup() error {
	if r.TempDir == "" {
		return nil
	}
	return os.RemoveAll(r.TempDir)
}

// NormalizeExt lowercases ext and adds the leading dot.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if ext == ".htm" {
		ext = ".html"
	}
	return ext
}

// Resolve picks the effective input for path given its declared extension.
// HTML wrapping failures fall back to the raw file and are only logged.
func Resolve(ctx context.Context, path, ext string) (Resolved, error) {
	switch NormalizeExt(ext) {
	case ".xhtml", ".zip":
		return Resolved{Path: path}, nil
	case ".html":
		res, err := WrapHTML(path)
		if err != nil {
			logging.FromContext(ctx).Warn("html package wrapping failed, using raw file",
				"path", path, "error", err)
			return Resolved{Path: path}, nil
		}
		return res, nil
	default:
		return Resolved{}, fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}
}

// WrapHTML builds report/META-INF/reportPackage.json plus
// report/reports/report.html into a ZIP inside a fresh temp directory.
func WrapHTML(path string) (res Resolved, err error) {
	tmp, err := os.MkdirTemp("", "esg-wrap-*")
	if err != nil {
		return Resolved{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmp)
		}
	}()

	src, err := os.Open(path)
	if err != nil {
		return Resolved{}, fmt.Errorf("open html: %w", err)
	}
	defer src.Close()

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	zipPath := filepath.Join(tmp, base+".zip")
	out, err := os.Create(zipPath)
	if err != nil {
		return Resolved{}, fmt.Errorf("create package: %w", err)
	}

	zw := zip.NewWriter(out)
	if err := writeMember(zw, "report/META-INF/reportPackage.json", strings.NewReader(manifest)); err != nil {
		out.Close()
		return Resolved{}, err
	}
	if err := writeMember(zw, "report/reports/report.html", src); err != nil {
		out.Close()
		return Resolved{}, err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return Resolved{}, fmt.Errorf("finish package: %w", err)
	}
	if err := out.Close(); err != nil {
		return Resolved{}, fmt.Errorf("close package: %w", err)
	}

	return Resolved{Path: zipPath, TempDir: tmp, Wrapped: true}, nil
}

func writeMember(zw *zip.Writer, name string, r io.Reader) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// primaryMember returns the lexicographically first .xhtml/.html member.
func primaryMember(files []*zip.File) (*zip.File, error) {
	var candidates []*zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".xhtml", ".html", ".htm":
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoPrimaryDocument
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates[0], nil
}

// ExtractPrimary unpacks zipPath into a temp directory and returns the
// primary document inside it. Sibling members are extracted too so
// relative references from the document keep working.
func ExtractPrimary(zipPath string) (res Resolved, err error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return Resolved{}, fmt.Errorf("open package: %w", err)
	}
	defer zr.Close()

	primary, err := primaryMember(zr.File)
	if err != nil {
		return Resolved{}, err
	}

	tmp, err := os.MkdirTemp("", "esg-unzip-*")
	if err != nil {
		return Resolved{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmp)
		}
	}()

	for _, f := range zr.File {
		if err := extractMember(tmp, f); err != nil {
			return Resolved{}, err
		}
	}

	return Resolved{Path: filepath.Join(tmp, filepath.FromSlash(primary.Name)), TempDir: tmp}, nil
}

// extractMember writes f under root, refusing paths that escape it.
func extractMember(root string, f *zip.File) error {
	target := filepath.Join(root, filepath.FromSlash(f.Name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("illegal path in package: %q", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}
