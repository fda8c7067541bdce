package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JonMunkholm/esgregister/internal/config"
	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/logging"
	"github.com/JonMunkholm/esgregister/internal/pipeline"
	"github.com/JonMunkholm/esgregister/internal/register"
	"github.com/JonMunkholm/esgregister/internal/storage"
)

// Converter turns a stored document into a validated OIM JSON file.
// *pipeline.Pipeline implements it.
type Converter interface {
	Process(ctx context.Context, path, ext, outDir string) pipeline.Outcome
}

// Service provides report ingestion, deletion and register maintenance.
type Service struct {
	store    database.Store
	files    storage.Store
	pipeline Converter
	engine   *register.Engine
	runs     *RunTracker

	upload    config.UploadConfig
	extractor config.ExtractorConfig

	now func() time.Time
}

// NewService wires the service from its collaborators.
func NewService(
	store database.Store,
	files storage.Store,
	conv Converter,
	engine *register.Engine,
	upload config.UploadConfig,
	extractor config.ExtractorConfig,
) *Service {
	return &Service{
		store:     store,
		files:     files,
		pipeline:  conv,
		engine:    engine,
		runs:      NewRunTracker(),
		upload:    upload,
		extractor: extractor,
		now:       time.Now,
	}
}

// Runs exposes the tracker of detached pipeline runs.
func (s *Service) Runs() *RunTracker {
	return s.runs
}

// Health checks the database connection.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListReports returns the owner's reports, newest first.
func (s *Service) ListReports(ctx context.Context, ownerID string, f database.ReportFilter) ([]database.Report, error) {
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	f.OwnerID = ownerID
	return s.store.ListReports(ctx, f)
}

// GetReport returns one report. Reports of other owners are reported as
// not found.
func (s *Service) GetReport(ctx context.Context, ownerID string, id int64) (database.Report, error) {
	if ownerID == "" {
		return database.Report{}, ErrMissingOwner
	}
	r, err := s.store.GetReport(ctx, id)
	if errors.Is(err, database.ErrNotFound) || (err == nil && r.OwnerID != ownerID) {
		return database.Report{}, ErrReportNotFound
	}
	if err != nil {
		return database.Report{}, fmt.Errorf("get report %d: %w", id, err)
	}
	return r, nil
}

// ListFacts returns the facts of one of the owner's reports.
func (s *Service) ListFacts(ctx context.Context, ownerID string, id int64) ([]database.Fact, error) {
	if _, err := s.GetReport(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.store.ListFacts(ctx, id)
}

// ListRegister returns register rows ordered by entity and year.
func (s *Service) ListRegister(ctx context.Context, f database.RegisterFilter) ([]database.RegisterRow, error) {
	return s.store.ListRegister(ctx, f)
}

// Artifact is an open stored file belonging to a report.
type Artifact struct {
	io.ReadCloser
	Filename    string
	ContentType string
}

// OpenArtifact opens the original document or the OIM JSON of a report.
// A reference whose backing object is gone is cleared and reported as
// ErrArtifactNotFound.
func (s *Service) OpenArtifact(ctx context.Context, ownerID string, id int64, kind database.ArtifactKind) (Artifact, error) {
	r, err := s.GetReport(ctx, ownerID, id)
	if err != nil {
		return Artifact{}, err
	}
	key := r.Key(kind)
	if key == "" {
		return Artifact{}, ErrArtifactNotFound
	}

	rc, err := s.files.Open(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		logging.FromContext(ctx).Warn("artifact missing from storage, clearing reference",
			"report_id", id,
			"kind", kind,
			"key", key,
		)
		if err := s.store.ClearArtifact(ctx, id, kind); err != nil && !errors.Is(err, database.ErrNotFound) {
			return Artifact{}, fmt.Errorf("clear %s artifact: %w", kind, err)
		}
		return Artifact{}, ErrArtifactNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("open %s artifact: %w", kind, err)
	}

	a := Artifact{ReadCloser: rc, ContentType: "application/octet-stream"}
	switch kind {
	case database.ArtifactOriginal:
		a.Filename = storage.SafeFilename(r.OriginalFilename)
		a.ContentType = contentTypeFor(r.OriginalFilename)
	case database.ArtifactOIM:
		a.Filename = fmt.Sprintf("report_%d_oim.json", r.ID)
		a.ContentType = "application/json"
	}
	return a, nil
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(filename), ".zip"):
		return "application/zip"
	case strings.HasSuffix(strings.ToLower(filename), ".xhtml"):
		return "application/xhtml+xml"
	case strings.HasSuffix(strings.ToLower(filename), ".html"):
		return "text/html; charset=utf-8"
	}
	return "application/octet-stream"
}

// Export formats for ExportRegister.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// ExportRegister writes every register row to w in the given format.
func (s *Service) ExportRegister(ctx context.Context, w io.Writer, format string) error {
	rows, err := s.store.ListRegister(ctx, database.RegisterFilter{})
	if err != nil {
		return fmt.Errorf("list register: %w", err)
	}
	switch strings.ToLower(format) {
	case "", FormatCSV:
		return register.WriteCSV(w, rows)
	case FormatXLSX:
		return register.WriteXLSX(w, rows)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// RebuildRegister recomputes every register row from the validated reports.
func (s *Service) RebuildRegister(ctx context.Context) (register.RebuildResult, error) {
	return s.engine.RebuildAll(ctx)
}
