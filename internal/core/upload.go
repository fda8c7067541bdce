package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/logging"
	"github.com/JonMunkholm/esgregister/internal/resolver"
	"github.com/JonMunkholm/esgregister/internal/storage"
	"github.com/google/uuid"
)

// DefaultEntityName is used when an upload names no entity and none can be
// read from the document. Reports filed under it still occupy a real
// (entity, year) pair.
const DefaultEntityName = "Unassigned entity"

const (
	minYear = 1900
	maxYear = 2100
)

// UploadInput is one submitted document. EntityID, EntityName and Year are
// optional; zero values are filled from the document or from defaults.
type UploadInput struct {
	OwnerID    string
	Filename   string
	Body       io.Reader
	EntityID   int64
	EntityName string
	Year       int
}

// Upload stores the document, creates its report in processing state and
// starts the pipeline run in the background. The returned report is the
// row as created; callers poll GetReport for the outcome.
func (s *Service) Upload(ctx context.Context, in UploadInput) (database.Report, error) {
	log := logging.FromContext(ctx)

	if in.OwnerID == "" {
		return database.Report{}, ErrMissingOwner
	}
	if in.Body == nil || strings.TrimSpace(in.Filename) == "" {
		return database.Report{}, ErrNoFile
	}
	ext := resolver.NormalizeExt(filepath.Ext(in.Filename))
	if !s.allowedExtension(ext) {
		return database.Report{}, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}
	if in.Year != 0 && !validYear(in.Year) {
		return database.Report{}, fmt.Errorf("%w: %d", ErrInvalidYear, in.Year)
	}

	if quota := s.upload.MaxReportsPerOwner; quota > 0 {
		n, err := s.store.CountReportsByOwner(ctx, in.OwnerID)
		if err != nil {
			return database.Report{}, fmt.Errorf("count reports: %w", err)
		}
		if n >= quota {
			return database.Report{}, ErrQuotaExceeded
		}
	}

	tmpDir, err := os.MkdirTemp("", "esg-upload-*")
	if err != nil {
		return database.Report{}, fmt.Errorf("create upload dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	local := filepath.Join(tmpDir, "document"+ext)
	if err := s.spool(local, in.Body); err != nil {
		return database.Report{}, err
	}

	var hints resolver.Hints
	if (in.EntityID == 0 && strings.TrimSpace(in.EntityName) == "") || in.Year == 0 {
		hints, err = resolver.SniffFile(local, ext)
		if err != nil {
			log.Debug("could not read hints from document", "error", err)
		}
	}

	entity, err := s.resolveEntity(ctx, in, hints)
	if err != nil {
		return database.Report{}, err
	}
	year := s.resolveYear(in, hints)

	taken, err := s.store.ReportExists(ctx, database.Pair{EntityID: entity.ID, Year: year})
	if err != nil {
		return database.Report{}, fmt.Errorf("check existing report: %w", err)
	}
	if taken {
		return database.Report{}, ErrDuplicateReport
	}

	runID := uuid.NewString()
	key := storage.OriginalKey(runID, in.Filename)
	if err := s.putFile(ctx, key, local); err != nil {
		return database.Report{}, fmt.Errorf("store original: %w", err)
	}

	report, err := s.store.CreateReport(ctx, database.NewReport{
		OwnerID:          in.OwnerID,
		EntityID:         entity.ID,
		ReportingYear:    year,
		OriginalFilename: in.Filename,
		OriginalKey:      key,
		TaxonomyVersion:  TaxonomyVersion(s.extractor.EntrypointURL),
	})
	if err != nil {
		if derr := s.files.Delete(ctx, key); derr != nil {
			log.Warn("failed to remove orphaned original", "key", key, "error", derr)
		}
		if errors.Is(err, database.ErrUniqueViolation) {
			return database.Report{}, ErrDuplicateReport
		}
		return database.Report{}, fmt.Errorf("create report: %w", err)
	}

	log.Info("report created",
		"report_id", report.ID,
		"run_id", runID,
		"entity_id", entity.ID,
		"year", year,
		"file", in.Filename,
	)

	if err := s.startRun(ctx, report, runID); err != nil {
		return report, err
	}
	return report, nil
}

// startRun detaches the pipeline run from the request so it outlives it.
func (s *Service) startRun(ctx context.Context, report database.Report, runID string) error {
	runCtx := logging.WithRunID(context.WithoutCancel(ctx), runID)
	cancel := context.CancelFunc(func() {})
	if s.extractor.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.extractor.Timeout)
	}

	err := s.runs.Go(report.ID, runID, func() {
		defer cancel()
		s.processReport(runCtx, report, runID)
	})
	if err == nil {
		return nil
	}
	cancel()

	// The report would otherwise sit in processing forever.
	if ferr := s.store.FinishReport(ctx, report.ID, database.ReportOutcome{
		Status:        database.StatusFailed,
		FailureReason: "service shutting down",
	}); ferr != nil {
		logging.FromContext(ctx).Error("failed to mark report failed", "report_id", report.ID, "error", ferr)
	}
	return err
}

func (s *Service) allowedExtension(ext string) bool {
	if ext == "" {
		return false
	}
	for _, allowed := range s.upload.AllowedExtensions {
		if resolver.NormalizeExt(allowed) == ext {
			return true
		}
	}
	return false
}

// spool copies body to path, enforcing the size limit.
func (s *Service) spool(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	defer f.Close()

	limit := s.upload.MaxFileSize()
	src := body
	if limit > 0 {
		src = io.LimitReader(body, limit+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if limit > 0 && n > limit {
		return fmt.Errorf("%w: limit is %d MB", ErrFileTooLarge, s.upload.MaxSizeMB)
	}
	if n == 0 {
		return ErrEmptyFile
	}
	return f.Close()
}

func (s *Service) putFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.files.Put(ctx, key, f)
}

// resolveEntity picks the explicit entity, then the explicit name, then
// the name found in the document, then DefaultEntityName.
func (s *Service) resolveEntity(ctx context.Context, in UploadInput, hints resolver.Hints) (database.Entity, error) {
	if in.EntityID != 0 {
		e, err := s.store.GetEntity(ctx, in.EntityID)
		if errors.Is(err, database.ErrNotFound) {
			return database.Entity{}, ErrEntityNotFound
		}
		if err != nil {
			return database.Entity{}, fmt.Errorf("get entity: %w", err)
		}
		return e, nil
	}

	name := strings.TrimSpace(in.EntityName)
	if name == "" {
		name = strings.TrimSpace(hints.EntityName)
	}
	if name == "" {
		name = DefaultEntityName
	}
	e, err := s.store.GetOrCreateEntity(ctx, name)
	if err != nil {
		return database.Entity{}, fmt.Errorf("get or create entity %q: %w", name, err)
	}
	return e, nil
}

// resolveYear picks the explicit year, then the year found in the
// document, then the current year.
func (s *Service) resolveYear(in UploadInput, hints resolver.Hints) int {
	if in.Year != 0 {
		return in.Year
	}
	if validYear(hints.Year) {
		return hints.Year
	}
	return s.now().Year()
}

func validYear(y int) bool {
	return y >= minYear && y <= maxYear
}
