package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/logging"
	"github.com/JonMunkholm/esgregister/internal/oim"
	"github.com/JonMunkholm/esgregister/internal/pipeline"
	"github.com/JonMunkholm/esgregister/internal/storage"
)

// processReport is the detached pipeline run for one report. Every outcome
// is written to the report row or logged; nothing is returned.
func (s *Service) processReport(ctx context.Context, report database.Report, runID string) {
	log := logging.WithFields(ctx, "report_id", report.ID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in pipeline run", "panic", r)
			s.fail(context.WithoutCancel(ctx), report.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	log.Info("pipeline run started", "file", report.OriginalFilename)

	src, cleanup, err := s.files.Fetch(ctx, report.OriginalKey)
	if err != nil {
		log.Error("failed to fetch original", "key", report.OriginalKey, "error", err)
		s.fail(ctx, report.ID, "original document unavailable")
		return
	}
	defer cleanup()

	outDir, err := os.MkdirTemp("", "esg-oim-*")
	if err != nil {
		log.Error("failed to create output dir", "error", err)
		s.fail(ctx, report.ID, "could not prepare conversion")
		return
	}
	defer os.RemoveAll(outDir)

	outcome := s.pipeline.Process(ctx, src, filepath.Ext(report.OriginalFilename), outDir)
	if !outcome.OK {
		// The run context may be spent; the terminal write must still land.
		s.fail(context.WithoutCancel(ctx), report.ID, outcome.Summary)
		log.Error("report validation failed",
			"exit_code", outcome.ExitCode,
			"variant", outcome.Variant,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	if err := s.validate(ctx, report, runID, outcome); err != nil {
		log.Error("failed to record validated report", "error", err)
		s.fail(context.WithoutCancel(ctx), report.ID, "could not store converted output")
		return
	}

	s.populate(ctx, report, outcome.Path)

	current, err := s.store.GetReport(ctx, report.ID)
	if err != nil {
		log.Error("failed to reload report for register", "error", err)
		return
	}
	action, err := s.engine.Upsert(ctx, current)
	if err != nil {
		log.Error("register upsert failed", "error", err)
	} else {
		log.Info("register updated", "action", action.String())
	}

	log.Info("report validated",
		"variant", outcome.Variant,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// validate stores the OIM JSON and moves the report to validated.
func (s *Service) validate(ctx context.Context, report database.Report, runID string, outcome pipeline.Outcome) error {
	key := storage.OIMKey(report.ID, runID)
	if err := s.putFile(ctx, key, outcome.Path); err != nil {
		return fmt.Errorf("store oim json: %w", err)
	}

	err := s.store.FinishReport(ctx, report.ID, database.ReportOutcome{
		Status:  database.StatusValidated,
		Summary: outcome.Summary,
		OIMKey:  key,
	})
	if err == nil {
		return nil
	}

	if derr := s.files.Delete(context.WithoutCancel(ctx), key); derr != nil {
		logging.FromContext(ctx).Warn("failed to remove orphaned oim json", "key", key, "error", derr)
	}
	if errors.Is(err, database.ErrNotFound) {
		// Deleted while the run was in flight.
		logging.FromContext(ctx).Info("report gone before validation was recorded")
		return nil
	}
	return err
}

// fail moves the report to failed. A report deleted mid-run is ignored.
func (s *Service) fail(ctx context.Context, reportID int64, reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = pipeline.DefaultFailureSummary
	}
	err := s.store.FinishReport(ctx, reportID, database.ReportOutcome{
		Status:        database.StatusFailed,
		FailureReason: reason,
	})
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		logging.FromContext(ctx).Error("failed to mark report failed", "report_id", reportID, "error", err)
	}
}

// populate reads metadata and facts from the OIM JSON. Failures are logged
// and leave the report validated.
func (s *Service) populate(ctx context.Context, report database.Report, path string) {
	log := logging.WithFields(ctx, "report_id", report.ID)

	doc, err := oim.ParseFile(path)
	if err != nil {
		log.Warn("metadata extraction failed", "error", err)
		return
	}

	meta := doc.Metadata()
	if meta.Entity != "" || meta.Period != "" {
		if err := s.store.UpdateReportMetadata(ctx, report.ID, meta.Entity, meta.Period); err != nil {
			log.Warn("failed to save report metadata", "error", err)
		}
	}

	if year, ok := oim.ReportingYear(meta.Period); ok && year != report.ReportingYear {
		err := s.store.UpdateReportYear(ctx, report.ID, year)
		switch {
		case errors.Is(err, database.ErrUniqueViolation):
			log.Warn("reporting year correction skipped, pair already taken",
				"from", report.ReportingYear,
				"to", year,
			)
		case err != nil:
			log.Warn("reporting year correction failed", "error", err)
		default:
			log.Info("reporting year corrected", "from", report.ReportingYear, "to", year)
		}
	}

	rows := doc.Rows()
	facts := make([]database.Fact, len(rows))
	for i, r := range rows {
		facts[i] = database.Fact{
			ReportID: report.ID,
			Concept:  r.Concept,
			Value:    r.Value,
			Datatype: r.Datatype,
			Unit:     r.Unit,
			Context:  r.Context,
		}
	}
	n, err := s.store.InsertFacts(ctx, report.ID, facts)
	if err != nil {
		log.Warn("fact extraction failed", "error", err)
		return
	}
	log.Info("facts stored", "count", n)
}

var taxonomyDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// TaxonomyVersion derives a version label from the taxonomy entry point
// URL: the date path segment when there is one, otherwise the URL itself.
//
//	https://xbrl.efrag.org/taxonomy/vsme/2024-12-17/vsme-all.xsd -> vsme-2024-12-17
func TaxonomyVersion(entrypoint string) string {
	entrypoint = strings.TrimSpace(entrypoint)
	segments := strings.Split(entrypoint, "/")
	for i, seg := range segments {
		if !taxonomyDate.MatchString(seg) {
			continue
		}
		if i > 0 && segments[i-1] != "" && !strings.Contains(segments[i-1], ".") {
			return segments[i-1] + "-" + seg
		}
		return seg
	}
	return entrypoint
}
