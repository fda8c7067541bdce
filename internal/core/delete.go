package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/logging"
)

// DeleteReport removes one of the owner's reports and runs the follow-ups
// synchronously: register recompute for the freed pair, renumbering of the
// owner's remaining reports, and removal of the stored files.
func (s *Service) DeleteReport(ctx context.Context, ownerID string, id int64) error {
	if _, err := s.GetReport(ctx, ownerID, id); err != nil {
		return err
	}
	return s.deleteReport(ctx, id)
}

// DeleteOwnerReports removes every report of an owner, as done when the
// owner's account is closed. Returns the number deleted.
func (s *Service) DeleteOwnerReports(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, ErrMissingOwner
	}
	reports, err := s.store.ListReports(ctx, database.ReportFilter{OwnerID: ownerID})
	if err != nil {
		return 0, fmt.Errorf("list reports: %w", err)
	}

	var errs []error
	deleted := 0
	for _, r := range reports {
		if err := s.deleteReport(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("report %d: %w", r.ID, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func (s *Service) deleteReport(ctx context.Context, id int64) error {
	log := logging.WithFields(ctx, "report_id", id)

	prior, err := s.store.DeleteReport(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return ErrReportNotFound
	}
	if err != nil {
		return fmt.Errorf("delete report %d: %w", id, err)
	}

	action, err := s.engine.Recompute(ctx, prior.Pair())
	if err != nil {
		log.Error("register recompute after delete failed",
			"entity_id", prior.EntityID,
			"year", prior.ReportingYear,
			"error", err,
		)
	} else {
		log.Info("register recomputed after delete",
			"entity_id", prior.EntityID,
			"year", prior.ReportingYear,
			"action", action.String(),
		)
	}

	if err := s.store.RenumberReports(ctx, prior.OwnerID); err != nil {
		log.Error("renumbering reports failed", "owner", prior.OwnerID, "error", err)
	}

	for _, key := range []string{prior.OriginalKey, prior.OIMKey} {
		if key == "" {
			continue
		}
		if err := s.files.Delete(ctx, key); err != nil {
			log.Warn("failed to delete stored file", "key", key, "error", err)
		}
	}

	log.Info("report deleted")
	return nil
}
