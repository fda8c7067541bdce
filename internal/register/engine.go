// Package register maintains the per (entity, year) aggregate of key ESG
// metrics derived from validated reports.
package register

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/logging"
)

// rebuildLockKey guards RebuildAll across replicas.
const rebuildLockKey = "esgregister:register:rebuild"

// Action is what a register operation did to a row.
type Action int

const (
	Unchanged Action = iota
	Upserted
	Deleted
)

func (a Action) String() string {
	switch a {
	case Upserted:
		return "upserted"
	case Deleted:
		return "deleted"
	default:
		return "unchanged"
	}
}

// RebuildResult counts what RebuildAll touched.
type RebuildResult struct {
	Upserted int `json:"upserted"`
	Deleted  int `json:"deleted"`
}

// Engine upserts, recomputes and rebuilds register rows. All row writes go
// through Store.WithRegisterLock, so concurrent work on one pair is
// serialized while different pairs proceed independently.
type Engine struct {
	store   database.Store
	locker  Locker
	lockTTL time.Duration
}

// NewEngine creates an engine. A nil locker disables cross-replica locking
// of RebuildAll.
func NewEngine(store database.Store, locker Locker, lockTTL time.Duration) *Engine {
	if locker == nil {
		locker = NopLocker{}
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Engine{store: store, locker: locker, lockTTL: lockTTL}
}

// Upsert refreshes the row for the report's pair from the report's facts.
// Reports that are not validated are ignored.
func (e *Engine) Upsert(ctx context.Context, report database.Report) (Action, error) {
	if report.Status != database.StatusValidated {
		return Unchanged, nil
	}
	err := e.store.WithRegisterLock(ctx, report.Pair(), func(tx database.RegisterTx) error {
		return apply(ctx, tx, report)
	})
	if err != nil {
		return Unchanged, fmt.Errorf("upsert register for report %d: %w", report.ID, err)
	}
	return Upserted, nil
}

// Recompute rebuilds the row for pair from its most recently created
// validated report, or deletes the row when none remains.
func (e *Engine) Recompute(ctx context.Context, pair database.Pair) (Action, error) {
	action := Unchanged
	err := e.store.WithRegisterLock(ctx, pair, func(tx database.RegisterTx) error {
		report, ok, err := tx.LatestValidatedReport(ctx)
		if err != nil {
			return fmt.Errorf("latest validated report: %w", err)
		}
		if !ok {
			if _, exists := tx.Current(); !exists {
				return nil
			}
			action = Deleted
			return tx.Delete(ctx)
		}
		action = Upserted
		return apply(ctx, tx, report)
	})
	if err != nil {
		return Unchanged, fmt.Errorf("recompute register %d/%d: %w", pair.EntityID, pair.Year, err)
	}
	logging.FromContext(ctx).Debug("register recomputed",
		"entity_id", pair.EntityID, "year", pair.Year, "action", action.String())
	return action, nil
}

// RebuildAll recomputes every pair that has a validated report and deletes
// rows whose pair has none. It holds the rebuild lock for its duration and
// returns ErrLocked when another rebuild is running.
func (e *Engine) RebuildAll(ctx context.Context) (RebuildResult, error) {
	logger := logging.FromContext(ctx)

	unlock, err := e.locker.Obtain(ctx, rebuildLockKey, e.lockTTL)
	if err != nil {
		return RebuildResult{}, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release rebuild lock", "error", err)
		}
	}()

	validated, err := e.store.ValidatedPairs(ctx)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("list validated pairs: %w", err)
	}
	rows, err := e.store.ListRegister(ctx, database.RegisterFilter{})
	if err != nil {
		return RebuildResult{}, fmt.Errorf("list register rows: %w", err)
	}

	pairs := make([]database.Pair, 0, len(validated)+len(rows))
	seen := make(map[database.Pair]bool, cap(pairs))
	for _, p := range validated {
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	for _, r := range rows {
		if p := r.Pair(); !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}

	var res RebuildResult
	for _, p := range pairs {
		action, err := e.Recompute(ctx, p)
		if err != nil {
			return res, err
		}
		switch action {
		case Upserted:
			res.Upserted++
		case Deleted:
			res.Deleted++
		}
	}

	logger.Info("register rebuilt", "upserted", res.Upserted, "deleted", res.Deleted)
	return res, nil
}

// apply writes report's extraction into the locked row. Every metric not
// found in this run is cleared and the source map is replaced, so nothing
// from a previously contributing report survives.
func apply(ctx context.Context, tx database.RegisterTx, report database.Report) error {
	facts, err := tx.ListFacts(ctx, report.ID)
	if err != nil {
		return fmt.Errorf("list facts: %w", err)
	}
	ex := Extract(facts)

	row, _ := tx.Current()
	row.EntityID = report.EntityID
	row.ReportingYear = report.ReportingYear
	row.EntityLabel = report.EntityLabel
	row.Metrics = ex.Metrics
	row.Sources = ex.Sources
	row.Completeness = ex.Completeness
	id := report.ID
	row.LastReportID = &id

	return tx.Save(ctx, row)
}
