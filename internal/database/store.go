package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUniqueViolation is returned when a write collides with a unique key,
	// most notably the one-report-per-(entity, year) constraint.
	ErrUniqueViolation = errors.New("duplicate key value violates unique constraint")
)

// Store is the persistence boundary shared by the service, the register
// engine and tests. PGStore and MemStore implement it.
type Store interface {
	GetEntity(ctx context.Context, id int64) (Entity, error)
	GetOrCreateEntity(ctx context.Context, name string) (Entity, error)

	// CreateReport inserts a report in processing state with the owner's
	// next sequential report number.
	CreateReport(ctx context.Context, p NewReport) (Report, error)
	GetReport(ctx context.Context, id int64) (Report, error)
	ListReports(ctx context.Context, f ReportFilter) ([]Report, error)
	CountReportsByOwner(ctx context.Context, ownerID string) (int, error)
	ReportExists(ctx context.Context, pair Pair) (bool, error)

	// FinishReport moves a processing report to a terminal state, writing
	// status, summary, failure reason and OIM key together.
	FinishReport(ctx context.Context, id int64, o ReportOutcome) error
	UpdateReportMetadata(ctx context.Context, id int64, entityLabel, periodLabel string) error
	UpdateReportYear(ctx context.Context, id int64, year int) error
	ClearArtifact(ctx context.Context, id int64, kind ArtifactKind) error

	// DeleteReport removes the report and its facts and returns the row as
	// it was before deletion.
	DeleteReport(ctx context.Context, id int64) (Report, error)
	RenumberReports(ctx context.Context, ownerID string) error

	InsertFacts(ctx context.Context, reportID int64, facts []Fact) (int64, error)
	ListFacts(ctx context.Context, reportID int64) ([]Fact, error)

	ListRegister(ctx context.Context, f RegisterFilter) ([]RegisterRow, error)
	ValidatedPairs(ctx context.Context) ([]Pair, error)

	// WithRegisterLock runs fn while holding the row lock for pair. All
	// writes made through the RegisterTx commit together when fn returns nil.
	WithRegisterLock(ctx context.Context, pair Pair, fn func(tx RegisterTx) error) error

	Ping(ctx context.Context) error
}

// RegisterTx is the locked view of one register pair.
type RegisterTx interface {
	// Current returns the existing row, if any.
	Current() (RegisterRow, bool)
	// LatestValidatedReport returns the most recently created validated
	// report for the locked pair.
	LatestValidatedReport(ctx context.Context) (Report, bool, error)
	ListFacts(ctx context.Context, reportID int64) ([]Fact, error)
	Save(ctx context.Context, row RegisterRow) error
	Delete(ctx context.Context) error
}

// now is swapped in tests that need deterministic timestamps.
var now = time.Now
