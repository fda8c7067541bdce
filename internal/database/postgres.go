package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/convert"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an open pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// mapError converts driver errors into package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
	}
	return err
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// Entities
// =============================================================================

func (s *PGStore) GetEntity(ctx context.Context, id int64) (Entity, error) {
	var e Entity
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &e.Name, &e.CreatedAt)
	return e, mapError(err)
}

func (s *PGStore) GetOrCreateEntity(ctx context.Context, name string) (Entity, error) {
	var e Entity
	// DO UPDATE instead of DO NOTHING so RETURNING yields the existing row too.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entities (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at`, name,
	).Scan(&e.ID, &e.Name, &e.CreatedAt)
	return e, mapError(err)
}

// =============================================================================
// Reports
// =============================================================================

const reportColumns = `r.id, r.owner_id, r.entity_id, e.name, r.reporting_year, r.original_filename,
	r.original_key, r.oim_key, r.entity_label, r.period_label, r.taxonomy_version, r.status,
	r.summary, r.failure_reason, r.report_number, r.created_at, r.updated_at`

func scanReport(row pgx.Row) (Report, error) {
	var (
		r        Report
		original pgtype.Text
		oim      pgtype.Text
		status   string
	)
	err := row.Scan(
		&r.ID, &r.OwnerID, &r.EntityID, &r.EntityName, &r.ReportingYear, &r.OriginalFilename,
		&original, &oim, &r.EntityLabel, &r.PeriodLabel, &r.TaxonomyVersion, &status,
		&r.Summary, &r.FailureReason, &r.ReportNumber, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Report{}, mapError(err)
	}
	r.OriginalKey = convert.FromPgText(original)
	r.OIMKey = convert.FromPgText(oim)
	r.Status = ReportStatus(status)
	return r, nil
}

func collectReports(rows pgx.Rows) ([]Report, error) {
	defer rows.Close()
	var out []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateReport(ctx context.Context, p NewReport) (Report, error) {
	row := s.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO reports (owner_id, entity_id, reporting_year, original_filename,
				original_key, taxonomy_version, status, report_number)
			VALUES ($1, $2, $3, $4, $5, $6, 'processing',
				(SELECT COALESCE(MAX(report_number), 0) + 1 FROM reports WHERE owner_id = $1))
			RETURNING *
		)
		SELECT `+reportColumns+` FROM ins r JOIN entities e ON e.id = r.entity_id`,
		p.OwnerID, p.EntityID, p.ReportingYear, p.OriginalFilename,
		convert.ToPgText(p.OriginalKey), p.TaxonomyVersion,
	)
	return scanReport(row)
}

func (s *PGStore) GetReport(ctx context.Context, id int64) (Report, error) {
	return scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports r JOIN entities e ON e.id = r.entity_id WHERE r.id = $1`, id))
}

func (s *PGStore) ListReports(ctx context.Context, f ReportFilter) ([]Report, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OwnerID != "" {
		add("r.owner_id = $%d", f.OwnerID)
	}
	if f.EntityID != 0 {
		add("r.entity_id = $%d", f.EntityID)
	}
	if f.Year != 0 {
		add("r.reporting_year = $%d", f.Year)
	}
	if f.Status != "" {
		add("r.status = $%d", string(f.Status))
	}
	if !f.CreatedBefore.IsZero() {
		add("r.created_at < $%d", f.CreatedBefore)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + reportColumns + ` FROM reports r JOIN entities e ON e.id = r.entity_id`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY r.created_at DESC, r.id DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return collectReports(rows)
}

func (s *PGStore) CountReportsByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reports WHERE owner_id = $1`, ownerID).Scan(&n)
	return n, mapError(err)
}

func (s *PGStore) ReportExists(ctx context.Context, pair Pair) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM reports WHERE entity_id = $1 AND reporting_year = $2)`,
		pair.EntityID, pair.Year,
	).Scan(&exists)
	return exists, mapError(err)
}

func (s *PGStore) FinishReport(ctx context.Context, id int64, o ReportOutcome) error {
	// Single statement: status, summary, reason and key become visible together.
	tag, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET status = $2, summary = $3, failure_reason = $4, oim_key = $5, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, string(o.Status), o.Summary, o.FailureReason, convert.ToPgText(o.OIMKey),
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdateReportMetadata(ctx context.Context, id int64, entityLabel, periodLabel string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET entity_label = $2, period_label = $3, updated_at = now() WHERE id = $1`,
		id, entityLabel, periodLabel)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdateReportYear(ctx context.Context, id int64, year int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET reporting_year = $2, updated_at = now() WHERE id = $1`, id, year)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ClearArtifact(ctx context.Context, id int64, kind ArtifactKind) error {
	var column string
	switch kind {
	case ArtifactOriginal:
		column = "original_key"
	case ArtifactOIM:
		column = "oim_key"
	default:
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE reports SET `+column+` = NULL, updated_at = now() WHERE id = $1`, id)
	return mapError(err)
}

func (s *PGStore) DeleteReport(ctx context.Context, id int64) (Report, error) {
	return scanReport(s.pool.QueryRow(ctx, `
		WITH del AS (DELETE FROM reports WHERE id = $1 RETURNING *)
		SELECT `+reportColumns+` FROM del r JOIN entities e ON e.id = r.entity_id`, id))
}

func (s *PGStore) RenumberReports(ctx context.Context, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reports r SET report_number = n.rn
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY created_at, id) AS rn
			FROM reports WHERE owner_id = $1
		) n
		WHERE r.id = n.id AND r.report_number <> n.rn`, ownerID)
	if err != nil {
		return fmt.Errorf("renumber reports: %w", err)
	}
	return nil
}

// =============================================================================
// Facts
// =============================================================================

func (s *PGStore) InsertFacts(ctx context.Context, reportID int64, facts []Fact) (int64, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"facts"},
		[]string{"report_id", "concept", "value", "datatype", "unit", "context"},
		pgx.CopyFromSlice(len(facts), func(i int) ([]any, error) {
			f := facts[i]
			return []any{reportID, f.Concept, f.Value, f.Datatype, f.Unit, f.Context}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy facts: %w", mapError(err))
	}
	return n, nil
}

func (s *PGStore) ListFacts(ctx context.Context, reportID int64) ([]Fact, error) {
	return listFacts(ctx, s.pool, reportID)
}

func listFacts(ctx context.Context, q DBTX, reportID int64) ([]Fact, error) {
	rows, err := q.Query(ctx, `
		SELECT id, report_id, concept, value, datatype, unit, context
		FROM facts WHERE report_id = $1 ORDER BY id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.ReportID, &f.Concept, &f.Value, &f.Datatype, &f.Unit, &f.Context); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// =============================================================================
// Register
// =============================================================================

// metricColumns lists value and unit columns in MetricCodes order.
var metricColumns = func() []string {
	cols := make([]string, 0, 2*MetricCount)
	for _, code := range MetricCodes {
		cols = append(cols, code, code+"_unit")
	}
	return cols
}()

var registerColumns = func() string {
	prefixed := make([]string, len(metricColumns))
	for i, c := range metricColumns {
		prefixed[i] = "g." + c
	}
	return "g.id, g.entity_id, e.name, g.reporting_year, g.entity_label, " +
		strings.Join(prefixed, ", ") +
		", g.completeness_score, g.last_report_id, g.source_concepts, g.updated_at"
}()

func scanRegister(row pgx.Row) (RegisterRow, error) {
	var (
		r       RegisterRow
		nums    [MetricCount]pgtype.Numeric
		last    pgtype.Int8
		sources []byte
	)
	dest := []any{&r.ID, &r.EntityID, &r.EntityName, &r.ReportingYear, &r.EntityLabel}
	for i := range nums {
		dest = append(dest, &nums[i], &r.Metrics[i].Unit)
	}
	dest = append(dest, &r.Completeness, &last, &sources, &r.UpdatedAt)

	if err := row.Scan(dest...); err != nil {
		return RegisterRow{}, mapError(err)
	}
	for i := range nums {
		r.Metrics[i].Value = convert.FromPgNumeric(nums[i])
	}
	if last.Valid {
		id := last.Int64
		r.LastReportID = &id
	}
	r.Sources = map[string]SourceConcept{}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &r.Sources); err != nil {
			return RegisterRow{}, fmt.Errorf("decode source concepts: %w", err)
		}
	}
	return r, nil
}

func (s *PGStore) ListRegister(ctx context.Context, f RegisterFilter) ([]RegisterRow, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityID != 0 {
		args = append(args, f.EntityID)
		where = append(where, fmt.Sprintf("g.entity_id = $%d", len(args)))
	}
	if f.Year != 0 {
		args = append(args, f.Year)
		where = append(where, fmt.Sprintf("g.reporting_year = $%d", len(args)))
	}
	query := `SELECT ` + registerColumns + ` FROM register_rows g JOIN entities e ON e.id = g.entity_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.name, g.reporting_year"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list register: %w", err)
	}
	defer rows.Close()

	var out []RegisterRow
	for rows.Next() {
		r, err := scanRegister(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) ValidatedPairs(ctx context.Context) ([]Pair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT entity_id, reporting_year FROM reports
		WHERE status = 'validated' ORDER BY entity_id, reporting_year`)
	if err != nil {
		return nil, fmt.Errorf("validated pairs: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.EntityID, &p.Year); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) WithRegisterLock(ctx context.Context, pair Pair, fn func(tx RegisterTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Make sure a row exists so FOR UPDATE has something to lock, even
		// for a pair seen for the first time.
		var placeholderID int64
		created := true
		err := tx.QueryRow(ctx, `
			INSERT INTO register_rows (entity_id, reporting_year) VALUES ($1, $2)
			ON CONFLICT (entity_id, reporting_year) DO NOTHING
			RETURNING id`, pair.EntityID, pair.Year,
		).Scan(&placeholderID)
		if errors.Is(err, pgx.ErrNoRows) {
			created = false
		} else if err != nil {
			return fmt.Errorf("reserve register row: %w", err)
		}

		current, err := scanRegister(tx.QueryRow(ctx, `
			SELECT `+registerColumns+`
			FROM register_rows g JOIN entities e ON e.id = g.entity_id
			WHERE g.entity_id = $1 AND g.reporting_year = $2
			FOR UPDATE OF g`, pair.EntityID, pair.Year))
		if err != nil {
			return fmt.Errorf("lock register row: %w", err)
		}

		rtx := &pgRegisterTx{tx: tx, pair: pair, current: current, exists: !created}
		if err := fn(rtx); err != nil {
			return err
		}

		// A placeholder nobody saved must not outlive the transaction.
		if created && !rtx.saved && !rtx.deleted {
			if _, err := tx.Exec(ctx, `DELETE FROM register_rows WHERE id = $1`, current.ID); err != nil {
				return fmt.Errorf("drop register placeholder: %w", err)
			}
		}
		return nil
	})
}

type pgRegisterTx struct {
	tx      pgx.Tx
	pair    Pair
	current RegisterRow
	exists  bool
	saved   bool
	deleted bool
}

func (t *pgRegisterTx) Current() (RegisterRow, bool) {
	if !t.exists {
		return RegisterRow{}, false
	}
	return t.current, true
}

func (t *pgRegisterTx) LatestValidatedReport(ctx context.Context) (Report, bool, error) {
	r, err := scanReport(t.tx.QueryRow(ctx, `
		SELECT `+reportColumns+` FROM reports r JOIN entities e ON e.id = r.entity_id
		WHERE r.entity_id = $1 AND r.reporting_year = $2 AND r.status = 'validated'
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT 1`, t.pair.EntityID, t.pair.Year))
	if errors.Is(err, ErrNotFound) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}
	return r, true, nil
}

func (t *pgRegisterTx) ListFacts(ctx context.Context, reportID int64) ([]Fact, error) {
	return listFacts(ctx, t.tx, reportID)
}

func (t *pgRegisterTx) Save(ctx context.Context, row RegisterRow) error {
	sources, err := json.Marshal(row.Sources)
	if err != nil {
		return fmt.Errorf("encode source concepts: %w", err)
	}
	if row.Sources == nil {
		sources = []byte("{}")
	}

	args := []any{t.current.ID, row.EntityLabel}
	sets := []string{"entity_label = $2"}
	for i, m := range row.Metrics {
		args = append(args, convert.ToPgNumeric(m.Value), m.Unit)
		sets = append(sets,
			fmt.Sprintf("%s = $%d", metricColumns[2*i], len(args)-1),
			fmt.Sprintf("%s = $%d", metricColumns[2*i+1], len(args)),
		)
	}
	var last pgtype.Int8
	if row.LastReportID != nil {
		last = pgtype.Int8{Int64: *row.LastReportID, Valid: true}
	}
	args = append(args, row.Completeness, last, sources)
	n := len(args)
	sets = append(sets,
		fmt.Sprintf("completeness_score = $%d", n-2),
		fmt.Sprintf("last_report_id = $%d", n-1),
		fmt.Sprintf("source_concepts = $%d", n),
		"updated_at = now()",
	)

	if _, err := t.tx.Exec(ctx,
		`UPDATE register_rows SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...); err != nil {
		return fmt.Errorf("save register row: %w", mapError(err))
	}
	t.saved = true
	t.deleted = false
	return nil
}

func (t *pgRegisterTx) Delete(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM register_rows WHERE id = $1`, t.current.ID); err != nil {
		return fmt.Errorf("delete register row: %w", err)
	}
	t.deleted = true
	t.saved = false
	return nil
}
