package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-process Store used by tests and by DATABASE_URL=memory.
// It mirrors the PostgreSQL constraints: one report per (entity, year),
// cascading fact deletion and SET NULL on the register's last report.
type MemStore struct {
	mu sync.Mutex

	nextEntity   int64
	nextReport   int64
	nextFact     int64
	nextRegister int64

	entities     map[int64]Entity
	entityByName map[string]int64
	reports      map[int64]Report
	facts        map[int64][]Fact
	register     map[Pair]RegisterRow
	pairLocks    map[Pair]*sync.Mutex
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		entities:     map[int64]Entity{},
		entityByName: map[string]int64{},
		reports:      map[int64]Report{},
		facts:        map[int64][]Fact{},
		register:     map[Pair]RegisterRow{},
		pairLocks:    map[Pair]*sync.Mutex{},
	}
}

func (m *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

// =============================================================================
// Entities
// =============================================================================

func (m *MemStore) GetEntity(_ context.Context, id int64) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (m *MemStore) GetOrCreateEntity(_ context.Context, name string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.entityByName[name]; ok {
		return m.entities[id], nil
	}
	m.nextEntity++
	e := Entity{ID: m.nextEntity, Name: name, CreatedAt: now()}
	m.entities[e.ID] = e
	m.entityByName[name] = e.ID
	return e, nil
}

// =============================================================================
// Reports
// =============================================================================

// withEntityName fills the joined entity name. Caller holds mu.
func (m *MemStore) withEntityName(r Report) Report {
	r.EntityName = m.entities[r.EntityID].Name
	return r
}

// pairTaken reports whether another report occupies pair. Caller holds mu.
func (m *MemStore) pairTaken(pair Pair, exceptID int64) bool {
	for _, r := range m.reports {
		if r.ID != exceptID && r.Pair() == pair {
			return true
		}
	}
	return false
}

func (m *MemStore) CreateReport(_ context.Context, p NewReport) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[p.EntityID]; !ok {
		return Report{}, fmt.Errorf("entity %d: %w", p.EntityID, ErrNotFound)
	}
	if m.pairTaken(Pair{p.EntityID, p.ReportingYear}, 0) {
		return Report{}, fmt.Errorf("%w: reports_entity_year_key", ErrUniqueViolation)
	}

	number := 0
	for _, r := range m.reports {
		if r.OwnerID == p.OwnerID && r.ReportNumber > number {
			number = r.ReportNumber
		}
	}

	m.nextReport++
	ts := now()
	r := Report{
		ID:               m.nextReport,
		OwnerID:          p.OwnerID,
		EntityID:         p.EntityID,
		ReportingYear:    p.ReportingYear,
		OriginalFilename: p.OriginalFilename,
		OriginalKey:      strings.TrimSpace(p.OriginalKey),
		TaxonomyVersion:  p.TaxonomyVersion,
		Status:           StatusProcessing,
		ReportNumber:     number + 1,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	m.reports[r.ID] = r
	return m.withEntityName(r), nil
}

func (m *MemStore) GetReport(_ context.Context, id int64) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return Report{}, ErrNotFound
	}
	return m.withEntityName(r), nil
}

// sortNewestFirst orders by created_at DESC, id DESC.
func sortNewestFirst(rs []Report) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}

func (m *MemStore) ListReports(_ context.Context, f ReportFilter) ([]Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Report
	for _, r := range m.reports {
		switch {
		case f.OwnerID != "" && r.OwnerID != f.OwnerID:
			continue
		case f.EntityID != 0 && r.EntityID != f.EntityID:
			continue
		case f.Year != 0 && r.ReportingYear != f.Year:
			continue
		case f.Status != "" && r.Status != f.Status:
			continue
		case !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore):
			continue
		}
		out = append(out, m.withEntityName(r))
	}
	sortNewestFirst(out)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) CountReportsByOwner(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reports {
		if r.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ReportExists(_ context.Context, pair Pair) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairTaken(pair, 0), nil
}

func (m *MemStore) FinishReport(_ context.Context, id int64, o ReportOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok || r.Status != StatusProcessing {
		return ErrNotFound
	}
	r.Status = o.Status
	r.Summary = o.Summary
	r.FailureReason = o.FailureReason
	r.OIMKey = strings.TrimSpace(o.OIMKey)
	r.UpdatedAt = now()
	m.reports[id] = r
	return nil
}

func (m *MemStore) UpdateReportMetadata(_ context.Context, id int64, entityLabel, periodLabel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return ErrNotFound
	}
	r.EntityLabel = entityLabel
	r.PeriodLabel = periodLabel
	r.UpdatedAt = now()
	m.reports[id] = r
	return nil
}

func (m *MemStore) UpdateReportYear(_ context.Context, id int64, year int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return ErrNotFound
	}
	if m.pairTaken(Pair{r.EntityID, year}, id) {
		return fmt.Errorf("%w: reports_entity_year_key", ErrUniqueViolation)
	}
	r.ReportingYear = year
	r.UpdatedAt = now()
	m.reports[id] = r
	return nil
}

func (m *MemStore) ClearArtifact(_ context.Context, id int64, kind ArtifactKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil
	}
	switch kind {
	case ArtifactOriginal:
		r.OriginalKey = ""
	case ArtifactOIM:
		r.OIMKey = ""
	default:
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	r.UpdatedAt = now()
	m.reports[id] = r
	return nil
}

func (m *MemStore) DeleteReport(_ context.Context, id int64) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return Report{}, ErrNotFound
	}
	delete(m.reports, id)
	delete(m.facts, id)
	for pair, row := range m.register {
		if row.LastReportID != nil && *row.LastReportID == id {
			row.LastReportID = nil
			m.register[pair] = row
		}
	}
	return m.withEntityName(r), nil
}

func (m *MemStore) RenumberReports(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []Report
	for _, r := range m.reports {
		if r.OwnerID == ownerID {
			owned = append(owned, r)
		}
	}
	sortNewestFirst(owned)
	for i := range owned {
		r := owned[len(owned)-1-i]
		r.ReportNumber = i + 1
		m.reports[r.ID] = r
	}
	return nil
}

// =============================================================================
// Facts
// =============================================================================

func (m *MemStore) InsertFacts(_ context.Context, reportID int64, facts []Fact) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[reportID]; !ok {
		return 0, fmt.Errorf("report %d: %w", reportID, ErrNotFound)
	}
	for _, f := range facts {
		m.nextFact++
		f.ID = m.nextFact
		f.ReportID = reportID
		m.facts[reportID] = append(m.facts[reportID], f)
	}
	return int64(len(facts)), nil
}

func (m *MemStore) ListFacts(_ context.Context, reportID int64) ([]Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Fact(nil), m.facts[reportID]...), nil
}

// =============================================================================
// Register
// =============================================================================

func cloneRegister(r RegisterRow) RegisterRow {
	if r.LastReportID != nil {
		id := *r.LastReportID
		r.LastReportID = &id
	}
	sources := make(map[string]SourceConcept, len(r.Sources))
	for k, v := range r.Sources {
		sources[k] = v
	}
	r.Sources = sources
	return r
}

func (m *MemStore) ListRegister(_ context.Context, f RegisterFilter) ([]RegisterRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RegisterRow
	for _, row := range m.register {
		if f.EntityID != 0 && row.EntityID != f.EntityID {
			continue
		}
		if f.Year != 0 && row.ReportingYear != f.Year {
			continue
		}
		row = cloneRegister(row)
		row.EntityName = m.entities[row.EntityID].Name
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityName != out[j].EntityName {
			return out[i].EntityName < out[j].EntityName
		}
		return out[i].ReportingYear < out[j].ReportingYear
	})
	return out, nil
}

func (m *MemStore) ValidatedPairs(_ context.Context) ([]Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[Pair]bool{}
	var out []Pair
	for _, r := range m.reports {
		if r.Status == StatusValidated && !seen[r.Pair()] {
			seen[r.Pair()] = true
			out = append(out, r.Pair())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Year < out[j].Year
	})
	return out, nil
}

func (m *MemStore) pairLock(pair Pair) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.pairLocks[pair]
	if !ok {
		l = &sync.Mutex{}
		m.pairLocks[pair] = l
	}
	return l
}

func (m *MemStore) WithRegisterLock(ctx context.Context, pair Pair, fn func(tx RegisterTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := m.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	cur, exists := m.register[pair]
	if exists {
		cur = cloneRegister(cur)
		cur.EntityName = m.entities[cur.EntityID].Name
	}
	m.mu.Unlock()

	tx := &memRegisterTx{m: m, pair: pair, current: cur, exists: exists}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged changes.
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case tx.deleted:
		delete(m.register, pair)
	case tx.saved:
		row := cloneRegister(tx.pending)
		row.EntityID = pair.EntityID
		row.ReportingYear = pair.Year
		if exists {
			row.ID = cur.ID
		} else {
			m.nextRegister++
			row.ID = m.nextRegister
		}
		if row.LastReportID != nil {
			if _, ok := m.reports[*row.LastReportID]; !ok {
				row.LastReportID = nil
			}
		}
		row.EntityName = ""
		row.UpdatedAt = now()
		m.register[pair] = row
	}
	return nil
}

type memRegisterTx struct {
	m       *MemStore
	pair    Pair
	current RegisterRow
	exists  bool
	pending RegisterRow
	saved   bool
	deleted bool
}

func (t *memRegisterTx) Current() (RegisterRow, bool) {
	if !t.exists {
		return RegisterRow{}, false
	}
	return cloneRegister(t.current), true
}

func (t *memRegisterTx) LatestValidatedReport(ctx context.Context) (Report, bool, error) {
	reports, err := t.m.ListReports(ctx, ReportFilter{
		EntityID: t.pair.EntityID,
		Year:     t.pair.Year,
		Status:   StatusValidated,
		Limit:    1,
	})
	if err != nil || len(reports) == 0 {
		return Report{}, false, err
	}
	return reports[0], true, nil
}

func (t *memRegisterTx) ListFacts(ctx context.Context, reportID int64) ([]Fact, error) {
	return t.m.ListFacts(ctx, reportID)
}

func (t *memRegisterTx) Save(_ context.Context, row RegisterRow) error {
	t.pending = cloneRegister(row)
	t.saved = true
	t.deleted = false
	return nil
}

func (t *memRegisterTx) Delete(_ context.Context) error {
	t.deleted = true
	t.saved = false
	return nil
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*PGStore)(nil)
)
