package register

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// seedReport creates a report with facts and moves it to status.
func seedReport(t *testing.T, s *database.MemStore, entity string, year int, status database.ReportStatus, facts ...database.Fact) database.Report {
	t.Helper()
	ctx := context.Background()
	e, err := s.GetOrCreateEntity(ctx, entity)
	if err != nil {
		t.Fatal(err)
	}
	r, err := s.CreateReport(ctx, database.NewReport{OwnerID: "owner", EntityID: e.ID, ReportingYear: year})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if _, err := s.InsertFacts(ctx, r.ID, facts); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateReportMetadata(ctx, r.ID, "LEI-"+entity, "2024-01-01/2024-12-31"); err != nil {
		t.Fatal(err)
	}
	if status != database.StatusProcessing {
		if err := s.FinishReport(ctx, r.ID, database.ReportOutcome{Status: status}); err != nil {
			t.Fatal(err)
		}
	}
	r, err = s.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func fact(concept, value, unit string) database.Fact {
	return database.Fact{Concept: concept, Value: value, Unit: unit}
}

func registerRow(t *testing.T, s *database.MemStore, pair database.Pair) (database.RegisterRow, bool) {
	t.Helper()
	rows, err := s.ListRegister(context.Background(), database.RegisterFilter{EntityID: pair.EntityID, Year: pair.Year})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) == 0 {
		return database.RegisterRow{}, false
	}
	return rows[0], true
}

func metricIndex(code string) int {
	for i, c := range database.MetricCodes {
		if c == code {
			return i
		}
	}
	panic("unknown metric " + code)
}

// =============================================================================
// Extraction
// =============================================================================

func TestExtract_FragmentOrderBeatsFactOrder(t *testing.T) {
	facts := []database.Fact{
		{ID: 1, Concept: "vsme:GHGEmissionsIntensity", Value: "9"},
		{ID: 2, Concept: "vsme:TotalGHGEmissions", Value: "100", Unit: "tCO2e"},
	}
	ex := Extract(facts)
	m := ex.Metrics[metricIndex("ghg_total")]
	if !m.Value.Valid || !m.Value.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("ghg_total = %v, want 100 from the earlier-listed fragment", m.Value)
	}
	if got := ex.Sources["ghg_total"].Concept; got != "vsme:TotalGHGEmissions" {
		t.Errorf("source = %s", got)
	}
}

func TestExtract_LowestIDWithinFragment(t *testing.T) {
	facts := []database.Fact{
		{ID: 7, Concept: "WaterWithdrawalTotal", Value: "70"},
		{ID: 3, Concept: "vsme:waterwithdrawal", Value: "30", Unit: "m3"},
	}
	ex := Extract(facts)
	m := ex.Metrics[metricIndex("water_withdrawal")]
	if !m.Value.Decimal.Equal(decimal.NewFromInt(30)) || m.Unit != "m3" {
		t.Errorf("water_withdrawal = %v %q, want 30 m3 (lowest id, case-insensitive)", m.Value, m.Unit)
	}
}

func TestExtract_UnparsableValue(t *testing.T) {
	ex := Extract([]database.Fact{{ID: 1, Concept: "vsme:NumberOfEmployees", Value: "about forty", Unit: "pure"}})
	m := ex.Metrics[metricIndex("employees")]
	if m.Value.Valid {
		t.Errorf("employees value = %v, want empty", m.Value)
	}
	if m.Unit != "pure" {
		t.Errorf("employees unit = %q, want pure", m.Unit)
	}
	if _, ok := ex.Sources["employees"]; !ok {
		t.Error("source not recorded for unparsable fact")
	}
	if ex.Completeness != 0 {
		t.Errorf("Completeness = %d, want 0", ex.Completeness)
	}
}

func TestExtract_ThousandsSeparators(t *testing.T) {
	ex := Extract([]database.Fact{{ID: 1, Concept: "EnergyConsumption", Value: "12,345.6"}})
	m := ex.Metrics[metricIndex("energy_consumption")]
	if !m.Value.Decimal.Equal(decimal.RequireFromString("12345.6")) {
		t.Errorf("energy = %v, want 12345.6", m.Value)
	}
}

func TestExtract_AllMetrics(t *testing.T) {
	var facts []database.Fact
	for i, frags := range Fragments {
		facts = append(facts, database.Fact{ID: int64(i + 1), Concept: "x:" + frags[0], Value: "1"})
	}
	if got := Extract(facts).Completeness; got != 100 {
		t.Errorf("Completeness = %d, want 100", got)
	}
}

func TestCompleteness(t *testing.T) {
	tests := []struct {
		matched int
		want    int
	}{
		{0, 0},
		{1, 9},
		{3, 27},
		{6, 55},
		{10, 91},
		{11, 100},
		{12, 100},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := Completeness(tt.matched); got != tt.want {
			t.Errorf("Completeness(%d) = %d, want %d", tt.matched, got, tt.want)
		}
	}
}

// =============================================================================
// Engine
// =============================================================================

func TestEngine_UpsertIgnoresUnvalidated(t *testing.T) {
	s := database.NewMemStore()
	e := NewEngine(s, nil, 0)

	for _, st := range []database.ReportStatus{database.StatusProcessing, database.StatusFailed} {
		r := seedReport(t, s, "Acme-"+string(st), 2024, st, fact("Employees", "5", ""))
		action, err := e.Upsert(context.Background(), r)
		if err != nil || action != Unchanged {
			t.Errorf("Upsert(%s) = %v, %v", st, action, err)
		}
		if _, ok := registerRow(t, s, r.Pair()); ok {
			t.Errorf("register row created for %s report", st)
		}
	}
}

func TestEngine_UpsertIdempotent(t *testing.T) {
	s := database.NewMemStore()
	e := NewEngine(s, nil, 0)
	r := seedReport(t, s, "Acme", 2024, database.StatusValidated,
		fact("vsme:NumberOfEmployees", "42", "pure"),
		fact("vsme:Scope1Emissions", "1,200.5", "tCO2e"),
	)

	ctx := context.Background()
	if _, err := e.Upsert(ctx, r); err != nil {
		t.Fatal(err)
	}
	first, _ := registerRow(t, s, r.Pair())
	if _, err := e.Upsert(ctx, r); err != nil {
		t.Fatal(err)
	}
	second, _ := registerRow(t, s, r.Pair())

	for i := range first.Metrics {
		a, b := first.Metrics[i], second.Metrics[i]
		if a.Value.Valid != b.Value.Valid || a.Value.Decimal.String() != b.Value.Decimal.String() || a.Unit != b.Unit {
			t.Errorf("metric %s changed: %v -> %v", database.MetricCodes[i], a, b)
		}
	}
	if first.Completeness != second.Completeness || first.Completeness != 18 {
		t.Errorf("completeness %d then %d, want 18", first.Completeness, second.Completeness)
	}
	if first.ID != second.ID {
		t.Errorf("row id changed %d -> %d", first.ID, second.ID)
	}
	if second.EntityLabel != "LEI-Acme" || second.LastReportID == nil || *second.LastReportID != r.ID {
		t.Errorf("row = %+v", second)
	}
}

func TestEngine_OutOfRangeValueOmitted(t *testing.T) {
	s := database.NewMemStore()
	e := NewEngine(s, nil, 0)
	r := seedReport(t, s, "Acme", 2024, database.StatusValidated,
		fact("vsme:NumberOfEmployees", "1e50000000", "pure"),
		fact("vsme:Scope1Emissions", "1,200.5", "tCO2e"),
	)

	if _, err := e.Upsert(context.Background(), r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	row, ok := registerRow(t, s, r.Pair())
	if !ok {
		t.Fatal("register row missing")
	}
	emp := row.Metrics[metricIndex("employees")]
	if emp.Value.Valid {
		t.Errorf("employees exponent = %d, want empty", emp.Value.Decimal.Exponent())
	}
	if emp.Unit != "pure" {
		t.Errorf("employees unit = %q, want pure", emp.Unit)
	}
	if !row.Metrics[metricIndex("ghg_scope1")].Value.Valid {
		t.Error("ghg_scope1 dropped along with the out-of-range value")
	}
	if row.Completeness != 9 {
		t.Errorf("Completeness = %d, want 9", row.Completeness)
	}
}

func TestEngine_NonContamination(t *testing.T) {
	s := database.NewMemStore()
	e := NewEngine(s, nil, 0)
	ctx := context.Background()

	a := seedReport(t, s, "Acme", 2024, database.StatusValidated,
		fact("vsme:NumberOfEmployees", "42", "pure"),
		fact("vsme:WaterWithdrawal", "10", "m3"),
	)
	if _, err := e.Upsert(ctx, a); err != nil {
		t.Fatal(err)
	}

	// A is superseded by B for the same pair.
	if _, err := s.DeleteReport(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	b := seedReport(t, s, "Acme", 2024, database.StatusValidated,
		fact("vsme:HazardousWasteAmount", "3", "t"),
	)
	if _, err := e.Upsert(ctx, b); err != nil {
		t.Fatal(err)
	}

	row, ok := registerRow(t, s, b.Pair())
	if !ok {
		t.Fatal("row missing")
	}
	for _, code := range []string{"employees", "water_withdrawal"} {
		m := row.Metrics[metricIndex(code)]
		if m.Value.Valid || m.Unit != "" {
			t.Errorf("%s survived from superseded report: %+v", code, m)
		}
		if _, ok := row.Sources[code]; ok {
			t.Errorf("source for %s survived", code)
		}
	}
	if m := row.Metrics[metricIndex("hazardous_waste")]; !m.Value.Valid {
		t.Error("hazardous_waste not set from B")
	}
	if len(row.Sources) != 1 {
		t.Errorf("sources = %v, want only B's", row.Sources)
	}
}

func TestEngine_DeletingOnlyReportRemovesRow(t *testing.T) {
	s := database.NewMemStore()
	e := NewEngine(s, nil, 0)
	ctx := context.Background()

	r := seedReport(t, s, "Acme", 2024, database.StatusValidated, fact("Employees", "5", ""))
	e.Upsert(ctx, r)

	if _, err := s.DeleteReport(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	action, err := e.Recompute(ctx, r.Pair())
	if err != nil {
		t.Fatal(err)
	}
	if action != Deleted {
		t.Errorf("action = %v, want deleted", action)
	}
	if _, ok := registerRow(t, s, r.Pair()); ok {
		t.Error("row still present")
	}

	// Nothing left to delete.
	if action, _ := e.Recompute(ctx, r.Pair()); action != Unchanged {
		t.Errorf("second Recompute = %v, want unchanged", action)
	}
}

func TestEngine_RecomputeFromRemainingReport(t *testing.T) {
	s := database.NewMemStore()
	e := NewEngine(s, nil, 0)
	ctx := context.Background()

	old := seedReport(t, s, "Acme", 2024, database.StatusValidated, fact("Employees", "5", ""))
	e.Upsert(ctx, old)
	s.DeleteReport(ctx, old.ID)

	remaining := seedReport(t, s, "Acme", 2024, database.StatusValidated, fact("Employees", "8", ""))
	action, err := e.Recompute(ctx, remaining.Pair())
	if err != nil || action != Upserted {
		t.Fatalf("Recompute = %v, %v", action, err)
	}
	row, _ := registerRow(t, s, remaining.Pair())
	if got := row.Metrics[metricIndex("employees")].Value.Decimal; !got.Equal(decimal.NewFromInt(8)) {
		t.Errorf("employees = %s, want 8", got)
	}
	if row.LastReportID == nil || *row.LastReportID != remaining.ID {
		t.Errorf("LastReportID = %v, want %d", row.LastReportID, remaining.ID)
	}
}

func TestEngine_RebuildAll(t *testing.T) {
	s := database.NewMemStore()
	e := NewEngine(s, nil, 0)
	ctx := context.Background()

	// Stale row whose report is gone.
	gone := seedReport(t, s, "Gone", 2023, database.StatusValidated, fact("Employees", "1", ""))
	e.Upsert(ctx, gone)
	s.DeleteReport(ctx, gone.ID)

	// Validated reports without rows yet.
	a := seedReport(t, s, "Acme", 2024, database.StatusValidated, fact("Employees", "2", ""))
	b := seedReport(t, s, "Beta", 2024, database.StatusValidated, fact("WaterDischarge", "3", "m3"))
	seedReport(t, s, "Failed", 2024, database.StatusFailed, fact("Employees", "4", ""))

	res, err := e.RebuildAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res != (RebuildResult{Upserted: 2, Deleted: 1}) {
		t.Errorf("RebuildAll = %+v, want 2 upserted, 1 deleted", res)
	}
	for _, r := range []database.Report{a, b} {
		if _, ok := registerRow(t, s, r.Pair()); !ok {
			t.Errorf("row for %s missing", r.EntityName)
		}
	}
	if _, ok := registerRow(t, s, gone.Pair()); ok {
		t.Error("stale row survived")
	}
}

type busyLocker struct{}

func (busyLocker) Obtain(context.Context, string, time.Duration) (UnlockFunc, error) {
	return nil, ErrLocked
}

func TestEngine_RebuildAllLocked(t *testing.T) {
	e := NewEngine(database.NewMemStore(), busyLocker{}, time.Minute)
	if _, err := e.RebuildAll(context.Background()); !errors.Is(err, ErrLocked) {
		t.Errorf("error = %v, want ErrLocked", err)
	}
}

func TestEngine_ConcurrentUpsertsSamePair(t *testing.T) {
	s := database.NewMemStore()
	e := NewEngine(s, nil, 0)
	r := seedReport(t, s, "Acme", 2024, database.StatusValidated,
		fact("Employees", "5", ""), fact("Scope2", "7", "t"))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Upsert(context.Background(), r); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Upsert: %v", err)
	}

	rows, _ := s.ListRegister(context.Background(), database.RegisterFilter{})
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Completeness != 18 {
		t.Errorf("Completeness = %d, want 18", rows[0].Completeness)
	}
}

// =============================================================================
// Export
// =============================================================================

func exportRows() []database.RegisterRow {
	last := int64(9)
	row := database.RegisterRow{
		EntityID:      1,
		EntityName:    "Acme, Inc.",
		ReportingYear: 2024,
		EntityLabel:   "LEI-1",
		Completeness:  9,
		LastReportID:  &last,
		UpdatedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	row.Metrics[0] = database.Metric{Value: decimal.NewNullDecimal(decimal.RequireFromString("42")), Unit: "pure"}
	return []database.RegisterRow{row}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, exportRows()); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.HasPrefix(lines[0], "entity_id,entity_name,reporting_year,entity_label,employees_value,employees_unit,ghg_total_value") {
		t.Errorf("header = %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], `1,"Acme, Inc.",2024,LEI-1,42,pure,,`) {
		t.Errorf("record = %s", lines[1])
	}
	if !strings.HasSuffix(lines[1], ",9,9,2025-03-01T12:00:00Z") {
		t.Errorf("record tail = %s", lines[1])
	}
	if n := len(ExportHeader()); n != 4+2*database.MetricCount+3 {
		t.Errorf("header columns = %d", n)
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, exportRows()); err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0][0] != "entity_id" || rows[1][1] != "Acme, Inc." || rows[1][4] != "42" {
		t.Errorf("rows = %v", rows)
	}
}
