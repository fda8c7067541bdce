package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/esgregister/internal/config"
	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/pipeline"
	"github.com/JonMunkholm/esgregister/internal/register"
	"github.com/JonMunkholm/esgregister/internal/storage"
)

const entrypoint = "https://xbrl.efrag.org/taxonomy/vsme/2024-12-17/vsme-all.xsd"

const sampleIXBRL = `<html xmlns:ix="http://www.xbrl.org/2013/inlineXBRL" xmlns:xbrli="http://www.xbrl.org/2003/instance"><body>
<xbrli:context id="c1"><xbrli:period><xbrli:startDate>2024-01-01</xbrli:startDate><xbrli:endDate>2024-12-31</xbrli:endDate></xbrli:period></xbrli:context>
<ix:nonNumeric name="vsme:NameOfReportingEntity" contextRef="c1">Acme Green Ltd</ix:nonNumeric>
</body></html>`

// oimDocument reports two register metrics for 2024.
const oimDocument = `{
  "documentInfo": {"documentType": "https://xbrl.org/2021/xbrl-json"},
  "facts": {
    "f1": {"value": "1,250", "dimensions": {"concept": "vsme:NumberOfEmployees", "entity": "lei:5299001ABCDEF", "period": "2024-01-01T00:00:00/2025-01-01T00:00:00"}},
    "f2": {"value": "830.5", "dimensions": {"concept": "vsme:TotalGHGEmissions", "entity": "lei:5299001ABCDEF", "period": "2024-01-01T00:00:00/2025-01-01T00:00:00", "unit": "utr:tCO2e"}}
  }
}`

// fakeConverter writes doc as the converted output, or fails with summary
// when doc is empty.
type fakeConverter struct {
	mu      sync.Mutex
	doc     string
	summary string
	panics  bool
	exts    []string
}

func (f *fakeConverter) Process(_ context.Context, path, ext, outDir string) pipeline.Outcome {
	f.mu.Lock()
	f.exts = append(f.exts, ext)
	f.mu.Unlock()

	if f.panics {
		panic("converter exploded")
	}
	if _, err := os.Stat(path); err != nil {
		return pipeline.Outcome{Summary: "input missing: " + err.Error(), ExitCode: -1}
	}
	if f.doc == "" {
		return pipeline.Outcome{Summary: f.summary, ExitCode: 1, Variant: "configured-plugins"}
	}
	out := filepath.Join(outDir, "report.json")
	if err := os.WriteFile(out, []byte(f.doc), 0o644); err != nil {
		return pipeline.Outcome{Summary: err.Error(), ExitCode: -1}
	}
	return pipeline.Outcome{OK: true, Path: out, Summary: "Validated", Variant: "separate-plugin-flags"}
}

type testEnv struct {
	svc   *Service
	store *database.MemStore
	files *storage.LocalStore
	conv  *fakeConverter
}

func newTestEnv(t *testing.T, conv *fakeConverter) *testEnv {
	t.Helper()
	store := database.NewMemStore()
	files, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(store, files, conv, register.NewEngine(store, nil, 0),
		config.UploadConfig{MaxSizeMB: 1, AllowedExtensions: []string{".xhtml", ".html", ".zip"}},
		config.ExtractorConfig{Timeout: time.Minute, EntrypointURL: entrypoint},
	)
	return &testEnv{svc: svc, store: store, files: files, conv: conv}
}

func (e *testEnv) upload(t *testing.T, in UploadInput) database.Report {
	t.Helper()
	if in.OwnerID == "" {
		in.OwnerID = "owner-1"
	}
	if in.Filename == "" {
		in.Filename = "report.xhtml"
	}
	if in.Body == nil {
		in.Body = strings.NewReader(sampleIXBRL)
	}
	r, err := e.svc.Upload(context.Background(), in)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	e.drain(t)
	got, err := e.store.GetReport(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	return got
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.Runs().WaitForDrain(ctx); err != nil {
		t.Fatalf("runs did not drain: %v", err)
	}
}

// =============================================================================
// Upload and pipeline run
// =============================================================================

func TestUpload_ValidatedReportFeedsRegister(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	ctx := context.Background()

	r := env.upload(t, UploadInput{EntityName: "Acme", Year: 2023})

	if r.Status != database.StatusValidated {
		t.Fatalf("Status = %s (%s), want validated", r.Status, r.FailureReason)
	}
	if r.Summary != "Validated" || r.FailureReason != "" {
		t.Errorf("Summary = %q, FailureReason = %q", r.Summary, r.FailureReason)
	}
	if r.ReportingYear != 2024 {
		t.Errorf("ReportingYear = %d, want corrected to 2024", r.ReportingYear)
	}
	if r.EntityLabel != "lei:5299001ABCDEF" {
		t.Errorf("EntityLabel = %q", r.EntityLabel)
	}
	if r.PeriodLabel != "2024-01-01T00:00:00/2025-01-01T00:00:00" {
		t.Errorf("PeriodLabel = %q", r.PeriodLabel)
	}
	if r.TaxonomyVersion != "vsme-2024-12-17" {
		t.Errorf("TaxonomyVersion = %q", r.TaxonomyVersion)
	}
	if r.ReportNumber != 1 {
		t.Errorf("ReportNumber = %d, want 1", r.ReportNumber)
	}
	if ok, _ := env.files.Exists(ctx, r.OIMKey); r.OIMKey == "" || !ok {
		t.Errorf("OIM JSON not stored under %q", r.OIMKey)
	}

	facts, err := env.svc.ListFacts(ctx, "owner-1", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 2 || facts[0].Concept != "vsme:NumberOfEmployees" || facts[0].Value != "1,250" {
		t.Errorf("facts = %+v", facts)
	}

	rows, err := env.svc.ListRegister(ctx, database.RegisterFilter{EntityID: r.EntityID, Year: 2024})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("register rows = %d, want 1", len(rows))
	}
	if rows[0].Completeness != 18 {
		t.Errorf("Completeness = %d, want 18", rows[0].Completeness)
	}
	if got := rows[0].Metrics[0].Value.Decimal.String(); got != "1250" {
		t.Errorf("employees = %s, want 1250", got)
	}
	if rows[0].LastReportID == nil || *rows[0].LastReportID != r.ID {
		t.Errorf("LastReportID = %v, want %d", rows[0].LastReportID, r.ID)
	}
	if env.svc.Runs().ActiveCount() != 0 {
		t.Error("run still tracked after drain")
	}
}

func TestUpload_ConversionFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{summary: "arelle: cannot open package"})

	r := env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	if r.Status != database.StatusFailed {
		t.Fatalf("Status = %s, want failed", r.Status)
	}
	if r.FailureReason != "arelle: cannot open package" || r.Summary != "" {
		t.Errorf("FailureReason = %q, Summary = %q", r.FailureReason, r.Summary)
	}
	if r.OIMKey != "" {
		t.Errorf("OIMKey = %q, want empty", r.OIMKey)
	}
	rows, _ := env.svc.ListRegister(context.Background(), database.RegisterFilter{})
	if len(rows) != 0 {
		t.Errorf("register rows = %d, want 0", len(rows))
	}
}

func TestUpload_EmptyFailureSummaryUsesDefault(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{})

	r := env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	if r.FailureReason != pipeline.DefaultFailureSummary {
		t.Errorf("FailureReason = %q, want %q", r.FailureReason, pipeline.DefaultFailureSummary)
	}
}

func TestUpload_PanicMarksFailed(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{panics: true})

	r := env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	if r.Status != database.StatusFailed || !strings.Contains(r.FailureReason, "converter exploded") {
		t.Errorf("Status = %s, FailureReason = %q", r.Status, r.FailureReason)
	}
}

func TestUpload_PassesDeclaredExtension(t *testing.T) {
	conv := &fakeConverter{}
	env := newTestEnv(t, conv)

	env.upload(t, UploadInput{EntityName: "Acme", Year: 2024, Filename: "Report.HTML"})

	if len(conv.exts) != 1 || !strings.EqualFold(conv.exts[0], ".html") {
		t.Errorf("converter saw extensions %v", conv.exts)
	}
}

func TestUpload_Rejections(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	ctx := context.Background()

	tests := []struct {
		name string
		in   UploadInput
		want error
	}{
		{
			name: "missing owner",
			in:   UploadInput{Filename: "a.xhtml", Body: strings.NewReader("x")},
			want: ErrMissingOwner,
		},
		{
			name: "no file",
			in:   UploadInput{OwnerID: "o"},
			want: ErrNoFile,
		},
		{
			name: "unsupported extension",
			in:   UploadInput{OwnerID: "o", Filename: "report.pdf", Body: strings.NewReader("x")},
			want: ErrUnsupportedFile,
		},
		{
			name: "empty file",
			in:   UploadInput{OwnerID: "o", Filename: "a.xhtml", Body: strings.NewReader("")},
			want: ErrEmptyFile,
		},
		{
			name: "too large",
			in:   UploadInput{OwnerID: "o", Filename: "a.xhtml", Body: bytes.NewReader(make([]byte, 1<<20+1))},
			want: ErrFileTooLarge,
		},
		{
			name: "year out of range",
			in:   UploadInput{OwnerID: "o", Filename: "a.xhtml", Body: strings.NewReader("x"), Year: 1800},
			want: ErrInvalidYear,
		},
		{
			name: "unknown entity",
			in:   UploadInput{OwnerID: "o", Filename: "a.xhtml", Body: strings.NewReader("x"), EntityID: 999, Year: 2024},
			want: ErrEntityNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Upload(ctx, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("Upload() error = %v, want %v", err, tt.want)
			}
		})
	}

	reports, _ := env.store.ListReports(ctx, database.ReportFilter{})
	if len(reports) != 0 {
		t.Errorf("rejected uploads created %d reports", len(reports))
	}
}

func TestUpload_DuplicatePairRejected(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{})
	env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	_, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:    "owner-2",
		Filename:   "again.xhtml",
		Body:       strings.NewReader(sampleIXBRL),
		EntityName: "Acme",
		Year:       2024,
	})
	if !errors.Is(err, ErrDuplicateReport) {
		t.Errorf("error = %v, want ErrDuplicateReport", err)
	}
}

func TestUpload_QuotaPerOwner(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{})
	env.svc.upload.MaxReportsPerOwner = 1
	env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	_, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:    "owner-1",
		Filename:   "b.xhtml",
		Body:       strings.NewReader(sampleIXBRL),
		EntityName: "Acme",
		Year:       2025,
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("error = %v, want ErrQuotaExceeded", err)
	}

	// Other owners are unaffected.
	env.upload(t, UploadInput{OwnerID: "owner-2", EntityName: "Acme", Year: 2025})
}

func TestUpload_DefaultsFromDocument(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{})

	r := env.upload(t, UploadInput{})

	if r.EntityName != "Acme Green Ltd" {
		t.Errorf("EntityName = %q, want name read from document", r.EntityName)
	}
	if r.ReportingYear != 2024 {
		t.Errorf("ReportingYear = %d, want 2024", r.ReportingYear)
	}
}

func TestUpload_PlaceholderDefaults(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{})
	env.svc.now = func() time.Time { return time.Date(2031, 6, 1, 0, 0, 0, 0, time.UTC) }

	r := env.upload(t, UploadInput{Body: strings.NewReader("<html><body>no tags</body></html>"), Filename: "plain.html"})

	if r.EntityName != DefaultEntityName {
		t.Errorf("EntityName = %q, want %q", r.EntityName, DefaultEntityName)
	}
	if r.ReportingYear != 2031 {
		t.Errorf("ReportingYear = %d, want current year 2031", r.ReportingYear)
	}
}

func TestUpload_YearCorrectionSkippedOnCollision(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	first := env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})
	if first.ReportingYear != 2024 {
		t.Fatalf("first report year = %d", first.ReportingYear)
	}

	second := env.upload(t, UploadInput{EntityName: "Acme", Year: 2023, Filename: "prior.xhtml"})

	if second.Status != database.StatusValidated {
		t.Fatalf("Status = %s", second.Status)
	}
	if second.ReportingYear != 2023 {
		t.Errorf("ReportingYear = %d, want original 2023 kept", second.ReportingYear)
	}
}

func TestUpload_RefusedDuringShutdown(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	env.svc.Runs().Close()

	r, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:    "owner-1",
		Filename:   "late.xhtml",
		Body:       strings.NewReader(sampleIXBRL),
		EntityName: "Acme",
		Year:       2024,
	})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("error = %v, want ErrShuttingDown", err)
	}
	got, err := env.store.GetReport(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != database.StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
}

// =============================================================================
// Readers
// =============================================================================

func TestGetReport_OwnerScoped(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{})
	r := env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	if _, err := env.svc.GetReport(context.Background(), "owner-2", r.ID); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("other owner: error = %v, want ErrReportNotFound", err)
	}
	if _, err := env.svc.GetReport(context.Background(), "owner-1", r.ID+100); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("unknown id: error = %v, want ErrReportNotFound", err)
	}
	list, err := env.svc.ListReports(context.Background(), "owner-2", database.ReportFilter{OwnerID: "owner-1"})
	if err != nil || len(list) != 0 {
		t.Errorf("ListReports for owner-2 = %d reports, err %v", len(list), err)
	}
}

func TestOpenArtifact(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	ctx := context.Background()
	r := env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	t.Run("original", func(t *testing.T) {
		a, err := env.svc.OpenArtifact(ctx, "owner-1", r.ID, database.ArtifactOriginal)
		if err != nil {
			t.Fatal(err)
		}
		defer a.Close()
		data, _ := io.ReadAll(a)
		if string(data) != sampleIXBRL {
			t.Error("original content differs")
		}
		if a.Filename != "report.xhtml" || a.ContentType != "application/xhtml+xml" {
			t.Errorf("Filename = %q, ContentType = %q", a.Filename, a.ContentType)
		}
	})

	t.Run("oim json", func(t *testing.T) {
		a, err := env.svc.OpenArtifact(ctx, "owner-1", r.ID, database.ArtifactOIM)
		if err != nil {
			t.Fatal(err)
		}
		a.Close()
		if a.ContentType != "application/json" {
			t.Errorf("ContentType = %q", a.ContentType)
		}
	})

	t.Run("missing backing file clears reference", func(t *testing.T) {
		if err := env.files.Delete(ctx, r.OriginalKey); err != nil {
			t.Fatal(err)
		}
		_, err := env.svc.OpenArtifact(ctx, "owner-1", r.ID, database.ArtifactOriginal)
		if !errors.Is(err, ErrArtifactNotFound) {
			t.Fatalf("error = %v, want ErrArtifactNotFound", err)
		}
		got, _ := env.store.GetReport(ctx, r.ID)
		if got.OriginalKey != "" {
			t.Errorf("OriginalKey = %q, want cleared", got.OriginalKey)
		}
		_, err = env.svc.OpenArtifact(ctx, "owner-1", r.ID, database.ArtifactOriginal)
		if !errors.Is(err, ErrArtifactNotFound) {
			t.Errorf("second open: error = %v", err)
		}
	})
}

func TestExportRegister(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	var buf bytes.Buffer
	if err := env.svc.ExportRegister(context.Background(), &buf, FormatCSV); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "Acme") {
		t.Errorf("csv = %q", buf.String())
	}

	if err := env.svc.ExportRegister(context.Background(), io.Discard, "pdf"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("error = %v, want ErrUnknownFormat", err)
	}
}

// =============================================================================
// Deletion
// =============================================================================

func TestDeleteReport_RemovesRegisterRowAndFiles(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	ctx := context.Background()
	r := env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	if err := env.svc.DeleteReport(ctx, "owner-2", r.ID); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("delete by other owner: error = %v", err)
	}
	if err := env.svc.DeleteReport(ctx, "owner-1", r.ID); err != nil {
		t.Fatal(err)
	}

	rows, _ := env.svc.ListRegister(ctx, database.RegisterFilter{})
	if len(rows) != 0 {
		t.Errorf("register rows = %d, want 0", len(rows))
	}
	for _, key := range []string{r.OriginalKey, r.OIMKey} {
		if ok, _ := env.files.Exists(ctx, key); ok {
			t.Errorf("stored file %q survived deletion", key)
		}
	}
	if facts, _ := env.store.ListFacts(ctx, r.ID); len(facts) != 0 {
		t.Errorf("facts survived deletion: %d", len(facts))
	}
	if err := env.svc.DeleteReport(ctx, "owner-1", r.ID); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("second delete: error = %v", err)
	}
}

func TestDeleteReport_RenumbersOwnerReports(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{})
	ctx := context.Background()
	first := env.upload(t, UploadInput{EntityName: "Acme", Year: 2022})
	env.upload(t, UploadInput{EntityName: "Acme", Year: 2023})
	third := env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	if err := env.svc.DeleteReport(ctx, "owner-1", first.ID); err != nil {
		t.Fatal(err)
	}

	got, err := env.svc.GetReport(ctx, "owner-1", third.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReportNumber != 2 {
		t.Errorf("third report renumbered to %d, want 2", got.ReportNumber)
	}
}

func TestDeleteOwnerReports(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	ctx := context.Background()
	env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})
	env.upload(t, UploadInput{EntityName: "Beta", Year: 2024})
	env.upload(t, UploadInput{OwnerID: "owner-2", EntityName: "Gamma", Year: 2024})

	n, err := env.svc.DeleteOwnerReports(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	rows, _ := env.svc.ListRegister(ctx, database.RegisterFilter{})
	if len(rows) != 1 || rows[0].EntityName != "Gamma" {
		t.Errorf("register after owner cleanup = %+v", rows)
	}
}

// =============================================================================
// Retention
// =============================================================================

func TestRetentionJob(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{doc: oimDocument})
	env.upload(t, UploadInput{EntityName: "Acme", Year: 2024})

	if n := env.svc.runRetentionJob(context.Background(), 30); n != 0 {
		t.Errorf("fresh report deleted: %d", n)
	}

	env.svc.now = func() time.Time { return time.Now().AddDate(0, 0, 31) }
	if n := env.svc.runRetentionJob(context.Background(), 30); n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	rows, _ := env.svc.ListRegister(context.Background(), database.RegisterFilter{})
	if len(rows) != 0 {
		t.Errorf("register rows = %d after retention, want 0", len(rows))
	}
}

func TestStartRetentionScheduler_DisabledReturns(t *testing.T) {
	env := newTestEnv(t, &fakeConverter{})
	done := make(chan struct{})
	go func() {
		env.svc.StartRetentionScheduler(context.Background(), config.RetentionConfig{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler did not return")
	}
}

// =============================================================================
// Taxonomy version
// =============================================================================

func TestTaxonomyVersion(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{entrypoint, "vsme-2024-12-17"},
		{"https://example.com/2025-03-01/all.xsd", "2025-03-01"},
		{"https://example.com/vsme/all.xsd", "https://example.com/vsme/all.xsd"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := TaxonomyVersion(tt.url); got != tt.want {
				t.Errorf("TaxonomyVersion(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
