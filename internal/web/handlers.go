package web

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/esgregister/internal/core"
	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500

	// multipartOverhead is allowed on top of the document size limit for
	// the form boundaries and text fields.
	multipartOverhead = 1 << 20
	multipartMemory   = 32 << 20
)

// =============================================================================
// Parameter helpers
// =============================================================================

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultVal
	}
	return i
}

// optionalInt64 parses an optional positive id; "" yields 0.
func optionalInt64(raw, name string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", core.ErrInvalidParam, name, raw)
	}
	return v, nil
}

// optionalYear parses an optional reporting year; "" yields 0.
func optionalYear(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", core.ErrInvalidYear, raw)
	}
	return v, nil
}

func reportID(r *http.Request) (int64, error) {
	id, err := optionalInt64(chi.URLParam(r, "id"), "id")
	if err != nil || id == 0 {
		return 0, core.ErrReportNotFound
	}
	return id, nil
}

func owner(r *http.Request) string {
	return core.OwnerFromContext(r.Context())
}

// =============================================================================
// Health
// =============================================================================

type healthResponse struct {
	Status string                `json:"status"`
	Runs   core.RunTrackerStatus `json:"runs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Runs: s.service.Runs().Status()}
	status := http.StatusOK
	if err := s.service.Health(r.Context()); err != nil {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// =============================================================================
// Reports
// =============================================================================

// handleUpload accepts a multipart form with "file" and the optional
// "entity_id", "entity_name" and "year" fields. The report is returned in
// processing state with 202; clients poll GET /api/reports/{id}.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			respondError(w, r, core.ErrFileTooLarge)
			return
		}
		respondError(w, r, fmt.Errorf("%w: %v", core.ErrNoFile, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, core.ErrNoFile)
		return
	}
	defer file.Close()

	entityID, err := optionalInt64(r.FormValue("entity_id"), "entity_id")
	if err != nil {
		respondError(w, r, err)
		return
	}
	year, err := optionalYear(r.FormValue("year"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	report, err := s.service.Upload(r.Context(), core.UploadInput{
		OwnerID:    owner(r),
		Filename:   header.Filename,
		Body:       file,
		EntityID:   entityID,
		EntityName: r.FormValue("entity_name"),
		Year:       year,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, report)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityID, err := optionalInt64(q.Get("entity_id"), "entity_id")
	if err != nil {
		respondError(w, r, err)
		return
	}
	year, err := optionalYear(q.Get("year"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := database.ReportStatus(q.Get("status"))
	switch status {
	case "", database.StatusProcessing, database.StatusValidated, database.StatusFailed:
	default:
		respondError(w, r, fmt.Errorf("%w: status=%q", core.ErrInvalidParam, status))
		return
	}

	limit := parseIntParam(r, "limit", defaultPageSize)
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	reports, err := s.service.ListReports(r.Context(), owner(r), database.ReportFilter{
		EntityID: entityID,
		Year:     year,
		Status:   status,
		Limit:    limit,
		Offset:   parseIntParam(r, "offset", 0),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if reports == nil {
		reports = []database.Report{}
	}
	writeJSON(w, r, http.StatusOK, reports)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := reportID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	report, err := s.service.GetReport(r.Context(), owner(r), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	id, err := reportID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.service.DeleteReport(r.Context(), owner(r), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteOwnerResponse struct {
	Deleted int `json:"deleted"`
}

// handleDeleteOwnerReports removes every report of the calling owner, used
// when the owner's account is closed.
func (s *Server) handleDeleteOwnerReports(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.DeleteOwnerReports(r.Context(), owner(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, deleteOwnerResponse{Deleted: n})
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	id, err := reportID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	facts, err := s.service.ListFacts(r.Context(), owner(r), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if facts == nil {
		facts = []database.Fact{}
	}
	writeJSON(w, r, http.StatusOK, facts)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := reportID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	kind := database.ArtifactKind(chi.URLParam(r, "kind"))
	if kind != database.ArtifactOriginal && kind != database.ArtifactOIM {
		respondError(w, r, core.ErrArtifactNotFound)
		return
	}

	a, err := s.service.OpenArtifact(r.Context(), owner(r), id, kind)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer a.Close()

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	if _, err := io.Copy(w, a); err != nil {
		// Headers are sent; the client sees a truncated body.
		respondErrorLogOnly(r, err)
	}
}

// =============================================================================
// Register
// =============================================================================

type metricView struct {
	Value *string `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

type registerView struct {
	EntityID          int64                             `json:"entityId"`
	EntityName        string                            `json:"entityName"`
	ReportingYear     int                               `json:"reportingYear"`
	EntityLabel       string                            `json:"entityLabel"`
	Metrics           map[string]metricView             `json:"metrics"`
	CompletenessScore int                               `json:"completenessScore"`
	LastReportID      *int64                            `json:"lastReportId"`
	SourceConcepts    map[string]database.SourceConcept `json:"sourceConcepts"`
	UpdatedAt         time.Time                         `json:"updatedAt"`
}

func newRegisterView(row database.RegisterRow) registerView {
	v := registerView{
		EntityID:          row.EntityID,
		EntityName:        row.EntityName,
		ReportingYear:     row.ReportingYear,
		EntityLabel:       row.EntityLabel,
		Metrics:           make(map[string]metricView, database.MetricCount),
		CompletenessScore: row.Completeness,
		LastReportID:      row.LastReportID,
		SourceConcepts:    row.Sources,
		UpdatedAt:         row.UpdatedAt,
	}
	for i, code := range database.MetricCodes {
		m := row.Metrics[i]
		mv := metricView{Unit: m.Unit}
		if m.Value.Valid {
			s := m.Value.Decimal.String()
			mv.Value = &s
		}
		v.Metrics[code] = mv
	}
	if v.SourceConcepts == nil {
		v.SourceConcepts = map[string]database.SourceConcept{}
	}
	return v
}

func (s *Server) handleListRegister(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityID, err := optionalInt64(q.Get("entity_id"), "entity_id")
	if err != nil {
		respondError(w, r, err)
		return
	}
	year, err := optionalYear(q.Get("year"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	rows, err := s.service.ListRegister(r.Context(), database.RegisterFilter{EntityID: entityID, Year: year})
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]registerView, len(rows))
	for i, row := range rows {
		views[i] = newRegisterView(row)
	}
	writeJSON(w, r, http.StatusOK, views)
}

var exportContentTypes = map[string]string{
	core.FormatCSV:  "text/csv; charset=utf-8",
	core.FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// handleExportRegister renders into memory first so a failure can still be
// reported as a JSON error.
func (s *Server) handleExportRegister(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = core.FormatCSV
	}

	var buf bytes.Buffer
	if err := s.service.ExportRegister(r.Context(), &buf, format); err != nil {
		respondError(w, r, err)
		return
	}

	filename := fmt.Sprintf("vsme_register_%s.%s", time.Now().UTC().Format("20060102"), format)
	w.Header().Set("Content-Type", exportContentTypes[format])
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		respondErrorLogOnly(r, err)
	}
}

type rebuildResponse struct {
	Upserted int `json:"upserted"`
	Deleted  int `json:"deleted"`
}

func (s *Server) handleRebuildRegister(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.RebuildRegister(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rebuildResponse(res))
}
