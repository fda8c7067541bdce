// Package database holds the persistent model of reports, facts and the
// per-entity-year register, plus the PostgreSQL and in-memory stores
// that implement it.
package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportStatus is the lifecycle state of a Report.
type ReportStatus string

const (
	StatusProcessing ReportStatus = "processing"
	StatusValidated  ReportStatus = "validated"
	StatusFailed     ReportStatus = "failed"
)

// Terminal reports whether no further automatic transition is possible.
func (s ReportStatus) Terminal() bool {
	return s == StatusValidated || s == StatusFailed
}

// Entity is a reporting organization, unique by name.
type Entity struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Report is one submitted document and its processing outcome.
type Report struct {
	ID               int64        `json:"id"`
	OwnerID          string       `json:"ownerId"`
	EntityID         int64        `json:"entityId"`
	EntityName       string       `json:"entityName"`
	ReportingYear    int          `json:"reportingYear"`
	OriginalFilename string       `json:"originalFilename"`
	OriginalKey      string       `json:"originalKey,omitempty"`
	OIMKey           string       `json:"oimKey,omitempty"`
	EntityLabel      string       `json:"entityLabel"`
	PeriodLabel      string       `json:"periodLabel"`
	TaxonomyVersion  string       `json:"taxonomyVersion"`
	Status           ReportStatus `json:"status"`
	Summary          string       `json:"summary"`
	FailureReason    string       `json:"failureReason"`
	ReportNumber     int          `json:"reportNumber"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Pair returns the (entity, year) pair the report occupies.
func (r Report) Pair() Pair {
	return Pair{EntityID: r.EntityID, Year: r.ReportingYear}
}

// NewReport holds the fields supplied when a report is created.
type NewReport struct {
	OwnerID          string
	EntityID         int64
	ReportingYear    int
	OriginalFilename string
	OriginalKey      string
	TaxonomyVersion  string
}

// ReportOutcome is the terminal transition written by a pipeline run.
type ReportOutcome struct {
	Status        ReportStatus
	Summary       string
	FailureReason string
	OIMKey        string
}

// ArtifactKind selects one of a report's stored files.
type ArtifactKind string

const (
	ArtifactOriginal ArtifactKind = "original"
	ArtifactOIM      ArtifactKind = "oim-json"
)

// Key returns the storage key of the given artifact, or "".
func (r Report) Key(kind ArtifactKind) string {
	switch kind {
	case ArtifactOriginal:
		return r.OriginalKey
	case ArtifactOIM:
		return r.OIMKey
	}
	return ""
}

// Fact is one normalized disclosure datum belonging to a Report.
type Fact struct {
	ID       int64  `json:"id"`
	ReportID int64  `json:"reportId"`
	Concept  string `json:"concept"`
	Value    string `json:"value"`
	Datatype string `json:"datatype"`
	Unit     string `json:"unit"`
	Context  string `json:"context"`
}

// Pair identifies one register row.
type Pair struct {
	EntityID int64 `json:"entityId"`
	Year     int   `json:"year"`
}

// MetricCount is the size of the fixed register metric schema.
const MetricCount = 11

// MetricCodes are the register metric codes, in column order.
var MetricCodes = [MetricCount]string{
	"employees",
	"ghg_total",
	"ghg_scope1",
	"ghg_scope2",
	"energy_consumption",
	"renewable_energy_share",
	"water_withdrawal",
	"water_discharge",
	"waste_generated",
	"hazardous_waste",
	"non_hazardous_waste",
}

// Metric is one register value and its raw unit.
type Metric struct {
	Value decimal.NullDecimal `json:"value"`
	Unit  string              `json:"unit"`
}

// SourceConcept records which fact populated a metric.
type SourceConcept struct {
	Concept string `json:"concept"`
	Unit    string `json:"unit,omitempty"`
}

// RegisterRow is the aggregate for one (entity, year) pair.
type RegisterRow struct {
	ID            int64                    `json:"id"`
	EntityID      int64                    `json:"entityId"`
	EntityName    string                   `json:"entityName"`
	ReportingYear int                      `json:"reportingYear"`
	EntityLabel   string                   `json:"entityLabel"`
	Metrics       [MetricCount]Metric      `json:"metrics"`
	Completeness  int                      `json:"completenessScore"`
	LastReportID  *int64                   `json:"lastReportId"`
	Sources       map[string]SourceConcept `json:"sourceConcepts"`
	UpdatedAt     time.Time                `json:"updatedAt"`
}

// Pair returns the row's (entity, year) pair.
func (r RegisterRow) Pair() Pair {
	return Pair{EntityID: r.EntityID, Year: r.ReportingYear}
}

// ReportFilter narrows ListReports. Zero fields are ignored.
type ReportFilter struct {
	OwnerID       string
	EntityID      int64
	Year          int
	Status        ReportStatus
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// RegisterFilter narrows ListRegister. Zero fields are ignored.
type RegisterFilter struct {
	EntityID int64
	Year     int
}
