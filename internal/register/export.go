package register

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Register"

// ExportHeader is the column layout shared by the CSV and XLSX exports.
func ExportHeader() []string {
	h := []string{"entity_id", "entity_name", "reporting_year", "entity_label"}
	for _, code := range database.MetricCodes {
		h = append(h, code+"_value", code+"_unit")
	}
	return append(h, "completeness_score", "last_report_id", "updated_at")
}

// exportRecord renders one row as strings in ExportHeader order. Empty
// metrics are empty cells.
func exportRecord(r database.RegisterRow) []string {
	rec := []string{
		strconv.FormatInt(r.EntityID, 10),
		r.EntityName,
		strconv.Itoa(r.ReportingYear),
		r.EntityLabel,
	}
	for _, m := range r.Metrics {
		v := ""
		if m.Value.Valid {
			v = m.Value.Decimal.String()
		}
		rec = append(rec, v, m.Unit)
	}
	last := ""
	if r.LastReportID != nil {
		last = strconv.FormatInt(*r.LastReportID, 10)
	}
	updated := ""
	if !r.UpdatedAt.IsZero() {
		updated = r.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return append(rec, strconv.Itoa(r.Completeness), last, updated)
}

// WriteCSV writes rows as CSV with a header line.
func WriteCSV(w io.Writer, rows []database.RegisterRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader()); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(exportRecord(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes rows as a single-sheet workbook. Metric values are
// numeric cells so spreadsheets can aggregate them.
func WriteXLSX(w io.Writer, rows []database.RegisterRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	header := ExportHeader()
	if err := setRow(f, 1, toAny(header)); err != nil {
		return err
	}
	for i, r := range rows {
		if err := setRow(f, i+2, xlsxRecord(r)); err != nil {
			return err
		}
	}

	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

func xlsxRecord(r database.RegisterRow) []any {
	rec := []any{r.EntityID, r.EntityName, r.ReportingYear, r.EntityLabel}
	for _, m := range r.Metrics {
		if m.Value.Valid {
			v, _ := m.Value.Decimal.Float64()
			rec = append(rec, v)
		} else {
			rec = append(rec, nil)
		}
		rec = append(rec, m.Unit)
	}
	var last any
	if r.LastReportID != nil {
		last = *r.LastReportID
	}
	var updated any
	if !r.UpdatedAt.IsZero() {
		updated = r.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return append(rec, r.Completeness, last, updated)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
