package oim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Key name variants, short codes first.
var (
	dimensionKeys = []string{"d", "dimensions"}
	entityKeys    = []string{"e", "entity"}
	identKeys     = []string{"id", "identifier"}
	periodKeys    = []string{"p", "period"}
	startKeys     = []string{"s", "start", "startDate"}
	endKeys       = []string{"e", "end", "endDate"}
	instantKeys   = []string{"i", "instant"}
	conceptKeys   = []string{"c", "concept"}
	valueKeys     = []string{"v", "value"}
	datatypeKeys  = []string{"xdt", "datatype", "type"}
	unitKeys      = []string{"u", "unit"}
)

// Row is one flattened fact. Every field is text; a missing value is "".
type Row struct {
	Concept  string
	Value    string
	Datatype string
	Unit     string
	Context  string
}

// Metadata is the document-level information read from the first fact.
type Metadata struct {
	Entity string
	Period string
}

// Metadata inspects only the first object-shaped fact.
func (d *Document) Metadata() Metadata {
	for _, e := range d.facts {
		fact, ok := e.Value.(map[string]any)
		if !ok {
			continue
		}
		dims := dimensions(fact)
		return Metadata{
			Entity: formatEntity(dims, fact),
			Period: formatPeriod(dims, fact),
		}
	}
	return Metadata{}
}

// Rows flattens every object-shaped fact, in document order.
func (d *Document) Rows() []Row {
	rows := make([]Row, 0, len(d.facts))
	for _, e := range d.facts {
		fact, ok := e.Value.(map[string]any)
		if !ok {
			continue
		}
		dims := dimensions(fact)

		concept := lookup(fact, conceptKeys...)
		if !truthy(concept) {
			concept = lookup(dims, "concept")
		}
		unit := lookup(fact, unitKeys...)
		if !truthy(unit) {
			unit = lookup(dims, "unit")
		}

		rows = append(rows, Row{
			Concept:  text(concept),
			Value:    text(lookup(fact, valueKeys...)),
			Datatype: text(lookup(fact, datatypeKeys...)),
			Unit:     text(unit),
			Context:  formatPeriod(dims, fact),
		})
	}
	return rows
}

func dimensions(fact map[string]any) map[string]any {
	for _, k := range dimensionKeys {
		if m, ok := fact[k].(map[string]any); ok && len(m) > 0 {
			return m
		}
	}
	return map[string]any{}
}

// lookup returns the value of the first key present in m.
func lookup(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

// firstTruthy returns the first candidate that carries a usable value.
func firstTruthy(candidates ...any) any {
	for _, c := range candidates {
		if truthy(c) {
			return c
		}
	}
	return nil
}

// truthy treats null, empty text, empty collections, false and zero as absent.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}

// text coerces a decoded JSON value to its text form. Nested objects and
// lists become compact JSON.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSuffix(buf.String(), "\n")
	}
	return fmt.Sprint(v)
}

func formatEntity(dims, fact map[string]any) string {
	entity := firstTruthy(lookup(fact, entityKeys...), lookup(dims, "entity"))
	switch t := entity.(type) {
	case map[string]any:
		if ident := lookup(t, identKeys...); truthy(ident) {
			return text(ident)
		}
	case string:
		return t
	}
	return ""
}

// formatPeriod tries, in order: a start/end pair, an instant, a two-element
// list, a bare string, and finally an instant set directly on the fact.
// Ranges are rendered as ISO 8601 intervals "start/end".
func formatPeriod(dims, fact map[string]any) string {
	period := firstTruthy(lookup(fact, periodKeys...), lookup(dims, "period"))

	switch t := period.(type) {
	case map[string]any:
		start, end := lookup(t, startKeys...), lookup(t, endKeys...)
		if truthy(start) && truthy(end) {
			return text(start) + "/" + text(end)
		}
		if instant := lookup(t, instantKeys...); truthy(instant) {
			return text(instant)
		}
	case []any:
		if len(t) == 2 {
			return text(t[0]) + "/" + text(t[1])
		}
	case string:
		return t
	}

	if instant := lookup(fact, instantKeys...); truthy(instant) {
		return text(instant)
	}
	return ""
}

var yearRegex = regexp.MustCompile(`\b(20\d{2}|19\d{2})\b`)

// ReportingYear derives the reporting year from a period string. For a
// slash-delimited range with two or more years the start year wins;
// otherwise the last year token is used.
func ReportingYear(period string) (int, bool) {
	if period == "" {
		return 0, false
	}
	years := yearRegex.FindAllString(period, -1)
	if len(years) == 0 {
		return 0, false
	}
	pick := years[len(years)-1]
	if len(years) >= 2 && strings.Contains(period, "/") {
		pick = years[0]
	}
	y, err := strconv.Atoi(pick)
	if err != nil {
		return 0, false
	}
	return y, true
}
