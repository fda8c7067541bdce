package register

import (
	"math"
	"sort"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/convert"
	"github.com/JonMunkholm/esgregister/internal/database"
)

// Fragments lists, per metric in database.MetricCodes order, the concept
// name fragments that identify it. Earlier fragments win over later ones.
var Fragments = [database.MetricCount][]string{
	{"NumberOfEmployees", "Employees"},
	{"TotalGHG", "GHGEmissions", "GreenhouseGasEmissions"},
	{"Scope1", "GHGScope1"},
	{"Scope2", "GHGScope2"},
	{"TotalEnergyConsumption", "EnergyConsumption"},
	{"RenewableEnergyShare", "ShareOfRenewable"},
	{"WaterWithdrawal"},
	{"WaterDischarge"},
	{"WasteGenerated", "TotalWasteGenerated"},
	{"HazardousWaste"},
	{"NonHazardousWaste"},
}

// Extraction is the register content derived from one report's facts.
type Extraction struct {
	Metrics      [database.MetricCount]database.Metric
	Sources      map[string]database.SourceConcept
	Completeness int
}

// Extract maps facts onto the metric schema. For each metric the fragments
// are tried in order and the lowest-id fact whose concept contains the
// fragment (case-insensitive) is taken. An unparsable value leaves the
// metric empty but still records the unit and the source concept.
func Extract(facts []database.Fact) Extraction {
	sorted := make([]database.Fact, len(facts))
	copy(sorted, facts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	lowered := make([]string, len(sorted))
	for i, f := range sorted {
		lowered[i] = strings.ToLower(f.Concept)
	}

	ex := Extraction{Sources: make(map[string]database.SourceConcept)}
	matched := 0
	for i, frags := range Fragments {
		f, ok := firstMatch(sorted, lowered, frags)
		if !ok {
			continue
		}
		if v, ok := convert.ParseDecimal(f.Value); ok {
			ex.Metrics[i].Value.Decimal = v
			ex.Metrics[i].Value.Valid = true
			matched++
		}
		ex.Metrics[i].Unit = f.Unit
		ex.Sources[database.MetricCodes[i]] = database.SourceConcept{Concept: f.Concept, Unit: f.Unit}
	}
	ex.Completeness = Completeness(matched)
	return ex
}

func firstMatch(facts []database.Fact, lowered []string, frags []string) (database.Fact, bool) {
	for _, frag := range frags {
		frag = strings.ToLower(frag)
		for i := range facts {
			if strings.Contains(lowered[i], frag) {
				return facts[i], true
			}
		}
	}
	return database.Fact{}, false
}

// Completeness is round(100 * matched / MetricCount) clamped to [0, 100].
func Completeness(matched int) int {
	pct := int(math.Round(100 * float64(matched) / float64(database.MetricCount)))
	return max(0, min(100, pct))
}
