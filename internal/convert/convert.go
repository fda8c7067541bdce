// Package convert normalizes free-text values found in disclosure facts
// into exact decimals and maps them to PostgreSQL types.
//
// Extracted values carry the messy reality of hand-authored reports:
//   - Thousand separators ("12,345.6", "12 345")
//   - Currency symbols
//   - Accounting negatives ("(1,200)")
//
// Parsers report "no value" for empty or unparsable input rather than
// failing, so one bad fact never aborts an aggregation.
package convert

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// Bounds on accepted values. Anything larger is not a disclosure figure and
// would expand into an enormous digit string when rendered.
const (
	maxNumericLen = 100
	maxExponent   = 1000
)

// separatorReplacer removes thousand separators and currency symbols.
var separatorReplacer = strings.NewReplacer(
	",", "",
	" ", "",
	"\u00a0", "", // no-break space
	"\u202f", "", // narrow no-break space
	"$", "",
	"\u20ac", "", // Euro
	"\u00a3", "", // Pound
)

// ParseDecimal parses s into an exact decimal, tolerating thousand
// separators. ok is false for empty or unparsable input and for values
// whose exponent or length is out of range.
func ParseDecimal(s string) (d decimal.Decimal, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}

	// Detect negative accounting format "(123.45)"
	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = separatorReplacer.Replace(s)
	if isNegative {
		s = "-" + s
	}

	if len(s) > maxNumericLen || !numericRegex.MatchString(s) {
		return decimal.Decimal{}, false
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParseNullDecimal is ParseDecimal returning a nullable value.
func ParseNullDecimal(s string) decimal.NullDecimal {
	d, ok := ParseDecimal(s)
	return decimal.NullDecimal{Decimal: d, Valid: ok}
}

// ToPgNumeric converts a nullable decimal to pgtype.Numeric without going
// through float64.
func ToPgNumeric(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{Valid: false}
	}
	return pgtype.Numeric{
		Int:   new(big.Int).Set(d.Decimal.Coefficient()),
		Exp:   d.Decimal.Exponent(),
		Valid: true,
	}
}

// FromPgNumeric converts pgtype.Numeric back to a nullable decimal.
// NaN and infinities are reported as no value.
func FromPgNumeric(n pgtype.Numeric) decimal.NullDecimal {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{
		Decimal: decimal.NewFromBigInt(n.Int, n.Exp),
		Valid:   true,
	}
}

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// FromPgText returns the text value or "" when NULL.
func FromPgText(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}
