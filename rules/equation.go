package rules

import (
	"fmt"
	"math"
	"strconv"
)

// EquationSign selects how a rule's terms are evaluated and matched
type EquationSign string

const (
	CalculatedAlwaysTrue     EquationSign = "CALCULATED_ALWAYS_TRUE"
	CalculatedAlwaysFalse    EquationSign = "CALCULATED_ALWAYS_FALSE"
	CalculatedLess           EquationSign = "CALCULATED_LESS"
	CalculatedLessOrEqual    EquationSign = "CALCULATED_LESS_OR_EQUAL"
	CalculatedEqual          EquationSign = "CALCULATED_EQUAL"
	CalculatedNotEqual       EquationSign = "CALCULATED_NOT_EQUAL"
	CalculatedGreaterOrEqual EquationSign = "CALCULATED_GREATER_OR_EQUAL"
	CalculatedGreater        EquationSign = "CALCULATED_GREATER"

	TextEquals                   EquationSign = "TEXT_EQUALS"
	TextNotEquals                EquationSign = "TEXT_NOT_EQUALS"
	TextMatchesRegex             EquationSign = "TEXT_MATCHES_REGEX"
	TextNotMatchesRegex          EquationSign = "TEXT_NOT_MATCHES_REGEX"
	TextMatchesKeys              EquationSign = "TEXT_MATCHES_KEYS"
	TextNotMatchesKeys           EquationSign = "TEXT_NOT_MATCHES_KEYS"
	TextSelectManyAtPosition     EquationSign = "TEXT_SELECT_MANY_AT_POSITION"
	TextSelectManyRandomPosition EquationSign = "TEXT_SELECT_MANY_AT_RANDOM_POSITION"
	SelectManyCount              EquationSign = "SELECT_MANY_COUNT"
	TextJSONPath                 EquationSign = "TEXT_JSON_PATH"
	DuplicateAcrossInterventions EquationSign = "DUPLICATE_ACROSS_INTERVENTIONS"

	DateDiffDaysEquals       EquationSign = "DATE_DIFF_DAYS_EQUALS"
	DateDiffDaysAlwaysTrue   EquationSign = "DATE_DIFF_DAYS_ALWAYS_TRUE"
	DateDiffMonthsEquals     EquationSign = "DATE_DIFF_MONTHS_EQUALS"
	DateDiffMonthsAlwaysTrue EquationSign = "DATE_DIFF_MONTHS_ALWAYS_TRUE"
	DateDiffYearsEquals      EquationSign = "DATE_DIFF_YEARS_EQUALS"
	DateDiffYearsAlwaysTrue  EquationSign = "DATE_DIFF_YEARS_ALWAYS_TRUE"

	Script EquationSign = "SCRIPT"

	IterateAscending  EquationSign = "ITERATE_ASCENDING"
	IterateDescending EquationSign = "ITERATE_DESCENDING"
)

// Family groups equation signs that share one evaluation path
type Family int

const (
	FamilyUnknown Family = iota
	FamilyCalculated
	FamilyText
	FamilyDate
	FamilyScript
	FamilyIterator
)

// Family returns the evaluation family of the sign
func (s EquationSign) Family() Family {
	switch s {
	case CalculatedAlwaysTrue, CalculatedAlwaysFalse, CalculatedLess, CalculatedLessOrEqual,
		CalculatedEqual, CalculatedNotEqual, CalculatedGreaterOrEqual, CalculatedGreater:
		return FamilyCalculated
	case TextEquals, TextNotEquals, TextMatchesRegex, TextNotMatchesRegex, TextMatchesKeys,
		TextNotMatchesKeys, TextSelectManyAtPosition, TextSelectManyRandomPosition,
		SelectManyCount, TextJSONPath, DuplicateAcrossInterventions:
		return FamilyText
	case DateDiffDaysEquals, DateDiffDaysAlwaysTrue, DateDiffMonthsEquals,
		DateDiffMonthsAlwaysTrue, DateDiffYearsEquals, DateDiffYearsAlwaysTrue:
		return FamilyDate
	case Script:
		return FamilyScript
	case IterateAscending, IterateDescending:
		return FamilyIterator
	default:
		return FamilyUnknown
	}
}

// IsIterator reports whether the sign describes a counting loop
func (s EquationSign) IsIterator() bool {
	return s.Family() == FamilyIterator
}

// ParseEquationSign validates a persisted sign name
func ParseEquationSign(name string) (EquationSign, error) {
	s := EquationSign(name)
	if s.Family() == FamilyUnknown {
		return "", fmt.Errorf("unknown equation sign %q", name)
	}
	return s, nil
}

// FormatNumber renders whole numbers without a fractional part
func FormatNumber(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
