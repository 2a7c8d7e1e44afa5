package evaluator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/coachrules/rules"
)

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02.01.2006 15:04",
	time.RFC3339,
}

// parseDate accepts the supported layouts or unix milliseconds
func parseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).In(loc), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date %q", s)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// dateDiff counts whole calendar units from a to b; negative when b is before a
func dateDiff(a, b time.Time, unit rules.EquationSign) int {
	a, b = midnight(a), midnight(b)
	sign := 1
	if b.Before(a) {
		a, b = b, a
		sign = -1
	}

	var n int
	switch unit {
	case rules.DateDiffDaysEquals, rules.DateDiffDaysAlwaysTrue:
		// civil days, immune to DST shifts
		ay, am, ad := a.Date()
		by, bm, bd := b.Date()
		ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
		ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
		n = int(ub.Sub(ua).Hours() / 24)
	case rules.DateDiffMonthsEquals, rules.DateDiffMonthsAlwaysTrue:
		n = (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
		if b.Day() < a.Day() {
			n--
		}
	case rules.DateDiffYearsEquals, rules.DateDiffYearsAlwaysTrue:
		n = b.Year() - a.Year()
		if b.Month() < a.Month() || (b.Month() == a.Month() && b.Day() < a.Day()) {
			n--
		}
	}
	return sign * n
}

func (e *Evaluator) evaluateDate(node *rules.Node, vars map[string]string) rules.EvaluationResult {
	empty := ""
	sub := Substitution{Fallback: &empty, Format: e.formatter}
	operand := strings.TrimSpace(Substitute(node.OperandTerm, vars, sub))
	comparison := strings.TrimSpace(Substitute(node.ComparisonTerm, vars, sub))

	from, err := parseDate(operand, e.location)
	if err != nil {
		return rules.Failed(node.ID, "operand term: %v", err)
	}
	to := e.now().In(e.location)
	if comparison != "" {
		to, err = parseDate(comparison, e.location)
		if err != nil {
			return rules.Failed(node.ID, "comparison term: %v", err)
		}
	}

	diff := dateDiff(from, to, node.EquationSign)
	result := rules.EvaluationResult{
		RuleID:          node.ID,
		Success:         true,
		Calculated:      true,
		CalculatedValue: float64(diff),
	}
	switch node.EquationSign {
	case rules.DateDiffDaysEquals, rules.DateDiffMonthsEquals, rules.DateDiffYearsEquals:
		result.Matched = diff == 0
	default:
		result.Matched = true
	}
	return result
}
