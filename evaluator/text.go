package evaluator

import (
	"context"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/variables"
)

// ListSeparator splits select-many answers and key sets
const ListSeparator = ","

var (
	quotedIndex  = regexp.MustCompile(`\[["']([^"'\]]+)["']\]`)
	numericIndex = regexp.MustCompile(`\[(\d+)\]`)
)

// splitList decomposes a separated list, dropping blank entries
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ListSeparator) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, k := range b {
		set[strings.ToLower(k)] = struct{}{}
	}
	for _, k := range a {
		if _, ok := set[strings.ToLower(k)]; ok {
			return true
		}
	}
	return false
}

// gjsonPath converts `$.a.b[0]` notation to the gjson path `a.b.0`
func gjsonPath(path string) string {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	p = quotedIndex.ReplaceAllString(p, ".$1")
	p = numericIndex.ReplaceAllString(p, ".$1")
	return strings.TrimPrefix(p, ".")
}

func (e *Evaluator) evaluateText(ctx context.Context, node *rules.Node, vars map[string]string, participantID string) rules.EvaluationResult {
	empty := ""
	sub := Substitution{Fallback: &empty, Format: e.formatter}

	result := rules.EvaluationResult{
		RuleID:  node.ID,
		Success: true,
		Text:    true,
	}

	switch node.EquationSign {
	case rules.TextJSONPath:
		return e.evaluateJSONPath(node, vars, result)
	case rules.DuplicateAcrossInterventions:
		return e.evaluateDuplicate(ctx, node, vars, participantID, result)
	case rules.TextSelectManyAtPosition, rules.TextSelectManyRandomPosition, rules.SelectManyCount:
		return e.evaluateSelectMany(ctx, node, vars, result)
	}

	operand := strings.TrimSpace(Substitute(node.OperandTerm, vars, sub))
	comparison := strings.TrimSpace(Substitute(node.ComparisonTerm, vars, sub))
	result.TextValue = operand
	result.TextComparison = comparison

	switch node.EquationSign {
	case rules.TextEquals:
		result.Matched = strings.EqualFold(operand, comparison)
	case rules.TextNotEquals:
		result.Matched = !strings.EqualFold(operand, comparison)
	case rules.TextMatchesRegex, rules.TextNotMatchesRegex:
		re, err := regexp.Compile(`(?i)^(?:` + comparison + `)$`)
		if err != nil {
			return rules.Failed(node.ID, "comparison term is not a valid pattern: %v", err)
		}
		result.Matched = re.MatchString(operand)
		if node.EquationSign == rules.TextNotMatchesRegex {
			result.Matched = !result.Matched
		}
	case rules.TextMatchesKeys:
		result.Matched = intersects(splitList(operand), splitList(comparison))
	case rules.TextNotMatchesKeys:
		result.Matched = !intersects(splitList(operand), splitList(comparison))
	}
	return result
}

func (e *Evaluator) evaluateSelectMany(ctx context.Context, node *rules.Node, vars map[string]string, result rules.EvaluationResult) rules.EvaluationResult {
	empty := ""
	items := splitList(Substitute(node.OperandTerm, vars, Substitution{Fallback: &empty, Format: e.formatter}))

	switch node.EquationSign {
	case rules.SelectManyCount:
		result.Text = false
		result.Calculated = true
		result.CalculatedValue = float64(len(items))
		result.Matched = true
	case rules.TextSelectManyAtPosition:
		pos, err := e.calculate(ctx, node.ComparisonTerm, vars)
		if err != nil {
			return rules.Failed(node.ID, "comparison term: %v", err)
		}
		result.TextComparison = rules.FormatNumber(pos)
		if i := int(pos); i >= 1 && i <= len(items) {
			result.TextValue = items[i-1]
			result.Matched = true
		}
	case rules.TextSelectManyRandomPosition:
		if len(items) > 0 {
			result.TextValue = items[e.intn(len(items))]
			result.Matched = true
		}
	}
	return result
}

// evaluateJSONPath never fails: an invalid document or path yields no match
func (e *Evaluator) evaluateJSONPath(node *rules.Node, vars map[string]string, result rules.EvaluationResult) rules.EvaluationResult {
	empty := ""
	doc := strings.TrimSpace(Substitute(node.OperandTerm, vars, Substitution{Fallback: &empty, Format: e.formatter}))
	path := gjsonPath(node.ComparisonTerm)
	result.TextComparison = node.ComparisonTerm

	if doc == "" || path == "" || !gjson.Valid(doc) {
		return result
	}
	found := gjson.Get(doc, path)
	if !found.Exists() {
		return result
	}
	result.TextValue = found.String()
	result.Matched = result.TextValue != ""
	return result
}

func (e *Evaluator) evaluateDuplicate(ctx context.Context, node *rules.Node, vars map[string]string, participantID string, result rules.EvaluationResult) rules.EvaluationResult {
	if e.duplicates == nil {
		return rules.Failed(node.ID, "duplicate lookup is not configured")
	}
	name := variables.Normalize(node.OperandTerm)
	if err := variables.ValidateName(name); err != nil {
		return rules.Failed(node.ID, "operand term: %v", err)
	}

	value := vars[name]
	result.TextValue = value
	result.TextComparison = name
	found, err := e.duplicates.HasDuplicate(ctx, participantID, name, value)
	if err != nil {
		return rules.Failed(node.ID, "duplicate lookup: %v", err)
	}
	result.Matched = found
	return result
}
