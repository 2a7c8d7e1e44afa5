package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/coachrules/rules"
)

func newTestEvaluator(t *testing.T, opts ...Option) *Evaluator {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

func rule(sign rules.EquationSign, operand, comparison string) *rules.Node {
	return &rules.Node{
		ID:             "r1",
		EquationSign:   sign,
		OperandTerm:    operand,
		ComparisonTerm: comparison,
		Variant:        rules.MicroDialogRule{DecisionPointID: "dp"},
	}
}

func TestSubstitute(t *testing.T) {
	e := newTestEvaluator(t)
	vars := map[string]string{"$name": "Ann", "$count": "3.7"}

	assert.Equal(t, "Hello Ann, you have 4 points",
		e.Render("Hello $name, you have $count{%.0f} points", vars))
	assert.Equal(t, "Hi $unknown", e.Render("Hi $unknown", vars))
	assert.Equal(t, "no variables", e.Render("no variables", vars))

	fallback := "?"
	assert.Equal(t, "Hi ?", Substitute("Hi $unknown", vars, Substitution{Fallback: &fallback}))
}

func TestSubstituteDoesNotExpandValues(t *testing.T) {
	vars := map[string]string{"$a": "$b", "$b": "boom"}
	assert.Equal(t, "$b and boom", Substitute("$a and $b", vars, Substitution{}))
}

func TestSubstituteDateSpecs(t *testing.T) {
	e := newTestEvaluator(t, WithDateLayouts("02.01.2006", "15:04"))
	vars := map[string]string{"$start": "2024-03-10T08:15:00Z"}

	assert.Equal(t, "10.03.2024", e.Render("$start{#d}", vars))
	assert.Equal(t, "08:15", e.Render("$start{#t}", vars))
}

func TestEvaluateCalculated(t *testing.T) {
	e := newTestEvaluator(t)
	vars := map[string]string{"$a": "3", "$x": "2.6", "$neg": "-2", "$blank": ""}

	tests := []struct {
		name       string
		sign       rules.EquationSign
		operand    string
		comparison string
		wantValue  float64
		wantMatch  bool
	}{
		{"addition", rules.CalculatedEqual, "$a + 2", "5", 5, true},
		{"mixed literals", rules.CalculatedEqual, "$x * 10 / 2", "13", 13, true},
		{"negative value", rules.CalculatedEqual, "5 - $neg", "7", 7, true},
		{"missing variable is zero", rules.CalculatedEqual, "$missing + 1", "1", 1, true},
		{"blank value is zero", rules.CalculatedEqual, "$blank + 1", "1", 1, true},
		{"empty term is zero", rules.CalculatedEqual, "", "0", 0, true},
		{"less", rules.CalculatedLess, "1", "2", 1, true},
		{"less or equal", rules.CalculatedLessOrEqual, "2", "2", 2, true},
		{"greater", rules.CalculatedGreater, "2", "2", 2, false},
		{"greater or equal", rules.CalculatedGreaterOrEqual, "3", "2", 3, true},
		{"not equal", rules.CalculatedNotEqual, "3", "$a", 3, false},
		{"always true", rules.CalculatedAlwaysTrue, "$a", "", 3, true},
		{"always false", rules.CalculatedAlwaysFalse, "$a", "", 3, false},
		{"first", rules.CalculatedEqual, "first(3, 7, 5)", "2", 2, true},
		{"second", rules.CalculatedEqual, "second(3, 7, 5)", "3", 3, true},
		{"third", rules.CalculatedEqual, "third(3, 7, 5)", "1", 1, true},
		{"position", rules.CalculatedEqual, "position(2, 10, 20, 30)", "20", 20, true},
		{"position out of range", rules.CalculatedEqual, "position(4, 10, 20, 30)", "0", 0, true},
		{"digit ones", rules.CalculatedEqual, "digit(1, 345)", "5", 5, true},
		{"digit tens", rules.CalculatedEqual, "digit(2, 345)", "4", 4, true},
		{"inrange inside", rules.CalculatedEqual, "inrange($a, 1, 10)", "1", 1, true},
		{"inrange outside", rules.CalculatedEqual, "inrange(11, 1, 10)", "0", 0, true},
		{"round", rules.CalculatedEqual, "round($x)", "3", 3, true},
		{"floor", rules.CalculatedEqual, "floor($x)", "2", 2, true},
		{"min max", rules.CalculatedEqual, "max(1, $a, 2) - min(4, $x)", "0.4", 0.4, true},
		{"pow", rules.CalculatedEqual, "pow(2, 3)", "8", 8, true},
		{"modulo", rules.CalculatedEqual, "mod(7, 3)", "1", 1, true},
		{"modulo of doubles", rules.CalculatedEqual, "mod($x * 3, 2)", "1.8", 1.8, true},
		{"formatted operand", rules.CalculatedEqual, "$x{%.0f} * 2", "6", 6, true},
		{"boolean result", rules.CalculatedEqual, "$a > 2", "1", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Evaluate(context.Background(), rule(tt.sign, tt.operand, tt.comparison), vars, "p-1")
			require.True(t, result.Success, result.ErrorMessage)
			assert.True(t, result.Calculated)
			assert.InDelta(t, tt.wantValue, result.CalculatedValue, 1e-9)
			assert.Equal(t, tt.wantMatch, result.Matched)
		})
	}
}

func TestEvaluateCalculatedFailures(t *testing.T) {
	e := newTestEvaluator(t)
	vars := map[string]string{"$name": "Ann"}

	for _, term := range []string{"3 +", "unknown(1)", "$name * 2", "1 / ", "mod(1, 0)", "7 % 3"} {
		t.Run(term, func(t *testing.T) {
			result := e.Evaluate(context.Background(), rule(rules.CalculatedEqual, term, "1"), vars, "p-1")
			assert.False(t, result.Success)
			assert.NotEmpty(t, result.ErrorMessage)
			assert.Equal(t, "r1", result.RuleID)
		})
	}

	result := e.Evaluate(context.Background(), rule(rules.CalculatedEqual, "1", "2 *"), vars, "p-1")
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "comparison term")
}

// Every environment must compile and run terms, whatever order CEL
// registers the declarations in.
func TestFreshEvaluatorsCompileTerms(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := newTestEvaluator(t)
		for _, term := range []string{"1", "$a + 1", "first(3, 5, 1)"} {
			result := e.Evaluate(context.Background(), rule(rules.CalculatedLessOrEqual, term, "10"),
				map[string]string{"$a": "2"}, "p-1")
			require.True(t, result.Success, "run %d, term %q: %s", i, term, result.ErrorMessage)
			assert.True(t, result.Matched)
		}
	}
}

func TestFormattedTermsStayNumeric(t *testing.T) {
	e := newTestEvaluator(t)
	vars := map[string]string{"$big": "12345.6"}

	result := e.Evaluate(context.Background(), rule(rules.CalculatedEqual, "$big{%.0f} + 1", "12347"), vars, "p-1")
	require.True(t, result.Success, result.ErrorMessage)
	assert.True(t, result.Matched)
}

func TestRankTieBreakIsStable(t *testing.T) {
	e := newTestEvaluator(t)
	node := rule(rules.CalculatedAlwaysTrue, "first(5, 5, 5, 1)", "")

	first := e.Evaluate(context.Background(), node, nil, "p-1")
	require.True(t, first.Success, first.ErrorMessage)
	assert.Contains(t, []float64{1, 2, 3}, first.CalculatedValue)

	for i := 0; i < 10; i++ {
		again := e.Evaluate(context.Background(), node, nil, "p-1")
		assert.Equal(t, first.CalculatedValue, again.CalculatedValue)
	}
}

func TestNormaliseNumbers(t *testing.T) {
	assert.Equal(t, "1.0 + 2.5", normaliseNumbers("1 + 2.5"))
	assert.Equal(t, "digit(1.0, 345.0)", normaliseNumbers("digit(1, 345)"))
	assert.Equal(t, "x2 * 1e3", normaliseNumbers("x2 * 1e3"))
	assert.Equal(t, "5.0 + .5", normaliseNumbers("5. + .5"))
	assert.Equal(t, `"12" + 3.0`, normaliseNumbers(`"12" + 3`))
}

func TestEvaluateText(t *testing.T) {
	e := newTestEvaluator(t, WithRandom(func(n int) int { return n - 1 }))
	vars := map[string]string{
		"$reply":   "  Yes ",
		"$code":    "AB12",
		"$answer":  "Apple, banana",
		"$sel":     "a,b,,c",
		"$payload": `{"a":{"b":[{"c":"x"}]},"list":["p","q"]}`,
		"$count":   "3.7",
	}

	tests := []struct {
		name       string
		sign       rules.EquationSign
		operand    string
		comparison string
		wantValue  string
		wantMatch  bool
	}{
		{"equals ignores case and space", rules.TextEquals, "$reply", "yes", "Yes", true},
		{"not equals", rules.TextNotEquals, "$reply", "no", "Yes", true},
		{"formatted operand", rules.TextEquals, "$count{%.0f}", "4", "4", true},
		{"unformatted operand", rules.TextEquals, "$count", "4", "3.7", false},
		{"missing variable is empty", rules.TextEquals, "$missing", "", "", true},
		{"regex full match", rules.TextMatchesRegex, "$code", "[a-z]+[0-9]+", "AB12", true},
		{"regex anchored", rules.TextMatchesRegex, "$code", "[a-z]+", "AB12", false},
		{"regex not match", rules.TextNotMatchesRegex, "$code", "[0-9]+", "AB12", true},
		{"keys intersect", rules.TextMatchesKeys, "$answer", "BANANA,cherry", "Apple, banana", true},
		{"keys disjoint", rules.TextMatchesKeys, "$answer", "cherry", "Apple, banana", false},
		{"not matches keys", rules.TextNotMatchesKeys, "$answer", "cherry", "Apple, banana", true},
		{"select at position", rules.TextSelectManyAtPosition, "$sel", "2", "b", true},
		{"select past end", rules.TextSelectManyAtPosition, "$sel", "4", "", false},
		{"select random", rules.TextSelectManyRandomPosition, "$sel", "", "c", true},
		{"select random empty", rules.TextSelectManyRandomPosition, "$missing", "", "", false},
		{"json path", rules.TextJSONPath, "$payload", "$.a.b[0].c", "x", true},
		{"json path index", rules.TextJSONPath, "$payload", "$.list[1]", "q", true},
		{"json path missing", rules.TextJSONPath, "$payload", "$.a.z", "", false},
		{"json invalid document", rules.TextJSONPath, "$reply", "$.a", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Evaluate(context.Background(), rule(tt.sign, tt.operand, tt.comparison), vars, "p-1")
			require.True(t, result.Success, result.ErrorMessage)
			assert.True(t, result.Text)
			assert.Equal(t, tt.wantValue, result.TextValue)
			assert.Equal(t, tt.wantMatch, result.Matched)
		})
	}
}

func TestSelectManyCount(t *testing.T) {
	e := newTestEvaluator(t)
	result := e.Evaluate(context.Background(), rule(rules.SelectManyCount, "$sel", ""), map[string]string{"$sel": "a, b,c"}, "p-1")
	require.True(t, result.Success)
	assert.True(t, result.Calculated)
	assert.False(t, result.Text)
	assert.Equal(t, float64(3), result.CalculatedValue)
	assert.True(t, result.Matched)
	assert.Equal(t, "3", result.Value())
}

func TestInvalidRegexFails(t *testing.T) {
	e := newTestEvaluator(t)
	result := e.Evaluate(context.Background(), rule(rules.TextMatchesRegex, "abc", "[a-"), nil, "p-1")
	assert.False(t, result.Success)
}

type fakeDuplicates struct {
	found bool
	err   error
	calls []string
}

func (f *fakeDuplicates) HasDuplicate(_ context.Context, participantID, name, value string) (bool, error) {
	f.calls = append(f.calls, participantID+"|"+name+"|"+value)
	return f.found, f.err
}

func TestDuplicateAcrossInterventions(t *testing.T) {
	vars := map[string]string{"$code": "X1"}

	dup := &fakeDuplicates{found: true}
	e := newTestEvaluator(t, WithDuplicateChecker(dup))
	result := e.Evaluate(context.Background(), rule(rules.DuplicateAcrossInterventions, "code", ""), vars, "p-1")
	require.True(t, result.Success, result.ErrorMessage)
	assert.True(t, result.Matched)
	assert.Equal(t, []string{"p-1|$code|X1"}, dup.calls)

	failing := newTestEvaluator(t, WithDuplicateChecker(&fakeDuplicates{err: errors.New("db down")}))
	result = failing.Evaluate(context.Background(), rule(rules.DuplicateAcrossInterventions, "$code", ""), vars, "p-1")
	assert.False(t, result.Success)

	unconfigured := newTestEvaluator(t)
	result = unconfigured.Evaluate(context.Background(), rule(rules.DuplicateAcrossInterventions, "$code", ""), vars, "p-1")
	assert.False(t, result.Success)
}

func TestEvaluateDate(t *testing.T) {
	now := time.Date(2024, 3, 15, 22, 30, 0, 0, time.UTC)
	e := newTestEvaluator(t, WithClock(func() time.Time { return now }))

	tests := []struct {
		name       string
		sign       rules.EquationSign
		operand    string
		comparison string
		wantValue  float64
		wantMatch  bool
	}{
		{"days until now", rules.DateDiffDaysAlwaysTrue, "2024-03-10", "", 5, true},
		{"days zero", rules.DateDiffDaysEquals, "2024-03-15T01:00:00Z", "", 0, true},
		{"days nonzero", rules.DateDiffDaysEquals, "2024-03-14", "", 1, false},
		{"dotted layout", rules.DateDiffDaysAlwaysTrue, "10.03.2024", "15.03.2024", 5, true},
		{"negative", rules.DateDiffDaysAlwaysTrue, "2024-03-20", "2024-03-15", -5, true},
		{"months partial", rules.DateDiffMonthsAlwaysTrue, "2024-01-20", "", 1, true},
		{"months whole", rules.DateDiffMonthsEquals, "2024-03-01", "", 0, true},
		{"years", rules.DateDiffYearsAlwaysTrue, "2000-03-16", "", 23, true},
		{"unix millis", rules.DateDiffDaysAlwaysTrue, "1709856000000", "2024-03-10", 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Evaluate(context.Background(), rule(tt.sign, tt.operand, tt.comparison), nil, "p-1")
			require.True(t, result.Success, result.ErrorMessage)
			assert.Equal(t, tt.wantValue, result.CalculatedValue)
			assert.Equal(t, tt.wantMatch, result.Matched)
		})
	}

	result := e.Evaluate(context.Background(), rule(rules.DateDiffDaysEquals, "someday", ""), nil, "p-1")
	assert.False(t, result.Success)
}

func TestDateDiffLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	// 23:30 UTC is already the next day in loc
	now := time.Date(2024, 3, 15, 23, 30, 0, 0, time.UTC)
	e := newTestEvaluator(t, WithLocation(loc), WithClock(func() time.Time { return now }))

	result := e.Evaluate(context.Background(), rule(rules.DateDiffDaysAlwaysTrue, "2024-03-15", ""), nil, "p-1")
	require.True(t, result.Success, result.ErrorMessage)
	assert.Equal(t, float64(1), result.CalculatedValue)
}

func TestEvaluateScript(t *testing.T) {
	e := newTestEvaluator(t)
	vars := map[string]string{"$points": "4", "$name": "Ann"}

	result := e.Evaluate(context.Background(), rule(rules.Script,
		`return { points = vars.points + 1, greeting = "hi " .. vars.name, done = true }`, ""), vars, "p-1")
	require.True(t, result.Success, result.ErrorMessage)
	assert.True(t, result.Matched)
	assert.Equal(t, map[string]string{
		"$points":   "5",
		"$greeting": "hi Ann",
		"$done":     "true",
	}, result.VariableWrites)
	assert.Equal(t, "3", result.Value(), "a script stores its write count")
	assert.Equal(t, "4", vars["$points"], "snapshot is not modified")

	empty := e.Evaluate(context.Background(), rule(rules.Script, `local x = 1`, ""), vars, "p-1")
	require.True(t, empty.Success, empty.ErrorMessage)
	assert.True(t, empty.Matched)
	assert.Empty(t, empty.VariableWrites)
	assert.Equal(t, "0", empty.Value())
}

func TestEvaluateScriptFailures(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax error", `return {`},
		{"runtime error", `error("nope")`},
		{"non table result", `return 5`},
		{"no io library", `return { x = io.read() }`},
	}
	e := newTestEvaluator(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Evaluate(context.Background(), rule(rules.Script, tt.src, ""), nil, "p-1")
			assert.False(t, result.Success)
		})
	}
}

func TestEvaluateScriptBudget(t *testing.T) {
	e := newTestEvaluator(t, WithScriptInstructionLimit(10_000))
	result := e.Evaluate(context.Background(), rule(rules.Script, `while true do end`, ""), nil, "p-1")
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "budget")
}

func TestEvaluateScriptDeadline(t *testing.T) {
	e := newTestEvaluator(t, WithScriptInstructionLimit(0))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := e.Evaluate(ctx, rule(rules.Script, `while true do end`, ""), nil, "p-1")
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "deadline")
}

func TestEvaluateIterator(t *testing.T) {
	e := newTestEvaluator(t)
	result := e.Evaluate(context.Background(), rule(rules.IterateAscending, "$from", "$from + 4"), map[string]string{"$from": "1"}, "p-1")
	require.True(t, result.Success, result.ErrorMessage)
	assert.True(t, result.Iterator)
	assert.False(t, result.Matched)
	assert.Equal(t, float64(1), result.CalculatedValue)
	assert.Equal(t, float64(5), result.CalculatedComparison)
}

func TestGjsonPath(t *testing.T) {
	assert.Equal(t, "a.b.0.c", gjsonPath("$.a.b[0].c"))
	assert.Equal(t, "a.key", gjsonPath(`$.a["key"]`))
	assert.Equal(t, "a", gjsonPath("a"))
}
