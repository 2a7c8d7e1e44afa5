package evaluator

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/liamcoop/coachrules/rules"
)

// maxArgs bounds the arity of the variadic helper functions
const maxArgs = 16

const epsilon = 1e-9

// newCalcEnv builds the CEL environment of calculated terms. All numbers are
// doubles, so every helper is declared over double arguments only.
func newCalcEnv() (*cel.Env, error) {
	opts := []cel.EnvOption{
		variadic("first", 1, rank(1)),
		variadic("second", 1, rank(2)),
		variadic("third", 1, rank(3)),
		variadic("position", 2, position),
		variadic("min", 1, func(v []float64) ref.Val {
			m := v[0]
			for _, x := range v[1:] {
				m = math.Min(m, x)
			}
			return types.Double(m)
		}),
		variadic("max", 1, func(v []float64) ref.Val {
			m := v[0]
			for _, x := range v[1:] {
				m = math.Max(m, x)
			}
			return types.Double(m)
		}),
		unary("round", math.Round),
		unary("floor", math.Floor),
		unary("ceil", math.Ceil),
		unary("abs", math.Abs),
		unary("sqrt", math.Sqrt),
		binary("pow", math.Pow),
		binary("digit", digit),
		// mod by zero yields NaN, which calculate reports as a failure
		binary("mod", math.Mod),
		cel.Function("inrange",
			cel.Overload("inrange_double_double_double",
				[]*cel.Type{cel.DoubleType, cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					v, err := doubles(args)
					if err != nil {
						return types.NewErr("inrange: %v", err)
					}
					if v[1] <= v[0] && v[0] <= v[2] {
						return types.Double(1)
					}
					return types.Double(0)
				}),
			),
		),
	}
	return cel.NewEnv(opts...)
}

func unary(name string, fn func(float64) float64) cel.EnvOption {
	return cel.Function(name,
		cel.Overload(name+"_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				v, err := doubles([]ref.Val{arg})
				if err != nil {
					return types.NewErr("%s: %v", name, err)
				}
				return types.Double(fn(v[0]))
			}),
		),
	)
}

func binary(name string, fn func(a, b float64) float64) cel.EnvOption {
	return cel.Function(name,
		cel.Overload(name+"_double_double", []*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
			cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
				v, err := doubles([]ref.Val{lhs, rhs})
				if err != nil {
					return types.NewErr("%s: %v", name, err)
				}
				return types.Double(fn(v[0], v[1]))
			}),
		),
	)
}

// variadic declares one overload per arity from minArgs to maxArgs
func variadic(name string, minArgs int, fn func([]float64) ref.Val) cel.EnvOption {
	call := func(args ...ref.Val) ref.Val {
		v, err := doubles(args)
		if err != nil {
			return types.NewErr("%s: %v", name, err)
		}
		return fn(v)
	}

	overloads := make([]cel.FunctionOpt, 0, maxArgs-minArgs+1)
	for n := minArgs; n <= maxArgs; n++ {
		params := make([]*cel.Type, n)
		for i := range params {
			params[i] = cel.DoubleType
		}
		var binding cel.OverloadOpt
		switch n {
		case 1:
			binding = cel.UnaryBinding(func(arg ref.Val) ref.Val { return call(arg) })
		case 2:
			binding = cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return call(lhs, rhs) })
		default:
			binding = cel.FunctionBinding(call)
		}
		overloads = append(overloads,
			cel.Overload(fmt.Sprintf("%s_double_%d", name, n), params, cel.DoubleType, binding))
	}
	return cel.Function(name, overloads...)
}

func doubles(args []ref.Val) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case types.Double:
			out[i] = float64(v)
		case types.Int:
			out[i] = float64(v)
		case types.Uint:
			out[i] = float64(v)
		default:
			return nil, fmt.Errorf("argument %d is not a number", i+1)
		}
	}
	return out, nil
}

// rank returns the 1-based position of the k-th highest argument.
// Ties are broken by a shuffle seeded from the arguments themselves, so
// identical input always yields the same position.
func rank(k int) func([]float64) ref.Val {
	return func(vals []float64) ref.Val {
		if k > len(vals) {
			return types.Double(0)
		}
		order := seededOrder(vals)
		sort.SliceStable(order, func(i, j int) bool {
			return vals[order[i]] > vals[order[j]]
		})
		return types.Double(order[k-1] + 1)
	}
}

func seededOrder(vals []float64) []int {
	h := fnv.New64a()
	for _, v := range vals {
		h.Write([]byte(strconv.FormatFloat(v, 'g', -1, 64)))
		h.Write([]byte{0})
	}
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	order := make([]int, len(vals))
	for i := range order {
		order[i] = i
	}
	r.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}

// position(i, a, b, ...) returns the i-th of the remaining arguments, 0 when out of range
func position(vals []float64) ref.Val {
	i := int(vals[0])
	rest := vals[1:]
	if i < 1 || i > len(rest) {
		return types.Double(0)
	}
	return types.Double(rest[i-1])
}

// digit extracts the decimal digit at pos of n, pos 1 being the ones place
func digit(pos, n float64) float64 {
	p := int(pos)
	if p < 1 {
		return 0
	}
	v := int64(math.Abs(math.Trunc(n)))
	for ; p > 1; p-- {
		v /= 10
	}
	return float64(v % 10)
}

// normaliseNumbers turns integer literals into double literals so that
// mixed arithmetic type-checks under CEL's strict numeric typing
func normaliseNumbers(expr string) string {
	var b strings.Builder
	b.Grow(len(expr) + 8)

	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(expr) && expr[j] != c {
				if expr[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(expr) {
				j++
			}
			b.WriteString(expr[i:min(j, len(expr))])
			i = j
		case isLetter(c):
			j := i
			for j < len(expr) && (isLetter(expr[j]) || isDigit(expr[j])) {
				j++
			}
			b.WriteString(expr[i:j])
			i = j
		case isDigit(c) || (c == '.' && i+1 < len(expr) && isDigit(expr[i+1])):
			j := i
			for j < len(expr) && (isDigit(expr[j]) || expr[j] == '.') {
				j++
			}
			if j < len(expr) && (expr[j] == 'e' || expr[j] == 'E') {
				k := j + 1
				if k < len(expr) && (expr[k] == '+' || expr[k] == '-') {
					k++
				}
				if k < len(expr) && isDigit(expr[k]) {
					for k < len(expr) && isDigit(expr[k]) {
						k++
					}
					j = k
				}
			}
			lit := expr[i:j]
			switch {
			case strings.HasSuffix(lit, "."):
				lit += "0"
			case !strings.ContainsAny(lit, ".eE"):
				lit += ".0"
			}
			b.WriteString(lit)
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func isLetter(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// numericValue parenthesises a substituted value so signs cannot merge
// with surrounding operators; blank values count as zero
func numericValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "0"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return "(" + v + ")"
	}
	return v
}

// program compiles expr once and caches the result.
// Compiled programs are safe for concurrent use.
func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := e.env.Program(ast,
		cel.CostLimit(1000000),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	if len(e.programs) >= e.programLimit {
		e.programs = make(map[string]cel.Program)
	}
	e.programs[expr] = prog
	e.mu.Unlock()
	return prog, nil
}

// calculate substitutes and evaluates an arithmetic term.
// Unknown variables count as zero and an empty term is zero.
func (e *Evaluator) calculate(ctx context.Context, term string, vars map[string]string) (float64, error) {
	zero := "0"
	expr := strings.TrimSpace(Substitute(term, vars, Substitution{
		Fallback: &zero,
		Wrap:     numericValue,
		Format:   e.plainFormatter,
	}))
	if expr == "" {
		return 0, nil
	}

	prog, err := e.program(normaliseNumbers(expr))
	if err != nil {
		return 0, err
	}
	out, _, err := prog.ContextEval(ctx, map[string]any{})
	if err != nil {
		return 0, fmt.Errorf("evaluation error: %w", err)
	}

	switch v := out.Value().(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, fmt.Errorf("%q is not a number", term)
		}
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%q does not evaluate to a number", term)
	}
}

func (e *Evaluator) evaluateCalculated(ctx context.Context, node *rules.Node, vars map[string]string) rules.EvaluationResult {
	value, err := e.calculate(ctx, node.OperandTerm, vars)
	if err != nil {
		return rules.Failed(node.ID, "operand term: %v", err)
	}
	result := rules.EvaluationResult{
		RuleID:          node.ID,
		Success:         true,
		Calculated:      true,
		CalculatedValue: value,
	}

	switch node.EquationSign {
	case rules.CalculatedAlwaysTrue:
		result.Matched = true
		return result
	case rules.CalculatedAlwaysFalse:
		result.Matched = false
		return result
	}

	comparison, err := e.calculate(ctx, node.ComparisonTerm, vars)
	if err != nil {
		return rules.Failed(node.ID, "comparison term: %v", err)
	}
	result.CalculatedComparison = comparison

	equal := math.Abs(value-comparison) < epsilon
	switch node.EquationSign {
	case rules.CalculatedLess:
		result.Matched = value < comparison && !equal
	case rules.CalculatedLessOrEqual:
		result.Matched = value < comparison || equal
	case rules.CalculatedEqual:
		result.Matched = equal
	case rules.CalculatedNotEqual:
		result.Matched = !equal
	case rules.CalculatedGreaterOrEqual:
		result.Matched = value > comparison || equal
	case rules.CalculatedGreater:
		result.Matched = value > comparison && !equal
	}
	return result
}

func (e *Evaluator) evaluateIterator(ctx context.Context, node *rules.Node, vars map[string]string) rules.EvaluationResult {
	start, err := e.calculate(ctx, node.OperandTerm, vars)
	if err != nil {
		return rules.Failed(node.ID, "operand term: %v", err)
	}
	bound, err := e.calculate(ctx, node.ComparisonTerm, vars)
	if err != nil {
		return rules.Failed(node.ID, "comparison term: %v", err)
	}
	return rules.EvaluationResult{
		RuleID:               node.ID,
		Success:              true,
		Calculated:           true,
		Iterator:             true,
		CalculatedValue:      start,
		CalculatedComparison: bound,
	}
}
