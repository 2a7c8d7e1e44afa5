package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/liamcoop/coachrules/rules"
)

// ErrScriptBudget is reported when a script exceeds its instruction budget
var ErrScriptBudget = errors.New("script exceeded instruction budget")

// hookInterval is the number of VM instructions between budget checks
const hookInterval = 1000

var sandboxLibs = []struct {
	name string
	open lua.Function
}{
	{"_G", lua.BaseOpen},
	{"string", lua.StringOpen},
	{"table", lua.TableOpen},
	{"math", lua.MathOpen},
}

// newSandbox opens the pure libraries only; no io, os or package access
func newSandbox() *lua.State {
	l := lua.NewState()
	for _, lib := range sandboxLibs {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, unsafe := range []string{"dofile", "loadfile", "load", "require"} {
		l.PushNil()
		l.SetGlobal(unsafe)
	}
	return l
}

// runScript executes src with the participant's variables in the global
// table `vars` and returns the variable writes of the returned table
func runScript(ctx context.Context, src string, vars map[string]string, maxInstructions int) (writes map[string]string, err error) {
	l := newSandbox()

	l.NewTable()
	for name, value := range vars {
		if n, perr := strconv.ParseFloat(value, 64); perr == nil {
			l.PushNumber(n)
		} else {
			l.PushString(value)
		}
		l.SetField(-2, strings.TrimPrefix(name, "$"))
	}
	l.SetGlobal("vars")

	executed := 0
	lua.SetDebugHook(l, func(state *lua.State, _ lua.Debug) {
		executed += hookInterval
		if ctx.Err() != nil {
			lua.Errorf(state, "script interrupted: %s", ctx.Err().Error())
		}
		if maxInstructions > 0 && executed > maxInstructions {
			lua.Errorf(state, "%s", ErrScriptBudget.Error())
		}
	}, lua.MaskCount, hookInterval)

	if err := lua.LoadString(l, src); err != nil {
		return nil, fmt.Errorf("script does not compile: %w", err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("script failed: %w", err)
	}
	defer l.Pop(1)

	switch l.TypeOf(-1) {
	case lua.TypeNil, lua.TypeNone:
		return map[string]string{}, nil
	case lua.TypeTable:
	default:
		return nil, fmt.Errorf("script returned %s, want a table", lua.TypeNameOf(l, -1))
	}

	writes = make(map[string]string)
	l.PushNil()
	for l.Next(-2) {
		if l.TypeOf(-2) == lua.TypeString {
			key, _ := l.ToString(-2)
			if value, ok := luaValue(l, -1); ok {
				writes["$"+strings.TrimPrefix(key, "$")] = value
			}
		}
		l.Pop(1)
	}
	return writes, nil
}

func luaValue(l *lua.State, index int) (string, bool) {
	switch l.TypeOf(index) {
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return rules.FormatNumber(n), true
	case lua.TypeBoolean:
		return strconv.FormatBool(l.ToBoolean(index)), true
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, true
	default:
		return "", false
	}
}

func (e *Evaluator) evaluateScript(ctx context.Context, node *rules.Node, vars map[string]string) rules.EvaluationResult {
	writes, err := runScript(ctx, node.OperandTerm, vars, e.scriptInstructions)
	if err != nil {
		return rules.Failed(node.ID, "%v", err)
	}
	// the stored result of a script rule is the number of entries it returned
	return rules.EvaluationResult{
		RuleID:          node.ID,
		Success:         true,
		Calculated:      true,
		CalculatedValue: float64(len(writes)),
		Matched:         true,
		VariableWrites:  writes,
	}
}
