// Package evaluator decides single rules: it substitutes participant
// variables into the rule's terms and applies the rule's equation sign.
package evaluator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/language"

	"github.com/liamcoop/coachrules/rules"
)

// DuplicateChecker answers cross-intervention duplicate lookups
type DuplicateChecker interface {
	HasDuplicate(ctx context.Context, participantID, name, value string) (bool, error)
}

// Evaluator evaluates rule nodes against variable snapshots.
// It is safe for concurrent use; compiled terms are cached per expression.
type Evaluator struct {
	env          *cel.Env
	programs     map[string]cel.Program
	programLimit int
	mu           sync.RWMutex

	duplicates     DuplicateChecker
	formatter      *Formatter
	plainFormatter *Formatter
	location       *time.Location
	now            func() time.Time
	intn           func(n int) int

	scriptInstructions int
}

// Option configures an Evaluator
type Option func(*config)

type config struct {
	duplicates         DuplicateChecker
	location           *time.Location
	now                func() time.Time
	intn               func(int) int
	locale             language.Tag
	dateLayout         string
	timeLayout         string
	scriptInstructions int
	programLimit       int
}

// WithDuplicateChecker enables DUPLICATE_ACROSS_INTERVENTIONS rules
func WithDuplicateChecker(d DuplicateChecker) Option {
	return func(c *config) { c.duplicates = d }
}

// WithLocation sets the zone date rules normalise to
func WithLocation(loc *time.Location) Option {
	return func(c *config) {
		if loc != nil {
			c.location = loc
		}
	}
}

// WithClock sets the source of "now" for date rules with an empty comparison
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRandom sets the source used by random select-many extraction
func WithRandom(intn func(n int) int) Option {
	return func(c *config) {
		if intn != nil {
			c.intn = intn
		}
	}
}

// WithLocale sets the language of `{spec}` number formatting
func WithLocale(tag language.Tag) Option {
	return func(c *config) { c.locale = tag }
}

// WithDateLayouts sets the layouts of the `#d` and `#t` format specs
func WithDateLayouts(date, clock string) Option {
	return func(c *config) {
		if date != "" {
			c.dateLayout = date
		}
		if clock != "" {
			c.timeLayout = clock
		}
	}
}

// WithScriptInstructionLimit bounds the VM instructions of a script rule; 0 disables the bound
func WithScriptInstructionLimit(n int) Option {
	return func(c *config) { c.scriptInstructions = n }
}

// New creates an evaluator
func New(opts ...Option) (*Evaluator, error) {
	cfg := config{
		location:           time.UTC,
		now:                time.Now,
		intn:               rand.IntN,
		locale:             language.English,
		dateLayout:         "02.01.2006",
		timeLayout:         "15:04",
		scriptInstructions: 1_000_000,
		programLimit:       4096,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	env, err := newCalcEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	formatter := NewFormatter(cfg.locale, cfg.dateLayout, cfg.timeLayout, cfg.location)
	return &Evaluator{
		env:                env,
		programs:           make(map[string]cel.Program),
		programLimit:       cfg.programLimit,
		duplicates:         cfg.duplicates,
		formatter:          formatter,
		plainFormatter:     formatter.Plain(),
		location:           cfg.location,
		now:                cfg.now,
		intn:               cfg.intn,
		scriptInstructions: cfg.scriptInstructions,
	}, nil
}

// Evaluate decides one rule. vars is never modified; script rules report
// their writes in VariableWrites. Malformed terms give Success=false.
func (e *Evaluator) Evaluate(ctx context.Context, node *rules.Node, vars map[string]string, participantID string) rules.EvaluationResult {
	var result rules.EvaluationResult
	switch node.EquationSign.Family() {
	case rules.FamilyCalculated:
		result = e.evaluateCalculated(ctx, node, vars)
	case rules.FamilyText:
		result = e.evaluateText(ctx, node, vars, participantID)
	case rules.FamilyDate:
		result = e.evaluateDate(node, vars)
	case rules.FamilyScript:
		result = e.evaluateScript(ctx, node, vars)
	case rules.FamilyIterator:
		result = e.evaluateIterator(ctx, node, vars)
	default:
		result = rules.Failed(node.ID, "unknown equation sign %q", node.EquationSign)
	}
	result.RuleID = node.ID
	return result
}

// Render personalises message text: unknown variables stay literal and
// `{spec}` modifiers are applied
func (e *Evaluator) Render(text string, vars map[string]string) string {
	return Substitute(text, vars, Substitution{Format: e.formatter})
}
