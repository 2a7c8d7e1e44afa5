// Package resolver walks rule forests for one participant and collects the
// side effects of every matching rule into a rules.Outcome.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/coachrules/evaluator"
	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/messages"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/variables"
)

var (
	// ErrAlreadyResolved is returned by a second Resolve on the same Resolver
	ErrAlreadyResolved = errors.New("resolver already ran")

	// ErrInvalidRun is returned when a Run lacks the context its case needs
	ErrInvalidRun = errors.New("invalid run")
)

const (
	DefaultIterationThreshold = 1000
	DefaultMaxDepth           = 64
)

// RuleEvaluator decides a single rule
type RuleEvaluator interface {
	Evaluate(ctx context.Context, node *rules.Node, vars map[string]string, participantID string) rules.EvaluationResult
}

// Recorder receives resolver activity, see internal/metrics
type Recorder interface {
	RuleEvaluated(sign rules.EquationSign, matched, failed bool)
	RunFinished(c rules.ExecutionCase, outcome *rules.Outcome, elapsed time.Duration)
	SideEffectDropped(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RuleEvaluated(rules.EquationSign, bool, bool)                   {}
func (nopRecorder) RunFinished(rules.ExecutionCase, *rules.Outcome, time.Duration) {}
func (nopRecorder) SideEffectDropped(string)                                       {}

// Run describes one trigger of the resolver
type Run struct {
	ParticipantID  string
	InterventionID string
	Case           rules.ExecutionCase

	// MonitoringRuleID and GotAnswer select the reply sub-tree of REPLY_RULES
	MonitoringRuleID string
	GotAnswer        bool

	// RelatedMessageID is the message a reply or timeout refers to
	RelatedMessageID string

	// DecisionPointID selects the rules of MICRO_DIALOG_DECISION_POINT
	DecisionPointID string
}

// Scope returns the rule forest the run walks
func (r Run) Scope() (rules.Scope, error) {
	if r.ParticipantID == "" {
		return rules.Scope{}, fmt.Errorf("%w: participant is required", ErrInvalidRun)
	}
	switch {
	case r.Case.IsMonitoring():
		if r.InterventionID == "" {
			return rules.Scope{}, fmt.Errorf("%w: %s needs an intervention", ErrInvalidRun, r.Case)
		}
		return rules.Scope{Case: r.Case, ID: r.InterventionID}, nil
	case r.Case == rules.CaseReplyRules:
		if r.MonitoringRuleID == "" {
			return rules.Scope{}, fmt.Errorf("%w: %s needs a monitoring rule", ErrInvalidRun, r.Case)
		}
		return rules.Scope{Case: r.Case, ID: r.MonitoringRuleID, GotAnswer: r.GotAnswer}, nil
	case r.Case == rules.CaseDecisionPoint:
		if r.DecisionPointID == "" {
			return rules.Scope{}, fmt.Errorf("%w: %s needs a decision point", ErrInvalidRun, r.Case)
		}
		return rules.Scope{Case: r.Case, ID: r.DecisionPointID}, nil
	}
	return rules.Scope{}, fmt.Errorf("%w: unknown execution case %q", ErrInvalidRun, r.Case)
}

// Resolver executes exactly one run against its collaborators
type Resolver struct {
	repo      rules.Repository
	vars      variables.Store
	selector  messages.Selector
	evaluator RuleEvaluator
	recorder  Recorder

	iterationThreshold int
	maxDepth           int
	now                func() time.Time

	resolved atomic.Bool
}

// Option configures a Resolver
type Option func(*Resolver)

// WithEvaluator replaces the default evaluator
func WithEvaluator(e RuleEvaluator) Option {
	return func(r *Resolver) { r.evaluator = e }
}

// WithIterationThreshold bounds the steps of one iterator rule
func WithIterationThreshold(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.iterationThreshold = n
		}
	}
}

// WithMaxDepth bounds the nesting depth of the walk
func WithMaxDepth(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithRecorder reports evaluations and runs to rec
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithClock sets the clock used to time runs
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a single-use resolver
func New(repo rules.Repository, vars variables.Store, selector messages.Selector, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		repo:               repo,
		vars:               vars,
		selector:           selector,
		recorder:           nopRecorder{},
		iterationThreshold: DefaultIterationThreshold,
		maxDepth:           DefaultMaxDepth,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.evaluator == nil {
		e, err := evaluator.New(evaluator.WithDuplicateChecker(vars))
		if err != nil {
			return nil, err
		}
		r.evaluator = e
	}
	return r, nil
}

// Resolve walks the forest selected by run and returns its outcome.
// Evaluation failures end the run with Outcome.Failure set and a nil error;
// repository and store read failures are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, run Run) (*rules.Outcome, error) {
	if !r.resolved.CompareAndSwap(false, true) {
		return nil, ErrAlreadyResolved
	}
	started := r.now()

	outcome, err := r.resolve(ctx, run)
	r.recorder.RunFinished(run.Case, outcome, r.now().Sub(started))
	return outcome, err
}

func (r *Resolver) resolve(ctx context.Context, run Run) (*rules.Outcome, error) {
	scope, err := run.Scope()
	if err != nil {
		return nil, err
	}
	snapshot, err := r.vars.Snapshot(ctx, run.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}

	w := &walk{
		Resolver:   r,
		run:        run,
		scope:      scope,
		snapshot:   snapshot,
		iterations: make(map[string]*iteration),
		outcome: &rules.Outcome{
			RunID:         uuid.NewString(),
			ParticipantID: run.ParticipantID,
			Case:          run.Case,
		},
	}

	roots, err := w.rootSet(ctx)
	if err != nil {
		return nil, err
	}
	if err := w.walk(ctx, roots); err != nil {
		return nil, err
	}

	w.resolveQueued(ctx)

	logger.Debug("Resolver run finished",
		"run_id", w.outcome.RunID,
		"participant_id", run.ParticipantID,
		"case", string(run.Case),
		"visited", len(w.outcome.Visited),
		"send_requests", len(w.outcome.SendRequests),
	)
	return w.outcome, nil
}
