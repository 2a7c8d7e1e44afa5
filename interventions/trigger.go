package interventions

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/liamcoop/coachrules/delivery"
	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/resolver"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/variables"
)

// Result is what one trigger produced
type Result struct {
	Outcome    *rules.Outcome
	Deliveries []delivery.Delivery
}

// Trigger resolves run for its participant under the participant lock,
// personalises the selected messages and hands them to the dispatcher
func (m *Manager) Trigger(ctx context.Context, run resolver.Run) (*Result, error) {
	engine, err := m.Get(run.InterventionID)
	if err != nil {
		return nil, err
	}

	unlock, err := m.lock(ctx, run.ParticipantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	runCtx := ctx
	if m.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.config.RunTimeout)
		defer cancel()
	}

	opts := []resolver.Option{
		resolver.WithEvaluator(engine.Evaluator),
		resolver.WithIterationThreshold(m.config.IterationThreshold),
		resolver.WithMaxDepth(m.config.MaxDepth),
	}
	if m.recorder != nil {
		opts = append(opts, resolver.WithRecorder(m.recorder))
	}
	r, err := resolver.New(engine.Repository, m.vars, engine.Selector, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	outcome, err := r.Resolve(runCtx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s for participant %s: %w", run.Case, run.ParticipantID, err)
	}

	deliveries, err := m.personalise(ctx, engine, outcome)
	if err != nil {
		return nil, err
	}
	if m.dispatcher != nil && len(deliveries) > 0 {
		if err := m.dispatcher.Dispatch(context.WithoutCancel(ctx), deliveries...); err != nil {
			return nil, fmt.Errorf("failed to dispatch messages: %w", err)
		}
	}

	logger.Info("Trigger finished",
		"run_id", outcome.RunID,
		"participant_id", run.ParticipantID,
		"intervention_id", run.InterventionID,
		"case", string(run.Case),
		"messages", len(deliveries),
		"aborted", outcome.Aborted(),
	)
	return &Result{Outcome: outcome, Deliveries: deliveries}, nil
}

// WriteVariables stores participant values in name order under the
// participant lock. The first failing write stops the batch.
func (m *Manager) WriteVariables(ctx context.Context, participantID string, values map[string]string, override bool) error {
	unlock, err := m.lock(ctx, participantID)
	if err != nil {
		return err
	}
	defer unlock()

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.vars.Write(ctx, participantID, variables.Normalize(name), values[name], override); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) lock(ctx context.Context, participantID string) (func(), error) {
	unlock, err := m.locker.Lock(ctx, participantID, m.config.LockTTL)
	if err != nil {
		if errors.Is(err, variables.ErrLockAcquire) {
			logger.LockContentions.Add(1)
		}
		return nil, fmt.Errorf("participant %s: %w", participantID, err)
	}
	return func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release participant lock", "participant_id", participantID, "error", err)
		}
	}, nil
}

// personalise renders message texts against the variables as they stand
// after the run
func (m *Manager) personalise(ctx context.Context, engine *Engine, outcome *rules.Outcome) ([]delivery.Delivery, error) {
	if len(outcome.Messages) == 0 {
		return nil, nil
	}
	snapshot, err := m.vars.Snapshot(ctx, outcome.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}

	out := make([]delivery.Delivery, 0, len(outcome.Messages))
	for _, sent := range outcome.Messages {
		out = append(out, delivery.Delivery{
			ID:                   sent.Request.ID,
			RunID:                outcome.RunID,
			ParticipantID:        outcome.ParticipantID,
			RuleID:               sent.Request.RuleID,
			Message:              sent.Message,
			Text:                 engine.Evaluator.Render(sent.Message.Text, snapshot),
			HourToSend:           sent.Request.HourToSend,
			AnswerTimeoutMinutes: sent.Request.AnswerTimeoutMinutes,
			Status:               delivery.StatusPrepared,
		})
	}
	return out, nil
}

// Preview evaluates a single rule against a participant's current variables
// without persisting anything
func (m *Manager) Preview(ctx context.Context, interventionID, participantID string, node *rules.Node) (rules.EvaluationResult, error) {
	engine, err := m.Get(interventionID)
	if err != nil {
		return rules.EvaluationResult{}, err
	}
	if node.EquationSign.Family() == rules.FamilyUnknown {
		return rules.EvaluationResult{}, fmt.Errorf("unknown equation sign %q", node.EquationSign)
	}
	snapshot, err := m.vars.Snapshot(ctx, participantID)
	if err != nil {
		return rules.EvaluationResult{}, fmt.Errorf("failed to load variables: %w", err)
	}

	if m.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.RunTimeout)
		defer cancel()
	}
	return engine.Evaluator.Evaluate(ctx, node, snapshot, participantID), nil
}
