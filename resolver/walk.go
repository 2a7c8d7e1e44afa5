package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/variables"
)

// frame is one level of the depth-first walk. When owner is set the frame
// holds the children of an iterator step, and popping it advances the loop.
type frame struct {
	nodes []*rules.Node
	next  int
	depth int
	owner *iteration
}

// iteration is the cached loop state of one iterator rule
type iteration struct {
	node       *rules.Node
	current    float64
	bound      float64
	step       float64
	executions int
	depth      int
}

func (it *iteration) finished() bool {
	if it.step > 0 {
		return it.current > it.bound
	}
	return it.current < it.bound
}

// walk is the per-run state of a Resolver
type walk struct {
	*Resolver
	run        Run
	scope      rules.Scope
	snapshot   map[string]string
	iterations map[string]*iteration
	outcome    *rules.Outcome
}

// rootSet returns the first level of the walk. Monitoring cases start at the
// children of the master rule of their case.
func (w *walk) rootSet(ctx context.Context) ([]*rules.Node, error) {
	roots, err := w.repo.RootRules(ctx, w.scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load root rules of %s: %w", w.scope, err)
	}
	if !w.run.Case.IsMonitoring() {
		return roots, nil
	}

	for _, n := range roots {
		if m, ok := n.Variant.(rules.Monitoring); ok && m.Master {
			children, err := w.repo.Children(ctx, n.ID, w.scope)
			if err != nil {
				return nil, fmt.Errorf("failed to load children of master rule %s: %w", n.ID, err)
			}
			return children, nil
		}
	}
	logger.Debug("No master rule for execution case",
		"case", string(w.run.Case), "intervention_id", w.run.InterventionID)
	return nil, nil
}

// walk visits the forest depth first with an explicit stack. It returns as
// soon as a stop latch is set or an evaluation fails.
func (w *walk) walk(ctx context.Context, roots []*rules.Node) error {
	stack := []*frame{{nodes: roots}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.next >= len(top.nodes) {
			stack = stack[:len(stack)-1]
			if top.owner == nil {
				continue
			}
			top.owner.current += top.owner.step
			child, stop, err := w.step(ctx, top.owner)
			if err != nil || stop {
				return err
			}
			if child != nil {
				stack = append(stack, child)
			}
			continue
		}

		node := top.nodes[top.next]
		top.next++

		child, stop, err := w.visit(ctx, node, top.depth)
		if err != nil || stop {
			return err
		}
		if child != nil {
			stack = append(stack, child)
		}
	}
	return nil
}

// visit evaluates one rule and returns the frame of its children when the
// walk descends into them
func (w *walk) visit(ctx context.Context, node *rules.Node, depth int) (*frame, bool, error) {
	if node.EquationSign.IsIterator() {
		return w.startIteration(ctx, node, depth)
	}

	result := w.evaluate(ctx, node)
	if !result.Success {
		return nil, w.abort(result), nil
	}

	if node.StoreResultToVariable != "" {
		if err := w.write(ctx, node, node.StoreResultToVariable, result.Value()); err != nil {
			return nil, false, err
		}
	}
	if err := w.applyWrites(ctx, node, result.VariableWrites); err != nil {
		return nil, false, err
	}

	if w.applyEffects(ctx, node, result.Matched) {
		return nil, true, nil
	}
	if !result.Matched {
		return nil, false, nil
	}

	child, err := w.children(ctx, node, depth, nil)
	return child, false, err
}

func (w *walk) startIteration(ctx context.Context, node *rules.Node, depth int) (*frame, bool, error) {
	if _, running := w.iterations[node.ID]; running {
		logger.IteratorAbort(node.ID, w.run.ParticipantID, "iterator re-entered by its own subtree")
		return nil, false, nil
	}

	result := w.evaluate(ctx, node)
	if !result.Success {
		return nil, w.abort(result), nil
	}

	it := &iteration{
		node:    node,
		current: result.CalculatedValue,
		bound:   result.CalculatedComparison,
		step:    1,
		depth:   depth,
	}
	if node.EquationSign == rules.IterateDescending {
		it.step = -1
	}
	if it.finished() {
		logger.IteratorAbort(node.ID, w.run.ParticipantID,
			fmt.Sprintf("start %s is beyond bound %s for %s",
				rules.FormatNumber(it.current), rules.FormatNumber(it.bound), node.EquationSign))
		return nil, false, nil
	}

	w.iterations[node.ID] = it
	return w.step(ctx, it)
}

// step runs one pass of an iterator: store the current value, apply the
// side effects and hand back the children frame owned by the iteration
func (w *walk) step(ctx context.Context, it *iteration) (*frame, bool, error) {
	if it.finished() {
		delete(w.iterations, it.node.ID)
		return nil, false, nil
	}
	if it.executions >= w.iterationThreshold {
		delete(w.iterations, it.node.ID)
		logger.IteratorAbort(it.node.ID, w.run.ParticipantID,
			fmt.Sprintf("iteration threshold %d reached", w.iterationThreshold))
		return nil, false, nil
	}

	if it.node.StoreResultToVariable != "" {
		if err := w.write(ctx, it.node, it.node.StoreResultToVariable, rules.FormatNumber(it.current)); err != nil {
			return nil, false, err
		}
	}
	if w.applyEffects(ctx, it.node, true) {
		return nil, true, nil
	}
	it.executions++

	child, err := w.children(ctx, it.node, it.depth, it)
	if err != nil {
		return nil, false, err
	}
	if child == nil {
		child = &frame{depth: it.depth + 1, owner: it}
	}
	return child, false, nil
}

// children loads the next level below node. Levels past the depth limit are
// skipped; an iterator still gets an empty frame so that its loop advances.
func (w *walk) children(ctx context.Context, node *rules.Node, depth int, owner *iteration) (*frame, error) {
	if depth+1 >= w.maxDepth {
		logger.Warn("Maximum rule depth reached, skipping children",
			"rule_id", node.ID, "participant_id", w.run.ParticipantID, "max_depth", w.maxDepth)
		return nil, nil
	}
	nodes, err := w.repo.Children(ctx, node.ID, w.scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load children of rule %s: %w", node.ID, err)
	}
	if len(nodes) == 0 && owner == nil {
		return nil, nil
	}
	return &frame{nodes: nodes, depth: depth + 1, owner: owner}, nil
}

func (w *walk) evaluate(ctx context.Context, node *rules.Node) rules.EvaluationResult {
	result := w.evaluator.Evaluate(ctx, node, w.snapshot, w.run.ParticipantID)
	if result.RuleID == "" {
		result.RuleID = node.ID
	}
	w.outcome.Visited = append(w.outcome.Visited, node.ID)
	w.recorder.RuleEvaluated(node.EquationSign, result.Matched, !result.Success)
	return result
}

// abort records an evaluation failure; effects queued so far are kept
func (w *walk) abort(result rules.EvaluationResult) bool {
	w.outcome.Failure = &result
	logger.AbortedRun(result.RuleID, w.run.ParticipantID, result.ErrorMessage)
	return true
}

// write persists a value and mirrors it into the run's snapshot. Rejected
// names are skipped; store failures end the run.
func (w *walk) write(ctx context.Context, node *rules.Node, name, value string) error {
	name = variables.Normalize(name)
	err := w.vars.Write(ctx, w.run.ParticipantID, name, value, false)
	switch {
	case err == nil:
		w.snapshot[name] = value
		return nil
	case errors.Is(err, variables.ErrWriteProtected), errors.Is(err, variables.ErrInvalidName):
		logger.SoftFail("Skipping variable write", node.ID, w.run.ParticipantID, err)
		return nil
	default:
		return fmt.Errorf("failed to write %s for rule %s: %w", name, node.ID, err)
	}
}

func (w *walk) applyWrites(ctx context.Context, node *rules.Node, writes map[string]string) error {
	if len(writes) == 0 {
		return nil
	}
	names := make([]string, 0, len(writes))
	for name := range writes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.write(ctx, node, name, writes[name]); err != nil {
			return err
		}
	}
	return nil
}
