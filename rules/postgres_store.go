package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

const nodeColumns = `id, parent_id, variant, scope_id, got_answer, case_type, is_master,
	sort_order, equation_sign, operand_term, comparison_term, store_result_to_variable, comment,
	hour_to_send, answer_timeout_minutes, send_message_if_true, message_group_id,
	activate_micro_dialog_if_true, micro_dialog_id, stop_intervention_when_true,
	mark_case_as_solved_when_true, leave_decision_point_when_true, stop_micro_dialog_when_true,
	next_micro_dialog_when_true, next_micro_dialog_message_when_true, next_micro_dialog_message_when_false`

// PostgresRepository implements Store backed by the rule_nodes table
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgreSQL-backed rule store
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// nodeRow is the flat persisted shape of a node: every variant field has a column
type nodeRow struct {
	ID, ParentID, Variant, ScopeID string
	GotAnswer                      bool
	CaseType                       string
	IsMaster                       bool
	Order                          int
	EquationSign                   string
	OperandTerm, ComparisonTerm    string
	StoreResultToVariable, Comment string
	HourToSend, AnswerTimeout      int
	SendMessage                    bool
	MessageGroupID                 string
	ActivateMicroDialog            bool
	MicroDialogID                  string
	StopIntervention, MarkSolved   bool
	LeaveDecisionPoint, StopDialog bool
	NextDialog                     string
	NextMessageTrue, NextMsgFalse  string
}

func (r *nodeRow) scanTargets() []any {
	return []any{
		&r.ID, &r.ParentID, &r.Variant, &r.ScopeID, &r.GotAnswer, &r.CaseType, &r.IsMaster,
		&r.Order, &r.EquationSign, &r.OperandTerm, &r.ComparisonTerm, &r.StoreResultToVariable, &r.Comment,
		&r.HourToSend, &r.AnswerTimeout, &r.SendMessage, &r.MessageGroupID,
		&r.ActivateMicroDialog, &r.MicroDialogID, &r.StopIntervention,
		&r.MarkSolved, &r.LeaveDecisionPoint, &r.StopDialog,
		&r.NextDialog, &r.NextMessageTrue, &r.NextMsgFalse,
	}
}

func (r *nodeRow) values() []any {
	return []any{
		r.ID, r.ParentID, r.Variant, r.ScopeID, r.GotAnswer, r.CaseType, r.IsMaster,
		r.Order, r.EquationSign, r.OperandTerm, r.ComparisonTerm, r.StoreResultToVariable, r.Comment,
		r.HourToSend, r.AnswerTimeout, r.SendMessage, r.MessageGroupID,
		r.ActivateMicroDialog, r.MicroDialogID, r.StopIntervention,
		r.MarkSolved, r.LeaveDecisionPoint, r.StopDialog,
		r.NextDialog, r.NextMessageTrue, r.NextMsgFalse,
	}
}

func toRow(n *Node) nodeRow {
	row := nodeRow{
		ID:                    n.ID,
		ParentID:              n.ParentID,
		Variant:               VariantName(n.Variant),
		Order:                 n.Order,
		EquationSign:          string(n.EquationSign),
		OperandTerm:           n.OperandTerm,
		ComparisonTerm:        n.ComparisonTerm,
		StoreResultToVariable: n.StoreResultToVariable,
		Comment:               n.Comment,
	}
	switch v := n.Variant.(type) {
	case Monitoring:
		row.ScopeID = v.InterventionID
		row.CaseType = string(v.Case)
		row.IsMaster = v.Master
		row.HourToSend = v.HourToSend
		row.AnswerTimeout = v.AnswerTimeoutMinutes
		row.SendMessage = v.SendMessageIfTrue
		row.MessageGroupID = v.MessageGroupID
		row.ActivateMicroDialog = v.ActivateMicroDialogIfTrue
		row.MicroDialogID = v.MicroDialogID
		row.StopIntervention = v.StopInterventionWhenTrue
		row.MarkSolved = v.MarkCaseAsSolvedWhenTrue
	case MonitoringReply:
		row.ScopeID = v.MonitoringRuleID
		row.GotAnswer = v.GotAnswer
		row.AnswerTimeout = v.AnswerTimeoutMinutes
		row.SendMessage = v.SendMessageIfTrue
		row.MessageGroupID = v.MessageGroupID
		row.ActivateMicroDialog = v.ActivateMicroDialogIfTrue
		row.MicroDialogID = v.MicroDialogID
	case MicroDialogRule:
		row.ScopeID = v.DecisionPointID
		row.LeaveDecisionPoint = v.LeaveDecisionPointWhenTrue
		row.StopDialog = v.StopMicroDialogWhenTrue
		row.NextDialog = v.NextMicroDialogWhenTrue
		row.NextMessageTrue = v.NextMicroDialogMessageWhenTrue
		row.NextMsgFalse = v.NextMicroDialogMessageWhenFalse
	}
	return row
}

func (r *nodeRow) node() (*Node, error) {
	n := &Node{
		ID:                    r.ID,
		ParentID:              r.ParentID,
		Order:                 r.Order,
		EquationSign:          EquationSign(r.EquationSign),
		OperandTerm:           r.OperandTerm,
		ComparisonTerm:        r.ComparisonTerm,
		StoreResultToVariable: r.StoreResultToVariable,
		Comment:               r.Comment,
	}
	switch r.Variant {
	case "monitoring":
		n.Variant = Monitoring{
			InterventionID:            r.ScopeID,
			Case:                      ExecutionCase(r.CaseType),
			Master:                    r.IsMaster,
			HourToSend:                r.HourToSend,
			AnswerTimeoutMinutes:      r.AnswerTimeout,
			SendMessageIfTrue:         r.SendMessage,
			MessageGroupID:            r.MessageGroupID,
			ActivateMicroDialogIfTrue: r.ActivateMicroDialog,
			MicroDialogID:             r.MicroDialogID,
			StopInterventionWhenTrue:  r.StopIntervention,
			MarkCaseAsSolvedWhenTrue:  r.MarkSolved,
		}
	case "monitoring_reply":
		n.Variant = MonitoringReply{
			MonitoringRuleID:          r.ScopeID,
			GotAnswer:                 r.GotAnswer,
			AnswerTimeoutMinutes:      r.AnswerTimeout,
			SendMessageIfTrue:         r.SendMessage,
			MessageGroupID:            r.MessageGroupID,
			ActivateMicroDialogIfTrue: r.ActivateMicroDialog,
			MicroDialogID:             r.MicroDialogID,
		}
	case "micro_dialog":
		n.Variant = MicroDialogRule{
			DecisionPointID:                 r.ScopeID,
			LeaveDecisionPointWhenTrue:      r.LeaveDecisionPoint,
			StopMicroDialogWhenTrue:         r.StopDialog,
			NextMicroDialogWhenTrue:         r.NextDialog,
			NextMicroDialogMessageWhenTrue:  r.NextMessageTrue,
			NextMicroDialogMessageWhenFalse: r.NextMsgFalse,
		}
	default:
		return nil, fmt.Errorf("rule %s has unknown variant %q", r.ID, r.Variant)
	}
	return n, nil
}

// Add inserts a new rule node
func (s *PostgresRepository) Add(ctx context.Context, node *Node) error {
	if err := Validate(node); err != nil {
		return err
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rule_nodes WHERE id = $1)`, node.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", node.ID)
	}

	row := toRow(node)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`, row.values()...)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a node by id
func (s *PostgresRepository) Get(ctx context.Context, id string) (*Node, error) {
	var row nodeRow
	err := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM rule_nodes WHERE id = $1`, id).
		Scan(row.scanTargets()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return row.node()
}

// Update rewrites every column of an existing node
func (s *PostgresRepository) Update(ctx context.Context, node *Node) error {
	if err := Validate(node); err != nil {
		return err
	}

	row := toRow(node)
	result, err := s.db.ExecContext(ctx, `
		UPDATE rule_nodes SET
			parent_id = $2, variant = $3, scope_id = $4, got_answer = $5, case_type = $6, is_master = $7,
			sort_order = $8, equation_sign = $9, operand_term = $10, comparison_term = $11,
			store_result_to_variable = $12, comment = $13, hour_to_send = $14, answer_timeout_minutes = $15,
			send_message_if_true = $16, message_group_id = $17, activate_micro_dialog_if_true = $18,
			micro_dialog_id = $19, stop_intervention_when_true = $20, mark_case_as_solved_when_true = $21,
			leave_decision_point_when_true = $22, stop_micro_dialog_when_true = $23,
			next_micro_dialog_when_true = $24, next_micro_dialog_message_when_true = $25,
			next_micro_dialog_message_when_false = $26
		WHERE id = $1
	`, row.values()...)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireAffected(result, node.ID)
}

// Delete removes a node
func (s *PostgresRepository) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rule_nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireAffected(result, id)
}

// RootRules returns the parentless nodes of the scope
func (s *PostgresRepository) RootRules(ctx context.Context, scope Scope) ([]*Node, error) {
	variant, caseType, err := scopeFilter(scope)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, `
		SELECT `+nodeColumns+` FROM rule_nodes
		WHERE variant = $1 AND scope_id = $2 AND got_answer = $3 AND parent_id = ''
			AND ($4::text = '' OR case_type = $4::text)
		ORDER BY sort_order ASC, id ASC
	`, variant, scope.ID, scope.GotAnswer, caseType)
}

// Children returns the nodes of the scope whose parent is parentID
func (s *PostgresRepository) Children(ctx context.Context, parentID string, scope Scope) ([]*Node, error) {
	variant, _, err := scopeFilter(scope)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, `
		SELECT `+nodeColumns+` FROM rule_nodes
		WHERE variant = $1 AND scope_id = $2 AND got_answer = $3 AND parent_id = $4
		ORDER BY sort_order ASC, id ASC
	`, variant, scope.ID, scope.GotAnswer, parentID)
}

func (s *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var row nodeRow
		if err := rows.Scan(row.scanTargets()...); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		n, err := row.node()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return nodes, nil
}

func scopeFilter(scope Scope) (variant string, caseType string, err error) {
	switch {
	case scope.Case.IsMonitoring():
		return "monitoring", string(scope.Case), nil
	case scope.Case == CaseReplyRules:
		return "monitoring_reply", "", nil
	case scope.Case == CaseDecisionPoint:
		return "micro_dialog", "", nil
	}
	return "", "", fmt.Errorf("unknown execution case %q", scope.Case)
}

func requireAffected(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}
