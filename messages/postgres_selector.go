package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/coachrules/rules"
)

// PostgresSelector implements Selector over the message_groups, messages,
// dialog_messages and micro_dialog tables
type PostgresSelector struct {
	db *sql.DB
}

// NewPostgresSelector creates a PostgreSQL-backed selector
func NewPostgresSelector(db *sql.DB) *PostgresSelector {
	return &PostgresSelector{db: db}
}

// Next picks the next message and records it in dialog_messages in one transaction
func (s *PostgresSelector) Next(ctx context.Context, participantID, groupID, relatedMessageID string, scheduling bool) (*rules.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var group Group
	err = tx.QueryRowContext(ctx, `
		SELECT id, intervention_id, name, expects_answer, repeatable
		FROM message_groups WHERE id = $1
	`, groupID).Scan(&group.ID, &group.InterventionID, &group.Name, &group.ExpectsAnswer, &group.Repeatable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message group %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message group: %w", err)
	}

	candidates, err := groupMessages(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	used, err := usedMessages(ctx, tx, participantID, groupID)
	if err != nil {
		return nil, err
	}

	m, err := pick(group, candidates, used, relatedMessageID, scheduling)
	if err != nil {
		return nil, fmt.Errorf("message group %s: %w", groupID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dialog_messages (id, participant_id, message_id, related_message_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), participantID, m.ID, relatedMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to record dialog message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return m, nil
}

// MicroDialog resolves a micro dialog by id
func (s *PostgresSelector) MicroDialog(ctx context.Context, id string) (*rules.MicroDialog, error) {
	var d rules.MicroDialog
	err := s.db.QueryRowContext(ctx, `SELECT id, intervention_id, name FROM micro_dialogs WHERE id = $1`, id).
		Scan(&d.ID, &d.InterventionID, &d.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("micro dialog %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get micro dialog: %w", err)
	}
	return &d, nil
}

// MicroDialogMessage resolves a micro dialog message by id
func (s *PostgresSelector) MicroDialogMessage(ctx context.Context, id string) (*rules.MicroDialogMessage, error) {
	var m rules.MicroDialogMessage
	err := s.db.QueryRowContext(ctx, `SELECT id, micro_dialog_id, sort_order FROM micro_dialog_messages WHERE id = $1`, id).
		Scan(&m.ID, &m.MicroDialogID, &m.Order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("micro dialog message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get micro dialog message: %w", err)
	}
	return &m, nil
}

func groupMessages(ctx context.Context, tx *sql.Tx, groupID string) ([]rules.Message, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, message_group_id, text, sort_order FROM messages
		WHERE message_group_id = $1
		ORDER BY sort_order ASC, id ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []rules.Message
	for rows.Next() {
		var m rules.Message
		if err := rows.Scan(&m.ID, &m.MessageGroupID, &m.Text, &m.Order); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

func usedMessages(ctx context.Context, tx *sql.Tx, participantID, groupID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT d.message_id FROM dialog_messages d
		JOIN messages m ON m.id = d.message_id
		WHERE d.participant_id = $1 AND m.message_group_id = $2
	`, participantID, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dialog messages: %w", err)
	}
	defer rows.Close()

	used := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dialog message: %w", err)
		}
		used[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dialog messages: %w", err)
	}
	return used, nil
}
