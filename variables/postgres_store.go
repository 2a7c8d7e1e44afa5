package variables

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store over the participants, intervention_variables
// and participant_variables tables
type PostgresStore struct {
	db    *sql.DB
	clock Clock
}

// NewPostgresStore creates a PostgreSQL-backed variable store
func NewPostgresStore(db *sql.DB, clock Clock) *PostgresStore {
	if clock == nil {
		clock = ClockIn(nil)
	}
	return &PostgresStore{db: db, clock: clock}
}

// AddParticipant registers a participant of an intervention
func (s *PostgresStore) AddParticipant(ctx context.Context, participantID, interventionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, intervention_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, participantID, interventionID)
	if err != nil {
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

// SetInterventionDefault upserts the shared default of a variable
func (s *PostgresStore) SetInterventionDefault(ctx context.Context, interventionID, name, value string) error {
	if err := CheckWrite(name, true); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intervention_variables (intervention_id, name, value) VALUES ($1, $2, $3)
		ON CONFLICT (intervention_id, name) DO UPDATE SET value = EXCLUDED.value
	`, interventionID, name, value)
	if err != nil {
		return fmt.Errorf("failed to set intervention variable: %w", err)
	}
	return nil
}

// Snapshot returns the layered view of a participant
func (s *PostgresStore) Snapshot(ctx context.Context, participantID string) (map[string]string, error) {
	var interventionID string
	err := s.db.QueryRowContext(ctx, `SELECT intervention_id FROM participants WHERE id = $1`, participantID).
		Scan(&interventionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	defaults, err := s.values(ctx, `SELECT name, value FROM intervention_variables WHERE intervention_id = $1`, interventionID)
	if err != nil {
		return nil, err
	}
	own, err := s.values(ctx, `SELECT name, value FROM participant_variables WHERE participant_id = $1`, participantID)
	if err != nil {
		return nil, err
	}
	return Layer(SystemValues(s.clock(), participantID), defaults, own), nil
}

// Write upserts a participant value
func (s *PostgresStore) Write(ctx context.Context, participantID, name, value string, override bool) error {
	if err := CheckWrite(name, override); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO participant_variables (participant_id, name, value, updated_at)
		SELECT id, $2, $3, NOW() FROM participants WHERE id = $1
		ON CONFLICT (participant_id, name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, participantID, name, value)
	if err != nil {
		return fmt.Errorf("failed to write variable: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return nil
}

// HasDuplicate looks for the same value among participants of other interventions
func (s *PostgresStore) HasDuplicate(ctx context.Context, participantID, name, value string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM participant_variables v
			JOIN participants p ON p.id = v.participant_id
			JOIN participants self ON self.id = $1
			WHERE v.name = $2
				AND p.intervention_id <> self.intervention_id
				AND btrim(v.value) <> ''
				AND lower(btrim(v.value)) = lower(btrim($3::text))
		)
	`, participantID, name, value).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate: %w", err)
	}
	return found, nil
}

func (s *PostgresStore) values(ctx context.Context, query string, arg string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variables: %w", err)
	}
	return out, nil
}
