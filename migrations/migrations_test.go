package migrations

import (
	"io"
	"io/fs"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(FS, ".")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, ident, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "initial_schema", ident)

	body, err := io.ReadAll(up)
	require.NoError(t, err)
	for _, table := range []string{
		"interventions", "rule_nodes", "participants", "intervention_variables",
		"participant_variables", "message_groups", "messages", "dialog_messages",
		"micro_dialogs", "micro_dialog_messages",
	} {
		assert.Contains(t, string(body), "CREATE TABLE "+table+" (")
	}

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	down.Close()

	_, err = src.Next(first)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not-a-url")
	assert.Error(t, err)
}
