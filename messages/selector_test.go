package messages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/coachrules/rules"
)

func TestMemorySelectorNext(t *testing.T) {
	ctx := context.Background()
	sel := NewMemorySelector()
	sel.AddGroup(Group{ID: "g", ExpectsAnswer: true},
		rules.Message{ID: "m2", Text: "second", Order: 2},
		rules.Message{ID: "m1", Text: "first", Order: 1},
	)

	m, err := sel.Next(ctx, "p-1", "g", "", true)
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "g", m.MessageGroupID)
	assert.True(t, m.ExpectsAnswer)

	m, err = sel.Next(ctx, "p-1", "g", "", true)
	require.NoError(t, err)
	assert.Equal(t, "m2", m.ID)

	_, err = sel.Next(ctx, "p-1", "g", "", true)
	assert.ErrorIs(t, err, ErrExhausted)

	// selections are per participant
	m, err = sel.Next(ctx, "p-2", "g", "", true)
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	_, err = sel.Next(ctx, "p-1", "missing", "", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySelectorRepeatableAndRelated(t *testing.T) {
	ctx := context.Background()
	sel := NewMemorySelector()
	sel.AddGroup(Group{ID: "thanks", Repeatable: true},
		rules.Message{ID: "t1", Order: 1},
		rules.Message{ID: "t2", Order: 2},
	)
	sel.MarkUsed("p-1", "t1")
	sel.MarkUsed("p-1", "t2")

	m, err := sel.Next(ctx, "p-1", "thanks", "", false)
	require.NoError(t, err)
	assert.Equal(t, "t1", m.ID, "repeatable groups start over")
	assert.False(t, m.ExpectsAnswer)

	m, err = sel.Next(ctx, "p-1", "thanks", "t1", false)
	require.NoError(t, err)
	assert.Equal(t, "t2", m.ID, "the related message is never picked")
}

func TestMemorySelectorRelatedOnlyInReplies(t *testing.T) {
	ctx := context.Background()
	sel := NewMemorySelector()
	sel.AddGroup(Group{ID: "g"},
		rules.Message{ID: "m1", Order: 1},
		rules.Message{ID: "m2", Order: 2},
	)

	m, err := sel.Next(ctx, "p-1", "g", "m1", true)
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID, "scheduled sends ignore the related message")

	m, err = sel.Next(ctx, "p-2", "g", "m1", false)
	require.NoError(t, err)
	assert.Equal(t, "m2", m.ID)
}

func TestMemorySelectorMicroDialogs(t *testing.T) {
	ctx := context.Background()
	sel := NewMemorySelector()
	sel.AddMicroDialog(rules.MicroDialog{ID: "md", InterventionID: "iv-1", Name: "check-in"},
		rules.MicroDialogMessage{ID: "mdm-1", Order: 1},
	)

	d, err := sel.MicroDialog(ctx, "md")
	require.NoError(t, err)
	assert.Equal(t, "check-in", d.Name)

	m, err := sel.MicroDialogMessage(ctx, "mdm-1")
	require.NoError(t, err)
	assert.Equal(t, "md", m.MicroDialogID)

	_, err = sel.MicroDialog(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sel.MicroDialogMessage(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
