// Package messages selects concrete messages for send requests and resolves
// micro-dialog targets.
package messages

import (
	"context"
	"errors"

	"github.com/liamcoop/coachrules/rules"
)

var (
	// ErrNotFound is returned for unknown groups, micro dialogs or dialog messages
	ErrNotFound = errors.New("not found")

	// ErrExhausted is returned when a group has no message left for the participant
	ErrExhausted = errors.New("message group exhausted")
)

// Group is a sequence of messages sent one at a time
type Group struct {
	ID             string
	InterventionID string
	Name           string
	// ExpectsAnswer is copied to every message selected from the group
	ExpectsAnswer bool
	// Repeatable groups start over once every message was used
	Repeatable bool
}

// Selector resolves the targets of queued side effects
type Selector interface {
	// Next picks the lowest-order message of groupID not yet used for the
	// participant and records the selection. In reply contexts (scheduling
	// false) relatedMessageID is the message being answered and is never
	// picked itself; scheduled sends answer nothing and ignore it.
	Next(ctx context.Context, participantID, groupID, relatedMessageID string, scheduling bool) (*rules.Message, error)

	// MicroDialog resolves a micro dialog by id
	MicroDialog(ctx context.Context, id string) (*rules.MicroDialog, error)

	// MicroDialogMessage resolves a micro dialog message by id
	MicroDialogMessage(ctx context.Context, id string) (*rules.MicroDialogMessage, error)
}

// pick returns the first candidate not contained in used, honouring Repeatable.
// candidates must be sorted by order.
func pick(group Group, candidates []rules.Message, used map[string]bool, relatedMessageID string, scheduling bool) (*rules.Message, error) {
	if scheduling {
		relatedMessageID = ""
	}
	var eligible []rules.Message
	for _, m := range candidates {
		if relatedMessageID == "" || m.ID != relatedMessageID {
			eligible = append(eligible, m)
		}
	}
	for _, m := range eligible {
		if !used[m.ID] {
			m.ExpectsAnswer = group.ExpectsAnswer
			return &m, nil
		}
	}
	if group.Repeatable && len(eligible) > 0 {
		m := eligible[0]
		m.ExpectsAnswer = group.ExpectsAnswer
		return &m, nil
	}
	return nil, ErrExhausted
}
