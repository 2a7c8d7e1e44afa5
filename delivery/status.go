// Package delivery hands resolved messages to a channel sender and tracks
// their status.
package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/coachrules/rules"
)

// ErrInvalidTransition is returned for a status change the state model forbids
var ErrInvalidTransition = errors.New("invalid delivery status transition")

// Status of one outgoing message
type Status string

const (
	StatusPrepared            Status = "PREPARED_FOR_SENDING"
	StatusSending             Status = "SENDING"
	StatusSentWaitingForReply Status = "SENT_AND_WAITING_FOR_ANSWER"
	StatusSentNoReply         Status = "SENT_BUT_NOT_WAITING_FOR_ANSWER"
)

var transitions = map[Status][]Status{
	StatusPrepared: {StatusSending},
	StatusSending:  {StatusSentWaitingForReply, StatusSentNoReply, StatusPrepared},
}

// CanTransition reports whether from may change to to
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Final reports whether no further transition leaves s
func (s Status) Final() bool {
	return len(transitions[s]) == 0
}

// Delivery is one resolved message on its way to a participant
type Delivery struct {
	ID            string
	RunID         string
	ParticipantID string
	RuleID        string
	Message       rules.Message
	// Text is the personalised message body
	Text                 string
	HourToSend           int
	AnswerTimeoutMinutes int

	Status    Status
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Transition moves the delivery to status to
func (d *Delivery) Transition(to Status, at time.Time) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	d.UpdatedAt = at
	return nil
}

// sentStatus is the status a successful send ends in
func sentStatus(m rules.Message) Status {
	if m.ExpectsAnswer {
		return StatusSentWaitingForReply
	}
	return StatusSentNoReply
}
