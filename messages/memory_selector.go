package messages

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/coachrules/rules"
)

// MemorySelector implements Selector with in-memory maps
type MemorySelector struct {
	groups         map[string]Group
	messages       map[string][]rules.Message
	dialogs        map[string]rules.MicroDialog
	dialogMessages map[string]rules.MicroDialogMessage
	used           map[string]map[string]bool // participant -> message ids
	mu             sync.Mutex
}

// NewMemorySelector creates an empty selector
func NewMemorySelector() *MemorySelector {
	return &MemorySelector{
		groups:         make(map[string]Group),
		messages:       make(map[string][]rules.Message),
		dialogs:        make(map[string]rules.MicroDialog),
		dialogMessages: make(map[string]rules.MicroDialogMessage),
		used:           make(map[string]map[string]bool),
	}
}

// AddGroup registers a group with its messages
func (s *MemorySelector) AddGroup(group Group, msgs ...rules.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]rules.Message, len(msgs))
	for i, m := range msgs {
		m.MessageGroupID = group.ID
		sorted[i] = m
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	s.groups[group.ID] = group
	s.messages[group.ID] = sorted
}

// AddMicroDialog registers a micro dialog and its messages
func (s *MemorySelector) AddMicroDialog(dialog rules.MicroDialog, msgs ...rules.MicroDialogMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dialogs[dialog.ID] = dialog
	for _, m := range msgs {
		m.MicroDialogID = dialog.ID
		s.dialogMessages[m.ID] = m
	}
}

// MarkUsed records a message as used for a participant without selecting it
func (s *MemorySelector) MarkUsed(participantID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(participantID, messageID)
}

// Next picks and records the next message of the group
func (s *MemorySelector) Next(_ context.Context, participantID, groupID, relatedMessageID string, scheduling bool) (*rules.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("message group %s: %w", groupID, ErrNotFound)
	}
	m, err := pick(group, s.messages[groupID], s.used[participantID], relatedMessageID, scheduling)
	if err != nil {
		return nil, fmt.Errorf("message group %s: %w", groupID, err)
	}
	s.markLocked(participantID, m.ID)
	return m, nil
}

// MicroDialog resolves a micro dialog by id
func (s *MemorySelector) MicroDialog(_ context.Context, id string) (*rules.MicroDialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dialogs[id]
	if !ok {
		return nil, fmt.Errorf("micro dialog %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

// MicroDialogMessage resolves a micro dialog message by id
func (s *MemorySelector) MicroDialogMessage(_ context.Context, id string) (*rules.MicroDialogMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.dialogMessages[id]
	if !ok {
		return nil, fmt.Errorf("micro dialog message %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (s *MemorySelector) markLocked(participantID, messageID string) {
	used, ok := s.used[participantID]
	if !ok {
		used = make(map[string]bool)
		s.used[participantID] = used
	}
	used[messageID] = true
}
