package variables

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type participantRecord struct {
	interventionID string
	values         map[string]string
}

// MemoryStore implements Store with in-memory maps
type MemoryStore struct {
	participants  map[string]*participantRecord
	interventions map[string]map[string]string
	clock         Clock
	mu            sync.RWMutex
}

// NewMemoryStore creates an empty store reading system time from clock.
// A nil clock uses UTC wall time.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = ClockIn(nil)
	}
	return &MemoryStore{
		participants:  make(map[string]*participantRecord),
		interventions: make(map[string]map[string]string),
		clock:         clock,
	}
}

// AddParticipant registers a participant of an intervention
func (s *MemoryStore) AddParticipant(participantID, interventionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.participants[participantID]; exists {
		return
	}
	s.participants[participantID] = &participantRecord{
		interventionID: interventionID,
		values:         make(map[string]string),
	}
}

// SetInterventionDefault sets the shared default of a variable
func (s *MemoryStore) SetInterventionDefault(_ context.Context, interventionID, name, value string) error {
	if err := CheckWrite(name, true); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vars, ok := s.interventions[interventionID]
	if !ok {
		vars = make(map[string]string)
		s.interventions[interventionID] = vars
	}
	vars[name] = value
	return nil
}

// Snapshot returns the layered view of a participant
func (s *MemoryStore) Snapshot(_ context.Context, participantID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[participantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return Layer(SystemValues(s.clock(), participantID), s.interventions[p.interventionID], p.values), nil
}

// Write stores a participant value
func (s *MemoryStore) Write(_ context.Context, participantID, name, value string, override bool) error {
	if err := CheckWrite(name, override); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	p.values[name] = value
	return nil
}

// HasDuplicate looks for the same value among participants of other interventions
func (s *MemoryStore) HasDuplicate(_ context.Context, participantID, name, value string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	self, ok := s.participants[participantID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	want := strings.TrimSpace(value)
	if want == "" {
		return false, nil
	}
	for id, p := range s.participants {
		if id == participantID || p.interventionID == self.interventionID {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(p.values[name]), want) {
			return true, nil
		}
	}
	return false, nil
}
