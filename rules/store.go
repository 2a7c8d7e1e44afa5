package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a rule id does not exist
var ErrNotFound = errors.New("rule not found")

// Repository gives ordered read access to rule siblings.
// Both methods return nodes sorted ascending by Order.
type Repository interface {
	// RootRules returns the top-level nodes of the scope
	RootRules(ctx context.Context, scope Scope) ([]*Node, error)

	// Children returns the direct children of parentID within the scope
	Children(ctx context.Context, parentID string, scope Scope) ([]*Node, error)
}

// Store is a Repository that can also be edited
type Store interface {
	Repository

	Add(ctx context.Context, node *Node) error
	Get(ctx context.Context, id string) (*Node, error)
	Update(ctx context.Context, node *Node) error
	Delete(ctx context.Context, id string) error
}

// InMemoryRepository implements Store using an in-memory map
type InMemoryRepository struct {
	nodes map[string]*Node
	mu    sync.RWMutex
}

// NewInMemoryRepository creates an empty in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		nodes: make(map[string]*Node),
	}
}

// Add stores a new node, ids must be unique
func (s *InMemoryRepository) Add(_ context.Context, node *Node) error {
	if err := Validate(node); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", node.ID)
	}
	s.nodes[node.ID] = node
	return nil
}

// Get retrieves a node by id
func (s *InMemoryRepository) Get(_ context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, exists := s.nodes[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return node, nil
}

// Update replaces an existing node
func (s *InMemoryRepository) Update(_ context.Context, node *Node) error {
	if err := Validate(node); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; !exists {
		return fmt.Errorf("rule %s: %w", node.ID, ErrNotFound)
	}
	s.nodes[node.ID] = node
	return nil
}

// Delete removes a node; its children are left in place
func (s *InMemoryRepository) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	delete(s.nodes, id)
	return nil
}

// RootRules returns the parentless nodes of the scope
func (s *InMemoryRepository) RootRules(_ context.Context, scope Scope) ([]*Node, error) {
	return s.collect(scope, func(n *Node) bool {
		if !n.IsRoot() {
			return false
		}
		if m, ok := n.Variant.(Monitoring); ok {
			return m.Case == scope.Case
		}
		return true
	}), nil
}

// Children returns the nodes of the scope whose parent is parentID
func (s *InMemoryRepository) Children(_ context.Context, parentID string, scope Scope) ([]*Node, error) {
	return s.collect(scope, func(n *Node) bool {
		return n.ParentID == parentID
	}), nil
}

func (s *InMemoryRepository) collect(scope Scope, keep func(*Node) bool) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Node
	for _, n := range s.nodes {
		if InScope(n, scope) && keep(n) {
			out = append(out, n)
		}
	}
	SortSiblings(out)
	return out
}

// InScope reports whether a node belongs to the forest described by scope
func InScope(n *Node, scope Scope) bool {
	switch v := n.Variant.(type) {
	case Monitoring:
		return scope.Case.IsMonitoring() && v.InterventionID == scope.ID
	case MonitoringReply:
		return scope.Case == CaseReplyRules && v.MonitoringRuleID == scope.ID && v.GotAnswer == scope.GotAnswer
	case MicroDialogRule:
		return scope.Case == CaseDecisionPoint && v.DecisionPointID == scope.ID
	default:
		return false
	}
}

// SortSiblings orders nodes by Order, ties broken by ID
func SortSiblings(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Order != nodes[j].Order {
			return nodes[i].Order < nodes[j].Order
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// Validate checks the fields every node must carry
func Validate(n *Node) error {
	if n == nil {
		return errors.New("rule is nil")
	}
	if n.ID == "" {
		return errors.New("rule ID is required")
	}
	if n.ID == n.ParentID {
		return fmt.Errorf("rule %s cannot be its own parent", n.ID)
	}
	if n.EquationSign.Family() == FamilyUnknown {
		return fmt.Errorf("rule %s has unknown equation sign %q", n.ID, n.EquationSign)
	}
	if VariantName(n.Variant) == "" {
		return fmt.Errorf("rule %s has no variant", n.ID)
	}
	if m, ok := n.Variant.(Monitoring); ok {
		if !m.Case.IsMonitoring() {
			return fmt.Errorf("rule %s has invalid monitoring case %q", n.ID, m.Case)
		}
		if m.Master && !n.IsRoot() {
			return fmt.Errorf("master rule %s must be a root", n.ID)
		}
	}
	return nil
}
