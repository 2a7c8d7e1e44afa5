// Package interventions keeps one rule engine per intervention and runs
// resolver triggers for participants.
package interventions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	_ "time/tzdata"

	"golang.org/x/text/language"

	"github.com/liamcoop/coachrules/delivery"
	"github.com/liamcoop/coachrules/evaluator"
	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/messages"
	"github.com/liamcoop/coachrules/resolver"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/variables"
)

// ErrUnknownIntervention is returned for interventions that were never loaded
var ErrUnknownIntervention = errors.New("intervention not found")

// Intervention holds the settings an engine is built from
type Intervention struct {
	ID       string
	Name     string
	Locale   string
	TimeZone string
}

// Engine bundles the collaborators of one intervention
type Engine struct {
	Intervention Intervention
	Repository   *rules.CachedRepository
	Evaluator    *evaluator.Evaluator
	Selector     messages.Selector
}

// Config tunes resolver runs started by the Manager
type Config struct {
	IterationThreshold int
	MaxDepth           int
	// RunTimeout bounds one resolve, script rules included
	RunTimeout time.Duration
	LockTTL    time.Duration
	Cache      rules.CacheConfig
	DateLayout string
	TimeLayout string
}

// DefaultConfig returns the settings used when none are given
func DefaultConfig() Config {
	return Config{
		IterationThreshold: resolver.DefaultIterationThreshold,
		MaxDepth:           resolver.DefaultMaxDepth,
		RunTimeout:         5 * time.Second,
		LockTTL:            30 * time.Second,
		Cache:              rules.DefaultCacheConfig(),
		DateLayout:         "02.01.2006",
		TimeLayout:         "15:04",
	}
}

// Manager owns the engines of all interventions
type Manager struct {
	engines    map[string]*Engine
	repo       rules.Repository
	selectorFn func(interventionID string) messages.Selector
	vars       variables.Store
	locker     variables.Locker
	dispatcher *delivery.Dispatcher
	recorder   resolver.Recorder
	config     Config
	db         *sql.DB
	mu         sync.RWMutex
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithDispatcher hands resolved messages to d after every trigger
func WithDispatcher(d *delivery.Dispatcher) ManagerOption {
	return func(m *Manager) { m.dispatcher = d }
}

// WithRecorder reports resolver activity to rec
func WithRecorder(rec resolver.Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = rec }
}

// WithLocker replaces the in-process participant lock
func WithLocker(l variables.Locker) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

// WithConfig sets the run configuration
func WithConfig(c Config) ManagerOption {
	return func(m *Manager) { m.config = c }
}

// WithDB enables LoadAll from the interventions table
func WithDB(db *sql.DB) ManagerOption {
	return func(m *Manager) { m.db = db }
}

// NewManager creates a manager over a shared rule repository and variable
// store. selectorFn returns the message selector of an intervention.
func NewManager(repo rules.Repository, vars variables.Store, selectorFn func(interventionID string) messages.Selector, opts ...ManagerOption) *Manager {
	m := &Manager{
		engines:    make(map[string]*Engine),
		repo:       repo,
		selectorFn: selectorFn,
		vars:       vars,
		locker:     variables.NewMemoryLocker(),
		config:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAll reads every active intervention from the database and builds its engine
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	if m.db == nil {
		return 0, errors.New("no database configured")
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, locale, time_zone
		FROM interventions
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch interventions: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var iv Intervention
		if err := rows.Scan(&iv.ID, &iv.Name, &iv.Locale, &iv.TimeZone); err != nil {
			return loaded, fmt.Errorf("failed to scan intervention row: %w", err)
		}
		if err := m.Register(iv); err != nil {
			return loaded, fmt.Errorf("failed to initialize intervention %s: %w", iv.ID, err)
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return loaded, fmt.Errorf("error iterating intervention rows: %w", err)
	}

	logger.Info("Interventions loaded", "count", loaded)
	return loaded, nil
}

// Register builds the engine of an intervention, replacing any previous one.
// Callers holding the old engine finish their run on it.
func (m *Manager) Register(iv Intervention) error {
	if err := ValidateIntervention(iv); err != nil {
		return err
	}
	engine, err := m.build(iv)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.engines[iv.ID] = engine
	m.mu.Unlock()
	return nil
}

func (m *Manager) build(iv Intervention) (*Engine, error) {
	tag := language.English
	if iv.Locale != "" {
		parsed, err := language.Parse(iv.Locale)
		if err != nil {
			return nil, fmt.Errorf("invalid locale %q: %w", iv.Locale, err)
		}
		tag = parsed
	}
	loc := time.UTC
	if iv.TimeZone != "" {
		l, err := time.LoadLocation(iv.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid time zone %q: %w", iv.TimeZone, err)
		}
		loc = l
	}

	eval, err := evaluator.New(
		evaluator.WithDuplicateChecker(m.vars),
		evaluator.WithLocation(loc),
		evaluator.WithLocale(tag),
		evaluator.WithDateLayouts(m.config.DateLayout, m.config.TimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}

	return &Engine{
		Intervention: iv,
		Repository:   rules.NewCachedRepository(m.repo, rules.NewInMemorySiblingCache(m.config.Cache)),
		Evaluator:    eval,
		Selector:     m.selectorFn(iv.ID),
	}, nil
}

// Get returns the engine of an intervention
func (m *Manager) Get(interventionID string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.engines[interventionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntervention, interventionID)
	}
	return e, nil
}

// List returns the ids of all loaded interventions in ascending order
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove drops an intervention's engine. Persisted rules are kept.
func (m *Manager) Remove(interventionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.engines[interventionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntervention, interventionID)
	}
	delete(m.engines, interventionID)
	return nil
}

// InvalidateRules drops the cached rule forest of an intervention after its
// rules were edited
func (m *Manager) InvalidateRules(interventionID string) error {
	e, err := m.Get(interventionID)
	if err != nil {
		return err
	}
	e.Repository.Invalidate()
	return nil
}

// DefaultsStore is implemented by variable stores that hold intervention defaults
type DefaultsStore interface {
	SetInterventionDefault(ctx context.Context, interventionID, name, value string) error
}

// SetDefaults validates and stores intervention-wide variable defaults
func (m *Manager) SetDefaults(ctx context.Context, interventionID string, defaults map[string]string) error {
	if _, err := m.Get(interventionID); err != nil {
		return err
	}
	store, ok := m.vars.(DefaultsStore)
	if !ok {
		return errors.New("variable store does not support intervention defaults")
	}
	if err := ValidateDefaults(defaults); err != nil {
		return err
	}

	names := make([]string, 0, len(defaults))
	for name := range defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := store.SetInterventionDefault(ctx, interventionID, name, defaults[name]); err != nil {
			return fmt.Errorf("failed to set default %s: %w", name, err)
		}
	}
	return nil
}
