package interventions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/coachrules/delivery"
	"github.com/liamcoop/coachrules/messages"
	"github.com/liamcoop/coachrules/resolver"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/variables"
)

type testEnv struct {
	repo     *rules.InMemoryRepository
	vars     *variables.MemoryStore
	selector *messages.MemorySelector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:     rules.NewInMemoryRepository(),
		vars:     variables.NewMemoryStore(nil),
		selector: messages.NewMemorySelector(),
	}
	env.vars.AddParticipant("p-1", "iv-1")
	require.NoError(t, env.vars.Write(context.Background(), "p-1", "$name", "Ann", false))

	env.selector.AddGroup(messages.Group{ID: "greetings", InterventionID: "iv-1", ExpectsAnswer: true},
		rules.Message{ID: "msg-1", MessageGroupID: "greetings", Text: "Good morning $name!", Order: 1})

	ctx := context.Background()
	require.NoError(t, env.repo.Add(ctx, &rules.Node{
		ID:           "master",
		EquationSign: rules.CalculatedAlwaysTrue,
		Variant:      rules.Monitoring{InterventionID: "iv-1", Case: rules.CaseDaily, Master: true},
	}))
	require.NoError(t, env.repo.Add(ctx, &rules.Node{
		ID:           "greet",
		ParentID:     "master",
		Order:        1,
		EquationSign: rules.CalculatedAlwaysTrue,
		Variant: rules.Monitoring{
			InterventionID:    "iv-1",
			Case:              rules.CaseDaily,
			SendMessageIfTrue: true,
			MessageGroupID:    "greetings",
			HourToSend:        8,
		},
	}))
	return env
}

func (env *testEnv) manager(opts ...ManagerOption) *Manager {
	return NewManager(env.repo, env.vars, func(string) messages.Selector { return env.selector }, opts...)
}

func dailyRun() resolver.Run {
	return resolver.Run{ParticipantID: "p-1", InterventionID: "iv-1", Case: rules.CaseDaily}
}

func TestManagerRegistry(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()

	require.NoError(t, m.Register(Intervention{ID: "iv-2", Name: "Sleep", Locale: "de-DE", TimeZone: "Europe/Berlin"}))
	require.NoError(t, m.Register(Intervention{ID: "iv-1", Name: "Move"}))
	assert.Equal(t, []string{"iv-1", "iv-2"}, m.List())

	e, err := m.Get("iv-2")
	require.NoError(t, err)
	assert.Equal(t, "Sleep", e.Intervention.Name)
	assert.NotNil(t, e.Evaluator)

	assert.Error(t, m.Register(Intervention{ID: "bad id"}))
	assert.Error(t, m.Register(Intervention{ID: "iv-3", TimeZone: "Mars/Olympus"}))

	require.NoError(t, m.Remove("iv-2"))
	_, err = m.Get("iv-2")
	assert.ErrorIs(t, err, ErrUnknownIntervention)
	assert.ErrorIs(t, m.Remove("iv-2"), ErrUnknownIntervention)
}

func TestLoadAllNeedsDatabase(t *testing.T) {
	_, err := newTestEnv(t).manager().LoadAll(context.Background())
	assert.Error(t, err)
}

func TestTriggerPersonalisesAndDispatches(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var sent []delivery.Delivery
	var statuses []delivery.Status
	dispatcher := delivery.NewDispatcher(
		delivery.SenderFunc(func(_ context.Context, d delivery.Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, d)
			return nil
		}),
		delivery.WithStatusCallback(func(d delivery.Delivery) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, d.Status)
		}),
	)

	m := env.manager(WithDispatcher(dispatcher))
	require.NoError(t, m.Register(Intervention{ID: "iv-1"}))

	result, err := m.Trigger(context.Background(), dailyRun())
	require.NoError(t, err)
	dispatcher.Wait()

	require.Len(t, result.Deliveries, 1)
	d := result.Deliveries[0]
	assert.Equal(t, "Good morning Ann!", d.Text)
	assert.Equal(t, "greet", d.RuleID)
	assert.Equal(t, 8, d.HourToSend)
	assert.Equal(t, result.Outcome.RunID, d.RunID)
	assert.Equal(t, delivery.StatusPrepared, d.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, "msg-1", sent[0].Message.ID)
	assert.Equal(t, []delivery.Status{delivery.StatusSending, delivery.StatusSentWaitingForReply}, statuses)
}

func TestTriggerWithoutDispatcher(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	require.NoError(t, m.Register(Intervention{ID: "iv-1"}))

	first, err := m.Trigger(context.Background(), dailyRun())
	require.NoError(t, err)
	assert.Len(t, first.Deliveries, 1)

	second, err := m.Trigger(context.Background(), dailyRun())
	require.NoError(t, err)
	assert.Empty(t, second.Deliveries, "the group has nothing left for the participant")
	assert.Len(t, second.Outcome.SendRequests, 1)
}

func TestTriggerUnknownIntervention(t *testing.T) {
	_, err := newTestEnv(t).manager().Trigger(context.Background(), dailyRun())
	assert.ErrorIs(t, err, ErrUnknownIntervention)
}

type refusingLocker struct{}

func (refusingLocker) Lock(context.Context, string, time.Duration) (variables.UnlockFunc, error) {
	return nil, variables.ErrLockAcquire
}

func TestTriggerLockContention(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(WithLocker(refusingLocker{}))
	require.NoError(t, m.Register(Intervention{ID: "iv-1"}))

	_, err := m.Trigger(context.Background(), dailyRun())
	assert.ErrorIs(t, err, variables.ErrLockAcquire)
}

func TestTriggerSerialisesParticipant(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.Add(context.Background(), &rules.Node{
		ID:                    "count",
		ParentID:              "master",
		Order:                 2,
		EquationSign:          rules.CalculatedAlwaysTrue,
		OperandTerm:           "$visits + 1",
		StoreResultToVariable: "$visits",
		Variant:               rules.Monitoring{InterventionID: "iv-1", Case: rules.CaseDaily},
	}))
	m := env.manager()
	require.NoError(t, m.Register(Intervention{ID: "iv-1"}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Trigger(context.Background(), dailyRun())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := env.vars.Snapshot(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "10", snap["$visits"])
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	require.NoError(t, m.Register(Intervention{ID: "iv-1"}))

	result, err := m.Preview(context.Background(), "iv-1", "p-1", &rules.Node{
		ID:             "preview",
		EquationSign:   rules.TextEquals,
		OperandTerm:    "$name",
		ComparisonTerm: "ann",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Matched)

	_, err = m.Preview(context.Background(), "iv-1", "p-1", &rules.Node{ID: "x", EquationSign: "NOPE"})
	assert.Error(t, err)

	_, err = m.Preview(context.Background(), "iv-1", "ghost", &rules.Node{ID: "x", EquationSign: rules.TextEquals})
	assert.ErrorIs(t, err, variables.ErrUnknownParticipant)
}

func TestSetDefaults(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	require.NoError(t, m.Register(Intervention{ID: "iv-1"}))
	ctx := context.Background()

	require.NoError(t, m.SetDefaults(ctx, "iv-1", map[string]string{"$goal": "10000", "$name": "friend"}))
	snap, err := env.vars.Snapshot(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "10000", snap["$goal"])
	assert.Equal(t, "Ann", snap["$name"], "participant values shadow defaults")

	assert.Error(t, m.SetDefaults(ctx, "iv-1", map[string]string{"$systemHourOfDay": "3"}))
	assert.ErrorIs(t, m.SetDefaults(ctx, "iv-9", nil), ErrUnknownIntervention)
}

func TestInvalidateRules(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	require.NoError(t, m.Register(Intervention{ID: "iv-1"}))

	_, err := m.Trigger(context.Background(), dailyRun())
	require.NoError(t, err)

	// a new rule is only seen once the cached forest is dropped
	require.NoError(t, env.repo.Add(context.Background(), &rules.Node{
		ID:           "finish",
		ParentID:     "master",
		Order:        0,
		EquationSign: rules.CalculatedAlwaysTrue,
		Variant:      rules.Monitoring{InterventionID: "iv-1", Case: rules.CaseDaily, StopInterventionWhenTrue: true},
	}))
	cached, err := m.Trigger(context.Background(), dailyRun())
	require.NoError(t, err)
	assert.False(t, cached.Outcome.InterventionFinished)

	require.NoError(t, m.InvalidateRules("iv-1"))
	fresh, err := m.Trigger(context.Background(), dailyRun())
	require.NoError(t, err)
	assert.True(t, fresh.Outcome.InterventionFinished)
	assert.Equal(t, []string{"finish"}, fresh.Outcome.Visited)

	assert.True(t, errors.Is(m.InvalidateRules("iv-9"), ErrUnknownIntervention))
}

func TestWriteVariables(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager()
	ctx := context.Background()

	require.NoError(t, m.WriteVariables(ctx, "p-1", map[string]string{"steps": "4200", "$mood": "good"}, false))
	snap, err := env.vars.Snapshot(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "4200", snap["$steps"])
	assert.Equal(t, "good", snap["$mood"])

	err = m.WriteVariables(ctx, "p-1", map[string]string{"$participantNickname": "A"}, false)
	assert.ErrorIs(t, err, variables.ErrWriteProtected)
	require.NoError(t, m.WriteVariables(ctx, "p-1", map[string]string{"$participantNickname": "A"}, true))

	assert.ErrorIs(t, m.WriteVariables(ctx, "ghost", map[string]string{"$x": "1"}, false), variables.ErrUnknownParticipant)
	assert.ErrorIs(t, m.WriteVariables(ctx, "p-1", map[string]string{"$bad-name": "1"}, false), variables.ErrInvalidName)

	err = env.manager(WithLocker(refusingLocker{})).WriteVariables(ctx, "p-1", map[string]string{"$x": "1"}, false)
	assert.ErrorIs(t, err, variables.ErrLockAcquire)
}
