package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricealerts/internal/alerts"
	"pricealerts/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type fakeCache struct {
	mu       sync.Mutex
	snap     *models.PriceSnapshot
	warm     *models.PriceSnapshot
	fetchErr error
	fetches  int
}

func (c *fakeCache) FetchAndCache(context.Context) (*models.PriceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	c.warm = c.snap
	return c.snap, nil
}

func (c *fakeCache) Get(context.Context) (*models.PriceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warm, nil
}

func (c *fakeCache) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

type fakeEvaluator struct {
	triggered []models.TriggeredAlert
	err       error
	calls     int
}

func (e *fakeEvaluator) Evaluate(context.Context, *models.PriceSnapshot) ([]models.TriggeredAlert, error) {
	e.calls++
	return e.triggered, e.err
}

type recordingNotifier struct {
	steps  []string
	alerts []string
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, userID string, note models.AlertNotification) error {
	n.steps = append(n.steps, "alert")
	n.alerts = append(n.alerts, userID+"/"+note.AlertID)
	return nil
}

func (n *recordingNotifier) BroadcastPrices(context.Context, *models.PriceSnapshot) error {
	n.steps = append(n.steps, "prices")
	return nil
}

func snapshot() *models.PriceSnapshot {
	return &models.PriceSnapshot{
		Items: []models.PriceEntry{{
			CoinID:      "bitcoin",
			PriceUSD:    decimal.NewFromInt(51000),
			LastUpdated: time.Unix(1714557600, 0).UTC(),
		}},
		Timestamp: time.Unix(1714557600, 0).UTC(),
	}
}

func triggered(alertID, userID string) models.TriggeredAlert {
	return models.TriggeredAlert{
		UserID:       userID,
		Notification: models.AlertNotification{AlertID: alertID, CoinID: "bitcoin"},
	}
}

func TestCycleBroadcastsBeforeNotifying(t *testing.T) {
	cache := &fakeCache{snap: snapshot()}
	eval := &fakeEvaluator{triggered: []models.TriggeredAlert{triggered("a1", "alice")}}
	notifier := &recordingNotifier{}

	err := NewCycle(cache, eval, notifier).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"prices", "alert"}, notifier.steps)
	assert.Equal(t, []string{"alice/a1"}, notifier.alerts)
}

func TestCycleFetchFailureSkipsEverything(t *testing.T) {
	cache := &fakeCache{fetchErr: errors.New("upstream down")}
	eval := &fakeEvaluator{}
	notifier := &recordingNotifier{}

	err := NewCycle(cache, eval, notifier).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
	assert.Zero(t, eval.calls)
	assert.Empty(t, notifier.steps)
}

func TestCyclePartialPersistenceStillNotifiesPersisted(t *testing.T) {
	persistErr := &alerts.PersistenceError{AlertID: "a2", Err: errors.New("write failed")}
	eval := &fakeEvaluator{
		triggered: []models.TriggeredAlert{triggered("a1", "alice")},
		err:       multierr.Combine(persistErr),
	}
	notifier := &recordingNotifier{}

	err := NewCycle(&fakeCache{snap: snapshot()}, eval, notifier).Run(context.Background())
	require.Error(t, err)

	var pe *alerts.PersistenceError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, "a2", pe.AlertID)
	assert.Equal(t, []string{"alice/a1"}, notifier.alerts)
}

func TestNewFallsBackOnInvalidExpression(t *testing.T) {
	testCases := []struct {
		name     string
		expr     string
		expected string
	}{
		{name: "valid every five minutes", expr: "*/5 * * * *", expected: "*/5 * * * *"},
		{name: "garbage", expr: "not a cron", expected: DefaultSchedule},
		{name: "empty", expr: "", expected: DefaultSchedule},
		{name: "too many fields", expr: "0 */1 * * * * *", expected: DefaultSchedule},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.expr, &countingRunner{}, &fakeCache{})
			assert.Equal(t, tt.expected, s.Expr())
		})
	}
}

func TestParseScheduleWrapsError(t *testing.T) {
	_, err := ParseSchedule("61 * * * *")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

type countingRunner struct {
	runs   atomic.Int32
	err    error
	panics bool
}

func (r *countingRunner) Run(context.Context) error {
	r.runs.Add(1)
	if r.panics {
		panic("boom")
	}
	return r.err
}

func TestStartPreloadsColdCache(t *testing.T) {
	runner := &countingRunner{}
	s := New("0 0 1 1 *", runner, &fakeCache{})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.EqualValues(t, 1, runner.runs.Load())
}

func TestStartSkipsPreloadWhenWarm(t *testing.T) {
	runner := &countingRunner{}
	s := New("0 0 1 1 *", runner, &fakeCache{warm: snapshot()})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Zero(t, runner.runs.Load())
}

func TestStartTwiceFails(t *testing.T) {
	s := New("0 0 1 1 *", &countingRunner{}, &fakeCache{warm: snapshot()})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
}

func TestRunOnceContainsFailures(t *testing.T) {
	testCases := []struct {
		name   string
		runner *countingRunner
	}{
		{name: "error", runner: &countingRunner{err: errors.New("cycle failed")}},
		{name: "panic", runner: &countingRunner{panics: true}},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			s := New(DefaultSchedule, tt.runner, &fakeCache{})
			assert.NotPanics(t, func() { s.RunOnce(context.Background()) })
			assert.EqualValues(t, 1, tt.runner.runs.Load())
		})
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := New(DefaultSchedule, &countingRunner{}, &fakeCache{})
	assert.NotPanics(t, s.Stop)
}

func TestCycleWiredThroughScheduler(t *testing.T) {
	cache := &fakeCache{snap: snapshot()}
	cycle := NewCycle(cache, &fakeEvaluator{}, &recordingNotifier{})
	s := New("0 0 1 1 *", cycle, cache)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Equal(t, 1, cache.fetchCount())
}

type slowRunner struct {
	hold      time.Duration
	started   chan struct{}
	runs      atomic.Int32
	finished  atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	sawCancel atomic.Bool
}

func newSlowRunner(hold time.Duration) *slowRunner {
	return &slowRunner{hold: hold, started: make(chan struct{}, 1)}
}

func (r *slowRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	n := r.active.Add(1)
	for {
		peak := r.maxActive.Load()
		if n <= peak || r.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case r.started <- struct{}{}:
	default:
	}

	select {
	case <-time.After(r.hold):
	case <-ctx.Done():
	}
	if ctx.Err() != nil {
		r.sawCancel.Store(true)
	}
	r.active.Add(-1)
	r.finished.Add(1)
	return nil
}

func TestTicksDuringPreloadAreSkipped(t *testing.T) {
	runner := newSlowRunner(2500 * time.Millisecond)
	s := New("@every 1s", runner, &fakeCache{})

	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.EqualValues(t, 1, runner.maxActive.Load())
	assert.Equal(t, runner.runs.Load(), runner.finished.Load())
}

func TestRunOnceSkipsWhileCycleInFlight(t *testing.T) {
	runner := &countingRunner{}
	s := New(DefaultSchedule, runner, &fakeCache{})

	s.running.Lock()
	assert.False(t, s.RunOnce(context.Background()))
	s.running.Unlock()

	assert.True(t, s.RunOnce(context.Background()))
	assert.EqualValues(t, 1, runner.runs.Load())
}

func TestStopDrainsInFlightCycleDespiteCancelledParent(t *testing.T) {
	runner := newSlowRunner(500 * time.Millisecond)
	s := New("@every 1s", runner, &fakeCache{warm: snapshot()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	select {
	case <-runner.started:
	case <-time.After(3 * time.Second):
		s.Stop()
		t.Fatal("no cycle started")
	}

	cancel()
	s.Stop()

	assert.Zero(t, runner.active.Load())
	assert.Equal(t, runner.runs.Load(), runner.finished.Load())
	assert.False(t, runner.sawCancel.Load())
}
