package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"pricealerts/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	alerts     map[string]*models.Alert
	findCalls  int
	markCalls  int
	failMarkOn map[string]error
	findErr    error
}

func newFakeStore(alerts ...*models.Alert) *fakeStore {
	s := &fakeStore{alerts: make(map[string]*models.Alert), failMarkOn: map[string]error{}}
	for _, a := range alerts {
		s.alerts[a.ID] = a
	}
	return s
}

func (s *fakeStore) FindPending(_ context.Context, coinIDs []string) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	wanted := map[string]bool{}
	for _, c := range coinIDs {
		wanted[c] = true
	}
	var out []*models.Alert
	for _, id := range sortedKeys(s.alerts) {
		a := s.alerts[id]
		if wanted[a.CoinID] && !a.IsTriggered {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkTriggered(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls++
	if err := s.failMarkOn[id]; err != nil {
		return false, err
	}
	a, ok := s.alerts[id]
	if !ok || a.IsTriggered {
		return false, nil
	}
	a.IsTriggered = true
	a.TriggeredAt = &at
	return true, nil
}

func sortedKeys(m map[string]*models.Alert) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func alert(id, user, coin, target string, dir models.Direction) *models.Alert {
	return &models.Alert{
		ID:          id,
		UserID:      user,
		CoinID:      coin,
		TargetPrice: decimal.RequireFromString(target),
		Direction:   dir,
	}
}

func snapshot(prices map[string]string) *models.PriceSnapshot {
	snap := &models.PriceSnapshot{Timestamp: time.Now().UTC()}
	for coin, p := range prices {
		snap.Items = append(snap.Items, models.PriceEntry{CoinID: coin, PriceUSD: decimal.RequireFromString(p)})
	}
	return snap
}

var evalTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newEngine(store Store) *Engine {
	return NewEngine(store).WithClock(func() time.Time { return evalTime })
}

func TestEvaluateBitcoinAboveOnTarget(t *testing.T) {
	store := newFakeStore(alert("a1", "alice", "bitcoin", "50000", models.Above))

	out, err := newEngine(store).Evaluate(context.Background(), snapshot(map[string]string{"bitcoin": "50000"}))
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, "alice", out[0].UserID)
	n := out[0].Notification
	assert.Equal(t, "a1", n.AlertID)
	assert.Equal(t, "bitcoin", n.CoinID)
	assert.True(t, n.CurrentPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, n.TargetPrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, models.Above, n.Direction)
	assert.Equal(t, evalTime, n.TriggeredAt)

	stored := store.alerts["a1"]
	assert.True(t, stored.IsTriggered)
	require.NotNil(t, stored.TriggeredAt)
	assert.Equal(t, evalTime, *stored.TriggeredAt)
}

func TestEvaluateEthereumOnlyBelowTriggers(t *testing.T) {
	store := newFakeStore(
		alert("up", "alice", "ethereum", "3000", models.Above),
		alert("down", "alice", "ethereum", "3000", models.Below),
	)

	out, err := newEngine(store).Evaluate(context.Background(), snapshot(map[string]string{"ethereum": "2999"}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "down", out[0].Notification.AlertID)
	assert.False(t, store.alerts["up"].IsTriggered)
	assert.Nil(t, store.alerts["up"].TriggeredAt)
}

func TestEvaluatePredicateBoundaries(t *testing.T) {
	testCases := []struct {
		name      string
		direction models.Direction
		price     string
		expected  bool
	}{
		{name: "above under", direction: models.Above, price: "99.9999", expected: false},
		{name: "above equal", direction: models.Above, price: "100", expected: true},
		{name: "above over", direction: models.Above, price: "150", expected: true},
		{name: "below over", direction: models.Below, price: "100.0001", expected: false},
		{name: "below equal", direction: models.Below, price: "100.0000", expected: true},
		{name: "below under", direction: models.Below, price: "1", expected: true},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(alert("a", "u", "solana", "100", tt.direction))
			out, err := newEngine(store).Evaluate(context.Background(), snapshot(map[string]string{"solana": tt.price}))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, len(out) == 1)
			assert.Equal(t, tt.expected, store.alerts["a"].IsTriggered)
		})
	}
}

func TestEvaluateIsIdempotentAfterTrigger(t *testing.T) {
	store := newFakeStore(alert("a1", "alice", "bitcoin", "50000", models.Above))
	engine := newEngine(store)
	snap := snapshot(map[string]string{"bitcoin": "60000"})

	first, err := engine.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, first, 1)

	for _, price := range []string{"60000", "50000", "10"} {
		out, err := engine.Evaluate(context.Background(), snapshot(map[string]string{"bitcoin": price}))
		require.NoError(t, err)
		assert.Empty(t, out)
	}
	assert.Equal(t, 1, store.markCalls)
}

func TestEvaluateEmptySnapshotIssuesNoQuery(t *testing.T) {
	store := newFakeStore(alert("a1", "alice", "bitcoin", "1", models.Above))

	out, err := newEngine(store).Evaluate(context.Background(), &models.PriceSnapshot{})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, store.findCalls)
}

func TestEvaluateUnrelatedCoinTriggersNothing(t *testing.T) {
	store := newFakeStore(alert("a1", "alice", "bitcoin", "1", models.Above))

	out, err := newEngine(store).Evaluate(context.Background(), snapshot(map[string]string{"dogecoin": "5"}))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, store.markCalls, "no transitions means no writes")
}

func TestEvaluateNothingSatisfiedSkipsWrites(t *testing.T) {
	store := newFakeStore(alert("a1", "alice", "bitcoin", "90000", models.Above))

	out, err := newEngine(store).Evaluate(context.Background(), snapshot(map[string]string{"bitcoin": "50000"}))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, store.findCalls)
	assert.Zero(t, store.markCalls)
}

func TestEvaluateDuplicateCoinLastWins(t *testing.T) {
	store := newFakeStore(alert("a1", "alice", "bitcoin", "100", models.Above))
	snap := &models.PriceSnapshot{Items: []models.PriceEntry{
		{CoinID: "bitcoin", PriceUSD: decimal.NewFromInt(200)},
		{CoinID: "bitcoin", PriceUSD: decimal.NewFromInt(50)},
	}}

	out, err := newEngine(store).Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEvaluatePartialPersistenceFailure(t *testing.T) {
	boom := errors.New("write conflict")
	store := newFakeStore(
		alert("a1", "alice", "bitcoin", "100", models.Above),
		alert("a2", "bob", "bitcoin", "100", models.Above),
		alert("a3", "carol", "bitcoin", "100", models.Above),
	)
	store.failMarkOn["a2"] = boom

	out, err := newEngine(store).Evaluate(context.Background(), snapshot(map[string]string{"bitcoin": "150"}))

	require.Error(t, err)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "a2", perr.AlertID)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 3, store.markCalls, "every update is attempted")
	ids := []string{}
	for _, o := range out {
		ids = append(ids, o.Notification.AlertID)
	}
	assert.ElementsMatch(t, []string{"a1", "a3"}, ids)
	assert.False(t, store.alerts["a2"].IsTriggered)
}

func TestEvaluateLostRaceDropsNotification(t *testing.T) {
	store := newFakeStore(alert("a1", "alice", "bitcoin", "100", models.Above))
	pending, err := store.FindPending(context.Background(), []string{"bitcoin"})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Another instance wins between load and update.
	racy := &racingStore{fakeStore: store}
	out, err := newEngine(racy).Evaluate(context.Background(), snapshot(map[string]string{"bitcoin": "150"}))
	require.NoError(t, err)
	assert.Empty(t, out)
}

type racingStore struct {
	*fakeStore
}

func (s *racingStore) MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error) {
	_, _ = s.fakeStore.MarkTriggered(ctx, id, at)
	return s.fakeStore.MarkTriggered(ctx, id, at)
}

func TestEvaluateFindFailure(t *testing.T) {
	store := newFakeStore()
	store.findErr = errors.New("db down")

	out, err := newEngine(store).Evaluate(context.Background(), snapshot(map[string]string{"bitcoin": "1"}))
	assert.ErrorIs(t, err, store.findErr)
	assert.Nil(t, out)
}
