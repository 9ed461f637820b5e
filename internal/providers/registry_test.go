package providers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/queue"
	"github.com/jonathan/probe-orchestrator/internal/testutil"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

func newRegistry(t *testing.T) (*Registry, *testutil.Store, *testutil.Queue) {
	t.Helper()
	store := testutil.NewStore()
	q := testutil.NewQueue()
	return NewRegistry(store, q, nil), store, q
}

func TestGetProviderForModel(t *testing.T) {
	reg, store, _ := newRegistry(t)
	ctx := context.Background()
	store.AddProvider("openai", 5, 60)
	store.AddModel("openai", "gpt-4o", nil)

	limits, err := reg.GetProviderForModel(ctx, "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, limits)
	assert.Equal(t, "openai", limits.Name)
	assert.Equal(t, "probe_openai", limits.QueueName)
	assert.Equal(t, 5, limits.MaxParallelRequests)
	assert.Equal(t, 60, limits.RequestsPerMinute)

	unknown, err := reg.GetProviderForModel(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestGetProviderForModel_StoreFallbackPopulatesCache(t *testing.T) {
	store := testutil.NewStore()
	m := metrics.New(prometheus.NewRegistry())
	reg := NewRegistry(store, testutil.NewQueue(), m)
	ctx := context.Background()

	store.AddProvider("anthropic", 2, 30)
	require.NoError(t, reg.Refresh(ctx))

	// model created after the cache was loaded
	store.AddModel("anthropic", "claude-new", nil)

	limits, err := reg.GetProviderForModel(ctx, "claude-new")
	require.NoError(t, err)
	require.NotNil(t, limits)
	assert.Equal(t, "anthropic", limits.Name)
	assert.Equal(t, 1, store.CallCount("GetModelProvider"))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RegistryCacheMisses))

	_, err = reg.GetProviderForModel(ctx, "claude-new")
	require.NoError(t, err)
	assert.Equal(t, 1, store.CallCount("GetModelProvider"), "second lookup served from cache")
}

func TestGetProviderForModel_NewProviderAfterLoad(t *testing.T) {
	reg, store, _ := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Refresh(ctx))

	store.AddProvider("mistral", 1, 10)
	store.AddModel("mistral", "mistral-large", nil)

	limits, err := reg.GetProviderForModel(ctx, "mistral-large")
	require.NoError(t, err)
	require.NotNil(t, limits)
	assert.Equal(t, "probe_mistral", limits.QueueName)
}

func TestClearCache(t *testing.T) {
	reg, store, _ := newRegistry(t)
	ctx := context.Background()
	store.AddProvider("openai", 5, 60)

	limits, err := reg.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, 5, limits.MaxParallelRequests)

	maxParallel := 9
	_, err = store.UpdateProviderSettings(ctx, "openai", db.ProviderSettings{MaxParallelRequests: &maxParallel})
	require.NoError(t, err)

	limits, err = reg.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, 5, limits.MaxParallelRequests, "stale until cleared")

	reg.ClearCache()
	limits, err = reg.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, 9, limits.MaxParallelRequests)
}

func TestRefreshError(t *testing.T) {
	reg, store, _ := newRegistry(t)
	store.SetError("ListEnabledProviders", errors.New("db down"))

	_, err := reg.Get(context.Background(), "openai")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load providers")
}

func TestHasProviderCapacity(t *testing.T) {
	reg, store, q := newRegistry(t)
	ctx := context.Background()
	store.AddProvider("openai", 1, 60)

	assert.True(t, reg.HasProviderCapacity(ctx, "openai"))

	_, _, err := q.Send(ctx, queue.SendOptions{Queue: "probe_openai", Type: types.JobTypeProbe, Payload: 1})
	require.NoError(t, err)
	_, err = q.Fetch(ctx, "probe_openai", 1)
	require.NoError(t, err)

	assert.False(t, reg.HasProviderCapacity(ctx, "openai"))
}

func TestHasProviderCapacity_FailsOpen(t *testing.T) {
	reg, store, q := newRegistry(t)
	ctx := context.Background()
	store.AddProvider("openai", 1, 60)

	assert.True(t, reg.HasProviderCapacity(ctx, "unknown-provider"))

	q.ActiveCountErr = errors.New("queue unavailable")
	assert.True(t, reg.HasProviderCapacity(ctx, "openai"))

	reg.ClearCache()
	store.SetError("ListEnabledProviders", errors.New("db down"))
	assert.True(t, reg.HasProviderCapacity(ctx, "openai"))
}

func TestConcurrentClearAndLookup(t *testing.T) {
	reg, store, _ := newRegistry(t)
	ctx := context.Background()
	store.AddProvider("openai", 5, 60)
	store.AddModel("openai", "gpt-4o", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			limits, err := reg.GetProviderForModel(ctx, "gpt-4o")
			assert.NoError(t, err)
			if limits != nil {
				assert.Equal(t, "openai", limits.Name)
			}
		}()
		go func() {
			defer wg.Done()
			reg.ClearCache()
		}()
	}
	wg.Wait()
}

func TestAllSorted(t *testing.T) {
	reg, store, _ := newRegistry(t)
	store.AddProvider("openai", 5, 60)
	store.AddProvider("anthropic", 2, 30)

	all, err := reg.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "anthropic", all[0].Name)
	assert.Equal(t, "openai", all[1].Name)
}
