package boot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/internal/testutil"
)

func TestConcurrentGetsShareOneBoot(t *testing.T) {
	provider := testutil.NewFakeProvider()
	shared := testutil.NewFakeHandle()
	provider.BootFunc = func(ctx context.Context) (sandbox.Handle, error) {
		time.Sleep(50 * time.Millisecond)
		return shared, nil
	}

	m := NewManager(provider, time.Second, 2, testutil.Logger())

	var wg sync.WaitGroup
	handles := make([]sandbox.Handle, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Get(context.Background())
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, provider.BootCalls())
	for _, h := range handles {
		assert.Same(t, shared, h)
	}
}

func TestGetReturnsExistingHandle(t *testing.T) {
	provider := testutil.NewFakeProvider()
	m := NewManager(provider, time.Second, 2, testutil.Logger())

	first, err := m.Get(context.Background())
	require.NoError(t, err)

	second, err := m.Get(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, provider.BootCalls())
}

func TestRetriesOnTimeout(t *testing.T) {
	provider := testutil.NewFakeProvider()
	var calls int
	var mu sync.Mutex
	provider.BootFunc = func(ctx context.Context) (sandbox.Handle, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return testutil.NewFakeHandle(), nil
	}

	m := NewManager(provider, 30*time.Millisecond, 2, testutil.Logger())

	h, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 3, provider.BootCalls())
}

func TestBootTimeoutSurfacedAndNotPoisoned(t *testing.T) {
	provider := testutil.NewFakeProvider()
	fail := true
	var mu sync.Mutex
	provider.BootFunc = func(ctx context.Context) (sandbox.Handle, error) {
		mu.Lock()
		failing := fail
		mu.Unlock()
		if failing {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return testutil.NewFakeHandle(), nil
	}

	m := NewManager(provider, 20*time.Millisecond, 1, testutil.Logger())

	_, err := m.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBootTimeout)
	assert.Equal(t, 2, provider.BootCalls())

	// a failed attempt must not poison the manager
	mu.Lock()
	fail = false
	mu.Unlock()

	h, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestNoRetryOnEngineUnavailable(t *testing.T) {
	provider := testutil.NewFakeProvider()
	provider.BootFunc = func(ctx context.Context) (sandbox.Handle, error) {
		return nil, sandbox.ErrEngineUnavailable
	}

	m := NewManager(provider, time.Second, 2, testutil.Logger())

	_, err := m.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrEngineUnavailable)
	assert.Equal(t, 1, provider.BootCalls())
}

func TestReleaseTearsDownAndForgets(t *testing.T) {
	provider := testutil.NewFakeProvider()
	m := NewManager(provider, time.Second, 2, testutil.Logger())

	h, err := m.Get(context.Background())
	require.NoError(t, err)
	fake := h.(*testutil.FakeHandle)

	require.NoError(t, m.Release(context.Background()))
	assert.True(t, fake.TornDown())

	_, ok := m.Current()
	assert.False(t, ok)

	// next Get boots fresh
	h2, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.Equal(t, 2, provider.BootCalls())
}

func TestReleaseWithoutHandleIsNoOp(t *testing.T) {
	m := NewManager(testutil.NewFakeProvider(), time.Second, 2, testutil.Logger())
	assert.NoError(t, m.Release(context.Background()))
}

func TestWaiterCancellationDoesNotAbortBoot(t *testing.T) {
	provider := testutil.NewFakeProvider()
	provider.BootFunc = func(ctx context.Context) (sandbox.Handle, error) {
		time.Sleep(60 * time.Millisecond)
		return testutil.NewFakeHandle(), nil
	}

	m := NewManager(provider, time.Second, 2, testutil.Logger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx)
	require.Error(t, err)

	// the boot itself kept going; a later call sees its result
	h, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 1, provider.BootCalls())
}
