package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, nil)
	require.NoError(t, err)
	return c, dir
}

func TestCache_SetGetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Set("k", json.RawMessage(`{"text":"hello"}`), 0, nil))

	value, ok := c.Get("k")
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hello"}`, string(value))
}

func TestCache_MissingKey(t *testing.T) {
	c, _ := newTestCache(t)

	_, ok := c.Get("absent")
	assert.False(t, ok)
	assert.False(t, c.Has("absent"))
}

func TestCache_TTLExpiry(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Set("k", json.RawMessage(`1`), 20*time.Millisecond, nil))
	assert.True(t, c.Has("k"))

	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok, "expired entries read as absent")
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Set("k", json.RawMessage(`1`), 0, nil))

	entry, ok := c.GetEntry("k")
	require.True(t, ok)
	assert.Nil(t, entry.ExpiresAt)
}

func TestCache_DiskFallthroughSurvivesRestart(t *testing.T) {
	c, dir := newTestCache(t)
	require.NoError(t, c.Set("k", json.RawMessage(`"persisted"`), 0, map[string]any{"step": "intro"}))

	// A fresh cache over the same directory has an empty memory tier.
	reopened, err := New(dir, nil)
	require.NoError(t, err)

	entry, ok := reopened.GetEntry("k")
	require.True(t, ok, "disk tier must serve after a restart")
	assert.JSONEq(t, `"persisted"`, string(entry.Value))
	assert.Equal(t, "intro", entry.Metadata["step"])
}

func TestCache_ExpiredFileStaysUntilClear(t *testing.T) {
	c, dir := newTestCache(t)
	require.NoError(t, c.Set("k", json.RawMessage(`1`), 10*time.Millisecond, nil))
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)

	// Lazy expiry: the stale file is still on disk.
	_, err := os.Stat(filepath.Join(dir, "k.json"))
	assert.NoError(t, err)

	require.NoError(t, c.Clear())
	_, err = os.Stat(filepath.Join(dir, "k.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestCache_CorruptFileIsMiss(t *testing.T) {
	c, dir := newTestCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

	_, ok := c.Get("bad")
	assert.False(t, ok)
}

func TestCache_Delete(t *testing.T) {
	c, dir := newTestCache(t)
	require.NoError(t, c.Set("k", json.RawMessage(`1`), 0, nil))

	require.NoError(t, c.Delete("k"))
	assert.False(t, c.Has("k"))
	_, err := os.Stat(filepath.Join(dir, "k.json"))
	assert.True(t, os.IsNotExist(err))

	// Deleting a missing key is fine.
	assert.NoError(t, c.Delete("k"))
}

func TestGetOrCompute_ComputesOncePerAbsence(t *testing.T) {
	c, _ := newTestCache(t)

	calls := 0
	compute := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"computed"`), nil
	}

	first, err := c.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)
	second, err := c.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)

	assert.JSONEq(t, `"computed"`, string(first))
	assert.JSONEq(t, `"computed"`, string(second))
	assert.Equal(t, 1, calls)
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c, _ := newTestCache(t)

	calls := 0
	boom := errors.New("backend down")
	_, err := c.GetOrCompute(context.Background(), "k", 0, func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	// The failure left nothing behind; the next call computes again.
	value, err := c.GetOrCompute(context.Background(), "k", 0, func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`2`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(value))
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_ConcurrentCallersShareOneCompute(t *testing.T) {
	c, _ := newTestCache(t)

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		close(entered)
		<-release
		return json.RawMessage(`"shared"`), nil
	}

	const waiters = 8
	results := make(chan json.RawMessage, waiters)
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			value, err := c.GetOrCompute(context.Background(), "k", 0, compute)
			results <- value
			errs <- err
		}()
	}

	// Hold the leader inside compute until every goroutine has had a
	// chance to pile up behind it, then let it finish.
	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < waiters; i++ {
		require.NoError(t, <-errs)
		assert.JSONEq(t, `"shared"`, string(<-results))
	}
	assert.Equal(t, int32(1), calls.Load(), "one compute must serve all concurrent callers")
}

func TestGetOrCompute_WaitersShareLeaderError(t *testing.T) {
	c, _ := newTestCache(t)

	boom := errors.New("backend down")
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})

	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(context.Background(), "k", 0, func(ctx context.Context) (json.RawMessage, error) {
			calls.Add(1)
			close(entered)
			<-release
			return nil, boom
		})
		leaderErr <- err
	}()

	<-entered
	followerErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(context.Background(), "k", 0, func(ctx context.Context) (json.RawMessage, error) {
			calls.Add(1)
			return nil, boom
		})
		followerErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	require.ErrorIs(t, <-leaderErr, boom)
	require.ErrorIs(t, <-followerErr, boom)
	assert.Equal(t, int32(1), calls.Load(), "the follower must not recompute the same absence")
}

func TestGetOrCompute_WaiterHonorsCancellation(t *testing.T) {
	c, _ := newTestCache(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = c.GetOrCompute(context.Background(), "k", 0, func(ctx context.Context) (json.RawMessage, error) {
			close(entered)
			<-release
			return json.RawMessage(`1`), nil
		})
	}()
	<-entered
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrCompute(ctx, "k", 0, func(ctx context.Context) (json.RawMessage, error) {
		t.Error("cancelled waiter must not compute")
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestKey_DeterministicAndSensitive(t *testing.T) {
	a := Key("step1", "prompt", map[string]any{"tone": "formal"})
	b := Key("step1", "prompt", map[string]any{"tone": "formal"})
	c := Key("step1", "prompt", map[string]any{"tone": "casual"})
	d := Key("step2", "prompt", map[string]any{"tone": "formal"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 16)
}

func TestKey_PartBoundariesMatter(t *testing.T) {
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
}
