package readsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dehc/pkg/domain"
)

func TestStaticFetch(t *testing.T) {
	src := Static{"WEIGHT": {"Person/Alice": "71.5"}}
	v, ok, err := src.Fetch(context.Background(), "WEIGHT", "Person/Alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "71.5", v)

	_, ok, err = src.Fetch(context.Background(), "HEIGHT", "Person/Alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileSourceLoadsCommentedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reads.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// scale at gate 3
		"WEIGHT": {"Person/Alice": "71.5", "Baggage/Bag1": "12",},
	}`), 0o600))
	src, err := OpenFile(path)
	require.NoError(t, err)

	v, ok, err := src.Fetch(context.Background(), "WEIGHT", "Baggage/Bag1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "12", v)
}

func TestFileSourceRejectsMissingFile(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestFileSourceReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reads.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"WEIGHT": {"Person/Alice": "70"}}`), 0o600))
	src, err := OpenFile(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx))
	defer func() { _ = src.Close() }()

	require.NoError(t, os.WriteFile(path, []byte(`{"WEIGHT": {"Person/Alice": "82"}}`), 0o600))
	select {
	case <-src.Reloaded():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	v, ok, err := src.Fetch(ctx, "WEIGHT", "Person/Alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "82", v)
}

func TestCachedServesRepeatFetchesFromCache(t *testing.T) {
	var calls atomic.Int32
	inner := domain.ReadSourceFunc(func(_ context.Context, source, key string) (string, bool, error) {
		calls.Add(1)
		if key == "Person/Bob" {
			return "", false, nil
		}
		return "64", true, nil
	})
	c := NewCached(inner, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, ok, err := c.Fetch(ctx, "WEIGHT", "Person/Alice")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "64", v)
	}
	require.Equal(t, int32(1), calls.Load())

	// Misses are not cached.
	for i := 0; i < 2; i++ {
		_, ok, err := c.Fetch(ctx, "WEIGHT", "Person/Bob")
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, int32(3), calls.Load())

	c.Invalidate("WEIGHT", "Person/Alice")
	_, _, _ = c.Fetch(ctx, "WEIGHT", "Person/Alice")
	require.Equal(t, int32(4), calls.Load())
}

func TestCachedCollapsesConcurrentFetches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	inner := domain.ReadSourceFunc(func(context.Context, string, string) (string, bool, error) {
		calls.Add(1)
		<-release
		return "1", true, nil
	})
	c := NewCached(inner, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := c.Fetch(context.Background(), "WEIGHT", "Person/Alice")
			if err != nil || !ok || v != "1" {
				t.Errorf("unexpected fetch result %q %v %v", v, ok, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.LessOrEqual(t, calls.Load(), int32(8))
	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestCachedWithoutTTLPassesThrough(t *testing.T) {
	var calls atomic.Int32
	c := NewCached(domain.ReadSourceFunc(func(context.Context, string, string) (string, bool, error) {
		calls.Add(1)
		return "64", true, nil
	}), 0)
	for i := 0; i < 3; i++ {
		_, ok, err := c.Fetch(context.Background(), "WEIGHT", "Person/Alice")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, int32(3), calls.Load())
	c.Invalidate("WEIGHT", "Person/Alice")
	c.Flush()
}

func TestCachedFlushesWhenFileReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reads.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"WEIGHT": {"Person/Alice": "23.5"}}`), 0o600))
	src, err := OpenFile(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx))
	defer func() { _ = src.Close() }()

	c := NewCached(src, time.Hour)
	c.FlushOn(ctx, src.Reloaded())
	v, _, err := c.Fetch(ctx, "WEIGHT", "Person/Alice")
	require.NoError(t, err)
	require.Equal(t, "23.5", v)

	require.NoError(t, os.WriteFile(path, []byte(`{"WEIGHT": {"Person/Alice": "40"}}`), 0o600))
	require.Eventually(t, func() bool {
		v, _, err := c.Fetch(ctx, "WEIGHT", "Person/Alice")
		return err == nil && v == "40"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCachedPropagatesErrors(t *testing.T) {
	boom := errors.New("scale offline")
	c := NewCached(domain.ReadSourceFunc(func(context.Context, string, string) (string, bool, error) {
		return "", false, boom
	}), 0)
	_, _, err := c.Fetch(context.Background(), "WEIGHT", "Person/Alice")
	require.ErrorIs(t, err, boom)
}
