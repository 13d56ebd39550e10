package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySerializesSameSession(t *testing.T) {
	r := newSessionMutexRegistry()
	ctx := context.Background()

	var mu sync.Mutex
	var inCritical int
	var maxInCritical int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.acquire(ctx, "s-1")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical)
	assert.Equal(t, 0, r.size(), "entries are removed when the last holder releases")
}

func TestRegistryDifferentSessionsDoNotBlock(t *testing.T) {
	r := newSessionMutexRegistry()
	ctx := context.Background()

	releaseA, err := r.acquire(ctx, "s-a")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := r.acquire(ctx, "s-b")
		assert.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent session blocked")
	}
}

func TestRegistryAcquireHonorsDeadline(t *testing.T) {
	r := newSessionMutexRegistry()

	release, err := r.acquire(context.Background(), "s-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = r.acquire(ctx, "s-1")
	assert.Error(t, err)

	release()
	assert.Equal(t, 0, r.size())
}

func TestRegistryReleaseIsIdempotent(t *testing.T) {
	r := newSessionMutexRegistry()

	release, err := r.acquire(context.Background(), "s-1")
	require.NoError(t, err)

	release()
	release() // second call must be a no-op

	again, err := r.acquire(context.Background(), "s-1")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, r.size())
}
