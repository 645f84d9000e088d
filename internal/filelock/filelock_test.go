package filelock

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockRunsFn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ran := false
	err := WithLock(path, DefaultConfig(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockRemovesLockFileOnSuccessAndError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WithLock(path, DefaultConfig(), func() error { return nil }))
	_, err := os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))

	errFn := assert.AnError
	err = WithLock(path, DefaultConfig(), func() error { return errFn })
	assert.ErrorIs(t, err, errFn)
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock must be removed even when fn errors")
}

func TestWithLockReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	lockPath := path + ".lock"

	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
	old := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	cfg := DefaultConfig()
	cfg.StaleThreshold = 10 * time.Millisecond
	ran := false
	err := WithLock(path, cfg, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockSerializesConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	var counter int64
	var maxObserved int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithLock(path, DefaultConfig(), func() error {
				n := atomic.AddInt64(&counter, 1)
				for {
					cur := atomic.LoadInt64(&maxObserved)
					if n <= cur || atomic.CompareAndSwapInt64(&maxObserved, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&counter, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), counter)
	assert.Equal(t, int64(1), atomic.LoadInt64(&maxObserved), "at most one writer may hold the lock at a time")
}

func TestWithLockProceedsGracefullyWhenContended(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	lockPath := path + ".lock"
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))

	cfg := Config{StaleThreshold: time.Hour, MaxRetries: 2, RetryBudget: 20 * time.Millisecond}
	ran := false
	err := WithLock(path, cfg, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "fn must still run even if the lock could not be acquired")
}
