package filelock_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/spool/filelock"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "staging.lock")

	lock, err := filelock.Acquire(context.Background(), path, 10*time.Millisecond)
	require.NoError(t, err)
	assert.FileExists(t, path)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path)
}

func TestAcquire_BlocksUntilReleased(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "staging.lock")

	first, err := filelock.Acquire(context.Background(), path, 10*time.Millisecond)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		_ = first.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	second, err := filelock.Acquire(ctx, path, 5*time.Millisecond)
	require.NoError(t, err)
	defer second.Release()

	<-done
}

func TestAcquire_ContextCancelled(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "staging.lock")

	first, err := filelock.Acquire(context.Background(), path, 10*time.Millisecond)
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = filelock.Acquire(ctx, path, 5*time.Millisecond)
	assert.Error(t, err)
}
