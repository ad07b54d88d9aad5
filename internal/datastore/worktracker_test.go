package datastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkTrackerWaitsOnShutdown(t *testing.T) {
	w := NewWorkTracker(0, true)
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- w.Track(context.Background(), func(ctx context.Context) error {
			close(started)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	<-started
	assert.Equal(t, 1, w.InFlight())

	closed := make(chan error, 1)
	go func() { closed <- w.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned before work finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-closed)
	assert.Zero(t, w.InFlight())
}

func TestWorkTrackerCloseHonoursContext(t *testing.T) {
	w := NewWorkTracker(0, true)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go w.Track(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)
}

func TestWorkTrackerTimeout(t *testing.T) {
	w := NewWorkTracker(10*time.Millisecond, false)
	err := w.Track(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 10*time.Millisecond, te.MaxRuntime)
}

func TestWorkTrackerRejectsAfterClose(t *testing.T) {
	w := NewWorkTracker(0, false)
	require.NoError(t, w.Close(context.Background()))
	ran := false
	err := w.Track(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.False(t, ran)
}
