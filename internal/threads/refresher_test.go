package threads

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (c *countingReconciler) LoadFromRemote(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func TestRefresher_ReconcilesPeriodically(t *testing.T) {
	target := &countingReconciler{err: errors.New("offline")}
	r := NewRefresher(target, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return target.calls.Load() >= 3 }, time.Second, time.Millisecond,
		"failures must not stop the loop")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRefresher_StopsBeforeFirstTick(t *testing.T) {
	target := &countingReconciler{}
	r := NewRefresher(target, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	assert.Zero(t, target.calls.Load())
}

func TestNewRefresher_DefaultInterval(t *testing.T) {
	r := NewRefresher(&countingReconciler{}, 0, nil)
	assert.Equal(t, time.Minute, r.poll)
}
