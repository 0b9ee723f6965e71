package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
)

type countingSweeper struct {
	calls atomic.Int32
	limit atomic.Int32
	err   error
}

func (c *countingSweeper) Sweep(_ context.Context, limit int) (delivery.Report, error) {
	c.calls.Add(1)
	c.limit.Store(int32(limit))
	return delivery.Report{Deliveries: 1, Delivered: 1}, c.err
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("not a schedule", &countingSweeper{}, 10, 0, nil)
	assert.Error(t, err)
}

func TestRunOncePassesLimit(t *testing.T) {
	sw := &countingSweeper{}
	s, err := New("", sw, 25, time.Second, nil)
	require.NoError(t, err)

	s.RunOnce()
	assert.EqualValues(t, 1, sw.calls.Load())
	assert.EqualValues(t, 25, sw.limit.Load())
}

func TestRunOnceToleratesErrors(t *testing.T) {
	for _, e := range []error{delivery.ErrSweepInProgress, errors.New("db down")} {
		sw := &countingSweeper{err: e}
		s, err := New("@every 1h", sw, 10, time.Second, nil)
		require.NoError(t, err)
		assert.NotPanics(t, s.RunOnce)
	}
}

func TestScheduleFires(t *testing.T) {
	sw := &countingSweeper{}
	s, err := New("@every 1s", sw, 10, time.Second, nil)
	require.NoError(t, err)

	s.Start()
	defer func() { <-s.Stop().Done() }()

	assert.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}
