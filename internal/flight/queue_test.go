package flight

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_SingleRun(t *testing.T) {
	var calls atomic.Int32
	q := New(context.Background(), func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	assert.True(t, q.Trigger())
	q.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, q.Runs())
}

func TestQueue_CoalescesMidRunRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls, concurrent, maxConcurrent atomic.Int32

	q := New(context.Background(), func(context.Context) error {
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		concurrent.Add(-1)
		return nil
	}, nil)

	q.Trigger()
	<-started
	for i := 0; i < 10; i++ {
		q.Trigger()
	}
	close(release)
	q.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestQueue_ReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	var got error
	q := New(context.Background(), func(context.Context) error { return boom }, func(err error) { got = err })
	q.Trigger()
	q.Wait()
	assert.ErrorIs(t, got, boom)
}

func TestQueue_Close(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var sawCancel atomic.Bool

	q := New(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}, nil)

	q.Trigger()
	<-started
	q.Trigger()
	q.Close()
	close(release)
	q.Wait()

	assert.False(t, q.Trigger())
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, sawCancel.Load(), "in-flight run is not interrupted")
}
