package showerlink

import (
	"context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"sync"
	"testing"
	"time"
)

func noDelays() func() {
	origRetrySleep := retrySleep
	retrySleep = 0
	return func() {
		retrySleep = origRetrySleep
	}
}

type retryable struct {
	open        bool
	hasClosed   bool
	openErr     error
	startedChan chan struct{}
	stopChan    chan error
}

func (r *retryable) Open() error {
	if r.openErr != nil {
		err := r.openErr
		r.openErr = nil
		return err
	}
	r.open = true
	return nil
}

func (r *retryable) Close() error {
	r.open = false
	r.hasClosed = true
	return nil
}

func (r *retryable) Start(ctx context.Context) error {
	r.startedChan <- struct{}{}
	select {
	case <-ctx.Done():
		r.open = false
		return ctx.Err()
	case err := <-r.stopChan:
		return err
	}
}

func (r *retryable) Name() string {
	return "retryable-test"
}

func TestRetry(t *testing.T) {
	defer noDelays()()
	r := retryable{
		startedChan: make(chan struct{}),
		stopChan:    make(chan error),
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Equal(t, context.Canceled, retry(ctx, &r))
		wg.Done()
	}()
	// wait for start to be called
	<-r.startedChan
	assert.True(t, r.open)

	// trigger start to exit with no error
	r.stopChan <- nil
	<-r.startedChan
	assert.True(t, r.open)
	assert.False(t, r.hasClosed)

	// emulate an error being returned from start
	r.stopChan <- errors.New("fake error")
	<-r.startedChan
	// check that it was closed and re-opened
	assert.True(t, r.hasClosed)
	assert.True(t, r.open)

	cancel()
	wg.Wait()
}

func TestRetryOpenFailure(t *testing.T) {
	defer noDelays()()
	r := retryable{
		openErr:     errors.New("no interface"),
		startedChan: make(chan struct{}),
		stopChan:    make(chan error),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- retry(ctx, &r)
	}()
	<-r.startedChan
	assert.True(t, r.open)
	assert.True(t, r.hasClosed, "failed open is closed before retrying")
	cancel()
	assert.Equal(t, context.Canceled, <-done)
}

func TestRetryStopsWhileSleeping(t *testing.T) {
	origRetrySleep := retrySleep
	retrySleep = time.Hour
	defer func() {
		retrySleep = origRetrySleep
	}()
	r := retryable{
		startedChan: make(chan struct{}),
		stopChan:    make(chan error),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- retry(ctx, &r)
	}()
	<-r.startedChan
	r.stopChan <- errors.New("fake error")
	cancel()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		assert.Fail(t, "retry did not return while backing off")
	}
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), 0))
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, 0))
	assert.False(t, sleepCtx(ctx, time.Hour))
}
