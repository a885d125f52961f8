package recurring

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/media-transform/pkg/testutils"
)

type periodic struct {
	interval time.Duration
	err      error

	lock    sync.Mutex
	nextRun time.Time
	runs    atomic.Int32
}

func (p *periodic) TimeUntilNextRun() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()
	return time.Until(p.nextRun)
}

func (p *periodic) Run() error {
	p.lock.Lock()
	p.nextRun = time.Now().Add(p.interval)
	p.lock.Unlock()
	p.runs.Inc()
	return p.err
}

type onDemand struct {
	due  atomic.Bool
	runs atomic.Int32
}

func (o *onDemand) TimeUntilNextRun() time.Duration {
	if o.due.Load() {
		return 0
	}
	return NoWork
}

func (o *onDemand) Run() error {
	o.due.Store(false)
	o.runs.Inc()
	return nil
}

func waitForRuns(t *testing.T, runs *atomic.Int32, atLeast int32) {
	testutils.WithTimeout(t, func() string {
		if n := runs.Load(); n < atLeast {
			return fmt.Sprintf("expected at least %d runs, got %d", atLeast, n)
		}
		return ""
	})
}

func TestExecutorRunsPeriodically(t *testing.T) {
	e := NewExecutor(ExecutorParams{Name: "test"})
	defer e.Close()

	p := &periodic{interval: 5 * time.Millisecond}
	require.True(t, e.Register(p))
	require.False(t, e.Register(p))
	waitForRuns(t, &p.runs, 3)
}

func TestExecutorKeepsGoingOnError(t *testing.T) {
	e := NewExecutor(ExecutorParams{})
	defer e.Close()

	failing := &periodic{interval: 5 * time.Millisecond, err: errors.New("transport down")}
	healthy := &periodic{interval: 5 * time.Millisecond}
	e.Register(failing)
	e.Register(healthy)
	waitForRuns(t, &failing.runs, 3)
	waitForRuns(t, &healthy.runs, 3)
}

func TestExecutorWake(t *testing.T) {
	e := NewExecutor(ExecutorParams{})
	defer e.Close()

	o := &onDemand{}
	e.Register(o)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, o.runs.Load())

	o.due.Store(true)
	e.Wake()
	waitForRuns(t, &o.runs, 1)

	o.due.Store(true)
	e.Wake()
	waitForRuns(t, &o.runs, 2)
}

func TestExecutorDeregister(t *testing.T) {
	e := NewExecutor(ExecutorParams{})

	p := &periodic{interval: 2 * time.Millisecond}
	e.Register(p)
	waitForRuns(t, &p.runs, 1)

	require.True(t, e.Deregister(p))
	require.False(t, e.Deregister(p))

	// at most one run can be in flight when deregistering
	time.Sleep(10 * time.Millisecond)
	runs := p.runs.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, runs, p.runs.Load())

	e.Close()
}

func TestExecutorClose(t *testing.T) {
	e := NewExecutor(ExecutorParams{Name: "idle"})
	o := &onDemand{}
	e.Register(o)

	closed := make(chan struct{})
	go func() {
		e.Close()
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not close")
	}

	// wakes after close are dropped
	o.due.Store(true)
	e.Wake()
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, o.runs.Load())
}
