// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package recurring

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
)

// NoWork is the TimeUntilNextRun of a runnable with nothing scheduled.
const NoWork = time.Duration(math.MaxInt64)

type Runnable interface {
	// TimeUntilNextRun returns 0 when Run should be called now.
	TimeUntilNextRun() time.Duration
	Run() error
}

type ExecutorParams struct {
	Name   string
	Clock  clock.Clock
	Logger logger.Logger
}

// Executor runs many runnables on a single goroutine, sleeping until the earliest of
// them is due or until woken.
type Executor struct {
	params ExecutorParams

	lock      sync.Mutex
	runnables []Runnable

	wake chan struct{}
	stop core.Fuse
	done chan struct{}
}

func NewExecutor(params ExecutorParams) *Executor {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Name != "" {
		params.Logger = params.Logger.WithValues("executor", params.Name)
	}

	e := &Executor{
		params: params,
		wake:   make(chan struct{}, 1),
		stop:   core.NewFuse(),
		done:   make(chan struct{}),
	}
	go e.worker()
	return e
}

// Register adds r, returning false if it was already registered.
func (e *Executor) Register(r Runnable) bool {
	e.lock.Lock()
	for _, existing := range e.runnables {
		if existing == r {
			e.lock.Unlock()
			return false
		}
	}
	e.runnables = append(e.runnables, r)
	e.lock.Unlock()

	e.Wake()
	return true
}

func (e *Executor) Deregister(r Runnable) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	for i, existing := range e.runnables {
		if existing == r {
			e.runnables = append(e.runnables[:i:i], e.runnables[i+1:]...)
			return true
		}
	}
	return false
}

// Wake makes the executor re-evaluate its runnables.
func (e *Executor) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close stops the executor and waits for the goroutine to exit.
func (e *Executor) Close() {
	e.stop.Break()
	<-e.done
}

func (e *Executor) worker() {
	defer close(e.done)

	for {
		wait := e.runDue()

		var timer *clock.Timer
		var expired <-chan time.Time
		if wait != NoWork {
			timer = e.params.Clock.Timer(wait)
			expired = timer.C
		}

		select {
		case <-e.stop.Watch():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.wake:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// runDue runs every due runnable and returns the time until the next one is due.
func (e *Executor) runDue() time.Duration {
	e.lock.Lock()
	runnables := make([]Runnable, len(e.runnables))
	copy(runnables, e.runnables)
	e.lock.Unlock()

	wait := NoWork
	for _, r := range runnables {
		d := r.TimeUntilNextRun()
		if d <= 0 {
			if err := r.Run(); err != nil {
				e.params.Logger.Warnw("recurring run failed", err)
			}
			d = r.TimeUntilNextRun()
		}
		if d < 0 {
			d = 0
		}
		if d < wait {
			wait = d
		}
	}
	return wait
}
