// Copyright 2026 The initd Authors
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

package engine

import (
	"context"
	"log/slog"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/initware/initd/internal/job"
	ilog "github.com/initware/initd/internal/log"
)

// Run executes the reactor loop until ctx is cancelled and every job has
// stopped (or the drain timeout expires). Each iteration drains ready
// control operations, reaps exited children, and then runs one event
// dispatch pass, in that order.
func Run(ctx context.Context, e *Engine) error {
	signal.Notify(e.sigchld, unix.SIGCHLD)
	defer signal.Stop(e.sigchld)

	e.running.Store(true)
	defer e.running.Store(false)

	// Jobs that start on boot are woken by this.
	e.Emit(EventStartup, nil, nil)
	e.pollEvents()
	e.updateGauges()

	ctxDone := ctx.Done()
	var drainDeadline <-chan time.Time

	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			drainDeadline = time.After(e.cfg.DrainTimeout)
			e.beginShutdown()
		case <-drainDeadline:
			e.logger.Warn("drain timeout, abandoning remaining jobs")
			return nil
		case <-e.sigchld:
		case op := <-e.ops:
			op()
		}

		// Drain whatever else became ready before the dispatch pass.
	drain:
		for {
			select {
			case <-e.sigchld:
			case op := <-e.ops:
				op()
			default:
				break drain
			}
		}

		e.reap()
		e.pollEvents()
		e.updateGauges()

		if e.stopping && e.atRest() {
			e.logger.Info("all jobs stopped, exiting")
			return nil
		}
	}
}

// reap collects exited children and feeds each back into its owning
// instance's state machine. Orphans inherited as process 1 are reaped
// and dropped.
func (e *Engine) reap() {
	for _, exit := range e.procs.Reap() {
		if !exit.Known {
			reaps.WithLabelValues("orphan").Inc()
			e.logger.Debug("reaped orphan", slog.Int(ilog.PIDKey, exit.PID))
			continue
		}
		reaps.WithLabelValues("job").Inc()

		inst := e.jobs.FindByID(exit.Owner.JobID)
		if inst == nil {
			continue
		}
		e.logger.Debug("process exited",
			slog.Int(ilog.PIDKey, exit.PID),
			slog.String(ilog.JobKey, inst.Name),
			slog.String(ilog.SlotKey, exit.Owner.Slot),
			slog.Int("status", exit.Status),
			slog.Bool("signaled", exit.Signaled))
		job.ProcessTerminated(e, inst, job.Slot(exit.Owner.Slot), exit.Status, exit.Signaled)
	}
}

// beginShutdown flips every instance to goal stop so the loop can drain.
func (e *Engine) beginShutdown() {
	e.stopping = true
	e.logger.Info("shutting down, stopping all jobs")
	for _, inst := range e.jobs.Instances() {
		if inst.InstanceOf == nil && inst.Def != nil && inst.Def.Instance {
			// Master placeholders never run; their children are stopped
			// individually below.
			continue
		}
		job.ChangeGoal(e, inst, job.GoalStop, nil)
	}
}

// atRest reports whether nothing is left running or mid-sequence.
func (e *Engine) atRest() bool {
	if e.procs.Live() > 0 {
		return false
	}
	for _, inst := range e.jobs.Instances() {
		if inst.State != job.StateWaiting {
			return false
		}
	}
	return true
}
