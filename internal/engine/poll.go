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
	"log/slog"

	"github.com/initware/initd/internal/event"
	"github.com/initware/initd/internal/job"
	ilog "github.com/initware/initd/internal/log"
)

// pollEvents runs one dispatch pass: every pending emission is matched
// against every instance's conditions in registration order, then
// emissions whose blocking set is empty are finished and destroyed.
//
// Matching an emission may itself emit (a goal change reaching starting
// emits "starting", and so on). Those land on the pending list and are
// handled by the next pass, keeping dispatch strictly breadth-first.
func (e *Engine) pollEvents() {
	for _, em := range e.events.TakePending() {
		e.logger.Debug("handling event",
			slog.String(ilog.EventKey, em.Name),
			slog.Uint64(ilog.EmissionKey, em.ID))
		e.recordEvent(em)
		e.subs.EventProgressed(emissionNotice(em), false)
		e.matchEmission(em)
	}

	e.events.FinishReady(func(em *event.Emission) {
		result := "ok"
		if em.Failed {
			result = "failed"
		}
		emissionsFinished.WithLabelValues(result).Inc()
		e.logger.Debug("event finished",
			slog.String(ilog.EventKey, em.Name),
			slog.Uint64(ilog.EmissionKey, em.ID),
			slog.Bool("failed", em.Failed))
		e.recordEvent(em)
		e.subs.EventProgressed(emissionNotice(em), true)
	})
}

// matchEmission records the emission against every instance's working
// condition copies and changes goals for trees that newly became
// satisfied. Instance-type masters spawn a multiplexed child per distinct
// argument set instead of starting themselves.
func (e *Engine) matchEmission(em *event.Emission) {
	for _, inst := range e.jobs.Instances() {
		if inst.Def == nil {
			continue
		}

		if inst.Def.Instance && inst.InstanceOf == nil {
			e.matchMaster(em, inst)
			continue
		}

		e.matchStart(em, inst)
		e.matchStop(em, inst)
	}
}

// matchStart drives a stopped singleton or child toward start when its
// start condition becomes satisfied.
func (e *Engine) matchStart(em *event.Emission, inst *job.Instance) {
	if inst.StartOn == nil || inst.Goal == job.GoalStart {
		return
	}
	if inst.Def.Deleted || inst.Replacement != nil {
		// On the way out; never start it again.
		return
	}
	if !inst.StartOn.Record(em.Name, em.Args) || !inst.StartOn.Satisfied() {
		return
	}
	inst.StartOn.Reset()
	e.logger.Info("event starts job",
		slog.String(ilog.EventKey, em.Name),
		slog.String(ilog.JobKey, inst.Name))
	job.ChangeGoal(e, inst, job.GoalStart, em)
}

// matchStop drives a started instance toward stop when its stop condition
// becomes satisfied.
func (e *Engine) matchStop(em *event.Emission, inst *job.Instance) {
	if inst.StopOn == nil || inst.Goal == job.GoalStop {
		return
	}
	if !inst.StopOn.Record(em.Name, em.Args) || !inst.StopOn.Satisfied() {
		return
	}
	inst.StopOn.Reset()
	e.logger.Info("event stops job",
		slog.String(ilog.EventKey, em.Name),
		slog.String(ilog.JobKey, inst.Name))
	job.ChangeGoal(e, inst, job.GoalStop, em)
}

// matchMaster handles start matching for an instance-type definition's
// master placeholder: a newly satisfied start condition creates (or
// reuses) the child keyed by the emission's argument set and starts that.
// The master itself never leaves waiting.
func (e *Engine) matchMaster(em *event.Emission, master *job.Instance) {
	if master.StartOn == nil || master.Def.Deleted || master.Replacement != nil {
		return
	}
	if !master.StartOn.Record(em.Name, em.Args) || !master.StartOn.Satisfied() {
		return
	}
	master.StartOn.Reset()

	key := job.InstanceKeyFor(em.Args)
	child := e.jobs.ChildForKey(master, key)
	if child == nil {
		child = e.jobs.NewChild(master, key)
		e.logger.Info("event spawns job instance",
			slog.String(ilog.EventKey, em.Name),
			slog.String(ilog.JobKey, master.Name),
			slog.Uint64(ilog.JobIDKey, child.ID))
	}
	job.ChangeGoal(e, child, job.GoalStart, em)
}
