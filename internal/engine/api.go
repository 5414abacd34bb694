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
	"fmt"

	"github.com/initware/initd/internal/job"
	"github.com/initware/initd/internal/journal"
	"github.com/initware/initd/internal/notify"
)

// ReplyStatus classifies the outcome of a start or stop request.
type ReplyStatus string

const (
	// ReplyJob means the request was accepted for the named instance.
	ReplyJob ReplyStatus = "job"
	// ReplyUnknown means no job matched the request.
	ReplyUnknown ReplyStatus = "unknown"
	// ReplyInvalid means the job exists but cannot accept the request:
	// it is being deleted, superseded by a replacement, or is an
	// instance-type definition that only events may start.
	ReplyInvalid ReplyStatus = "invalid"
	// ReplyUnchanged means the job already holds the requested goal.
	ReplyUnchanged ReplyStatus = "unchanged"
)

// JobReply is the outcome of a start or stop request for one instance.
type JobReply struct {
	Status ReplyStatus `json:"status"`
	ID     uint64      `json:"id,omitempty"`
	Name   string      `json:"name,omitempty"`
}

// findTarget resolves a request addressed by id (preferred) or name.
func (e *Engine) findTarget(name string, id uint64) *job.Instance {
	if id != 0 {
		return e.jobs.FindByID(id)
	}
	return e.jobs.FindByName(name)
}

// StartJob requests that a job pursue the start goal. When sink is
// non-nil it receives status pushes for the instance until the goal
// concludes.
func (e *Engine) StartJob(name string, id uint64, sink notify.Sink) JobReply {
	var reply JobReply
	e.call(func() {
		inst := e.findTarget(name, id)
		switch {
		case inst == nil:
			reply = JobReply{Status: ReplyUnknown, Name: name, ID: id}
		case inst.Def == nil || inst.Def.Deleted || inst.Replacement != nil:
			reply = JobReply{Status: ReplyInvalid, Name: inst.Name, ID: inst.ID}
		case inst.Def.Instance || inst.InstanceOf != nil:
			// Instance-type jobs are started only by events: the master
			// is a placeholder and a child's identity is its event
			// argument set, which an administrative start cannot supply.
			reply = JobReply{Status: ReplyInvalid, Name: inst.Name, ID: inst.ID}
		case inst.Goal == job.GoalStart:
			reply = JobReply{Status: ReplyUnchanged, Name: inst.Name, ID: inst.ID}
		default:
			if sink != nil {
				e.subs.SubscribeJob(sink, inst.ID, true)
			}
			job.ChangeGoal(e, inst, job.GoalStart, nil)
			reply = JobReply{Status: ReplyJob, Name: inst.Name, ID: inst.ID}
		}
	})
	return reply
}

// StopJob requests that a job pursue the stop goal. Stopping an
// instance-type master fans out to every live child, returning one reply
// per child. When sink is non-nil it receives status pushes until each
// targeted instance concludes.
func (e *Engine) StopJob(name string, id uint64, sink notify.Sink) []JobReply {
	var replies []JobReply
	e.call(func() {
		inst := e.findTarget(name, id)
		switch {
		case inst == nil:
			replies = []JobReply{{Status: ReplyUnknown, Name: name, ID: id}}
		case inst.Def == nil:
			replies = []JobReply{{Status: ReplyInvalid, Name: inst.Name, ID: inst.ID}}
		case inst.Def.Instance && inst.InstanceOf == nil:
			children := e.jobs.ChildrenOf(inst)
			if len(children) == 0 {
				replies = []JobReply{{Status: ReplyUnchanged, Name: inst.Name, ID: inst.ID}}
				return
			}
			for _, child := range children {
				replies = append(replies, e.stopOne(child, sink))
			}
		default:
			replies = []JobReply{e.stopOne(inst, sink)}
		}
	})
	return replies
}

func (e *Engine) stopOne(inst *job.Instance, sink notify.Sink) JobReply {
	if inst.Goal == job.GoalStop {
		return JobReply{Status: ReplyUnchanged, Name: inst.Name, ID: inst.ID}
	}
	if sink != nil {
		e.subs.SubscribeJob(sink, inst.ID, true)
	}
	job.ChangeGoal(e, inst, job.GoalStop, nil)
	return JobReply{Status: ReplyJob, Name: inst.Name, ID: inst.ID}
}

// EmitEvent queues an external event emission and returns its id. When
// sink is non-nil it receives progress notices until the emission
// finishes; for a blocking emit the caller waits for the finished notice.
func (e *Engine) EmitEvent(name string, args, env []string, sink notify.Sink) uint64 {
	var emID uint64
	e.call(func() {
		em := e.events.Emit(name, args, env)
		emissions.WithLabelValues(name).Inc()
		emID = em.ID
		if sink != nil {
			e.subs.SubscribeEvent(sink, em.ID)
		}
		e.recordEvent(em)
		e.subs.EventProgressed(emissionNotice(em), false)
	})
	return emID
}

// Status returns status snapshots: all instances when name is empty,
// otherwise the named job plus any multiplexed children.
func (e *Engine) Status(name string) ([]notify.JobStatus, error) {
	var (
		out []notify.JobStatus
		err error
	)
	e.call(func() {
		if name == "" {
			out = e.sortedStatuses()
			return
		}
		inst := e.jobs.FindByName(name)
		if inst == nil {
			err = fmt.Errorf("%w: %s", job.ErrUnknownJob, name)
			return
		}
		out = append(out, snapshot(inst))
		for _, child := range e.jobs.ChildrenOf(inst) {
			out = append(out, snapshot(child))
		}
	})
	return out, err
}

// WatchJobs subscribes the sink to status pushes for every job.
func (e *Engine) WatchJobs(sink notify.Sink) {
	e.call(func() { e.subs.SubscribeJob(sink, 0, false) })
}

// UnwatchJobs removes the sink's wildcard job subscription.
func (e *Engine) UnwatchJobs(sink notify.Sink) {
	e.call(func() { e.subs.UnsubscribeJobs(sink) })
}

// WatchEvents subscribes the sink to progress notices for every emission.
func (e *Engine) WatchEvents(sink notify.Sink) {
	e.call(func() { e.subs.SubscribeEvent(sink, 0) })
}

// UnwatchEvents removes the sink's wildcard event subscription.
func (e *Engine) UnwatchEvents(sink notify.Sink) {
	e.call(func() { e.subs.UnsubscribeEvents(sink) })
}

// DropSink discards every subscription held by a disconnected peer.
func (e *Engine) DropSink(sink notify.Sink) {
	e.call(func() { e.subs.DropSink(sink) })
}

// JournalRecent reads back recent journal entries, newest first.
func (e *Engine) JournalRecent(limit int, name string) ([]journal.Entry, error) {
	var (
		entries []journal.Entry
		err     error
	)
	e.call(func() {
		if e.journal == nil {
			err = fmt.Errorf("engine: no journal configured")
			return
		}
		entries, err = e.journal.Recent(limit, name)
	})
	return entries, err
}
