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

// Package notify tracks which control connections asked to be told about
// job and event changes, and pushes status notifications to them.
//
// Subscriptions reference jobs and emissions weakly by id: the target may
// vanish at any moment, and a miss on revalidation simply means there is
// nothing left to notify about.
package notify

import (
	"log/slog"

	ilog "github.com/initware/initd/internal/log"
)

// JobStatus is the status snapshot pushed to job subscribers after every
// state transition.
type JobStatus struct {
	ID        uint64       `json:"id"`
	Name      string       `json:"name"`
	Goal      string       `json:"goal"`
	State     string       `json:"state"`
	Processes []JobProcess `json:"processes,omitempty"`
}

// JobProcess is one live process slot inside a JobStatus.
type JobProcess struct {
	Slot string `json:"slot"`
	PID  int    `json:"pid"`
}

// EventNotice reports an emission's progress to event subscribers.
type EventNotice struct {
	ID       uint64   `json:"id"`
	Name     string   `json:"name"`
	Args     []string `json:"args,omitempty"`
	Env      []string `json:"env,omitempty"`
	Progress string   `json:"progress"`
	Failed   bool     `json:"failed,omitempty"`
}

// Sink is where notifications are delivered, implemented by control
// connections. A delivery error means the peer is gone; the registry
// silently drops every subscription held by that sink.
type Sink interface {
	SendJobStatus(JobStatus) error
	SendEvent(EventNotice) error
}

// Kind distinguishes job from event subscriptions.
type Kind string

const (
	// KindJob subscribes to job status changes.
	KindJob Kind = "job"
	// KindEvent subscribes to emission progress.
	KindEvent Kind = "event"
)

// Subscription is one registered interest.
type Subscription struct {
	Kind Kind
	Sink Sink

	// JobID narrows a job subscription to one instance; zero watches
	// all jobs.
	JobID uint64

	// EmissionID narrows an event subscription to one emission; zero
	// watches all emissions.
	EmissionID uint64

	// OneShot subscriptions correlate a start/stop request with its
	// eventual outcome and are consumed once the instance concludes its
	// goal.
	OneShot bool
}

// Registry owns all subscriptions, independently of the jobs and events
// they reference. Only used from the reactor goroutine.
type Registry struct {
	logger *slog.Logger
	subs   []*Subscription
}

// NewRegistry creates an empty subscription registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: ilog.WithComponent(logger, "notify")}
}

// SubscribeJob registers interest in one job instance (or all jobs when
// jobID is zero).
func (r *Registry) SubscribeJob(sink Sink, jobID uint64, oneShot bool) *Subscription {
	sub := &Subscription{Kind: KindJob, Sink: sink, JobID: jobID, OneShot: oneShot}
	r.subs = append(r.subs, sub)
	return sub
}

// SubscribeEvent registers interest in one emission (or all emissions
// when emissionID is zero).
func (r *Registry) SubscribeEvent(sink Sink, emissionID uint64) *Subscription {
	sub := &Subscription{Kind: KindEvent, Sink: sink, EmissionID: emissionID}
	r.subs = append(r.subs, sub)
	return sub
}

// UnsubscribeJobs removes the sink's wildcard job subscription.
func (r *Registry) UnsubscribeJobs(sink Sink) {
	r.remove(func(s *Subscription) bool {
		return s.Sink == sink && s.Kind == KindJob && s.JobID == 0
	})
}

// UnsubscribeEvents removes the sink's wildcard event subscription.
func (r *Registry) UnsubscribeEvents(sink Sink) {
	r.remove(func(s *Subscription) bool {
		return s.Sink == sink && s.Kind == KindEvent && s.EmissionID == 0
	})
}

// DropSink removes every subscription held by the sink, used when its
// connection goes away.
func (r *Registry) DropSink(sink Sink) {
	r.remove(func(s *Subscription) bool { return s.Sink == sink })
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	return len(r.subs)
}

func (r *Registry) remove(match func(*Subscription) bool) {
	kept := r.subs[:0]
	for _, s := range r.subs {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	r.subs = kept
}

// JobStatusChanged delivers a job status snapshot to every matching
// subscription. rest marks that the instance concluded its goal,
// consuming one-shot subscriptions targeted at it. Failed deliveries
// drop all of the peer's subscriptions; that is recovery, not an error.
func (r *Registry) JobStatusChanged(st JobStatus, rest bool) {
	var dead []Sink
	for _, s := range r.subs {
		if s.Kind != KindJob {
			continue
		}
		if s.JobID != 0 && s.JobID != st.ID {
			continue
		}
		if err := s.Sink.SendJobStatus(st); err != nil {
			r.logger.Debug("dropping unreachable job subscriber", ilog.Error(err))
			dead = append(dead, s.Sink)
		}
	}
	for _, sink := range dead {
		r.DropSink(sink)
	}
	if rest {
		r.remove(func(s *Subscription) bool {
			return s.Kind == KindJob && s.OneShot && s.JobID == st.ID
		})
	}
}

// EventProgressed delivers an emission progress notice to every matching
// subscription. Subscriptions targeting the specific emission are
// consumed once it finishes.
func (r *Registry) EventProgressed(ev EventNotice, finished bool) {
	var dead []Sink
	for _, s := range r.subs {
		if s.Kind != KindEvent {
			continue
		}
		if s.EmissionID != 0 && s.EmissionID != ev.ID {
			continue
		}
		if err := s.Sink.SendEvent(ev); err != nil {
			r.logger.Debug("dropping unreachable event subscriber", ilog.Error(err))
			dead = append(dead, s.Sink)
		}
	}
	for _, sink := range dead {
		r.DropSink(sink)
	}
	if finished {
		r.remove(func(s *Subscription) bool {
			return s.Kind == KindEvent && s.EmissionID == ev.ID
		})
	}
}
