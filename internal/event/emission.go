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

// Package event implements the emission queue and the boolean condition
// trees that connect emitted events to job goal changes.
package event

import "time"

// Progress tracks an emission through its lifecycle.
type Progress string

const (
	// ProgressPending means the emission is queued but not yet handled.
	ProgressPending Progress = "pending"
	// ProgressHandling means jobs have been matched and the emission is
	// waiting for any blocking jobs to release it.
	ProgressHandling Progress = "handling"
	// ProgressFinished means handling completed and the emission is about
	// to be destroyed.
	ProgressFinished Progress = "finished"
)

// Emission is one instance of a named event being raised.
//
// The queue owns an emission until its progress reaches finished and the
// blocking set is empty; it is then handed to the finish callback and
// dropped.
type Emission struct {
	ID       uint64
	Name     string
	Args     []string
	Env      []string
	Progress Progress
	Failed   bool
	EmitTime time.Time

	// blockers holds the ids of job instances whose goal change was
	// caused by this emission and has not yet concluded.
	blockers map[uint64]struct{}
}

// Block records that the job instance with the given id is holding this
// emission open.
func (e *Emission) Block(jobID uint64) {
	if e.blockers == nil {
		e.blockers = make(map[uint64]struct{})
	}
	e.blockers[jobID] = struct{}{}
}

// Release drops the job instance's hold on the emission. A failed release
// marks the whole emission failed.
func (e *Emission) Release(jobID uint64, failed bool) {
	delete(e.blockers, jobID)
	if failed {
		e.Failed = true
	}
}

// BlockerCount returns the number of job instances still blocking the
// emission.
func (e *Emission) BlockerCount() int {
	return len(e.blockers)
}

// Blocking reports whether the given job instance currently blocks the
// emission.
func (e *Emission) Blocking(jobID uint64) bool {
	_, ok := e.blockers[jobID]
	return ok
}

// Queue holds emissions from emit until destruction. It is only ever
// touched from the engine's reactor goroutine and needs no locking.
type Queue struct {
	nextID   uint64
	pending  []*Emission
	handling []*Emission
}

// NewQueue creates an empty emission queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Emit allocates a new pending emission and appends it to the queue. The
// returned emission is borrowed: the queue destroys it once it finishes
// and no job blocks it.
func (q *Queue) Emit(name string, args, env []string) *Emission {
	q.nextID++
	em := &Emission{
		ID:       q.nextID,
		Name:     name,
		Args:     append([]string(nil), args...),
		Env:      append([]string(nil), env...),
		Progress: ProgressPending,
		EmitTime: time.Now(),
	}
	q.pending = append(q.pending, em)
	return em
}

// TakePending drains the pending list in FIFO order, marking each emission
// as handling and moving it to the handling set. The caller matches jobs
// against the returned emissions.
func (q *Queue) TakePending() []*Emission {
	taken := q.pending
	q.pending = nil
	for _, em := range taken {
		em.Progress = ProgressHandling
		q.handling = append(q.handling, em)
	}
	return taken
}

// FinishReady destroys every handling emission whose blocking set is
// empty, invoking fn for each just after it is marked finished. fn
// typically fans out completion notifications.
func (q *Queue) FinishReady(fn func(*Emission)) {
	remaining := q.handling[:0]
	for _, em := range q.handling {
		if em.BlockerCount() > 0 {
			remaining = append(remaining, em)
			continue
		}
		em.Progress = ProgressFinished
		if fn != nil {
			fn(em)
		}
	}
	q.handling = remaining
}

// PendingCount returns the number of emissions not yet handled.
func (q *Queue) PendingCount() int {
	return len(q.pending)
}

// HandlingCount returns the number of emissions awaiting blocker release.
func (q *Queue) HandlingCount() int {
	return len(q.handling)
}

// ReleaseJob removes any hold the given job instance has across all
// handling emissions, for instance when the instance is destroyed.
// Finishing of newly unblocked emissions still happens via FinishReady.
func (q *Queue) ReleaseJob(jobID uint64, failed bool) {
	for _, em := range q.handling {
		if em.Blocking(jobID) {
			em.Release(jobID, failed)
		}
	}
}
