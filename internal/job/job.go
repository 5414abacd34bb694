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

// Package job implements the job state machine: definitions, running
// instances, goal and state transitions, and the respawn policy.
package job

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/initware/initd/internal/event"
)

// Goal is the desired end-state an administrator or event wants a job to
// reach.
type Goal string

const (
	// GoalStop means the job should not be running.
	GoalStop Goal = "stop"
	// GoalStart means the job should be running.
	GoalStart Goal = "start"
)

// State is the job's actual current position in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateStarting  State = "starting"
	StatePreStart  State = "pre-start"
	StateSpawned   State = "spawned"
	StatePostStart State = "post-start"
	StateRunning   State = "running"
	StatePreStop   State = "pre-stop"
	StateStopping  State = "stopping"
	StateKilled    State = "killed"
	StatePostStop  State = "post-stop"
	StateDeleted   State = "deleted"
)

// Slot names a process a job definition may run during its lifecycle.
type Slot string

const (
	SlotMain      Slot = "main"
	SlotPreStart  Slot = "pre-start"
	SlotPostStart Slot = "post-start"
	SlotPreStop   Slot = "pre-stop"
	SlotPostStop  Slot = "post-stop"
)

// Slots lists every process slot in lifecycle order.
var Slots = []Slot{SlotPreStart, SlotMain, SlotPostStart, SlotPreStop, SlotPostStop}

// Events emitted by the state machine as jobs move through their
// lifecycle. Each carries the job name as its single argument.
const (
	EventStarting = "starting"
	EventStarted  = "started"
	EventStopping = "stopping"
	EventStopped  = "stopped"
)

// DefaultKillTimeout is how long a job in the killed state is given to
// exit after SIGTERM before SIGKILL is sent, unless its definition
// overrides it.
const DefaultKillTimeout = 5 * time.Second

// SpawnFailedStatus is the synthetic exit status recorded when fork/exec
// of a slot fails. It feeds the normal respawn decision instead of being
// treated as an engine error.
const SpawnFailedStatus = 255

// ProcessSpec describes one process slot of a job definition.
type ProcessSpec struct {
	// Exec is the command line, split on whitespace at spawn time.
	Exec string
	// Expect is "daemon" when the main process forks and the real PID
	// must be discovered through PIDFile before the job is considered
	// running. Empty for ordinary processes.
	Expect string
	// PIDFile is the file the daemonizing process announces its PID in.
	PIDFile string
}

// RespawnPolicy controls automatic restart of a job's main process.
type RespawnPolicy struct {
	// Enabled restarts the main process after an unexpected non-zero
	// exit while the goal is still start.
	Enabled bool
	// Always restarts regardless of exit status.
	Always bool
	// Limit is the maximum number of respawns inside Interval before
	// the goal is forced to stop. Zero means unlimited.
	Limit int
	// Interval is the window for Limit. The counter resets once more
	// than Interval has passed since the last respawn.
	Interval time.Duration
}

// Limit is a resource limit applied to spawned processes.
type Limit struct {
	Cur uint64
	Max uint64
}

// Definition is the immutable template a job instance is derived from.
type Definition struct {
	Name        string
	Description string

	// Instance marks a definition that spawns a concurrent instance per
	// distinct matching event argument set, instead of a singleton.
	Instance bool

	// Deleted marks a definition whose file has been removed while
	// instances may still be running.
	Deleted bool

	Processes map[Slot]*ProcessSpec
	Respawn   RespawnPolicy

	StartOn *event.Condition
	StopOn  *event.Condition

	// Env is appended to the daemon environment for every spawned slot.
	Env []string

	// Console selects where slot output goes: "log", "null" or
	// "inherit" (default).
	Console string

	// Limits maps rlimit names (nofile, core, ...) to values applied to
	// spawned processes.
	Limits map[string]Limit

	// KillTimeout overrides DefaultKillTimeout when positive.
	KillTimeout time.Duration
}

// Process is a live entry in an instance's process table. An entry exists
// for a slot exactly while a process has been spawned for it and not yet
// been reaped.
type Process struct {
	PID int
}

// Instance is a mutable running unit derived from a Definition.
type Instance struct {
	// ID is the unique instance id; stable handle for weak references.
	ID uint64

	// Name mirrors the definition name.
	Name string

	Goal  Goal
	State State

	// Def points back at the definition. It is nil only transiently
	// during teardown.
	Def *Definition

	// InstanceOf points at the definition's master placeholder when this
	// is a multiplexed instance of an instance-type definition. The
	// master itself (and every singleton) has nil here.
	InstanceOf *Instance

	// InstanceKey is the distinct event argument set this multiplexed
	// instance was created for.
	InstanceKey string

	// Procs is the per-slot process table, owned by the instance.
	Procs map[Slot]*Process

	// Cause is the emission responsible for the current goal, held
	// blocked until the goal concludes. Nil for administrative changes.
	Cause *event.Emission

	// StartOn and StopOn are this instance's working copies of the
	// definition's condition trees, carrying the persistent satisfied
	// bits.
	StartOn *event.Condition
	StopOn  *event.Condition

	// Respawn bookkeeping, maintained by the sliding-window policy.
	RespawnCount int
	LastRespawn  time.Time

	// Failure record from the last stop sequence.
	Failed     bool
	FailedSlot Slot
	ExitStatus int

	// ExitSignal is set instead of ExitStatus when the main process was
	// killed by a signal.
	ExitSignal unix.Signal
	Signaled   bool

	// Replacement is a pending redefinition that becomes active once
	// this instance reaches the deleted state.
	Replacement *Definition
}

// Blocked reports whether the instance is holding an emission open while
// it pursues the goal that emission caused.
func (i *Instance) Blocked() bool {
	return i.Cause != nil
}

// MainPID returns the pid of the main process, or zero when no main
// process is alive.
func (i *Instance) MainPID() int {
	if p, ok := i.Procs[SlotMain]; ok {
		return p.PID
	}
	return 0
}

// AtRest reports whether the instance has concluded pursuit of its
// current goal: running with goal start, or waiting/deleted with goal
// stop. One-shot subscriptions are consumed at these points.
func (i *Instance) AtRest() bool {
	switch {
	case i.Goal == GoalStart && i.State == StateRunning:
		return true
	case i.Goal == GoalStop && (i.State == StateWaiting || i.State == StateDeleted):
		return true
	}
	return false
}

// KillTimeout returns the effective SIGTERM grace period for the job.
func (i *Instance) KillTimeout() time.Duration {
	if i.Def != nil && i.Def.KillTimeout > 0 {
		return i.Def.KillTimeout
	}
	return DefaultKillTimeout
}

// spec returns the process spec for a slot, or nil when the definition
// does not define it.
func (i *Instance) spec(slot Slot) *ProcessSpec {
	if i.Def == nil {
		return nil
	}
	return i.Def.Processes[slot]
}

// releaseCause drops the instance's hold on the emission that caused the
// current goal, reporting the instance's failure state into it.
func (i *Instance) releaseCause() {
	if i.Cause == nil {
		return
	}
	i.Cause.Release(i.ID, i.Failed)
	i.Cause = nil
}
