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

package job

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/initware/initd/internal/event"
)

// Runtime is the set of engine services the state machine drives. Every
// method is invoked from the reactor goroutine; none may block.
type Runtime interface {
	// Spawn forks and execs the given slot's process, returning its pid.
	// The engine records pid ownership for the reaper; the state machine
	// records it in the instance's process table.
	Spawn(inst *Instance, slot Slot) (int, error)

	// Kill delivers a signal to the process group led by pid.
	Kill(pid int, sig unix.Signal) error

	// StartKillTimer arranges for the engine to escalate to SIGKILL
	// after d, unless stopped first.
	StartKillTimer(inst *Instance, d time.Duration)

	// StopKillTimer cancels a pending escalation.
	StopKillTimer(inst *Instance)

	// WaitDaemon begins watching the main slot's pidfile for the
	// announced PID of a forking daemon. The engine later calls
	// DaemonReady or DaemonTimeout.
	WaitDaemon(inst *Instance)

	// Emit queues an event emission on the engine's event bus.
	Emit(name string, args, env []string)

	// Notify fans the instance's status out to subscribers after every
	// state transition. rest marks goal conclusion, consuming one-shot
	// subscriptions.
	Notify(inst *Instance, rest bool)

	// Deleted removes the instance from the registry, swapping in any
	// queued replacement.
	Deleted(inst *Instance)

	// Now is the state machine's clock; injected for respawn-window
	// tests.
	Now() time.Time
}

// validNext lists the permitted transition edges. Anything else is a
// programming error and panics.
var validNext = map[State][]State{
	StateWaiting:   {StateStarting, StateDeleted},
	StateStarting:  {StatePreStart, StateStopping},
	StatePreStart:  {StateSpawned, StateStopping},
	StateSpawned:   {StatePostStart, StateStopping},
	StatePostStart: {StateRunning, StateStopping},
	StateRunning:   {StatePreStop, StateStopping},
	StatePreStop:   {StateRunning, StateStopping},
	StateStopping:  {StateKilled},
	StateKilled:    {StatePostStop},
	StatePostStop:  {StateWaiting, StateStarting, StateDeleted},
}

func validTransition(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextState returns the state the instance should move to from its
// current state, given its goal. Respawn eligibility from post-stop is
// decided by the caller.
func NextState(inst *Instance) State {
	switch inst.Goal {
	case GoalStart:
		switch inst.State {
		case StateWaiting:
			return StateStarting
		case StateStarting:
			return StatePreStart
		case StatePreStart:
			return StateSpawned
		case StateSpawned:
			return StatePostStart
		case StatePostStart:
			return StateRunning
		case StateRunning:
			// Only reached when the main process died.
			return StateStopping
		case StatePreStop:
			return StateRunning
		case StateStopping:
			return StateKilled
		case StateKilled:
			return StatePostStop
		case StatePostStop:
			return StateStarting
		}
	case GoalStop:
		switch inst.State {
		case StateStarting, StatePreStart, StateSpawned, StatePostStart:
			return StateStopping
		case StateRunning:
			return StatePreStop
		case StatePreStop:
			return StateStopping
		case StateStopping:
			return StateKilled
		case StateKilled:
			return StatePostStop
		case StatePostStop:
			if shouldDelete(inst) {
				return StateDeleted
			}
			return StateWaiting
		case StateWaiting:
			return StateDeleted
		}
	}
	panic(fmt.Sprintf("job: no next state for %s with goal %s", inst.State, inst.Goal))
}

// shouldDelete reports whether the instance reaches deleted rather than
// waiting once stopped: multiplexed instances always do, singletons when
// their definition is gone or superseded.
func shouldDelete(inst *Instance) bool {
	if inst.InstanceOf != nil {
		return true
	}
	if inst.Replacement != nil {
		return true
	}
	return inst.Def == nil || inst.Def.Deleted
}

// ChangeGoal changes the instance's goal and, when the instance is at a
// resting state, drives the state machine toward the new goal. Changing
// to the goal the instance already has is a no-op. The cause emission, if
// any, is held blocked until the goal concludes.
//
// A goal change mid-sequence never skips states or kills processes early:
// the machine re-targets and gracefully finishes the slot it is in before
// reversing.
func ChangeGoal(rt Runtime, inst *Instance, goal Goal, cause *event.Emission) {
	if inst.Goal == goal {
		return
	}

	inst.Goal = goal

	// A previous cause that never concluded is released before the new
	// one is attached.
	inst.releaseCause()
	if cause != nil {
		cause.Block(inst.ID)
		inst.Cause = cause
	}

	switch goal {
	case GoalStart:
		if inst.State == StateWaiting {
			ChangeState(rt, inst, StateStarting)
		}
	case GoalStop:
		switch inst.State {
		case StateRunning:
			ChangeState(rt, inst, StatePreStop)
		case StateWaiting:
			// Already at rest; nothing will drive the machine, so the
			// cause concludes immediately.
			inst.releaseCause()
			rt.Notify(inst, true)
		}
		// In any process-waiting state the next process exit re-targets
		// via NextState.
	}
}

// ChangeState moves the instance to the given state, performs the state's
// entry work, and keeps advancing through transient states until the
// machine comes to rest on a process or a terminal condition.
func ChangeState(rt Runtime, inst *Instance, to State) {
	for {
		from := inst.State
		if !validTransition(from, to) {
			panic(fmt.Sprintf("job %s: invalid transition %s -> %s", inst.Name, from, to))
		}
		inst.State = to

		next, advance := enterState(rt, inst, from)
		rt.Notify(inst, inst.AtRest())

		if to == StateDeleted {
			rt.Deleted(inst)
			return
		}
		if !advance {
			return
		}
		to = next
	}
}

// enterState performs the entry actions for the instance's (just set)
// current state. It returns the state to advance to and whether to
// advance now; advance is false when the machine must wait for a process
// exit, a timer, or an external notification.
func enterState(rt Runtime, inst *Instance, from State) (State, bool) {
	switch inst.State {
	case StateStarting:
		inst.Failed = false
		inst.FailedSlot = ""
		inst.Signaled = false
		rt.Emit(EventStarting, []string{inst.Name}, nil)
		return NextState(inst), true

	case StatePreStart:
		return spawnHook(rt, inst, SlotPreStart)

	case StateSpawned:
		spec := inst.spec(SlotMain)
		if spec == nil {
			// A job without a main process is a task that only runs
			// hooks; it still passes through the running state.
			return NextState(inst), true
		}
		if !spawnSlot(rt, inst, SlotMain) {
			forceStop(inst)
			return NextState(inst), true
		}
		if spec.Expect == "daemon" {
			rt.WaitDaemon(inst)
			return "", false
		}
		return NextState(inst), true

	case StatePostStart:
		return spawnHook(rt, inst, SlotPostStart)

	case StateRunning:
		rt.Emit(EventStarted, []string{inst.Name}, nil)
		if inst.Goal == GoalStart {
			// Goal reached; the cause emission concludes here.
			inst.releaseCause()
		}
		if inst.Goal == GoalStop {
			return NextState(inst), true
		}
		if inst.MainPID() == 0 {
			// Hook-only task: nothing to supervise, stop straight away.
			inst.Goal = GoalStop
			return NextState(inst), true
		}
		return "", false

	case StatePreStop:
		if inst.spec(SlotPreStop) == nil {
			return NextState(inst), true
		}
		if !spawnSlot(rt, inst, SlotPreStop) {
			return NextState(inst), true
		}
		return "", false

	case StateStopping:
		rt.Emit(EventStopping, []string{inst.Name}, stopEnv(inst))
		return NextState(inst), true

	case StateKilled:
		pid := inst.MainPID()
		if pid == 0 {
			return NextState(inst), true
		}
		if err := rt.Kill(pid, unix.SIGTERM); err != nil {
			// Process vanished between reap and kill; its exit will
			// arrive through the reaper shortly, or already has.
			delete(inst.Procs, SlotMain)
			return NextState(inst), true
		}
		rt.StartKillTimer(inst, inst.KillTimeout())
		return "", false

	case StatePostStop:
		rt.StopKillTimer(inst)
		return spawnHook(rt, inst, SlotPostStop)

	case StateWaiting:
		rt.Emit(EventStopped, []string{inst.Name}, stopEnv(inst))
		inst.releaseCause()
		return "", false

	case StateDeleted:
		// Process table entries are owned by the instance and must all
		// have been reaped by now.
		for slot, p := range inst.Procs {
			panic(fmt.Sprintf("job %s: deleted with live %s process %d", inst.Name, slot, p.PID))
		}
		if from != StateWaiting {
			rt.Emit(EventStopped, []string{inst.Name}, stopEnv(inst))
		}
		inst.releaseCause()
		inst.Def = nil
		return "", false
	}
	panic(fmt.Sprintf("job %s: entered unknown state %s", inst.Name, inst.State))
}

// spawnHook handles entry into the four hook states: spawn the slot if
// defined, otherwise advance immediately.
func spawnHook(rt Runtime, inst *Instance, slot Slot) (State, bool) {
	if inst.spec(slot) == nil {
		return advanceFromHook(rt, inst)
	}
	if !spawnSlot(rt, inst, slot) {
		if slot == SlotPreStart {
			forceStop(inst)
		}
		return advanceFromHook(rt, inst)
	}
	return "", false
}

// spawnSlot runs a slot's process and records it in the process table.
// A spawn failure is a failed state transition, not an engine error: the
// job is treated as exited with a synthetic status.
func spawnSlot(rt Runtime, inst *Instance, slot Slot) bool {
	if p, ok := inst.Procs[slot]; ok {
		panic(fmt.Sprintf("job %s: slot %s already holds pid %d", inst.Name, slot, p.PID))
	}

	pid, err := rt.Spawn(inst, slot)
	if err != nil {
		recordFailure(inst, slot, SpawnFailedStatus, 0, false)
		return false
	}
	if inst.Procs == nil {
		inst.Procs = make(map[Slot]*Process)
	}
	inst.Procs[slot] = &Process{PID: pid}
	return true
}

// forceStop aborts the current start attempt.
func forceStop(inst *Instance) {
	inst.Goal = GoalStop
}

// ProcessTerminated is invoked by the engine's reaper when a process
// belonging to the instance has exited. status is the exit code, or the
// signal number when signaled is set. It clears the slot and advances the
// state machine according to which slot exited and where the machine was
// waiting.
func ProcessTerminated(rt Runtime, inst *Instance, slot Slot, status int, signaled bool) {
	delete(inst.Procs, slot)

	if slot == SlotMain {
		mainTerminated(rt, inst, status, signaled)
		return
	}

	// Hook slots always advance the sequence regardless of exit code,
	// except a failing pre-start which aborts the start attempt.
	if status != 0 && slot == SlotPreStart {
		recordFailure(inst, slot, status, 0, signaled)
		forceStop(inst)
	}

	if hookState(slot) == inst.State {
		advanceTo(rt, inst)
	}
}

func mainTerminated(rt Runtime, inst *Instance, status int, signaled bool) {
	switch inst.State {
	case StateSpawned, StateRunning:
		// An exit while the goal is stop is expected and carries no
		// failure; while the goal is start it feeds the respawn
		// decision taken on leaving post-stop.
		recordExit(inst, status, signaled)
		if inst.Goal == GoalStart && (status != 0 || signaled) {
			inst.Failed = true
			inst.FailedSlot = SlotMain
		}
		ChangeState(rt, inst, StateStopping)

	case StateKilled:
		recordExit(inst, status, signaled)
		rt.StopKillTimer(inst)
		ChangeState(rt, inst, StatePostStop)

	default:
		// The main process died while a hook was in flight (for example
		// during pre-stop). Record the exit; the hook's own completion
		// drives the next transition.
		recordExit(inst, status, signaled)
	}
}

// advanceTo moves out of a hook state once its process has finished,
// consulting the respawn policy when leaving post-stop with goal start.
func advanceTo(rt Runtime, inst *Instance) {
	next, _ := advanceFromHook(rt, inst)
	ChangeState(rt, inst, next)
}

// advanceFromHook decides the state after a hook completes (or was never
// defined), applying the respawn policy when leaving post-stop with goal
// start.
func advanceFromHook(rt Runtime, inst *Instance) (State, bool) {
	if inst.State == StatePostStop && inst.Goal == GoalStart {
		if !respawnEligible(rt, inst) {
			inst.Goal = GoalStop
		}
	}
	return NextState(inst), true
}

func hookState(slot Slot) State {
	switch slot {
	case SlotPreStart:
		return StatePreStart
	case SlotPostStart:
		return StatePostStart
	case SlotPreStop:
		return StatePreStop
	case SlotPostStop:
		return StatePostStop
	}
	return ""
}

// respawnEligible applies the respawn policy when the machine is about to
// re-enter starting from post-stop. The counter resets once the window
// has elapsed since the last respawn; exceeding the limit inside the
// window forces the goal to stop.
func respawnEligible(rt Runtime, inst *Instance) bool {
	pol := inst.Def.Respawn
	if !pol.Always {
		if !pol.Enabled {
			return false
		}
		if !inst.Signaled && inst.ExitStatus == 0 {
			return false
		}
	}

	now := rt.Now()
	if pol.Interval > 0 && !inst.LastRespawn.IsZero() && now.Sub(inst.LastRespawn) > pol.Interval {
		inst.RespawnCount = 0
	}
	inst.RespawnCount++
	inst.LastRespawn = now

	if pol.Limit > 0 && inst.RespawnCount > pol.Limit {
		return false
	}
	return true
}

// DaemonReady is called by the engine once a forking daemon's announced
// PID has been read from its pidfile. The process table is re-pointed at
// the real PID and the machine advances out of spawned.
func DaemonReady(rt Runtime, inst *Instance, pid int) {
	if inst.State != StateSpawned {
		return
	}
	inst.Procs[SlotMain] = &Process{PID: pid}
	ChangeState(rt, inst, NextState(inst))
}

// DaemonTimeout is called by the engine when the announced PID never
// appeared. The job is treated as failed to spawn.
func DaemonTimeout(rt Runtime, inst *Instance) {
	if inst.State != StateSpawned {
		return
	}
	recordFailure(inst, SlotMain, SpawnFailedStatus, 0, false)
	forceStop(inst)
	ChangeState(rt, inst, NextState(inst))
}

// KillTimedOut is called by the engine when the SIGTERM grace period in
// the killed state has elapsed with the main process still alive.
func KillTimedOut(rt Runtime, inst *Instance) {
	if inst.State != StateKilled {
		return
	}
	if pid := inst.MainPID(); pid != 0 {
		_ = rt.Kill(pid, unix.SIGKILL)
	}
	// The reaper observes the death and advances to post-stop.
}

func recordExit(inst *Instance, status int, signaled bool) {
	inst.Signaled = signaled
	if signaled {
		inst.ExitSignal = unix.Signal(status)
		inst.ExitStatus = 0
	} else {
		inst.ExitStatus = status
		inst.ExitSignal = 0
	}
}

func recordFailure(inst *Instance, slot Slot, status int, sig unix.Signal, signaled bool) {
	inst.Failed = true
	inst.FailedSlot = slot
	if signaled {
		inst.Signaled = true
		inst.ExitSignal = sig
	} else {
		inst.ExitStatus = status
	}
}

// stopEnv builds the environment attached to stopping and stopped events,
// reporting how the job came down.
func stopEnv(inst *Instance) []string {
	env := []string{"JOB=" + inst.Name}
	if !inst.Failed {
		return append(env, "RESULT=ok")
	}
	env = append(env, "RESULT=failed")
	if inst.FailedSlot != "" {
		env = append(env, "PROCESS="+string(inst.FailedSlot))
	}
	if inst.Signaled {
		env = append(env, "EXIT_SIGNAL="+strconv.Itoa(int(inst.ExitSignal)))
	} else {
		env = append(env, "EXIT_STATUS="+strconv.Itoa(inst.ExitStatus))
	}
	if inst.Cause != nil {
		env = append(env, "CAUSE="+inst.Cause.Name)
	}
	return env
}
