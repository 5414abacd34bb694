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

// Package engine owns the job table, the event queue and the
// subscription registry, and runs the single-threaded reactor loop that
// drives every state transition.
//
// All mutable state is confined to the reactor goroutine. External
// callers (control connections, timers, the definition watcher) enter
// through posted operations that execute inside a reactor tick.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/initware/initd/internal/event"
	"github.com/initware/initd/internal/job"
	"github.com/initware/initd/internal/journal"
	ilog "github.com/initware/initd/internal/log"
	"github.com/initware/initd/internal/notify"
	"github.com/initware/initd/internal/process"
)

// EventStartup is emitted once when the engine starts, so jobs can start
// on boot.
const EventStartup = "startup"

// Config configures an Engine.
type Config struct {
	// Logger is the structured logger.
	Logger *slog.Logger

	// LogDir is where per-job console output goes.
	LogDir string

	// Journal records transitions and emissions; optional.
	Journal *journal.Journal

	// DrainTimeout bounds the graceful shutdown wait for jobs to stop.
	// Default: 10s.
	DrainTimeout time.Duration

	// DaemonWaitTimeout bounds how long an expect-daemon job may take to
	// announce its PID. Default: the job's kill timeout.
	DaemonWaitTimeout time.Duration
}

// Engine is the init daemon's core context: job registry, event queue,
// subscriptions, process supervisor, and the reactor that ties them
// together.
type Engine struct {
	logger *slog.Logger
	cfg    Config

	jobs    *job.Registry
	events  *event.Queue
	subs    *notify.Registry
	procs   *process.Supervisor
	journal *journal.Journal

	ops     chan func()
	sigchld chan os.Signal

	killTimers  map[uint64]*time.Timer
	daemonPolls map[uint64]*time.Timer

	now func() time.Time

	running  atomic.Bool
	stopping bool
}

// New creates an engine. Definitions may be added directly until Run is
// called; afterwards all access goes through the posted-operation entry
// points.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	return &Engine{
		logger:      ilog.WithComponent(logger, "engine"),
		cfg:         cfg,
		jobs:        job.NewRegistry(),
		events:      event.NewQueue(),
		subs:        notify.NewRegistry(logger),
		procs:       process.NewSupervisor(process.Config{LogDir: cfg.LogDir, Logger: logger}),
		journal:     cfg.Journal,
		ops:         make(chan func(), 128),
		sigchld:     make(chan os.Signal, 16),
		killTimers:  make(map[uint64]*time.Timer),
		daemonPolls: make(map[uint64]*time.Timer),
		now:         time.Now,
	}
}

// Do posts fn to run inside a reactor tick and returns immediately.
func (e *Engine) Do(fn func()) {
	e.ops <- fn
}

// call runs fn on the reactor and waits for it. Before Run starts the
// caller owns the engine, so fn runs inline.
func (e *Engine) call(fn func()) {
	if !e.running.Load() {
		fn()
		return
	}
	done := make(chan struct{})
	e.ops <- func() {
		fn()
		close(done)
	}
	<-done
}

// AddDefinition registers a new job definition. Duplicate names are
// rejected.
func (e *Engine) AddDefinition(def *job.Definition) error {
	var err error
	e.call(func() {
		_, err = e.jobs.Register(def)
		if err == nil {
			e.logger.Info("job registered", slog.String(ilog.JobKey, def.Name))
		}
	})
	return err
}

// ApplyDefinition registers def, replacing any existing definition of the
// same name. A busy singleton keeps running under its old definition;
// the new one is queued as its replacement and swapped in once the
// instance reaches deleted.
func (e *Engine) ApplyDefinition(def *job.Definition) error {
	var err error
	e.call(func() {
		current := e.jobs.FindByName(def.Name)
		if current == nil {
			_, err = e.jobs.Register(def)
			if err == nil {
				e.logger.Info("job registered", slog.String(ilog.JobKey, def.Name))
			}
			return
		}

		current.Replacement = def
		if current.State == job.StateWaiting && current.Goal == job.GoalStop &&
			len(e.jobs.ChildrenOf(current)) == 0 {
			// At rest: swap immediately by deleting the old instance.
			job.ChangeState(e, current, job.StateDeleted)
			e.logger.Info("job replaced", slog.String(ilog.JobKey, def.Name))
		} else {
			e.logger.Info("job replacement queued", slog.String(ilog.JobKey, def.Name))
		}
	})
	return err
}

// RemoveDefinition marks the named definition deleted. A stopped
// singleton is deleted immediately; running instances finish their stop
// sequence first and then delete themselves.
func (e *Engine) RemoveDefinition(name string) error {
	var err error
	e.call(func() {
		inst := e.jobs.FindByName(name)
		if inst == nil {
			err = fmt.Errorf("%w: %s", job.ErrUnknownJob, name)
			return
		}
		inst.Def.Deleted = true
		inst.Replacement = nil
		e.logger.Info("job removed", slog.String(ilog.JobKey, name))
		if inst.State == job.StateWaiting && inst.Goal == job.GoalStop &&
			len(e.jobs.ChildrenOf(inst)) == 0 {
			// A master with live children waits for the last one to stop.
			job.ChangeState(e, inst, job.StateDeleted)
		}
	})
	return err
}

// snapshot builds the status push payload for an instance.
func snapshot(inst *job.Instance) notify.JobStatus {
	st := notify.JobStatus{
		ID:    inst.ID,
		Name:  inst.Name,
		Goal:  string(inst.Goal),
		State: string(inst.State),
	}
	for _, slot := range job.Slots {
		if p, ok := inst.Procs[slot]; ok {
			st.Processes = append(st.Processes, notify.JobProcess{
				Slot: string(slot),
				PID:  p.PID,
			})
		}
	}
	return st
}

// emissionNotice builds the event progress payload for an emission.
func emissionNotice(em *event.Emission) notify.EventNotice {
	return notify.EventNotice{
		ID:       em.ID,
		Name:     em.Name,
		Args:     em.Args,
		Env:      em.Env,
		Progress: string(em.Progress),
		Failed:   em.Failed,
	}
}

// --- job.Runtime implementation -------------------------------------

// Spawn implements job.Runtime.
func (e *Engine) Spawn(inst *job.Instance, slot job.Slot) (int, error) {
	spec := inst.Def.Processes[slot]
	if spec == nil {
		panic(fmt.Sprintf("engine: spawn of undefined slot %s for %s", slot, inst.Name))
	}

	limits := make(map[int]unix.Rlimit, len(inst.Def.Limits))
	for name, lim := range inst.Def.Limits {
		if resource, ok := process.RlimitByName(name); ok {
			limits[resource] = unix.Rlimit{Cur: lim.Cur, Max: lim.Max}
		} else {
			e.logger.Warn("unknown resource limit ignored",
				slog.String(ilog.JobKey, inst.Name),
				slog.String("limit", name))
		}
	}

	pid, err := e.procs.Spawn(process.SpawnSpec{
		Exec:    spec.Exec,
		Env:     e.jobEnv(inst),
		Console: inst.Def.Console,
		LogName: inst.Name,
		Limits:  limits,
	}, process.Owner{JobID: inst.ID, Slot: string(slot)})
	if err != nil {
		spawnFailures.WithLabelValues(inst.Name).Inc()
		e.logger.Warn("spawn failed",
			slog.String(ilog.JobKey, inst.Name),
			slog.String(ilog.SlotKey, string(slot)),
			ilog.Error(err))
		return 0, err
	}

	spawns.WithLabelValues(inst.Name, string(slot)).Inc()
	e.logger.Info("spawned",
		slog.String(ilog.JobKey, inst.Name),
		slog.String(ilog.SlotKey, string(slot)),
		slog.Int(ilog.PIDKey, pid))
	return pid, nil
}

// jobEnv computes the child environment for an instance's processes:
// a minimal base, the definition's additions, the cause event's
// environment, and the job identity.
func (e *Engine) jobEnv(inst *job.Instance) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"TERM=linux",
	}
	env = append(env, inst.Def.Env...)
	if inst.Cause != nil {
		env = append(env, "INITD_EVENT="+inst.Cause.Name)
		if len(inst.Cause.Args) > 0 {
			env = append(env, "INITD_EVENT_ARGS="+strings.Join(inst.Cause.Args, " "))
		}
		env = append(env, inst.Cause.Env...)
	}
	env = append(env, "INITD_JOB="+inst.Name)
	if inst.InstanceKey != "" {
		env = append(env, "INITD_INSTANCE="+strings.ReplaceAll(inst.InstanceKey, "\x00", " "))
	}
	return env
}

// Kill implements job.Runtime.
func (e *Engine) Kill(pid int, sig unix.Signal) error {
	return e.procs.KillGroup(pid, sig)
}

// StartKillTimer implements job.Runtime.
func (e *Engine) StartKillTimer(inst *job.Instance, d time.Duration) {
	id := inst.ID
	e.stopTimer(e.killTimers, id)
	e.killTimers[id] = time.AfterFunc(d, func() {
		e.Do(func() {
			delete(e.killTimers, id)
			if target := e.jobs.FindByID(id); target != nil {
				e.logger.Warn("kill timeout, escalating to SIGKILL",
					slog.String(ilog.JobKey, target.Name))
				job.KillTimedOut(e, target)
			}
		})
	})
}

// StopKillTimer implements job.Runtime.
func (e *Engine) StopKillTimer(inst *job.Instance) {
	e.stopTimer(e.killTimers, inst.ID)
}

func (e *Engine) stopTimer(table map[uint64]*time.Timer, id uint64) {
	if t, ok := table[id]; ok {
		t.Stop()
		delete(table, id)
	}
}

// WaitDaemon implements job.Runtime: poll the main slot's pidfile until
// the forking daemon announces its PID, or give up.
func (e *Engine) WaitDaemon(inst *job.Instance) {
	spec := inst.Def.Processes[job.SlotMain]
	deadline := e.now().Add(e.daemonWaitTimeout(inst))
	e.pollPIDFile(inst.ID, spec.PIDFile, deadline)
}

func (e *Engine) daemonWaitTimeout(inst *job.Instance) time.Duration {
	if e.cfg.DaemonWaitTimeout > 0 {
		return e.cfg.DaemonWaitTimeout
	}
	return inst.KillTimeout()
}

func (e *Engine) pollPIDFile(id uint64, path string, deadline time.Time) {
	e.stopTimer(e.daemonPolls, id)
	e.daemonPolls[id] = time.AfterFunc(100*time.Millisecond, func() {
		e.Do(func() {
			delete(e.daemonPolls, id)
			inst := e.jobs.FindByID(id)
			if inst == nil || inst.State != job.StateSpawned {
				return
			}

			if pid, ok := readPIDFile(path); ok && process.Alive(pid) {
				// Re-point ownership from the launcher (if it is still
				// tracked) to the announced PID.
				if old := inst.MainPID(); old != 0 && old != pid {
					e.procs.Forget(old)
				}
				e.procs.Adopt(pid, process.Owner{JobID: id, Slot: string(job.SlotMain)})
				e.logger.Info("daemon pid announced",
					slog.String(ilog.JobKey, inst.Name),
					slog.Int(ilog.PIDKey, pid))
				job.DaemonReady(e, inst, pid)
				return
			}

			if e.now().After(deadline) {
				e.logger.Warn("daemon never announced its pid",
					slog.String(ilog.JobKey, inst.Name))
				job.DaemonTimeout(e, inst)
				return
			}
			e.pollPIDFile(id, path, deadline)
		})
	})
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Emit implements job.Runtime: engine-originated emissions from the
// state machine join the same queue as external ones.
func (e *Engine) Emit(name string, args, env []string) {
	em := e.events.Emit(name, args, env)
	emissions.WithLabelValues(name).Inc()
	e.recordEvent(em)
	e.subs.EventProgressed(emissionNotice(em), false)
}

// Notify implements job.Runtime.
func (e *Engine) Notify(inst *job.Instance, rest bool) {
	transitions.WithLabelValues(inst.Name, string(inst.State)).Inc()
	e.logger.Debug("state changed",
		slog.String(ilog.JobKey, inst.Name),
		slog.Uint64(ilog.JobIDKey, inst.ID),
		slog.String(ilog.GoalKey, string(inst.Goal)),
		slog.String(ilog.StateKey, string(inst.State)))
	if e.journal != nil {
		if err := e.journal.RecordJob(inst.ID, inst.Name, string(inst.Goal), string(inst.State)); err != nil {
			e.logger.Warn("journal write failed", ilog.Error(err))
		}
	}
	e.subs.JobStatusChanged(snapshot(inst), rest)
}

// Deleted implements job.Runtime: final teardown of an instance, with
// replacement swap.
func (e *Engine) Deleted(inst *job.Instance) {
	e.stopTimer(e.killTimers, inst.ID)
	e.stopTimer(e.daemonPolls, inst.ID)

	// Any emission hold the instance still carries dies with it.
	e.events.ReleaseJob(inst.ID, inst.Failed)

	replacement := e.jobs.Remove(inst)
	e.logger.Info("job instance deleted",
		slog.String(ilog.JobKey, inst.Name),
		slog.Uint64(ilog.JobIDKey, inst.ID))
	if replacement != nil {
		e.logger.Info("job replacement active",
			slog.String(ilog.JobKey, replacement.Name),
			slog.Uint64(ilog.JobIDKey, replacement.ID))
	}

	if master := inst.InstanceOf; master != nil {
		e.collapseMaster(master)
	}
}

// collapseMaster retires a master placeholder once its last child is
// gone, when a reload queued a replacement definition on it or a removal
// marked it deleted. The master itself rests at waiting, so the swap can
// only happen here; masters with neither pending change stay put.
func (e *Engine) collapseMaster(master *job.Instance) {
	if e.jobs.FindByID(master.ID) == nil {
		return
	}
	if master.Replacement == nil && (master.Def == nil || !master.Def.Deleted) {
		return
	}
	if len(e.jobs.ChildrenOf(master)) > 0 {
		return
	}
	job.ChangeState(e, master, job.StateDeleted)
}

// Now implements job.Runtime.
func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) recordEvent(em *event.Emission) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordEvent(em.ID, em.Name, em.Args, string(em.Progress), em.Failed); err != nil {
		e.logger.Warn("journal write failed", ilog.Error(err))
	}
}

// sortedStatuses builds status snapshots for all instances, ordered by
// id.
func (e *Engine) sortedStatuses() []notify.JobStatus {
	insts := e.jobs.Instances()
	out := make([]notify.JobStatus, 0, len(insts))
	for _, inst := range insts {
		out = append(out, snapshot(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
