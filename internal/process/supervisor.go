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

// Package process spawns job processes and reaps their exit status. The
// supervisor never waits synchronously for a child: spawning returns as
// soon as the process is started, and completion arrives later through
// Reap, driven by SIGCHLD.
package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	ilog "github.com/initware/initd/internal/log"
)

// Console selects where a spawned process's output goes.
const (
	ConsoleInherit = "inherit"
	ConsoleNull    = "null"
	ConsoleLog     = "log"
)

// Owner identifies which job instance slot a pid belongs to.
type Owner struct {
	JobID uint64
	Slot  string
}

// Exit is one reaped child.
type Exit struct {
	PID    int
	Owner  Owner
	Known  bool
	Status int
	// Signaled is set when the child was killed by a signal; Status then
	// holds the signal number.
	Signaled bool
}

// SpawnSpec describes a process to start.
type SpawnSpec struct {
	// Exec is the command line. It is split on whitespace unless it
	// contains shell metacharacters, in which case it runs under
	// /bin/sh -c.
	Exec string

	// Env is the complete environment for the child.
	Env []string

	// Console is one of the Console constants; empty means inherit.
	Console string

	// LogName names the per-job log file used with ConsoleLog.
	LogName string

	// Limits maps rlimit resources to values applied after start.
	Limits map[int]unix.Rlimit
}

// Config configures a Supervisor.
type Config struct {
	// LogDir is where ConsoleLog output files are written.
	LogDir string

	// Logger is the structured logger; defaults to slog.Default().
	Logger *slog.Logger
}

// Supervisor tracks live child processes by pid and reaps them. It is
// only used from the reactor goroutine.
type Supervisor struct {
	logDir string
	logger *slog.Logger
	owners map[int]Owner
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logDir: cfg.LogDir,
		logger: ilog.WithComponent(logger, "process"),
		owners: make(map[int]Owner),
	}
}

// Spawn starts the process described by spec on behalf of owner. The
// child runs in its own session and process group. Spawn returns
// immediately after a successful start; the exit arrives via Reap.
func (s *Supervisor) Spawn(spec SpawnSpec, owner Owner) (int, error) {
	argv, err := splitCommand(spec.Exec)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	var logFile *os.File
	switch spec.Console {
	case ConsoleNull:
		// exec.Cmd wires nil streams to /dev/null.
	case ConsoleLog:
		logFile, err = s.openLog(spec.LogName)
		if err != nil {
			s.logger.Warn("cannot open job log, output discarded",
				slog.String(ilog.JobKey, spec.LogName),
				ilog.Error(err))
		} else {
			cmd.Stdout = logFile
			cmd.Stderr = logFile
		}
	default:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	err = cmd.Start()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("process: spawn %q: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	s.applyLimits(pid, spec.Limits)

	// The exit status is collected by Reap, not by exec.Cmd.
	_ = cmd.Process.Release()

	s.owners[pid] = owner
	s.logger.Debug("spawned process",
		slog.Int(ilog.PIDKey, pid),
		slog.Uint64(ilog.JobIDKey, owner.JobID),
		slog.String(ilog.SlotKey, owner.Slot))
	return pid, nil
}

func (s *Supervisor) openLog(name string) (*os.File, error) {
	if s.logDir == "" {
		return nil, fmt.Errorf("process: no log directory configured")
	}
	if err := os.MkdirAll(s.logDir, 0750); err != nil {
		return nil, err
	}
	path := filepath.Join(s.logDir, name+".log")
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

func (s *Supervisor) applyLimits(pid int, limits map[int]unix.Rlimit) {
	for resource, rlim := range limits {
		lim := rlim
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
			s.logger.Warn("cannot apply resource limit",
				slog.Int(ilog.PIDKey, pid),
				slog.Int("resource", resource),
				ilog.Error(err))
		}
	}
}

// Adopt records ownership of a pid that was not spawned through Spawn,
// such as a forking daemon's announced PID.
func (s *Supervisor) Adopt(pid int, owner Owner) {
	s.owners[pid] = owner
}

// Forget drops ownership tracking of a pid without reaping it.
func (s *Supervisor) Forget(pid int) {
	delete(s.owners, pid)
}

// Owner returns the owner of a live pid.
func (s *Supervisor) Owner(pid int) (Owner, bool) {
	o, ok := s.owners[pid]
	return o, ok
}

// Live returns the number of tracked processes.
func (s *Supervisor) Live() int {
	return len(s.owners)
}

// Reap collects every child that has exited, in the order the kernel
// returns them. As process 1 the daemon also inherits orphans; their
// exits are returned with Known=false and otherwise ignored.
func (s *Supervisor) Reap() []Exit {
	var exits []Exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return exits
		}
		if !ws.Exited() && !ws.Signaled() {
			// Stopped or continued; not an exit.
			continue
		}

		exit := Exit{PID: pid}
		if ws.Signaled() {
			exit.Signaled = true
			exit.Status = int(ws.Signal())
		} else {
			exit.Status = ws.ExitStatus()
		}

		if owner, ok := s.owners[pid]; ok {
			exit.Owner = owner
			exit.Known = true
			delete(s.owners, pid)
		}
		exits = append(exits, exit)
	}
}

// KillGroup delivers a signal to the process group led by pid.
func (s *Supervisor) KillGroup(pid int, sig unix.Signal) error {
	return unix.Kill(-pid, sig)
}

// Alive reports whether the process still exists, by delivering the null
// signal.
func Alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// splitCommand turns a command line into an argv, delegating to the shell
// when metacharacters are present.
func splitCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("process: empty command")
	}
	if strings.ContainsAny(command, "|&;<>()$`\"'*?[]~#") {
		return []string{"/bin/sh", "-c", command}, nil
	}
	return strings.Fields(command), nil
}

// RlimitByName maps a job definition limit name to its resource number.
func RlimitByName(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "core":
		return unix.RLIMIT_CORE, true
	case "cpu":
		return unix.RLIMIT_CPU, true
	case "data":
		return unix.RLIMIT_DATA, true
	case "fsize":
		return unix.RLIMIT_FSIZE, true
	case "memlock":
		return unix.RLIMIT_MEMLOCK, true
	case "nofile":
		return unix.RLIMIT_NOFILE, true
	case "nproc":
		return unix.RLIMIT_NPROC, true
	case "rss":
		return unix.RLIMIT_RSS, true
	case "stack":
		return unix.RLIMIT_STACK, true
	default:
		return 0, false
	}
}
