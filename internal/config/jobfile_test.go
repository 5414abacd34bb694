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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initware/initd/internal/event"
	"github.com/initware/initd/internal/job"
)

func writeJobFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadJobFileFull(t *testing.T) {
	dir := t.TempDir()
	path := writeJobFile(t, dir, "sshd.yaml", `
description: ssh daemon
start_on:
  and:
    - event: local-filesystems
    - event: net-up
      args: ["eth*"]
stop_on: shutdown
processes:
  pre-start:
    exec: /usr/sbin/sshd-keygen
  main:
    exec: /usr/sbin/sshd -D
respawn:
  enabled: true
  limit: 10
  interval: 5s
env:
  - SSHD_OPTS=-4
console: log
limits:
  nofile:
    cur: 1024
    max: 4096
kill_timeout: 15s
`)

	def, err := LoadJobFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sshd", def.Name)
	assert.Equal(t, "ssh daemon", def.Description)
	assert.Equal(t, "/usr/sbin/sshd -D", def.Processes[job.SlotMain].Exec)
	assert.Equal(t, "/usr/sbin/sshd-keygen", def.Processes[job.SlotPreStart].Exec)
	assert.True(t, def.Respawn.Enabled)
	assert.Equal(t, 10, def.Respawn.Limit)
	assert.Equal(t, 5*time.Second, def.Respawn.Interval)
	assert.Equal(t, []string{"SSHD_OPTS=-4"}, def.Env)
	assert.Equal(t, "log", def.Console)
	assert.Equal(t, job.Limit{Cur: 1024, Max: 4096}, def.Limits["nofile"])
	assert.Equal(t, 15*time.Second, def.KillTimeout)

	require.NotNil(t, def.StartOn)
	assert.Equal(t, event.OpAnd, def.StartOn.Op)
	require.NotNil(t, def.StopOn)
	assert.Equal(t, "shutdown", def.StopOn.Event)
}

func TestLoadJobFileExecShorthand(t *testing.T) {
	dir := t.TempDir()
	path := writeJobFile(t, dir, "cron.yml", "exec: /usr/sbin/cron -f\n")

	def, err := LoadJobFile(path)
	require.NoError(t, err)

	assert.Equal(t, "cron", def.Name)
	assert.Equal(t, "/usr/sbin/cron -f", def.Processes[job.SlotMain].Exec)
}

func TestLoadJobFileDaemonExpect(t *testing.T) {
	dir := t.TempDir()
	path := writeJobFile(t, dir, "fork.yaml", `
exec: /usr/sbin/forker
expect: daemon
pid_file: /run/forker.pid
`)

	def, err := LoadJobFile(path)
	require.NoError(t, err)
	assert.Equal(t, "daemon", def.Processes[job.SlotMain].Expect)
	assert.Equal(t, "/run/forker.pid", def.Processes[job.SlotMain].PIDFile)
}

func TestLoadJobFileValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"shorthand and slot both define main", "exec: /bin/a\nprocesses:\n  main:\n    exec: /bin/b\n"},
		{"unknown slot", "processes:\n  sidecar:\n    exec: /bin/a\n"},
		{"slot without exec", "processes:\n  main: {}\n"},
		{"unknown expect", "exec: /bin/a\nexpect: fork\n"},
		{"daemon without pidfile", "exec: /bin/a\nexpect: daemon\n"},
		{"unknown console", "exec: /bin/a\nconsole: tty\n"},
		{"ambiguous condition", "exec: /bin/a\nstart_on:\n  event: x\n  or:\n    - event: y\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeJobFile(t, dir, "bad.yaml", tt.content)
			_, err := LoadJobFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadJobDirSortsAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeJobFile(t, dir, "zeta.yaml", "exec: /bin/z\n")
	writeJobFile(t, dir, "alpha.yaml", "exec: /bin/a\n")
	writeJobFile(t, dir, "README.md", "not a job\n")
	writeJobFile(t, dir, ".hidden.yaml", "exec: /bin/h\n")

	defs, err := LoadJobDir(dir)
	require.NoError(t, err)

	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
}

func TestLoadJobDirMissingIsEmpty(t *testing.T) {
	defs, err := LoadJobDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestJobNameFromPath(t *testing.T) {
	assert.Equal(t, "sshd", JobName("/etc/initd/jobs/sshd.yaml"))
	assert.Equal(t, "getty", JobName("getty.yml"))
	assert.True(t, IsJobFile("/etc/initd/jobs/sshd.yaml"))
	assert.False(t, IsJobFile("/etc/initd/jobs/sshd.conf"))
	assert.False(t, IsJobFile("/etc/initd/jobs/.sshd.yaml.swp"))
}
