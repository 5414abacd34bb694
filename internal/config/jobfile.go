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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/initware/initd/internal/event"
	"github.com/initware/initd/internal/job"
)

// JobFile is the YAML shape of one job definition file. The job's name is
// the file's base name without extension.
//
//	description: ssh daemon
//	start_on:
//	  event: net-up
//	stop_on: shutdown
//	exec: /usr/sbin/sshd -D
//	respawn:
//	  enabled: true
//	  limit: 10
//	  interval: 5s
type JobFile struct {
	Description string `yaml:"description"`
	Instance    bool   `yaml:"instance"`

	StartOn *event.Condition `yaml:"start_on"`
	StopOn  *event.Condition `yaml:"stop_on"`

	// Exec is shorthand for processes.main.exec.
	Exec string `yaml:"exec"`

	// Expect and PIDFile qualify the shorthand main process.
	Expect  string `yaml:"expect"`
	PIDFile string `yaml:"pid_file"`

	Processes map[string]ProcessFile `yaml:"processes"`

	Respawn RespawnFile `yaml:"respawn"`

	Env     []string             `yaml:"env"`
	Console string               `yaml:"console"`
	Limits  map[string]LimitFile `yaml:"limits"`

	KillTimeout Duration `yaml:"kill_timeout"`
}

// ProcessFile is one process slot in a JobFile.
type ProcessFile struct {
	Exec    string `yaml:"exec"`
	Expect  string `yaml:"expect"`
	PIDFile string `yaml:"pid_file"`
}

// RespawnFile is the respawn clause of a JobFile.
type RespawnFile struct {
	Enabled  bool     `yaml:"enabled"`
	Always   bool     `yaml:"always"`
	Limit    int      `yaml:"limit"`
	Interval Duration `yaml:"interval"`
}

// LimitFile is one resource limit in a JobFile.
type LimitFile struct {
	Cur uint64 `yaml:"cur"`
	Max uint64 `yaml:"max"`
}

var jobSlots = map[string]job.Slot{
	"main":       job.SlotMain,
	"pre-start":  job.SlotPreStart,
	"post-start": job.SlotPostStart,
	"pre-stop":   job.SlotPreStop,
	"post-stop":  job.SlotPostStop,
}

// ToDefinition converts a parsed job file into a registry definition.
func (f *JobFile) ToDefinition(name string) (*job.Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("config: job without a name")
	}

	def := &job.Definition{
		Name:        name,
		Description: f.Description,
		Instance:    f.Instance,
		Processes:   make(map[job.Slot]*job.ProcessSpec),
		Respawn: job.RespawnPolicy{
			Enabled:  f.Respawn.Enabled || f.Respawn.Always,
			Always:   f.Respawn.Always,
			Limit:    f.Respawn.Limit,
			Interval: f.Respawn.Interval.Std(),
		},
		StartOn:     f.StartOn,
		StopOn:      f.StopOn,
		Env:         f.Env,
		Console:     f.Console,
		KillTimeout: f.KillTimeout.Std(),
	}

	if f.Exec != "" {
		def.Processes[job.SlotMain] = &job.ProcessSpec{
			Exec:    f.Exec,
			Expect:  f.Expect,
			PIDFile: f.PIDFile,
		}
	}
	for slotName, p := range f.Processes {
		slot, ok := jobSlots[slotName]
		if !ok {
			return nil, fmt.Errorf("config: job %s: unknown process slot %q", name, slotName)
		}
		if _, dup := def.Processes[slot]; dup {
			return nil, fmt.Errorf("config: job %s: slot %s defined twice", name, slot)
		}
		if p.Exec == "" {
			return nil, fmt.Errorf("config: job %s: slot %s has no exec", name, slot)
		}
		def.Processes[slot] = &job.ProcessSpec{
			Exec:    p.Exec,
			Expect:  p.Expect,
			PIDFile: p.PIDFile,
		}
	}

	if main := def.Processes[job.SlotMain]; main != nil {
		if main.Expect != "" && main.Expect != "daemon" {
			return nil, fmt.Errorf("config: job %s: unknown expect %q", name, main.Expect)
		}
		if main.Expect == "daemon" && main.PIDFile == "" {
			return nil, fmt.Errorf("config: job %s: expect daemon requires pid_file", name)
		}
	}

	switch def.Console {
	case "", "inherit", "null", "log":
	default:
		return nil, fmt.Errorf("config: job %s: unknown console %q", name, def.Console)
	}

	if def.StartOn != nil {
		if err := def.StartOn.Validate(); err != nil {
			return nil, fmt.Errorf("config: job %s: start_on: %w", name, err)
		}
	}
	if def.StopOn != nil {
		if err := def.StopOn.Validate(); err != nil {
			return nil, fmt.Errorf("config: job %s: stop_on: %w", name, err)
		}
	}

	if len(f.Limits) > 0 {
		def.Limits = make(map[string]job.Limit, len(f.Limits))
		for limName, lim := range f.Limits {
			def.Limits[limName] = job.Limit{Cur: lim.Cur, Max: lim.Max}
		}
	}

	return def, nil
}

// IsJobFile reports whether path looks like a job definition file.
func IsJobFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// JobName derives the job name from a definition file path.
func JobName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadJobFile parses one job definition file.
func LoadJobFile(path string) (*job.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f JobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f.ToDefinition(JobName(path))
}

// LoadJobDir parses every job definition file in dir, sorted by name. A
// missing directory yields no jobs.
func LoadJobDir(dir string) ([]*job.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read job dir %s: %w", dir, err)
	}

	var defs []*job.Definition
	for _, entry := range entries {
		if entry.IsDir() || !IsJobFile(entry.Name()) {
			continue
		}
		def, err := LoadJobFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}
