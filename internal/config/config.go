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

// Package config loads the daemon's own configuration and the job
// definition files it supervises.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "5s" style strings (or bare seconds) in YAML, which
// plain time.Duration does not.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	// Bare numbers are seconds; anything else must parse as a duration
	// string. The int probe comes first because a YAML scalar also
	// decodes into a string.
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("config: invalid duration")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default locations, overridable from the daemon config file or flags.
const (
	DefaultSocketPath  = "/run/initd/control.sock"
	DefaultPIDFile     = "/run/initd/initd.pid"
	DefaultJobDir      = "/etc/initd/jobs"
	DefaultLogDir      = "/var/log/initd"
	DefaultJournalPath = "/var/lib/initd/journal.db"
)

// Daemon is the daemon's own configuration.
type Daemon struct {
	// SocketPath is where the control socket is bound.
	SocketPath string `yaml:"socket_path"`

	// PIDFile is written at startup when running outside process 1.
	PIDFile string `yaml:"pid_file"`

	// JobDir holds the job definition files, watched for changes.
	JobDir string `yaml:"job_dir"`

	// LogDir receives per-job console output.
	LogDir string `yaml:"log_dir"`

	// JournalPath is the sqlite journal database; empty disables it.
	JournalPath string `yaml:"journal_path"`

	// MetricsListen is the address for the Prometheus endpoint; empty
	// disables it.
	MetricsListen string `yaml:"metrics_listen"`

	// DrainTimeout bounds how long shutdown waits for jobs to stop.
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// DefaultDaemon returns the built-in daemon configuration.
func DefaultDaemon() Daemon {
	return Daemon{
		SocketPath:   DefaultSocketPath,
		PIDFile:      DefaultPIDFile,
		JobDir:       DefaultJobDir,
		LogDir:       DefaultLogDir,
		JournalPath:  DefaultJournalPath,
		DrainTimeout: Duration(10 * time.Second),
	}
}

// LoadDaemon reads the daemon configuration file, applying defaults for
// anything unset. A missing file is not an error; the defaults apply.
func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = Duration(10 * time.Second)
	}
	return cfg, nil
}
