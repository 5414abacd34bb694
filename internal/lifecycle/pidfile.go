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

// Package lifecycle handles the daemon's own pidfile and duplicate-run
// detection, used when initd runs as a session supervisor rather than as
// process 1.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/initware/initd/internal/process"
)

// WritePIDFile records the current process id at path, refusing to
// overwrite the pidfile of a still-running daemon.
func WritePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil && process.Alive(pid) {
		return fmt.Errorf("lifecycle: already running with pid %d", pid)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("lifecycle: create pidfile directory: %w", err)
	}
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0600); err != nil {
		return fmt.Errorf("lifecycle: write pidfile: %w", err)
	}
	return nil
}

// RemovePIDFile deletes the pidfile; a missing file is fine.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: remove pidfile: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("lifecycle: malformed pidfile %s", path)
	}
	return pid, nil
}
