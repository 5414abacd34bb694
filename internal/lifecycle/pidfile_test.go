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

package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "initd.pid")

	require.NoError(t, WritePIDFile(path))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, RemovePIDFile(path))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)
}

func TestWriteRefusesLivePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "initd.pid")
	// Our own pid is certainly alive.
	require.NoError(t, WritePIDFile(path))

	err := WritePIDFile(path)

	assert.ErrorContains(t, err, "already running")
}

func TestWriteReplacesStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "initd.pid")
	// A pid far above pid_max cannot be running.
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0600))

	require.NoError(t, WritePIDFile(path))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRemoveMissingIsFine(t *testing.T) {
	assert.NoError(t, RemovePIDFile(filepath.Join(t.TempDir(), "absent.pid")))
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "initd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid\n"), 0600))

	_, err := ReadPIDFile(path)
	assert.Error(t, err)
}
