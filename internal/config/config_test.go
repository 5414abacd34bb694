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
	"gopkg.in/yaml.v3"
)

func TestLoadDaemonMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadDaemon(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, DefaultSocketPath, cfg.SocketPath)
	assert.Equal(t, DefaultJobDir, cfg.JobDir)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout.Std())
}

func TestLoadDaemonOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "initd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket_path: /tmp/test.sock
job_dir: /tmp/jobs
drain_timeout: 30s
metrics_listen: 127.0.0.1:9200
`), 0644))

	cfg, err := LoadDaemon(path)

	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.sock", cfg.SocketPath)
	assert.Equal(t, "/tmp/jobs", cfg.JobDir)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout.Std())
	assert.Equal(t, "127.0.0.1:9200", cfg.MetricsListen)
	// Unset fields keep their defaults.
	assert.Equal(t, DefaultLogDir, cfg.LogDir)
}

func TestDurationAcceptsStringsAndSeconds(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`1m30s`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, yaml.Unmarshal([]byte(`15`), &d))
	assert.Equal(t, 15*time.Second, d.Std())

	assert.Error(t, yaml.Unmarshal([]byte(`soon`), &d))
}
