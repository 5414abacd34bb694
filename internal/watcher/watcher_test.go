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

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initware/initd/internal/engine"
)

func startWatcher(t *testing.T, dir string, eng *engine.Engine) {
	t.Helper()
	w, err := New(dir, eng, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func jobKnown(eng *engine.Engine, name string) func() bool {
	return func() bool {
		_, err := eng.Status(name)
		return err == nil
	}
}

func TestNewFailsOnMissingDirectory(t *testing.T) {
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	_, err := New(filepath.Join(t.TempDir(), "absent"), eng, nil)
	assert.Error(t, err)
}

func TestNewFileBecomesJob(t *testing.T) {
	dir := t.TempDir()
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	startWatcher(t, dir, eng)

	path := filepath.Join(dir, "cron.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exec: /usr/sbin/cron\n"), 0644))

	assert.Eventually(t, jobKnown(eng, "cron"), 5*time.Second, 50*time.Millisecond)
}

func TestRemovedFileDeletesJob(t *testing.T) {
	dir := t.TempDir()
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	startWatcher(t, dir, eng)

	path := filepath.Join(dir, "cron.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exec: /usr/sbin/cron\n"), 0644))
	require.Eventually(t, jobKnown(eng, "cron"), 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(path))

	assert.Eventually(t, func() bool {
		_, err := eng.Status("cron")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestUnparseableFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	startWatcher(t, dir, eng)

	bad := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(":\n  - not yaml {{{\n"), 0644))
	good := filepath.Join(dir, "cron.yaml")
	require.NoError(t, os.WriteFile(good, []byte("exec: /usr/sbin/cron\n"), 0644))

	// The good file still lands; the broken one never does.
	require.Eventually(t, jobKnown(eng, "cron"), 5*time.Second, 50*time.Millisecond)
	_, err := eng.Status("broken")
	assert.Error(t, err)
}

func TestNonJobFilesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	startWatcher(t, dir, eng)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cron.yaml"), []byte("exec: /usr/sbin/cron\n"), 0644))

	require.Eventually(t, jobKnown(eng, "cron"), 5*time.Second, 50*time.Millisecond)
	statuses, err := eng.Status("")
	require.NoError(t, err)
	assert.Len(t, statuses, 1)
}
