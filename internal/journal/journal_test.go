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

package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndReadBack(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordJob(1, "sshd", "start", "starting"))
	require.NoError(t, j.RecordJob(1, "sshd", "start", "running"))
	require.NoError(t, j.RecordEvent(9, "started", []string{"sshd"}, "finished", false))

	entries, err := j.Recent(10, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, KindEvent, entries[0].Kind)
	assert.Equal(t, "started", entries[0].Name)
	assert.Contains(t, entries[0].Detail, "progress=finished")
	assert.Contains(t, entries[0].Detail, "args=sshd")
	assert.Equal(t, "goal=start state=running", entries[1].Detail)
	assert.False(t, entries[0].Time.IsZero())
}

func TestRecentFiltersByName(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.RecordJob(1, "sshd", "start", "running"))
	require.NoError(t, j.RecordJob(2, "cron", "start", "running"))

	entries, err := j.Recent(10, "cron")
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "cron", entries[0].Name)
	assert.Equal(t, uint64(2), entries[0].RefID)
}

func TestRecentHonorsLimit(t *testing.T) {
	j := openTestJournal(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.RecordJob(1, "sshd", "start", "running"))
	}

	entries, err := j.Recent(2, "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestFailedEventRecordsFlag(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.RecordEvent(3, "net-up", nil, "finished", true))

	entries, err := j.Recent(1, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Detail, "failed=true")
}
