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

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitQueuesPendingFIFO(t *testing.T) {
	q := NewQueue()
	a := q.Emit("a", nil, nil)
	b := q.Emit("b", nil, nil)

	assert.Equal(t, ProgressPending, a.Progress)
	assert.Equal(t, 2, q.PendingCount())

	taken := q.TakePending()

	require.Equal(t, []*Emission{a, b}, taken)
	assert.Equal(t, ProgressHandling, a.Progress)
	assert.Zero(t, q.PendingCount())
	assert.Equal(t, 2, q.HandlingCount())
}

func TestEmitCopiesArgSlices(t *testing.T) {
	args := []string{"eth0"}
	em := NewQueue().Emit("net-up", args, nil)

	args[0] = "changed"

	assert.Equal(t, []string{"eth0"}, em.Args)
}

func TestUnblockedEmissionFinishesInOnePass(t *testing.T) {
	q := NewQueue()
	em := q.Emit("orphan", nil, nil)
	q.TakePending()

	var finished []*Emission
	q.FinishReady(func(e *Emission) { finished = append(finished, e) })

	require.Equal(t, []*Emission{em}, finished)
	assert.Equal(t, ProgressFinished, em.Progress)
	assert.False(t, em.Failed)
	assert.Zero(t, q.HandlingCount())
}

func TestBlockedEmissionWaitsForRelease(t *testing.T) {
	q := NewQueue()
	em := q.Emit("net-up", nil, nil)
	q.TakePending()
	em.Block(7)
	em.Block(9)

	q.FinishReady(func(*Emission) { t.Fatal("finished while blocked") })
	require.Equal(t, 1, q.HandlingCount())

	em.Release(7, false)
	q.FinishReady(func(*Emission) { t.Fatal("finished while blocked") })

	em.Release(9, true)
	var done *Emission
	q.FinishReady(func(e *Emission) { done = e })

	require.Same(t, em, done)
	assert.True(t, done.Failed)
}

func TestReleaseJobDropsEveryHold(t *testing.T) {
	q := NewQueue()
	a := q.Emit("a", nil, nil)
	b := q.Emit("b", nil, nil)
	q.TakePending()
	a.Block(7)
	b.Block(7)

	q.ReleaseJob(7, false)

	assert.Zero(t, a.BlockerCount())
	assert.Zero(t, b.BlockerCount())
}
