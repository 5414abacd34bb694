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

package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	statuses []JobStatus
	events   []EventNotice
	fail     bool
}

func (s *recordingSink) SendJobStatus(st JobStatus) error {
	if s.fail {
		return errors.New("peer gone")
	}
	s.statuses = append(s.statuses, st)
	return nil
}

func (s *recordingSink) SendEvent(ev EventNotice) error {
	if s.fail {
		return errors.New("peer gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func TestJobStatusFansOutToMatchingSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	all := &recordingSink{}
	one := &recordingSink{}
	other := &recordingSink{}
	r.SubscribeJob(all, 0, false)
	r.SubscribeJob(one, 7, false)
	r.SubscribeJob(other, 9, false)

	r.JobStatusChanged(JobStatus{ID: 7, Name: "sshd", State: "running"}, false)

	assert.Len(t, all.statuses, 1)
	assert.Len(t, one.statuses, 1)
	assert.Empty(t, other.statuses)
}

func TestOneShotConsumedAtGoalConclusion(t *testing.T) {
	r := NewRegistry(nil)
	sink := &recordingSink{}
	r.SubscribeJob(sink, 7, true)

	r.JobStatusChanged(JobStatus{ID: 7, State: "starting"}, false)
	assert.Equal(t, 1, r.Count())

	r.JobStatusChanged(JobStatus{ID: 7, State: "running"}, true)
	assert.Zero(t, r.Count())

	// Conclusion of a different job leaves unrelated one-shots alone.
	r.SubscribeJob(sink, 9, true)
	r.JobStatusChanged(JobStatus{ID: 7, State: "waiting"}, true)
	assert.Equal(t, 1, r.Count())
}

func TestFailedDeliveryDropsWholeSink(t *testing.T) {
	r := NewRegistry(nil)
	dead := &recordingSink{fail: true}
	live := &recordingSink{}
	r.SubscribeJob(dead, 0, false)
	r.SubscribeEvent(dead, 0)
	r.SubscribeJob(live, 0, false)

	r.JobStatusChanged(JobStatus{ID: 1}, false)

	// Both of the dead peer's subscriptions are gone; the live one got
	// the push.
	assert.Equal(t, 1, r.Count())
	assert.Len(t, live.statuses, 1)
}

func TestEventSubscriptionConsumedOnFinish(t *testing.T) {
	r := NewRegistry(nil)
	sink := &recordingSink{}
	r.SubscribeEvent(sink, 3)
	wildcard := &recordingSink{}
	r.SubscribeEvent(wildcard, 0)

	r.EventProgressed(EventNotice{ID: 3, Progress: "handling"}, false)
	assert.Equal(t, 2, r.Count())

	r.EventProgressed(EventNotice{ID: 3, Progress: "finished"}, true)

	assert.Equal(t, 1, r.Count())
	assert.Len(t, sink.events, 2)
	assert.Len(t, wildcard.events, 2)
}

func TestUnsubscribeRemovesOnlyWildcards(t *testing.T) {
	r := NewRegistry(nil)
	sink := &recordingSink{}
	r.SubscribeJob(sink, 0, false)
	r.SubscribeJob(sink, 7, true)
	r.SubscribeEvent(sink, 0)

	r.UnsubscribeJobs(sink)
	assert.Equal(t, 2, r.Count())

	r.UnsubscribeEvents(sink)
	assert.Equal(t, 1, r.Count())

	r.DropSink(sink)
	assert.Zero(t, r.Count())
}
