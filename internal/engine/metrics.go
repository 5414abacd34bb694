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

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "initd_job_transitions_total",
		Help: "Job state transitions, by job name and entered state.",
	}, []string{"job", "state"})

	spawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "initd_process_spawns_total",
		Help: "Processes spawned, by job name and slot.",
	}, []string{"job", "slot"})

	spawnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "initd_process_spawn_failures_total",
		Help: "Failed process spawns, by job name.",
	}, []string{"job"})

	reaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "initd_process_reaps_total",
		Help: "Reaped child processes, by ownership.",
	}, []string{"known"})

	emissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "initd_events_emitted_total",
		Help: "Event emissions placed on the queue, by event name.",
	}, []string{"event"})

	emissionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "initd_events_finished_total",
		Help: "Event emissions that completed handling, by result.",
	}, []string{"result"})

	liveProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "initd_live_processes",
		Help: "Job processes currently tracked by the supervisor.",
	})

	liveInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "initd_job_instances",
		Help: "Job instances currently in the registry.",
	})
)

func (e *Engine) updateGauges() {
	liveProcesses.Set(float64(e.procs.Live()))
	liveInstances.Set(float64(len(e.jobs.Instances())))
}
