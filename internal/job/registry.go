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

package job

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrDuplicateJob is returned when a definition with an already
	// registered name is added.
	ErrDuplicateJob = errors.New("job: duplicate job name")

	// ErrUnknownJob is returned when a lookup by name or id misses.
	ErrUnknownJob = errors.New("job: unknown job")
)

// Registry is the table of job definitions and their instances. It is
// owned by the engine and only touched from the reactor goroutine.
//
// Exactly one instance exists per non-instance definition (the
// goal-tracking singleton). Instance-type definitions keep a master
// placeholder that never runs, plus zero or more multiplexed children
// created on event match and destroyed once their goal concludes.
type Registry struct {
	nextID uint64
	byID   map[uint64]*Instance
	byName map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint64]*Instance),
		byName: make(map[string]*Instance),
	}
}

// Register adds a definition and creates its singleton (or master
// placeholder) instance in the waiting state with goal stop. Duplicate
// names are rejected.
func (r *Registry) Register(def *Definition) (*Instance, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("job: definition without a name")
	}
	if _, ok := r.byName[def.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, def.Name)
	}

	inst := r.newInstance(def)
	r.byName[def.Name] = inst
	return inst, nil
}

func (r *Registry) newInstance(def *Definition) *Instance {
	r.nextID++
	inst := &Instance{
		ID:      r.nextID,
		Name:    def.Name,
		Goal:    GoalStop,
		State:   StateWaiting,
		Def:     def,
		Procs:   make(map[Slot]*Process),
		StartOn: def.StartOn.Copy(),
		StopOn:  def.StopOn.Copy(),
	}
	r.byID[inst.ID] = inst
	return inst
}

// NewChild creates a multiplexed instance of an instance-type
// definition's master, keyed by the distinct event argument set that
// matched.
func (r *Registry) NewChild(master *Instance, key string) *Instance {
	if !master.Def.Instance || master.InstanceOf != nil {
		panic(fmt.Sprintf("job %s: child of a non-master instance", master.Name))
	}
	// Children are found by id only; the name keeps pointing at the
	// master.
	child := r.newInstance(master.Def)
	child.InstanceOf = master
	child.InstanceKey = key
	return child
}

// FindByName returns the named singleton or master instance.
func (r *Registry) FindByName(name string) *Instance {
	return r.byName[name]
}

// FindByID returns the instance with the given id, including multiplexed
// children.
func (r *Registry) FindByID(id uint64) *Instance {
	return r.byID[id]
}

// Instances returns every live instance ordered by id.
func (r *Registry) Instances() []*Instance {
	out := make([]*Instance, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChildrenOf returns the live multiplexed instances of the given master,
// ordered by id.
func (r *Registry) ChildrenOf(master *Instance) []*Instance {
	var out []*Instance
	for _, inst := range r.byID {
		if inst.InstanceOf == master {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChildForKey returns the master's live child created for the given
// argument set key, if any.
func (r *Registry) ChildForKey(master *Instance, key string) *Instance {
	for _, inst := range r.byID {
		if inst.InstanceOf == master && inst.InstanceKey == key {
			return inst
		}
	}
	return nil
}

// Remove destroys an instance that has reached the deleted state. When a
// replacement definition is queued it is swapped in as the new singleton
// and returned; otherwise nil.
func (r *Registry) Remove(inst *Instance) *Instance {
	delete(r.byID, inst.ID)
	if r.byName[inst.Name] == inst {
		delete(r.byName, inst.Name)
	}

	if inst.Replacement != nil && !inst.Replacement.Deleted {
		def := inst.Replacement
		inst.Replacement = nil
		replacement, err := r.Register(def)
		if err != nil {
			// The name can only collide with ourselves, and we just
			// left.
			panic(fmt.Sprintf("job %s: replacement registration failed: %v", def.Name, err))
		}
		return replacement
	}
	return nil
}

// InstanceKeyFor derives the child key for an emission's argument set.
func InstanceKeyFor(args []string) string {
	return strings.Join(args, "\x00")
}
