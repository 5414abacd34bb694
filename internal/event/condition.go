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
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Op identifies a condition tree node kind.
type Op string

const (
	// OpEvent is a leaf node matching a single event name with optional
	// argument patterns.
	OpEvent Op = "event"
	// OpAnd requires every child condition to be satisfied.
	OpAnd Op = "and"
	// OpOr requires at least one child condition to be satisfied.
	OpOr Op = "or"
	// OpNot inverts its single child condition.
	OpNot Op = "not"
)

// Condition is a boolean expression over event emissions, used for a job's
// start-on and stop-on clauses.
//
// Each node carries a satisfied bit that persists across poll passes, so a
// multi-event precondition ("A and B, in either order") keeps its partial
// progress until the root evaluates true. The bits belong to one job
// instance; definitions hold a template tree and each instance works on a
// Copy of it.
type Condition struct {
	Op       Op
	Event    string
	Args     []string
	Children []*Condition

	satisfied bool
}

// UnmarshalYAML decodes the structured condition syntax used in job
// definition files:
//
//	start_on:
//	  and:
//	    - event: local-filesystems
//	    - event: net-up
//	      args: ["eth*"]
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Event string       `yaml:"event"`
		Args  []string     `yaml:"args"`
		And   []*Condition `yaml:"and"`
		Or    []*Condition `yaml:"or"`
		Not   *Condition   `yaml:"not"`
	}

	// A bare string is shorthand for a leaf with no argument patterns.
	if node.Kind == yaml.ScalarNode {
		c.Op = OpEvent
		c.Event = strings.TrimSpace(node.Value)
		if c.Event == "" {
			return fmt.Errorf("event: empty condition")
		}
		return nil
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	set := 0
	switch {
	case raw.Event != "":
		c.Op = OpEvent
		c.Event = raw.Event
		c.Args = raw.Args
		set++
	}
	if len(raw.And) > 0 {
		c.Op = OpAnd
		c.Children = raw.And
		set++
	}
	if len(raw.Or) > 0 {
		c.Op = OpOr
		c.Children = raw.Or
		set++
	}
	if raw.Not != nil {
		c.Op = OpNot
		c.Children = []*Condition{raw.Not}
		set++
	}

	if set != 1 {
		return fmt.Errorf("event: condition must have exactly one of event/and/or/not")
	}
	return nil
}

// Validate checks the structural invariants of the tree.
func (c *Condition) Validate() error {
	switch c.Op {
	case OpEvent:
		if c.Event == "" {
			return fmt.Errorf("event: leaf condition missing event name")
		}
		if len(c.Children) != 0 {
			return fmt.Errorf("event: leaf condition cannot have children")
		}
	case OpAnd, OpOr:
		if len(c.Children) == 0 {
			return fmt.Errorf("event: %s condition has no children", c.Op)
		}
	case OpNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("event: not condition requires exactly one child")
		}
	default:
		return fmt.Errorf("event: unknown condition op %q", c.Op)
	}
	for _, child := range c.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Copy returns a deep copy of the tree with all satisfied bits cleared.
func (c *Condition) Copy() *Condition {
	if c == nil {
		return nil
	}
	dup := &Condition{
		Op:    c.Op,
		Event: c.Event,
		Args:  append([]string(nil), c.Args...),
	}
	for _, child := range c.Children {
		dup.Children = append(dup.Children, child.Copy())
	}
	return dup
}

// MatchLeaf reports whether a single leaf matches the given emission name
// and arguments. Argument patterns are positional fnmatch-style globs; a
// leaf that specifies more arguments than the emission carries cannot
// match. Matching is tried in both directions so that an emission may also
// carry a glob that covers the condition's literal argument.
func (c *Condition) MatchLeaf(name string, args []string) bool {
	if c.Op != OpEvent || c.Event != name {
		return false
	}
	if len(c.Args) > len(args) {
		return false
	}
	for i, pattern := range c.Args {
		if !globMatch(pattern, args[i]) && !globMatch(args[i], pattern) {
			return false
		}
	}
	return true
}

func globMatch(pattern, value string) bool {
	ok, err := doublestar.Match(pattern, value)
	if err != nil {
		// A malformed pattern can only fail to match.
		return false
	}
	return ok
}

// Record marks any leaves matched by the emission as satisfied and reports
// whether at least one leaf newly changed.
func (c *Condition) Record(name string, args []string) bool {
	if c == nil {
		return false
	}
	switch c.Op {
	case OpEvent:
		if !c.satisfied && c.MatchLeaf(name, args) {
			c.satisfied = true
			return true
		}
		return false
	default:
		changed := false
		for _, child := range c.Children {
			if child.Record(name, args) {
				changed = true
			}
		}
		return changed
	}
}

// Satisfied evaluates the tree against the currently recorded leaves.
func (c *Condition) Satisfied() bool {
	if c == nil {
		return false
	}
	switch c.Op {
	case OpEvent:
		return c.satisfied
	case OpAnd:
		for _, child := range c.Children {
			if !child.Satisfied() {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range c.Children {
			if child.Satisfied() {
				return true
			}
		}
		return false
	case OpNot:
		return !c.Children[0].Satisfied()
	default:
		return false
	}
}

// Reset clears every satisfied bit, ready for the next cycle. Called once
// the root has fired.
func (c *Condition) Reset() {
	if c == nil {
		return
	}
	c.satisfied = false
	for _, child := range c.Children {
		child.Reset()
	}
}

// String renders the condition in a readable prefix form, used in status
// output and logs.
func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	switch c.Op {
	case OpEvent:
		if len(c.Args) == 0 {
			return c.Event
		}
		return c.Event + " " + strings.Join(c.Args, " ")
	case OpNot:
		return "!(" + c.Children[0].String() + ")"
	default:
		parts := make([]string, len(c.Children))
		for i, child := range c.Children {
			parts[i] = child.String()
		}
		return "(" + strings.Join(parts, " "+string(c.Op)+" ") + ")"
	}
}
