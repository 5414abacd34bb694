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
	"gopkg.in/yaml.v3"
)

func leaf(name string, args ...string) *Condition {
	return &Condition{Op: OpEvent, Event: name, Args: args}
}

func TestAndKeepsPartialProgress(t *testing.T) {
	c := &Condition{Op: OpAnd, Children: []*Condition{leaf("net-up"), leaf("disk-up")}}

	assert.True(t, c.Record("net-up", nil))
	assert.False(t, c.Satisfied())

	// The same event again changes nothing.
	assert.False(t, c.Record("net-up", nil))

	// The second event arrives later; the first leaf's bit persisted.
	assert.True(t, c.Record("disk-up", nil))
	assert.True(t, c.Satisfied())

	c.Reset()
	assert.False(t, c.Satisfied())
	assert.True(t, c.Record("net-up", nil))
}

func TestOrNeedsAnyLeaf(t *testing.T) {
	c := &Condition{Op: OpOr, Children: []*Condition{leaf("shutdown"), leaf("halt")}}

	assert.False(t, c.Satisfied())
	c.Record("halt", nil)
	assert.True(t, c.Satisfied())
}

func TestNotInverts(t *testing.T) {
	c := &Condition{Op: OpNot, Children: []*Condition{leaf("maintenance")}}

	assert.True(t, c.Satisfied())
	c.Record("maintenance", nil)
	assert.False(t, c.Satisfied())
}

func TestLeafArgGlobs(t *testing.T) {
	tests := []struct {
		name     string
		cond     *Condition
		event    string
		args     []string
		expected bool
	}{
		{"no patterns matches any args", leaf("net-up"), "net-up", []string{"eth0"}, true},
		{"wrong event name", leaf("net-up"), "net-down", nil, false},
		{"literal match", leaf("net-up", "eth0"), "net-up", []string{"eth0"}, true},
		{"literal mismatch", leaf("net-up", "eth0"), "net-up", []string{"eth1"}, false},
		{"glob in condition", leaf("net-up", "eth*"), "net-up", []string{"eth1"}, true},
		{"glob in emission", leaf("net-up", "eth0"), "net-up", []string{"eth*"}, true},
		{"extra emission args ignored", leaf("net-up", "eth0"), "net-up", []string{"eth0", "up"}, true},
		{"missing emission args", leaf("net-up", "eth0", "up"), "net-up", []string{"eth0"}, false},
		{"positional mismatch", leaf("net-up", "eth0", "up"), "net-up", []string{"up", "eth0"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.cond.MatchLeaf(tt.event, tt.args))
		})
	}
}

func TestCopyClearsSatisfiedBits(t *testing.T) {
	c := &Condition{Op: OpAnd, Children: []*Condition{leaf("a"), leaf("b")}}
	c.Record("a", nil)

	dup := c.Copy()

	assert.False(t, dup.Children[0].satisfied)
	// The copy is independent of the original.
	dup.Record("b", nil)
	assert.False(t, c.Children[1].satisfied)
}

func TestUnmarshalScalarShorthand(t *testing.T) {
	var c Condition
	require.NoError(t, yaml.Unmarshal([]byte(`startup`), &c))

	assert.Equal(t, OpEvent, c.Op)
	assert.Equal(t, "startup", c.Event)
}

func TestUnmarshalStructuredTree(t *testing.T) {
	src := `
and:
  - event: local-filesystems
  - or:
      - event: net-up
        args: ["eth*"]
      - event: loopback-up
`
	var c Condition
	require.NoError(t, yaml.Unmarshal([]byte(src), &c))
	require.NoError(t, c.Validate())

	assert.Equal(t, OpAnd, c.Op)
	require.Len(t, c.Children, 2)
	assert.Equal(t, OpOr, c.Children[1].Op)
	assert.Equal(t, []string{"eth*"}, c.Children[1].Children[0].Args)
	assert.Equal(t, "(local-filesystems and (net-up eth* or loopback-up))", c.String())
}

func TestUnmarshalRejectsAmbiguousNode(t *testing.T) {
	var c Condition
	err := yaml.Unmarshal([]byte("event: a\nnot:\n  event: b\n"), &c)
	assert.Error(t, err)
}

func TestValidateCatchesEmptyBranches(t *testing.T) {
	assert.Error(t, (&Condition{Op: OpAnd}).Validate())
	assert.Error(t, (&Condition{Op: OpNot, Children: []*Condition{leaf("a"), leaf("b")}}).Validate())
	assert.Error(t, (&Condition{Op: OpEvent}).Validate())
	assert.NoError(t, leaf("a").Validate())
}
