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

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/initware/initd/internal/control"
	"github.com/initware/initd/internal/notify"
)

// CLI style colors using lipgloss
var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleBold  = lipgloss.NewStyle().Bold(true)
)

func renderOK(msg string) string {
	return styleOK.Render("✓") + " " + msg
}

func renderError(msg string) string {
	return styleError.Render("✗") + " " + msg
}

func renderMuted(msg string) string {
	return styleMuted.Render(msg)
}

// stateStyle colors a job state by how settled it is.
func stateStyle(goal, state string) lipgloss.Style {
	switch state {
	case "running":
		return styleOK
	case "waiting":
		if goal == "start" {
			return styleWarn
		}
		return styleMuted
	case "deleted":
		return styleMuted
	default:
		// Mid-transition.
		return styleWarn
	}
}

// renderStatusLine formats one instance as
// "name (#id) goal/state  [slot pid ...]".
func renderStatusLine(st notify.JobStatus) string {
	var b strings.Builder
	b.WriteString(styleBold.Render(st.Name))
	b.WriteString(styleMuted.Render(fmt.Sprintf(" (#%d) ", st.ID)))
	b.WriteString(stateStyle(st.Goal, st.State).Render(st.Goal + "/" + st.State))
	for _, p := range st.Processes {
		b.WriteString(fmt.Sprintf("  %s %d", p.Slot, p.PID))
	}
	return b.String()
}

// renderEventLine formats one emission progress notice.
func renderEventLine(ev notify.EventNotice) string {
	var b strings.Builder
	b.WriteString(styleMuted.Render(fmt.Sprintf("event #%d ", ev.ID)))
	b.WriteString(styleBold.Render(ev.Name))
	if len(ev.Args) > 0 {
		b.WriteString(" " + strings.Join(ev.Args, " "))
	}
	b.WriteString("  ")
	if ev.Failed {
		b.WriteString(styleError.Render(ev.Progress + " (failed)"))
	} else {
		b.WriteString(styleMuted.Render(ev.Progress))
	}
	return b.String()
}

// renderJournal prints journal entries oldest first for natural reading.
func renderJournal(entries []control.JournalEntry) {
	if len(entries) == 0 {
		fmt.Println(renderMuted("journal is empty"))
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		ts := styleMuted.Render(e.Time.Format("2006-01-02 15:04:05"))
		kind := styleMuted.Render(fmt.Sprintf("%-5s", e.Kind))
		fmt.Printf("%s  %s %s  %s\n", ts, kind, styleBold.Render(e.Name), e.Detail)
	}
}
