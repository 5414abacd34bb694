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

// initctl is the administrative client for initd: start and stop jobs,
// inspect status, emit events, and follow the daemon's activity.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/initware/initd/internal/config"
	"github.com/initware/initd/internal/control"
	"github.com/initware/initd/internal/notify"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	socketPath string
	timeout    time.Duration
	noWait     bool
)

func main() {
	root := &cobra.Command{
		Use:           "initctl",
		Short:         "Control the init daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath, "Control socket path")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newJobsCmd(),
		newEmitCmd(),
		newWatchCmd(),
		newLogCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err.Error()))
		os.Exit(1)
	}
}

func dial() (*control.Client, error) {
	client, err := control.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot reach initd at %s: %w", socketPath, err)
	}
	return client, nil
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// jobTarget parses a job argument that may be a name or a numeric
// instance id.
func jobTarget(arg string) (string, uint64) {
	if id, err := strconv.ParseUint(arg, 10, 64); err == nil && id > 0 {
		return "", id
	}
	return arg, 0
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <job>",
		Short: "Start a job and wait for it to run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			name, id := jobTarget(args[0])
			ctx, cancel := callContext()
			defer cancel()

			var reply control.StartReply
			req := control.StartRequest{Name: name, ID: id, Wait: !noWait}
			if err := client.Call(ctx, control.MethodJobStart, req, &reply); err != nil {
				return err
			}
			if msg, failed := describeReply(reply, "start"); failed {
				return fmt.Errorf("%s", msg)
			} else if msg != "" {
				fmt.Println(msg)
				return nil
			}

			if noWait {
				fmt.Println(renderOK(fmt.Sprintf("%s starting", reply.Name)))
				return nil
			}
			return awaitGoal(ctx, client, reply.ID, "running")
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return immediately without waiting for the goal")
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <job>",
		Short: "Stop a job (all instances of an instance-type job) and wait",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			name, id := jobTarget(args[0])
			ctx, cancel := callContext()
			defer cancel()

			var reply control.StopReply
			req := control.StopRequest{Name: name, ID: id, Wait: !noWait}
			if err := client.Call(ctx, control.MethodJobStop, req, &reply); err != nil {
				return err
			}

			for _, r := range reply.Replies {
				msg, failed := describeReply(r, "stop")
				if failed {
					return fmt.Errorf("%s", msg)
				}
				if msg != "" {
					fmt.Println(msg)
					continue
				}
				if noWait {
					fmt.Println(renderOK(fmt.Sprintf("%s stopping", r.Name)))
					continue
				}
				if err := awaitGoal(ctx, client, r.ID, "waiting"); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return immediately without waiting for the goal")
	return cmd
}

// describeReply translates non-accepted replies into user-facing text.
// The second return marks a hard failure.
func describeReply(r control.ReplyInfo, verb string) (string, bool) {
	switch r.Status {
	case "unknown":
		return renderError(fmt.Sprintf("unknown job: %s", replyLabel(r))), true
	case "invalid":
		return renderError(fmt.Sprintf("job %s cannot be %sed right now", replyLabel(r), verb)), true
	case "unchanged":
		return renderMuted(fmt.Sprintf("%s unchanged", replyLabel(r))), false
	}
	return "", false
}

func replyLabel(r control.ReplyInfo) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", r.ID)
}

// awaitGoal follows the instance's status pushes until it reaches the
// wanted state or settles somewhere else.
func awaitGoal(ctx context.Context, client *control.Client, id uint64, want string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for job #%d", id)
		case msg, ok := <-client.Notifications():
			if !ok {
				return fmt.Errorf("connection to initd lost")
			}
			if msg.Method != control.NoteJobStatus {
				continue
			}
			st, err := control.DecodeJobStatus(msg)
			if err != nil || st.ID != id {
				continue
			}
			switch st.State {
			case want:
				fmt.Println(renderOK(fmt.Sprintf("%s %s", st.Name, st.State)))
				return nil
			case "waiting", "deleted":
				if want != st.State {
					return fmt.Errorf("%s stopped instead of reaching %s", st.Name, want)
				}
			}
		}
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job>",
		Short: "Show the status of one job and its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := callContext()
			defer cancel()

			var reply control.StatusReply
			req := control.StatusRequest{Name: args[0]}
			if err := client.Call(ctx, control.MethodJobStatus, req, &reply); err != nil {
				return err
			}
			renderStatuses(reply.Jobs)
			return nil
		},
	}
}

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List every job instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := callContext()
			defer cancel()

			var reply control.StatusReply
			if err := client.Call(ctx, control.MethodJobStatus, control.StatusRequest{}, &reply); err != nil {
				return err
			}
			renderStatuses(reply.Jobs)
			return nil
		},
	}
}

func newEmitCmd() *cobra.Command {
	var (
		env  []string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "emit <event> [args...]",
		Short: "Emit an event, optionally waiting for handling to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := callContext()
			defer cancel()

			var reply control.EmitReply
			req := control.EmitRequest{Name: args[0], Args: args[1:], Env: env, Wait: wait}
			if err := client.Call(ctx, control.MethodEventEmit, req, &reply); err != nil {
				return err
			}
			if !wait {
				fmt.Println(renderOK(fmt.Sprintf("emitted %s (#%d)", args[0], reply.ID)))
				return nil
			}

			for {
				select {
				case <-ctx.Done():
					return fmt.Errorf("timed out waiting for event #%d", reply.ID)
				case msg, ok := <-client.Notifications():
					if !ok {
						return fmt.Errorf("connection to initd lost")
					}
					if msg.Method != control.NoteEventProgress {
						continue
					}
					ev, err := control.DecodeEventNotice(msg)
					if err != nil || ev.ID != reply.ID {
						continue
					}
					if ev.Progress == "finished" {
						if ev.Failed {
							return fmt.Errorf("event %s failed", ev.Name)
						}
						fmt.Println(renderOK(fmt.Sprintf("event %s handled", ev.Name)))
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "KEY=VALUE pairs passed with the event")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until every started or stopped job concludes")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream job status changes (and optionally event progress)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			callCtx, callCancel := callContext()
			defer callCancel()
			if err := client.Call(callCtx, control.MethodWatchJobs, nil, nil); err != nil {
				return err
			}
			if events {
				if err := client.Call(callCtx, control.MethodWatchEvents, nil, nil); err != nil {
					return err
				}
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-client.Notifications():
					if !ok {
						return fmt.Errorf("connection to initd lost")
					}
					switch msg.Method {
					case control.NoteJobStatus:
						if st, err := control.DecodeJobStatus(msg); err == nil {
							fmt.Println(renderStatusLine(st))
						}
					case control.NoteEventProgress:
						if ev, err := control.DecodeEventNotice(msg); err == nil {
							fmt.Println(renderEventLine(ev))
						}
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "Include event emission progress")
	return cmd
}

func newLogCmd() *cobra.Command {
	var (
		limit int
		name  string
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent job transitions and events from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := callContext()
			defer cancel()

			var reply control.JournalReply
			req := control.JournalRequest{Limit: limit, Name: name}
			if err := client.Call(ctx, control.MethodJournalQuery, req, &reply); err != nil {
				return err
			}
			renderJournal(reply.Entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show")
	cmd.Flags().StringVar(&name, "job", "", "Filter to one job or event name")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("initctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// renderStatuses prints a status table for the given instances.
func renderStatuses(jobs []notify.JobStatus) {
	if len(jobs) == 0 {
		fmt.Println(renderMuted("no jobs"))
		return
	}
	for _, st := range jobs {
		fmt.Println(renderStatusLine(st))
	}
}
