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

// Package control implements the daemon's administrative surface: a
// newline-delimited JSON protocol spoken over a unix domain socket, a
// server bound to the engine, and the client used by initctl.
package control

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/initware/initd/internal/engine"
	"github.com/initware/initd/internal/notify"
)

// MessageType distinguishes the three message shapes on the wire.
type MessageType string

const (
	// TypeRequest expects exactly one response with the same correlation
	// id.
	TypeRequest MessageType = "request"
	// TypeResponse answers a request.
	TypeResponse MessageType = "response"
	// TypeNotification is an unsolicited push from the daemon.
	TypeNotification MessageType = "notification"
)

// Request methods.
const (
	MethodJobStart      = "job.start"
	MethodJobStop       = "job.stop"
	MethodJobStatus     = "job.status"
	MethodEventEmit     = "event.emit"
	MethodWatchJobs     = "watch.jobs"
	MethodUnwatchJobs   = "unwatch.jobs"
	MethodWatchEvents   = "watch.events"
	MethodUnwatchEvents = "unwatch.events"
	MethodJournalQuery  = "journal.query"
)

// Notification methods.
const (
	NoteJobStatus     = "job.status"
	NoteEventProgress = "event.progress"
)

// Error codes carried in error responses.
const (
	CodeBadRequest    = "bad-request"
	CodeUnknownMethod = "unknown-method"
	CodeUnknownJob    = "unknown-job"
	CodeRateLimited   = "rate-limited"
	CodeInternal      = "internal"
)

// Message is the single framing type: one JSON object per line.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Method        string          `json:"method,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *Error          `json:"error,omitempty"`
}

// Error is a structured request failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// StartRequest asks a job to pursue the start goal. ID takes precedence
// over Name when set. Wait subscribes the connection to status pushes
// until the goal concludes.
type StartRequest struct {
	Name string `json:"name,omitempty"`
	ID   uint64 `json:"id,omitempty"`
	Wait bool   `json:"wait,omitempty"`
}

// StopRequest mirrors StartRequest for the stop goal.
type StopRequest = StartRequest

// ReplyInfo is the wire form of a start/stop outcome.
type ReplyInfo = engine.JobReply

// StartReply is the result of a job.start request.
type StartReply = engine.JobReply

// StopReply carries the per-instance outcomes of a stop request; more
// than one entry when stopping an instance-type master fans out.
type StopReply struct {
	Replies []engine.JobReply `json:"replies"`
}

// EmitRequest raises an event. Wait subscribes the connection to the
// emission's progress so the caller can block until it finishes.
type EmitRequest struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
	Env  []string `json:"env,omitempty"`
	Wait bool     `json:"wait,omitempty"`
}

// EmitReply returns the queued emission's id.
type EmitReply struct {
	ID uint64 `json:"id"`
}

// StatusRequest queries job status; empty Name means every instance.
type StatusRequest struct {
	Name string `json:"name,omitempty"`
}

// StatusReply lists the matching instances.
type StatusReply struct {
	Jobs []notify.JobStatus `json:"jobs"`
}

// JournalRequest reads back recent journal entries.
type JournalRequest struct {
	Limit int    `json:"limit,omitempty"`
	Name  string `json:"name,omitempty"`
}

// JournalEntry is one record in a JournalReply.
type JournalEntry struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	RefID  uint64    `json:"refId"`
	Name   string    `json:"name"`
	Detail string    `json:"detail"`
}

// JournalReply lists journal entries, newest first.
type JournalReply struct {
	Entries []JournalEntry `json:"entries"`
}

// NewRequest builds a request message with a fresh correlation id.
func NewRequest(method string, params any) (Message, error) {
	msg := Message{
		Type:          TypeRequest,
		CorrelationID: uuid.NewString(),
		Method:        method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a success response to req.
func NewResponse(req Message, result any) (Message, error) {
	msg := Message{
		Type:          TypeResponse,
		CorrelationID: req.CorrelationID,
		Method:        req.Method,
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Message{}, err
		}
		msg.Result = raw
	}
	return msg, nil
}

// NewErrorResponse builds a failure response to req.
func NewErrorResponse(req Message, code, text string) Message {
	return Message{
		Type:          TypeResponse,
		CorrelationID: req.CorrelationID,
		Method:        req.Method,
		Error:         &Error{Code: code, Message: text},
	}
}

// DecodeJobStatus decodes a job.status notification's payload.
func DecodeJobStatus(msg Message) (notify.JobStatus, error) {
	var st notify.JobStatus
	err := json.Unmarshal(msg.Params, &st)
	return st, err
}

// DecodeEventNotice decodes an event.progress notification's payload.
func DecodeEventNotice(msg Message) (notify.EventNotice, error) {
	var ev notify.EventNotice
	err := json.Unmarshal(msg.Params, &ev)
	return ev, err
}

// NewNotification builds an unsolicited push message.
func NewNotification(method string, params any) (Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeNotification, Method: method, Params: raw}, nil
}
