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

package control

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initware/initd/internal/engine"
	"github.com/initware/initd/internal/job"
	"github.com/initware/initd/internal/notify"
)

func TestRequestCarriesFreshCorrelationID(t *testing.T) {
	a, err := NewRequest(MethodJobStart, StartRequest{Name: "sshd"})
	require.NoError(t, err)
	b, err := NewRequest(MethodJobStart, StartRequest{Name: "sshd"})
	require.NoError(t, err)

	assert.Equal(t, TypeRequest, a.Type)
	assert.NotEmpty(t, a.CorrelationID)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)

	var p StartRequest
	require.NoError(t, json.Unmarshal(a.Params, &p))
	assert.Equal(t, "sshd", p.Name)
}

func TestResponseEchoesCorrelation(t *testing.T) {
	req, err := NewRequest(MethodJobStatus, nil)
	require.NoError(t, err)

	resp, err := NewResponse(req, StatusReply{})
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)

	fail := NewErrorResponse(req, CodeUnknownJob, "no such job")
	assert.Equal(t, req.CorrelationID, fail.CorrelationID)
	require.NotNil(t, fail.Error)
	assert.Equal(t, "unknown-job: no such job", fail.Error.Error())
}

func TestMessageWireRoundTrip(t *testing.T) {
	msg, err := NewNotification(NoteJobStatus, notify.JobStatus{ID: 3, Name: "sshd", State: "running"})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeNotification, decoded.Type)

	st, err := DecodeJobStatus(decoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.ID)
	assert.Equal(t, "running", st.State)
}

func TestDecodeEventNotice(t *testing.T) {
	msg, err := NewNotification(NoteEventProgress, notify.EventNotice{ID: 9, Name: "net-up", Progress: "finished"})
	require.NoError(t, err)

	ev, err := DecodeEventNotice(msg)
	require.NoError(t, err)
	assert.Equal(t, "net-up", ev.Name)
	assert.Equal(t, "finished", ev.Progress)
}

// startTestServer binds a server to a throwaway socket. The engine's
// reactor is not running, so requests execute inline on the handler
// goroutine; the full round trip over the socket is still real.
func startTestServer(t *testing.T, eng *engine.Engine) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "control.sock")
	srv, err := NewServer(ServerConfig{SocketPath: socket, Engine: eng})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return socket
}

func dialTest(t *testing.T, socket string) *Client {
	t.Helper()
	client, err := Dial(socket)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestServerStatusRoundTrip(t *testing.T) {
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	require.NoError(t, eng.AddDefinition(&job.Definition{Name: "sshd"}))
	client := dialTest(t, startTestServer(t, eng))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply StatusReply
	require.NoError(t, client.Call(ctx, MethodJobStatus, StatusRequest{}, &reply))

	require.Len(t, reply.Jobs, 1)
	assert.Equal(t, "sshd", reply.Jobs[0].Name)
	assert.Equal(t, "waiting", reply.Jobs[0].State)
}

func TestServerStartAndStopOverSocket(t *testing.T) {
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	require.NoError(t, eng.AddDefinition(&job.Definition{Name: "migrate"}))
	client := dialTest(t, startTestServer(t, eng))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var start StartReply
	require.NoError(t, client.Call(ctx, MethodJobStart, StartRequest{Name: "migrate"}, &start))
	assert.Equal(t, engine.ReplyJob, start.Status)

	// The hook-only job already concluded, so a stop changes nothing.
	var stop StopReply
	require.NoError(t, client.Call(ctx, MethodJobStop, StopRequest{Name: "migrate"}, &stop))
	require.Len(t, stop.Replies, 1)
	assert.Equal(t, engine.ReplyUnchanged, stop.Replies[0].Status)
}

func TestServerReportsUnknownJob(t *testing.T) {
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	client := dialTest(t, startTestServer(t, eng))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, MethodJobStatus, StatusRequest{Name: "ghost"}, nil)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeUnknownJob, perr.Code)
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	client := dialTest(t, startTestServer(t, eng))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "job.restart", nil, nil)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeUnknownMethod, perr.Code)
}

func TestServerRejectsEmptyEventName(t *testing.T) {
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	client := dialTest(t, startTestServer(t, eng))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, MethodEventEmit, EmitRequest{}, nil)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeBadRequest, perr.Code)
}

func TestServerRateLimitsFloods(t *testing.T) {
	eng := engine.New(engine.Config{LogDir: t.TempDir()})
	socket := filepath.Join(t.TempDir(), "control.sock")
	srv, err := NewServer(ServerConfig{
		SocketPath:        socket,
		Engine:            eng,
		RequestsPerSecond: 1,
		Burst:             2,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := dialTest(t, socket)
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	var limited bool
	for i := 0; i < 5; i++ {
		err := client.Call(callCtx, MethodJobStatus, StatusRequest{}, nil)
		var perr *Error
		if errors.As(err, &perr) && perr.Code == CodeRateLimited {
			limited = true
			break
		}
		require.NoError(t, err)
	}
	assert.True(t, limited)
}

func TestServerRequiresConfiguration(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)

	_, err = NewServer(ServerConfig{SocketPath: filepath.Join(t.TempDir(), "s.sock")})
	assert.Error(t, err)
}
