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
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/initware/initd/internal/engine"
	"github.com/initware/initd/internal/job"
	ilog "github.com/initware/initd/internal/log"
	"github.com/initware/initd/internal/notify"
)

// ServerConfig configures the control server.
type ServerConfig struct {
	// SocketPath is where the unix domain socket is bound. A stale
	// socket file from a previous run is removed.
	SocketPath string

	// Engine handles all requests.
	Engine *engine.Engine

	// Logger is the structured logger.
	Logger *slog.Logger

	// RequestsPerSecond bounds each connection's request rate; zero
	// means 50.
	RequestsPerSecond float64

	// Burst is the per-connection burst allowance; zero means 10.
	Burst int
}

// Server accepts control connections and dispatches their requests into
// the engine's reactor.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	ln     net.Listener

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer binds the control socket.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("control: socket path is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("control: engine is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// A stale socket survives an unclean exit and would block the bind.
	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("control: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listen: %w", err)
	}
	if err := os.Chmod(cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: chmod socket: %w", err)
	}

	return &Server{
		cfg:    cfg,
		logger: ilog.WithComponent(logger, "control"),
		ln:     ln,
		conns:  make(map[*conn]struct{}),
	}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}

		if !peerAllowed(nc) {
			s.logger.Warn("rejecting control connection from foreign uid")
			nc.Close()
			continue
		}

		c := &conn{
			server:  s,
			nc:      nc,
			enc:     json.NewEncoder(nc),
			dec:     json.NewDecoder(nc),
			limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst),
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.logger.Debug("control connection accepted")
		go c.serve()
	}
}

// Close shuts the listener and every live connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()
	return err
}

// peerAllowed checks the socket peer's credentials: only root and the
// daemon's own uid may speak to it. The 0600 socket mode already keeps
// strangers out; this guards against a mis-chowned socket file.
func peerAllowed(nc net.Conn) bool {
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		return true
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return false
	}
	if credErr != nil {
		return false
	}
	return cred.Uid == 0 || cred.Uid == uint32(os.Getuid())
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// conn is one control connection. It is also the notify.Sink delivering
// pushes for subscriptions the peer holds; writes from the reactor and
// from request handling are serialized by wmu.
type conn struct {
	server  *Server
	nc      net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	limiter *rate.Limiter

	wmu sync.Mutex
}

func (c *conn) serve() {
	defer func() {
		c.nc.Close()
		c.server.dropConn(c)
		// A vanished peer is unsubscribed silently.
		c.server.cfg.Engine.DropSink(c)
	}()

	for {
		var req Message
		if err := c.dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.server.logger.Debug("control connection read failed", ilog.Error(err))
			}
			return
		}
		if req.Type != TypeRequest {
			continue
		}
		if !c.limiter.Allow() {
			c.send(NewErrorResponse(req, CodeRateLimited, "request rate exceeded"))
			continue
		}
		c.send(c.handle(req))
	}
}

func (c *conn) handle(req Message) Message {
	eng := c.server.cfg.Engine

	switch req.Method {
	case MethodJobStart:
		var p StartRequest
		if msg, ok := c.params(req, &p); !ok {
			return msg
		}
		var sink notify.Sink
		if p.Wait {
			sink = c
		}
		reply := eng.StartJob(p.Name, p.ID, sink)
		return c.respond(req, reply)

	case MethodJobStop:
		var p StopRequest
		if msg, ok := c.params(req, &p); !ok {
			return msg
		}
		var sink notify.Sink
		if p.Wait {
			sink = c
		}
		replies := eng.StopJob(p.Name, p.ID, sink)
		return c.respond(req, StopReply{Replies: replies})

	case MethodJobStatus:
		var p StatusRequest
		if msg, ok := c.params(req, &p); !ok {
			return msg
		}
		jobs, err := eng.Status(p.Name)
		if err != nil {
			if errors.Is(err, job.ErrUnknownJob) {
				return NewErrorResponse(req, CodeUnknownJob, err.Error())
			}
			return NewErrorResponse(req, CodeInternal, err.Error())
		}
		return c.respond(req, StatusReply{Jobs: jobs})

	case MethodEventEmit:
		var p EmitRequest
		if msg, ok := c.params(req, &p); !ok {
			return msg
		}
		if p.Name == "" {
			return NewErrorResponse(req, CodeBadRequest, "event name is required")
		}
		var sink notify.Sink
		if p.Wait {
			sink = c
		}
		id := eng.EmitEvent(p.Name, p.Args, p.Env, sink)
		return c.respond(req, EmitReply{ID: id})

	case MethodWatchJobs:
		eng.WatchJobs(c)
		return c.respond(req, nil)

	case MethodUnwatchJobs:
		eng.UnwatchJobs(c)
		return c.respond(req, nil)

	case MethodWatchEvents:
		eng.WatchEvents(c)
		return c.respond(req, nil)

	case MethodUnwatchEvents:
		eng.UnwatchEvents(c)
		return c.respond(req, nil)

	case MethodJournalQuery:
		var p JournalRequest
		if msg, ok := c.params(req, &p); !ok {
			return msg
		}
		entries, err := eng.JournalRecent(p.Limit, p.Name)
		if err != nil {
			return NewErrorResponse(req, CodeInternal, err.Error())
		}
		reply := JournalReply{Entries: make([]JournalEntry, 0, len(entries))}
		for _, e := range entries {
			reply.Entries = append(reply.Entries, JournalEntry{
				Time:   e.Time,
				Kind:   string(e.Kind),
				RefID:  e.RefID,
				Name:   e.Name,
				Detail: e.Detail,
			})
		}
		return c.respond(req, reply)

	default:
		return NewErrorResponse(req, CodeUnknownMethod, "unknown method "+req.Method)
	}
}

// params decodes the request parameters, returning an error response on
// malformed input.
func (c *conn) params(req Message, into any) (Message, bool) {
	if len(req.Params) == 0 {
		return Message{}, true
	}
	if err := json.Unmarshal(req.Params, into); err != nil {
		return NewErrorResponse(req, CodeBadRequest, "malformed params: "+err.Error()), false
	}
	return Message{}, true
}

func (c *conn) respond(req Message, result any) Message {
	msg, err := NewResponse(req, result)
	if err != nil {
		return NewErrorResponse(req, CodeInternal, err.Error())
	}
	return msg
}

func (c *conn) send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	// A peer that stops reading must not wedge the reactor behind a full
	// socket buffer; a timed-out write drops the connection instead.
	c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.enc.Encode(msg)
}

// SendJobStatus implements notify.Sink.
func (c *conn) SendJobStatus(st notify.JobStatus) error {
	msg, err := NewNotification(NoteJobStatus, st)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// SendEvent implements notify.Sink.
func (c *conn) SendEvent(ev notify.EventNotice) error {
	msg, err := NewNotification(NoteEventProgress, ev)
	if err != nil {
		return err
	}
	return c.send(msg)
}
