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
	"fmt"
	"net"
	"sync"
)

// Client talks the control protocol from the initctl side. A single
// reader goroutine demultiplexes responses (matched on correlation id)
// from notifications (delivered on Notifications).
type Client struct {
	nc  net.Conn
	enc *json.Encoder

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	readErr error
	closed  bool

	notes chan Message
}

// Dial connects to the daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", socketPath, err)
	}

	c := &Client{
		nc:      nc,
		enc:     json.NewEncoder(nc),
		pending: make(map[string]chan Message),
		notes:   make(chan Message, 64),
	}
	go c.readLoop()
	return c, nil
}

// Close shuts the connection; pending calls fail.
func (c *Client) Close() error {
	return c.nc.Close()
}

// Notifications returns the stream of unsolicited pushes. The channel is
// closed when the connection drops.
func (c *Client) Notifications() <-chan Message {
	return c.notes
}

func (c *Client) readLoop() {
	dec := json.NewDecoder(c.nc)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			c.fail(err)
			return
		}

		switch msg.Type {
		case TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[msg.CorrelationID]
			if ok {
				delete(c.pending, msg.CorrelationID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case TypeNotification:
			select {
			case c.notes <- msg:
			default:
				// A slow consumer loses pushes rather than wedging the
				// reader.
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	close(c.notes)
}

// Call sends a request and waits for its response, decoding the result
// into result when non-nil. Protocol-level failures come back as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req, err := NewRequest(method, params)
	if err != nil {
		return fmt.Errorf("control: encode request: %w", err)
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("control: connection closed: %w", c.readErr)
	}
	c.pending[req.CorrelationID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err = c.enc.Encode(req)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
		return fmt.Errorf("control: send request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("control: connection lost: %w", c.readErr)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("control: decode result: %w", err)
			}
		}
		return nil
	}
}
