package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/agent-racer/pitwall/internal/logging"
)

// Channel multiplexes JSON-RPC calls over a process's stdin and matches the
// responses read from its stdout. Each message is one line holding a JSON
// object wrapped in a single-element array.
type Channel struct {
	w      io.Writer
	logger *log.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[int64]pendingCall

	nextID atomic.Int64
	sent   atomic.Int64
	closed atomic.Bool
	done   chan struct{}
}

type pendingCall struct {
	method string
	ch     chan inbound
}

// NewChannel returns a channel writing requests to w.
func NewChannel(w io.Writer, logger *log.Logger) *Channel {
	return &Channel{
		w:       w,
		logger:  logging.OrDiscard(logger),
		pending: make(map[int64]pendingCall),
		done:    make(chan struct{}),
	}
}

// Call sends method with params and waits for the matching response. When
// result is non-nil the response result is decoded into it.
func (c *Channel) Call(ctx context.Context, method string, params, result any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan inbound, 1)

	c.mu.Lock()
	c.pending[id] = pendingCall{method: method, ch: ch}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(request{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case resp := <-ch:
		if len(resp.Error) > 0 && !bytes.Equal(resp.Error, []byte("null")) {
			return &RPCError{Method: method, Data: resp.Error}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a request without waiting for its response. The process still
// answers it; the answer is dropped as an unknown id.
func (c *Channel) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.send(request{ID: c.nextID.Add(1), Method: method, Params: params})
}

// Sent returns how many requests have been written to the process.
func (c *Channel) Sent() int64 {
	return c.sent.Load()
}

// Close fails every pending call with ErrClosed. It does not close the
// underlying writer.
func (c *Channel) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)

	c.mu.Lock()
	c.pending = make(map[int64]pendingCall)
	c.mu.Unlock()
}

func (c *Channel) send(req request) error {
	data, err := json.Marshal([]request{req})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// handleLine classifies one stdout line. Responses are delivered to their
// pending call and reported as consumed; everything else becomes an Event.
func (c *Channel) handleLine(line string) (Event, bool) {
	msg, ok := decodeLine(line)
	if !ok {
		return Output{Stream: Stdout, Line: line}, true
	}

	if msg.Event != "" {
		return Notification{Event: msg.Event, Params: msg.Params}, true
	}
	c.mu.Lock()
	call, ok := c.pending[*msg.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping response for unknown id", "id", *msg.ID)
		return nil, false
	}

	select {
	case call.ch <- msg:
	default:
		c.logger.Warn("duplicate response", "id", *msg.ID, "method", call.method)
	}
	return nil, false
}

// decodeLine parses a protocol line. Both the enveloped form [{...}] and a
// bare object are accepted. Lines that are not protocol messages report
// false.
func decodeLine(line string) (inbound, bool) {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) < 2 {
		return inbound{}, false
	}

	var msg inbound
	switch {
	case trimmed[0] == '[' && trimmed[1] == '{':
		var batch []inbound
		if err := json.Unmarshal(trimmed, &batch); err != nil || len(batch) != 1 {
			return inbound{}, false
		}
		msg = batch[0]
	case trimmed[0] == '{':
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return inbound{}, false
		}
	default:
		return inbound{}, false
	}

	if msg.Event == "" && msg.ID == nil {
		return inbound{}, false
	}
	return msg, true
}
