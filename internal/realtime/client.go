// Package realtime is a JSON-RPC 2.0 client for a WebSocket introspection
// service. It reconnects with exponential backoff and reports its connection
// lifecycle as events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/agent-racer/pitwall/internal/logging"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Streams are subscribed after every successful connect.
	Streams []string
	Logger  *log.Logger
	Dialer  *websocket.Dialer
}

func (o *Options) setDefaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 10
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	o.Logger = logging.OrDiscard(o.Logger)
}

// Client is one logical connection to the service. Physical connections
// come and go underneath it until it gives up or is closed.
type Client struct {
	url    string
	opts   Options
	logger *log.Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan response
	streams map[string]bool

	writeMu sync.Mutex
	nextID  atomic.Uint64
}

type response struct {
	msg message
	err error
}

// Dial starts connecting to url in the background and returns at once.
// Progress is reported on Events, starting with Connecting.
func Dial(ctx context.Context, url string, opts Options) *Client {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(ctx)

	c := &Client{
		url:     url,
		opts:    opts,
		logger:  opts.Logger.With("uri", url),
		events:  make(chan Event, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan response),
		streams: make(map[string]bool),
	}
	for _, s := range opts.Streams {
		c.streams[s] = true
	}

	go c.run()
	return c
}

// Events delivers lifecycle and stream events. It is closed after
// Disconnected or after Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

// URL returns the service address.
func (c *Client) URL() string {
	return c.url
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops reconnecting and drops the connection. No Disconnected event
// is emitted for a close. Close waits for the run loop to exit.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-c.done
	return nil
}

// Call sends a request and decodes the result into result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.write(conn, req); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if resp.msg.Error != nil {
			return resp.msg.Error
		}
		if result != nil {
			if err := json.Unmarshal(resp.msg.Result, result); err != nil {
				return fmt.Errorf("%s: %w: %v", method, ErrMalformed, err)
			}
		}
		return nil
	}
}

// Do calls method and validates the typed result. Every typed request goes
// through it so a response of the wrong shape is an error.
func Do[T Validator](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	if err := c.Call(ctx, method, params, &out); err != nil {
		return out, err
	}
	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("%s: %w: %v", method, ErrMalformed, err)
	}
	return out, nil
}

func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	return Do[Version](ctx, c, "getVersion", nil)
}

func (c *Client) GetVM(ctx context.Context) (VM, error) {
	return Do[VM](ctx, c, "getVM", nil)
}

func (c *Client) GetMemoryUsage(ctx context.Context, isolateID string) (MemoryUsage, error) {
	return Do[MemoryUsage](ctx, c, "getMemoryUsage", map[string]string{"isolateId": isolateID})
}

// StreamListen subscribes to a stream and keeps it subscribed across
// reconnects.
func (c *Client) StreamListen(ctx context.Context, streamID string) error {
	c.mu.Lock()
	c.streams[streamID] = true
	c.mu.Unlock()
	return c.listen(ctx, streamID)
}

func (c *Client) StreamCancel(ctx context.Context, streamID string) error {
	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
	_, err := Do[Success](ctx, c, "streamCancel", map[string]string{"streamId": streamID})
	return err
}

func (c *Client) listen(ctx context.Context, streamID string) error {
	_, err := Do[Success](ctx, c, "streamListen", map[string]string{"streamId": streamID})
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeStreamAlreadySubscribed {
		return nil
	}
	return err
}

func (c *Client) run() {
	defer close(c.done)
	defer close(c.events)

	c.emit(Connecting{})
	conn, err := c.dial()
	if err != nil {
		c.logger.Warn("connect failed", "err", err)
		conn, err = c.reconnect(err)
		if conn == nil {
			c.giveUp(err)
			return
		}
	}
	c.attach(conn)
	c.emit(Connected{})

	for {
		err := c.readLoop(conn)
		c.detach(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection dropped", "err", err)

		conn, err = c.reconnect(err)
		if conn == nil {
			c.giveUp(err)
			return
		}
		c.attach(conn)
		c.emit(Reconnected{})
	}
}

func (c *Client) giveUp(err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.logger.Error("giving up on realtime service", "err", err)
	c.emit(Disconnected{Err: err})
}

func (c *Client) dial() (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(c.ctx, c.url, nil)
	return conn, err
}

// reconnect retries the dial up to MaxAttempts times with exponential
// backoff, emitting Reconnecting before each attempt.
func (c *Client) reconnect(cause error) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	last := cause
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		c.emit(Reconnecting{Attempt: attempt, Max: c.opts.MaxAttempts})

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}

		conn, err := c.dial()
		if err == nil {
			c.logger.Info("reconnected", "attempt", attempt)
			return conn, nil
		}
		last = err
		c.logger.Debug("reconnect attempt failed", "attempt", attempt, "err", err)
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", c.opts.MaxAttempts, last)
}

// attach publishes conn for callers and subscribes every active stream.
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	streams := make([]string, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	// Close may have run between the dial and the publish above.
	if c.ctx.Err() != nil {
		conn.Close()
		return
	}

	// Responses arrive through the read loop, which starts after attach
	// returns.
	go func() {
		for _, s := range streams {
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.listen(ctx, s)
			cancel()
			if err != nil {
				c.logger.Warn("stream subscribe failed", "stream", s, "err", err)
			}
		}
	}()
}

// detach clears conn and fails every call waiting on it.
func (c *Client) detach(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- response{err: ErrDisconnected}:
		default:
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed frame", "err", err)
			continue
		}

		if msg.Method == "streamNotify" {
			c.handleStream(msg)
			continue
		}

		id, ok := msg.id()
		if !ok {
			c.logger.Debug("dropping frame without id", "method", msg.Method)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping response for unknown id", "id", id)
			continue
		}
		select {
		case ch <- response{msg: msg}:
		default:
		}
	}
}

func (c *Client) handleStream(msg message) {
	var n streamNotify
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		c.logger.Warn("dropping malformed stream event", "err", err)
		return
	}
	var head struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(n.Event, &head)
	c.emit(StreamEvent{StreamID: n.StreamID, Kind: head.Kind, Data: n.Event})
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
