package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotConnected is returned for calls made while no connection is up.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrDisconnected fails calls that were in flight when the connection
	// dropped.
	ErrDisconnected = errors.New("realtime: connection lost")
	// ErrMalformed marks a response that decoded but is not what the
	// method returns.
	ErrMalformed = errors.New("realtime: malformed response")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: client closed")
)

// Event is a connection lifecycle transition or a pushed stream event.
type Event interface {
	isEvent()
}

type Connecting struct{}

type Connected struct{}

// Reconnecting is emitted before each reconnect attempt.
type Reconnecting struct {
	Attempt int
	Max     int
}

// Reconnected is emitted once a reconnect attempt succeeds and streams have
// been requested again.
type Reconnected struct{}

// Disconnected is permanent: the client gave up and its event channel
// closes after it.
type Disconnected struct {
	Err error
}

// StreamEvent is a streamNotify message for a subscribed stream.
type StreamEvent struct {
	StreamID string
	Kind     string
	Data     json.RawMessage
}

func (Connecting) isEvent()   {}
func (Connected) isEvent()    {}
func (Reconnecting) isEvent() {}
func (Reconnected) isEvent()  {}
func (Disconnected) isEvent() {}
func (StreamEvent) isEvent()  {}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// id normalizes the response id. Peers echo the string ids this client
// sends, but a numeric id is tolerated.
func (m message) id() (string, bool) {
	if len(m.ID) == 0 || string(m.ID) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s, true
	}
	var n int64
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}

type streamNotify struct {
	StreamID string          `json:"streamId"`
	Event    json.RawMessage `json:"event"`
}

// RPCError is a JSON-RPC error object returned by the service.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// codeStreamAlreadySubscribed is returned by streamListen for a stream this
// connection already listens to.
const codeStreamAlreadySubscribed = 103

// Validator is implemented by every typed response. Validate rejects a
// response whose shape does not match the method's result type.
type Validator interface {
	Validate() error
}

type Version struct {
	Type  string `json:"type"`
	Major int    `json:"major"`
	Minor int    `json:"minor"`
}

func (v Version) Validate() error {
	return expectType("Version", v.Type)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

type IsolateRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type VM struct {
	Type     string       `json:"type"`
	Name     string       `json:"name"`
	Version  string       `json:"version"`
	PID      int          `json:"pid"`
	Isolates []IsolateRef `json:"isolates"`
}

func (v VM) Validate() error {
	return expectType("VM", v.Type)
}

type MemoryUsage struct {
	Type          string `json:"type"`
	HeapUsage     int64  `json:"heapUsage"`
	HeapCapacity  int64  `json:"heapCapacity"`
	ExternalUsage int64  `json:"externalUsage"`
}

func (m MemoryUsage) Validate() error {
	if err := expectType("MemoryUsage", m.Type); err != nil {
		return err
	}
	if m.HeapUsage < 0 || m.HeapCapacity < 0 {
		return errors.New("negative heap size")
	}
	return nil
}

type Success struct {
	Type string `json:"type"`
}

func (s Success) Validate() error {
	return expectType("Success", s.Type)
}

func expectType(want, got string) error {
	if got != want {
		return fmt.Errorf("type %q, want %q", got, want)
	}
	return nil
}
