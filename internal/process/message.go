package process

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for calls pending or issued after the command
	// channel closed.
	ErrClosed = errors.New("command channel closed")
	// ErrExited is returned when writing to a process that has exited.
	ErrExited = errors.New("process exited")
)

// Event is something the process reported: a line of output, a protocol
// notification or its exit. The set is closed.
type Event interface {
	isEvent()
}

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Output is a line the process printed that is not part of the protocol.
type Output struct {
	Stream Stream
	Line   string
}

// Notification is an unsolicited protocol event.
type Notification struct {
	Event  string
	Params json.RawMessage
}

// Exited is the last event a Handle delivers.
type Exited struct {
	Code int
}

func (Output) isEvent()       {}
func (Notification) isEvent() {}
func (Exited) isEvent()       {}

// Field decodes a single top-level field from the notification params.
func (n Notification) Field(name string) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(n.Params, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// inbound covers both responses and events; which one it is depends on
// whether Event is set.
type inbound struct {
	ID     *int64          `json:"id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// RPCError is an error reported by the process for a call.
type RPCError struct {
	Method string
	Data   json.RawMessage
}

func (e *RPCError) Error() string {
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Data, &obj) == nil && obj.Message != "" {
		return fmt.Sprintf("%s: %s", e.Method, obj.Message)
	}
	var s string
	if json.Unmarshal(e.Data, &s) == nil {
		return fmt.Sprintf("%s: %s", e.Method, s)
	}
	return fmt.Sprintf("%s: %s", e.Method, string(e.Data))
}
