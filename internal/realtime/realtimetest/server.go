// Package realtimetest runs an in-process introspection service for tests.
package realtimetest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agent-racer/pitwall/internal/realtime"
)

// Handler answers one method. Returning a *realtime.RPCError sends it as the
// error object; any other error becomes code -32000.
type Handler func(params json.RawMessage) (any, error)

type peer struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{conn: conn, send: make(chan []byte, 64)}
	go p.writePump()
	return p
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for msg := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// deliver queues msg unless the peer is closed or too slow.
func (p *peer) deliver(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- msg:
	default:
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// Server is a fake service speaking the same JSON-RPC dialect as the
// client: getVersion, getVM, getMemoryUsage, streamListen, streamCancel
// and streamNotify pushes.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[*peer]bool
	handlers map[string]Handler
	silent   map[string]bool
	calls    map[string]int
	refuse   int
	accepted int
}

func NewServer() *Server {
	s := &Server{
		peers:    make(map[*peer]bool),
		handlers: make(map[string]Handler),
		silent:   make(map[string]bool),
		calls:    make(map[string]int),
	}
	s.handlers["getVersion"] = func(json.RawMessage) (any, error) {
		return realtime.Version{Type: "Version", Major: 4, Minor: 13}, nil
	}
	s.handlers["getVM"] = func(json.RawMessage) (any, error) {
		return realtime.VM{
			Type:     "VM",
			Name:     "vm",
			Isolates: []realtime.IsolateRef{{ID: "isolates/1", Name: "main"}},
		}, nil
	}
	s.handlers["getMemoryUsage"] = func(json.RawMessage) (any, error) {
		return realtime.MemoryUsage{Type: "MemoryUsage", HeapUsage: 1 << 20, HeapCapacity: 4 << 20}, nil
	}
	success := func(json.RawMessage) (any, error) {
		return realtime.Success{Type: "Success"}, nil
	}
	s.handlers["streamListen"] = success
	s.handlers["streamCancel"] = success

	s.srv = httptest.NewServer(http.HandlerFunc(s.handleWS))
	return s
}

// URL returns the ws:// address of the service.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// Handle replaces the handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Silence makes the server swallow requests for method without answering.
func (s *Server) Silence(method string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[method] = on
}

// Refuse rejects the next n connection attempts with 503. A negative n
// refuses until Refuse is called again.
func (s *Server) Refuse(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = n
}

// DropAll closes every open connection.
func (s *Server) DropAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
		delete(s.peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
		p.conn.Close()
	}
}

// Calls returns how many requests for method were received.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Accepted returns how many connections were upgraded.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Push sends a streamNotify event to every connection.
func (s *Server) Push(streamID string, event map[string]any) {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "streamNotify",
		"params":  map[string]any{"streamId": streamID, "event": event},
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		p.deliver(data)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.refuse != 0 {
		if s.refuse > 0 {
			s.refuse--
		}
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := newPeer(conn)

	s.mu.Lock()
	s.peers[p] = true
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		p.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.serve(p, data)
	}
}

func (s *Server) serve(p *peer, data []byte) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	s.mu.Lock()
	s.calls[req.Method]++
	h, ok := s.handlers[req.Method]
	silent := s.silent[req.Method]
	s.mu.Unlock()

	if silent {
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = &realtime.RPCError{Code: -32601, Message: "method not found"}
	} else if result, err := h(req.Params); err != nil {
		var rpcErr *realtime.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &realtime.RPCError{Code: -32000, Message: err.Error()}
		}
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	p.deliver(out)
}
