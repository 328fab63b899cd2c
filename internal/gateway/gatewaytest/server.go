// Package gatewaytest provides an in-process agent gateway for tests.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Attachment is an attachment as received by the gateway.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Content  string `json:"content"`
}

// Call is one agent request received by the Server.
type Call struct {
	ID          string
	Message     string       `json:"message"`
	AgentID     string       `json:"agentId"`
	SessionKey  string       `json:"sessionKey"`
	Deliver     bool         `json:"deliver"`
	Idempotency string       `json:"idempotencyKey"`
	Attachments []Attachment `json:"attachments"`

	conn *conn
}

// Accept sends the intermediate "accepted" acknowledgement.
func (c *Call) Accept() error {
	return c.conn.send(map[string]any{
		"type": "res", "id": c.ID, "ok": true,
		"payload": map[string]any{"status": "accepted", "runId": "run-" + c.ID},
	})
}

// Reply completes the call with text.
func (c *Call) Reply(text string) error {
	return c.conn.send(map[string]any{
		"type": "res", "id": c.ID, "ok": true,
		"payload": map[string]any{"status": "ok", "runId": "run-" + c.ID, "text": text},
	})
}

// Fail completes the call with an error frame.
func (c *Call) Fail(code, message string) error {
	return c.conn.send(map[string]any{
		"type": "res", "id": c.ID, "ok": false,
		"error": map[string]any{"code": code, "message": message},
	})
}

// Drop closes the connection the call arrived on.
func (c *Call) Drop() {
	c.conn.ws.Close()
}

type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

type inFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Server is a websocket gateway speaking the challenge/connect/agent
// protocol. Agent calls are delivered on Calls unless a responder is set.
type Server struct {
	URL   string
	Token string
	Calls chan *Call

	srv      *httptest.Server
	connects atomic.Int32
	calls    atomic.Int32

	mu      sync.Mutex
	conns   []*conn
	respond func(*Call)
}

// NewServer starts a gateway that accepts token.
func NewServer(token string) *Server {
	s := &Server{Token: token, Calls: make(chan *Call, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	return s
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// SetResponder answers every later call with fn instead of delivering it
// on Calls. A nil fn restores delivery on Calls.
func (s *Server) SetResponder(fn func(*Call)) {
	s.mu.Lock()
	s.respond = fn
	s.mu.Unlock()
}

// Connects returns the number of completed handshakes.
func (s *Server) Connects() int { return int(s.connects.Load()) }

// CallCount returns the number of agent calls received.
func (s *Server) CallCount() int { return int(s.calls.Load()) }

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	defer ws.Close()

	if err := c.send(map[string]any{
		"type": "event", "event": "connect.challenge",
		"payload": map[string]any{"nonce": "n-1", "ts": 1},
	}); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f inFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != "req" {
			continue
		}

		switch f.Method {
		case "connect":
			var p struct {
				Auth struct {
					Token string `json:"token"`
				} `json:"auth"`
			}
			json.Unmarshal(f.Params, &p)
			if p.Auth.Token != s.Token {
				c.send(map[string]any{
					"type": "res", "id": f.ID, "ok": false,
					"error": map[string]any{"code": "AUTH", "message": "invalid token"},
				})
				continue
			}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			s.connects.Add(1)
			c.send(map[string]any{"type": "res", "id": f.ID, "ok": true, "payload": map[string]any{"protocol": 3}})

		case "agent":
			call := &Call{ID: f.ID, conn: c}
			json.Unmarshal(f.Params, call)
			s.calls.Add(1)
			s.mu.Lock()
			respond := s.respond
			s.mu.Unlock()
			if respond != nil {
				go respond(call)
				continue
			}
			s.Calls <- call
		}
	}
}
