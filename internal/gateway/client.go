// Package gateway is a persistent websocket client for the agent gateway:
// challenge/token handshake, correlated agent calls and reconnection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"wxbridge/internal/backoff"
	"wxbridge/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultCallTimeout      = 120 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	URL              string // ws://host:port/path
	Token            string
	ClientID         string
	ClientVersion    string
	Scopes           []string
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	Reconnect        backoff.Policy
	Schedule         backoff.ScheduleFunc // nil uses time.AfterFunc
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

// Client holds one authenticated connection to the gateway at a time.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
	reconn *backoff.Reconnector

	state atomic.Int32

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	closed  bool
	runCtx  context.Context

	lmu         sync.RWMutex
	onConnected func()
}

var _ domain.AgentGateway = (*Client)(nil)

// New creates a Client. It does not dial.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gateway-client"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "wxbridge"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"operator.admin"}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	logger := cfg.Logger.With("component", "gateway")
	return &Client{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger,
		reconn:  backoff.NewReconnector("gateway", cfg.Reconnect, cfg.Schedule, logger),
		pending: make(map[string]chan frame),
	}
}

// OnConnected fires after every successful handshake, including
// reconnects. Last registration wins.
func (c *Client) OnConnected(fn func()) {
	c.lmu.Lock()
	c.onConnected = fn
	c.lmu.Unlock()
}

func (c *Client) emitConnected() {
	c.lmu.RLock()
	fn := c.onConnected
	c.lmu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ConnectionState returns the state of the gateway socket.
func (c *Client) ConnectionState() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

// ReconnectAttempt returns the current backoff attempt.
func (c *Client) ReconnectAttempt() int {
	return c.reconn.Attempt()
}

// Connect dials the gateway and authenticates. A rejected token returns
// an error wrapping domain.ErrAuthRejected. Once connected, a dropped
// socket is redialed with backoff until Disconnect or until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.runCtx = ctx
	c.mu.Unlock()

	return c.dial(ctx, false)
}

func (c *Client) dial(ctx context.Context, retry bool) error {
	if retry {
		c.state.Store(int32(domain.Reconnecting))
	} else {
		c.state.Store(int32(domain.Connecting))
	}
	c.logger.Info("connecting to gateway", "url", c.cfg.URL, "reconnect", retry)

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if !retry {
			c.state.Store(int32(domain.Disconnected))
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("gateway dial: http %d: %w", resp.StatusCode, domain.ErrAuthRejected)
		}
		return fmt.Errorf("gateway dial: %w", err)
	}

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		if !retry {
			c.state.Store(int32(domain.Disconnected))
		}
		return err
	}

	c.mu.Lock()
	if c.closed || (retry && !c.reconn.Enabled()) {
		c.mu.Unlock()
		conn.Close()
		c.state.Store(int32(domain.Disconnected))
		return domain.ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.reconn.Reset()
	c.state.Store(int32(domain.Connected))
	c.logger.Info("connected to gateway")
	c.emitConnected()

	go c.readLoop(conn)
	return nil
}

// handshake waits for connect.challenge and answers with a connect
// request carrying the token.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	var challenge challengePayload
	for {
		f, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("read challenge: %w", err)
		}
		if f.Type == frameEvent && f.Event == eventChallenge {
			if len(f.Payload) > 0 {
				_ = json.Unmarshal(f.Payload, &challenge)
			}
			break
		}
	}

	params := connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: connectClient{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.ClientVersion,
			Platform: runtime.GOOS,
			Mode:     "backend",
		},
		Role:   "operator",
		Scopes: c.cfg.Scopes,
		Caps:   []string{},
		Nonce:  challenge.Nonce,
	}
	if c.cfg.Token != "" {
		params.Auth = &connectAuth{Token: c.cfg.Token}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal connect params: %w", err)
	}
	id := uuid.NewString()
	if err := c.write(conn, frame{Type: frameReq, ID: id, Method: methodConnect, Params: raw}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		f, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("read connect response: %w", err)
		}
		if f.Type != frameRes || f.ID != id {
			continue
		}
		if f.OK != nil && *f.OK {
			return nil
		}
		return fmt.Errorf("connect rejected: %s: %w", f.Error.String(), domain.ErrAuthRejected)
	}
}

func readFrame(conn *websocket.Conn) (frame, error) {
	var f frame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse frame: %w", err)
	}
	return f, nil
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var cause error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping unparseable gateway frame", "err", err)
			continue
		}

		switch f.Type {
		case frameRes:
			if isAccepted(f) {
				c.logger.Debug("agent call accepted", "id", f.ID)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case frameEvent:
			c.logger.Debug("gateway event", "event", f.Event)
		}
	}
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- frame{Type: frameRes, ID: id, Error: &frameError{Code: errCodeDisconnected, Message: "connection lost"}}
		delete(c.pending, id)
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	if !errors.Is(cause, websocket.ErrCloseSent) {
		c.logger.Warn("gateway connection lost", "err", cause)
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		c.state.Store(int32(domain.Disconnected))
		return
	}

	c.state.Store(int32(domain.Reconnecting))
	_, ok := c.reconn.Schedule(func() {
		if err := c.dial(ctx, true); err != nil {
			if errors.Is(err, domain.ErrClosed) {
				return
			}
			c.logger.Warn("gateway reconnect failed", "err", err)
			c.scheduleReconnect()
		}
	})
	if !ok {
		c.state.Store(int32(domain.Disconnected))
	}
}

// CallAgent sends one agent request and waits for its correlated
// response. Intermediate acknowledgements are skipped. The wait ends with
// domain.ErrAgentTimeout after the configured call timeout.
func (c *Client) CallAgent(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	params := agentParams{
		Message:        req.Message,
		AgentID:        req.AgentID,
		SessionKey:     req.SessionKey,
		IdempotencyKey: uuid.NewString(),
	}
	for _, a := range req.Attachments {
		enc, err := encodeAttachment(a)
		if err != nil {
			c.logger.Warn("skipping attachment", "path", a.Path, "err", err)
			continue
		}
		params.Attachments = append(params.Attachments, enc)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal agent params: %w", err)
	}

	id := uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(conn, frame{Type: frameReq, ID: id, Method: methodAgent, Params: raw}); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send agent request: %w", err)
	}
	c.logger.Debug("agent request sent", "id", id, "session", req.SessionKey, "attachments", len(params.Attachments))

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		return decodeAgentResponse(f)
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("waited %s: %w", c.cfg.CallTimeout, domain.ErrAgentTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func decodeAgentResponse(f frame) (*domain.AgentResponse, error) {
	if f.Error != nil {
		if f.Error.Code == errCodeDisconnected {
			return nil, domain.ErrDisconnected
		}
		return nil, fmt.Errorf("agent error: %s", f.Error.String())
	}
	if f.OK == nil || !*f.OK {
		return nil, fmt.Errorf("agent request failed")
	}
	var res agentResult
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &res); err != nil {
			return nil, fmt.Errorf("parse agent response: %w", err)
		}
	}
	return &domain.AgentResponse{Text: res.text(), RunID: res.RunID}, nil
}

// DisableReconnect stops any pending reconnect. An attempt already
// dialing closes the connection it obtains.
func (c *Client) DisableReconnect() {
	c.reconn.Disable()
}

// Disconnect disables reconnection and closes the socket. Pending calls
// fail with domain.ErrDisconnected. It is safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.reconn.Disable()
	c.state.Store(int32(domain.Disconnected))
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
