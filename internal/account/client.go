// Package account is the client of the messaging-account microservice:
// HTTP calls for login, sending and image retrieval, plus the websocket
// push channel that delivers inbound messages.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wxbridge/internal/backoff"
	"wxbridge/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Config configures a Client.
type Config struct {
	BaseURL    string // http://host:port
	AuthKey    string
	Timeout    time.Duration // per HTTP request, including each image page
	Reconnect  backoff.Policy
	Schedule   backoff.ScheduleFunc // nil uses time.AfterFunc
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Client talks to one account of the messaging microservice.
type Client struct {
	baseURL string
	authKey string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
	reconn  *backoff.Reconnector

	connState  atomic.Int32
	loginState atomic.Int32

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	subCtx context.Context

	lmu            sync.RWMutex
	onMessage      func(domain.NormalizedMessage)
	onQRCode       func(string)
	onLoginSuccess func()
	onLoginExpired func()
	onConnected    func()
}

var _ domain.AccountTransport = (*Client)(nil)

// New creates a Client. It does not contact the service.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := cfg.Logger.With("component", "account")
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		authKey: cfg.AuthKey,
		http:    cfg.HTTPClient,
		dialer:  cfg.Dialer,
		logger:  logger,
		reconn:  backoff.NewReconnector("account", cfg.Reconnect, cfg.Schedule, logger),
	}
}

// SharedHTTPClient returns an HTTP client with connection pooling suited
// to many small calls against one host.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// --- Listener slots (last registration wins) ---

func (c *Client) OnMessage(fn func(domain.NormalizedMessage)) {
	c.lmu.Lock()
	c.onMessage = fn
	c.lmu.Unlock()
}

func (c *Client) OnQRCode(fn func(url string)) {
	c.lmu.Lock()
	c.onQRCode = fn
	c.lmu.Unlock()
}

func (c *Client) OnLoginSuccess(fn func()) {
	c.lmu.Lock()
	c.onLoginSuccess = fn
	c.lmu.Unlock()
}

func (c *Client) OnLoginExpired(fn func()) {
	c.lmu.Lock()
	c.onLoginExpired = fn
	c.lmu.Unlock()
}

// OnConnected fires after every successful (re)open of the push channel.
func (c *Client) OnConnected(fn func()) {
	c.lmu.Lock()
	c.onConnected = fn
	c.lmu.Unlock()
}

func (c *Client) emitMessage(msg domain.NormalizedMessage) {
	c.lmu.RLock()
	fn := c.onMessage
	c.lmu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *Client) emitQRCode(u string) {
	c.lmu.RLock()
	fn := c.onQRCode
	c.lmu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

func (c *Client) emitLoginSuccess() {
	c.lmu.RLock()
	fn := c.onLoginSuccess
	c.lmu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) emitLoginExpired() {
	c.lmu.RLock()
	fn := c.onLoginExpired
	c.lmu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) emitConnected() {
	c.lmu.RLock()
	fn := c.onConnected
	c.lmu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ConnectionState returns the state of the push channel.
func (c *Client) ConnectionState() domain.ConnectionState {
	return domain.ConnectionState(c.connState.Load())
}

// LoginState returns the login state seen at the last poll.
func (c *Client) LoginState() domain.LoginState {
	return domain.LoginState(c.loginState.Load())
}

// ReconnectAttempt returns the push channel's current backoff attempt.
func (c *Client) ReconnectAttempt() int {
	return c.reconn.Attempt()
}

// --- HTTP ---

func (c *Client) endpoint(path string) string {
	return c.baseURL + path + "?key=" + url.QueryEscape(c.authKey)
}

// call performs one request and decodes the envelope. A non-success
// envelope code is returned as *domain.RemoteError. When out is non-nil
// the envelope's Data is decoded into it.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.RemoteError{Op: path, Code: resp.StatusCode, Text: strings.TrimSpace(string(snippet))}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.Code != codeSuccess {
		return &domain.RemoteError{Op: path, Code: env.Code, Text: env.Text}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}
