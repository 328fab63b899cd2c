package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"wxbridge/internal/content"
	"wxbridge/internal/domain"

	"github.com/gorilla/websocket"
)

// Subscribe opens the push channel and starts delivering inbound
// messages to the message listener. A dropped channel is reopened with
// backoff until DisableReconnect or Close, or until ctx is done.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	c.subCtx = ctx
	c.mu.Unlock()

	return c.open(ctx, false)
}

// DisableReconnect stops any pending reconnect. An attempt already
// dialing closes the connection it obtains.
func (c *Client) DisableReconnect() {
	c.reconn.Disable()
}

// Close disables reconnection and closes the push channel. It is safe to
// call more than once.
func (c *Client) Close() error {
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
	c.connState.Store(int32(domain.Disconnected))
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Client) syncURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + pathSyncSocket
	u.RawQuery = url.Values{"key": {c.authKey}}.Encode()
	return u.String(), nil
}

// open dials the push channel. retry marks a reconnect attempt, which
// gives up its connection if reconnection was disabled meanwhile.
func (c *Client) open(ctx context.Context, retry bool) error {
	if retry {
		c.connState.Store(int32(domain.Reconnecting))
	} else {
		c.connState.Store(int32(domain.Connecting))
	}

	target, err := c.syncURL()
	if err != nil {
		c.connState.Store(int32(domain.Disconnected))
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if !retry {
			c.connState.Store(int32(domain.Disconnected))
		}
		return fmt.Errorf("dial push channel: %w", err)
	}

	c.mu.Lock()
	if c.closed || (retry && !c.reconn.Enabled()) {
		c.mu.Unlock()
		conn.Close()
		c.connState.Store(int32(domain.Disconnected))
		return domain.ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.reconn.Reset()
	c.connState.Store(int32(domain.Connected))
	c.logger.Info("push channel connected", "reconnect", retry)
	c.emitConnected()

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleClosed(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	c.logger.Warn("push channel closed", "err", cause)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	ctx := c.subCtx
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		c.connState.Store(int32(domain.Disconnected))
		return
	}

	c.connState.Store(int32(domain.Reconnecting))
	_, ok := c.reconn.Schedule(func() {
		if err := c.open(ctx, true); err != nil {
			if errors.Is(err, domain.ErrClosed) {
				return
			}
			c.logger.Warn("push channel reconnect failed", "err", err)
			c.scheduleReconnect()
		}
	})
	if !ok {
		c.connState.Store(int32(domain.Disconnected))
	}
}

// handleFrame parses one push frame, which holds a single message or an
// array of them.
func (c *Client) handleFrame(data []byte) {
	data = bytes.TrimSpace(data)
	var frames []syncFrame
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &frames); err != nil {
			c.logger.Warn("dropping unparseable push frame", "err", err, "len", len(data))
			return
		}
	} else {
		var f syncFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping unparseable push frame", "err", err, "len", len(data))
			return
		}
		frames = []syncFrame{f}
	}

	for _, f := range frames {
		if f.FromUserName.Str == "" || f.ToUserName.Str == "" {
			c.logger.Debug("skipping push frame without sender or recipient", "msg_type", f.MsgType)
			continue
		}
		c.emitMessage(c.normalize(f))
	}
}

func (c *Client) normalize(f syncFrame) domain.NormalizedMessage {
	msg := domain.NormalizedMessage{
		MessageID:   string(f.MsgID),
		SenderID:    f.FromUserName.Str,
		RecipientID: f.ToUserName.Str,
		RawContent:  f.Content.Str,
		Type:        content.Classify(f.MsgType),
		Timestamp:   time.Now(),
	}
	if f.CreateTime > 0 {
		msg.Timestamp = time.Unix(f.CreateTime, 0)
	}
	if msg.Type == domain.MessageImage {
		meta, err := content.ParseImageMeta(msg.RawContent)
		if err != nil {
			c.logger.Warn("image message without usable metadata", "msg_id", msg.MessageID, "err", err)
		} else {
			msg.Image = meta
		}
	}
	return msg
}
