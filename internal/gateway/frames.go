package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"wxbridge/internal/domain"
)

const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"

	methodConnect = "connect"
	methodAgent   = "agent"

	eventChallenge = "connect.challenge"

	statusAccepted = "accepted"

	errCodeDisconnected = "DISCONNECTED"

	protocolVersion = 3
)

// frame is one protocol frame in either direction.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *frameError) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Auth        *connectAuth  `json:"auth,omitempty"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Caps        []string      `json:"caps"`
	Nonce       string        `json:"nonce,omitempty"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

type agentParams struct {
	Message        string            `json:"message"`
	AgentID        string            `json:"agentId"`
	SessionKey     string            `json:"sessionKey"`
	Deliver        bool              `json:"deliver"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Attachments    []agentAttachment `json:"attachments,omitempty"`
}

type agentAttachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Content  string `json:"content"` // base64
}

type agentResult struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
	Text    string `json:"text"`
	Result  struct {
		Payloads []struct {
			Text string `json:"text"`
		} `json:"payloads"`
	} `json:"result"`
}

// text returns the reply text: the top-level text if present, otherwise
// the payload texts joined by blank lines.
func (r agentResult) text() string {
	if r.Text != "" {
		return r.Text
	}
	parts := make([]string, 0, len(r.Result.Payloads))
	for _, p := range r.Result.Payloads {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// isAccepted reports whether f is the intermediate acknowledgement the
// gateway sends before the final agent result.
func isAccepted(f frame) bool {
	if f.OK == nil || !*f.OK || len(f.Payload) == 0 {
		return false
	}
	var p struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return false
	}
	return p.Status == statusAccepted
}

func encodeAttachment(a domain.Attachment) (agentAttachment, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return agentAttachment{}, fmt.Errorf("read attachment: %w", err)
	}
	return agentAttachment{
		Type:     a.Type,
		MimeType: a.MimeType,
		FileName: a.FileName,
		Content:  base64.StdEncoding.EncodeToString(data),
	}, nil
}
