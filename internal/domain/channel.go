package domain

import (
	"context"
	"time"
)

// AccountTransport is the messaging-account side of the bridge.
type AccountTransport interface {
	Ping(ctx context.Context) error
	AttemptSilentLogin(ctx context.Context) bool
	RequestLoginChallenge(ctx context.Context) (*LoginChallenge, error)
	PollLoginUntil(ctx context.Context, interval, timeout time.Duration) error
	RefreshLoginState(ctx context.Context) (LoginState, error)
	LoginState() LoginState

	SendText(ctx context.Context, to, content string) bool
	SendImage(ctx context.Context, to, path string) bool
	DownloadImage(ctx context.Context, msgID string, totalLength int, from, to string) ([]byte, bool)

	Subscribe(ctx context.Context) error
	ConnectionState() ConnectionState
	OnMessage(fn func(NormalizedMessage))
	OnQRCode(fn func(url string))
	OnLoginSuccess(fn func())
	OnLoginExpired(fn func())

	DisableReconnect()
	Close() error
}

// LoginChallenge is the QR payload returned by the account service.
type LoginChallenge struct {
	URL     string // scannable URL, unwrapped from any QR-rendering wrapper
	RawURL  string
	UUID    string
	Expires time.Duration
}

// AgentGateway is the agent side of the bridge.
type AgentGateway interface {
	Connect(ctx context.Context) error
	CallAgent(ctx context.Context, req AgentRequest) (*AgentResponse, error)
	ConnectionState() ConnectionState
	DisableReconnect()
	Disconnect() error
}
