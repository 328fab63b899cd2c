package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"wxbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type outbound struct {
	Kind string // text | image
	To   string
	Body string
}

// fakeAccount is a scripted domain.AccountTransport.
type fakeAccount struct {
	mu sync.Mutex

	pingErr      error
	loginState   domain.LoginState
	silentLogin  bool
	pollErr      error
	qrURL        string
	subscribeErr error
	image        []byte
	imageOK      bool
	failImages   map[string]bool

	sends      []outbound
	downloads  int
	challenges int
	polls      int
	closes     int
	disabled   int
	connState  domain.ConnectionState

	onMessage      func(domain.NormalizedMessage)
	onQRCode       func(string)
	onLoginSuccess func()
	onLoginExpired func()
}

var _ domain.AccountTransport = (*fakeAccount)(nil)

func newFakeAccount() *fakeAccount {
	return &fakeAccount{loginState: domain.LoggedIn, connState: domain.Disconnected}
}

func (f *fakeAccount) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeAccount) AttemptSilentLogin(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.silentLogin
}

func (f *fakeAccount) RequestLoginChallenge(ctx context.Context) (*domain.LoginChallenge, error) {
	f.mu.Lock()
	f.challenges++
	u := f.qrURL
	fn := f.onQRCode
	f.loginState = domain.AwaitingCredential
	f.mu.Unlock()
	if fn != nil {
		fn(u)
	}
	return &domain.LoginChallenge{URL: u, RawURL: u}, nil
}

func (f *fakeAccount) PollLoginUntil(ctx context.Context, interval, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return f.pollErr
	}
	f.loginState = domain.LoggedIn
	return nil
}

func (f *fakeAccount) RefreshLoginState(ctx context.Context) (domain.LoginState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginState, nil
}

func (f *fakeAccount) LoginState() domain.LoginState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginState
}

func (f *fakeAccount) SendText(ctx context.Context, to, content string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, outbound{"text", to, content})
	return true
}

func (f *fakeAccount) SendImage(ctx context.Context, to, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, outbound{"image", to, path})
	return !f.failImages[path]
}

func (f *fakeAccount) DownloadImage(ctx context.Context, msgID string, totalLength int, from, to string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	return f.image, f.imageOK
}

func (f *fakeAccount) Subscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.connState = domain.Connected
	return nil
}

func (f *fakeAccount) ConnectionState() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakeAccount) OnMessage(fn func(domain.NormalizedMessage)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeAccount) OnQRCode(fn func(url string)) {
	f.mu.Lock()
	f.onQRCode = fn
	f.mu.Unlock()
}

func (f *fakeAccount) OnLoginSuccess(fn func()) {
	f.mu.Lock()
	f.onLoginSuccess = fn
	f.mu.Unlock()
}

func (f *fakeAccount) OnLoginExpired(fn func()) {
	f.mu.Lock()
	f.onLoginExpired = fn
	f.mu.Unlock()
}

func (f *fakeAccount) DisableReconnect() {
	f.mu.Lock()
	f.disabled++
	f.mu.Unlock()
}

func (f *fakeAccount) Close() error {
	f.mu.Lock()
	f.closes++
	f.connState = domain.Disconnected
	f.mu.Unlock()
	return nil
}

// push delivers msg through the registered message listener.
func (f *fakeAccount) push(msg domain.NormalizedMessage) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (f *fakeAccount) outbox() []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outbound(nil), f.sends...)
}

func (f *fakeAccount) set(fn func(f *fakeAccount)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeGateway is a scripted domain.AgentGateway.
type fakeGateway struct {
	mu         sync.Mutex
	connectErr error
	respond    func(req domain.AgentRequest) (*domain.AgentResponse, error)
	requests   []domain.AgentRequest
	connects   int
	disconnect int
	disabled   int
	state      domain.ConnectionState
}

var _ domain.AgentGateway = (*fakeGateway)(nil)

func newFakeGateway(reply string) *fakeGateway {
	return &fakeGateway{
		respond: func(domain.AgentRequest) (*domain.AgentResponse, error) {
			return &domain.AgentResponse{Text: reply}, nil
		},
	}
}

func (g *fakeGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects++
	if g.connectErr != nil {
		return g.connectErr
	}
	g.state = domain.Connected
	return nil
}

func (g *fakeGateway) CallAgent(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	respond := g.respond
	g.mu.Unlock()
	if respond == nil {
		return nil, errors.New("no responder")
	}
	return respond(req)
}

func (g *fakeGateway) ConnectionState() domain.ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *fakeGateway) DisableReconnect() {
	g.mu.Lock()
	g.disabled++
	g.mu.Unlock()
}

func (g *fakeGateway) Disconnect() error {
	g.mu.Lock()
	g.disconnect++
	g.state = domain.Disconnected
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) calls() []domain.AgentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.AgentRequest(nil), g.requests...)
}

type recordingQR struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingQR) PresentQR(url string) {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	r.mu.Unlock()
}

func (r *recordingQR) presented() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}
