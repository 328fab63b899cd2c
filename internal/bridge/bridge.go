// Package bridge connects the messaging account to the agent gateway:
// startup sequencing, the inbound message pipeline, the health monitor
// and shutdown.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"wxbridge/internal/content"
	"wxbridge/internal/domain"
	"wxbridge/internal/metrics"
	"wxbridge/internal/security"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

const (
	defaultWorkers           = 16
	defaultLoginTimeout      = 120 * time.Second
	defaultLoginPollInterval = 2 * time.Second
	defaultHealthInterval    = 30 * time.Second
	defaultShutdownGrace     = 10 * time.Second

	// silentLoginWait bounds the poll after a successful wake-up call
	// before falling back to the QR challenge.
	silentLoginWait = 15 * time.Second
)

// Stage is a step of the bridge lifecycle.
type Stage int32

const (
	Initializing Stage = iota
	StartingAccountTransport
	VerifyingLogin
	ConnectingGateway
	SubscribingMessages
	Running
	ShuttingDown
)

func (s Stage) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case StartingAccountTransport:
		return "starting_account_transport"
	case VerifyingLogin:
		return "verifying_login"
	case ConnectingGateway:
		return "connecting_gateway"
	case SubscribingMessages:
		return "subscribing_messages"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// AuthGate decides whether a sender may reach the agent.
type AuthGate interface {
	Check(ctx context.Context, senderID, content string) (security.Decision, error)
}

// QRPresenter shows a login QR URL to the operator.
type QRPresenter interface {
	PresentQR(url string)
}

// Config wires a Bridge.
type Config struct {
	AgentID string
	Channel string // session key channel segment

	MediaDir   string   // where inbound images are saved; default under os.TempDir
	ImageRoots []string // extra roots accepted for image paths in replies

	Workers           int
	LoginTimeout      time.Duration
	LoginPollInterval time.Duration
	HealthInterval    time.Duration
	ShutdownGrace     time.Duration
	SendRate          float64 // sends per second, 0 = unlimited
	SendBurst         int

	Account domain.AccountTransport
	Gateway domain.AgentGateway
	Gate    AuthGate    // nil authorizes every sender
	QR      QRPresenter // nil logs the URL
	Paths   *content.PathExtractor
	Metrics *metrics.Bridge
	Logger  *slog.Logger
}

// Bridge runs the message pipeline between one account and one agent.
type Bridge struct {
	cfg      Config
	account  domain.AccountTransport
	gateway  domain.AgentGateway
	gate     AuthGate
	qr       QRPresenter
	paths    *content.PathExtractor
	metrics  *metrics.Bridge
	logger   *slog.Logger
	limiter  *rate.Limiter
	sessions *sessionQueue

	stage     atomic.Int32
	started   atomic.Bool
	admitting atomic.Bool

	mu      sync.Mutex // guards pool, cancel
	pool    *ants.PoolWithFunc
	cancel  context.CancelFunc
	workCtx context.Context
	health  sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// New creates a Bridge. Zero durations and sizes take their defaults.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.LoginPollInterval <= 0 {
		cfg.LoginPollInterval = defaultLoginPollInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = filepath.Join(os.TempDir(), "wxbridge-media")
	}
	if cfg.Gate == nil {
		cfg.Gate = security.NewPairingGate(security.PairingConfig{Enabled: false, Logger: cfg.Logger})
	}
	if cfg.Paths == nil {
		cfg.Paths = content.DefaultPathExtractor(cfg.ImageRoots...)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewBridge(metrics.NewRegistry())
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst < 1 {
		burst = 1
	}

	return &Bridge{
		cfg:      cfg,
		account:  cfg.Account,
		gateway:  cfg.Gateway,
		gate:     cfg.Gate,
		qr:       cfg.QR,
		paths:    cfg.Paths,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "bridge"),
		limiter:  rate.NewLimiter(limit, burst),
		sessions: newSessionQueue(),
		workCtx:  context.Background(),
		done:     make(chan struct{}),
	}
}

// Stage returns the current lifecycle stage.
func (b *Bridge) Stage() Stage {
	return Stage(b.stage.Load())
}

// Done is closed once Shutdown has finished.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Start runs the startup stages in order. A failing stage shuts down
// whatever was started and its error is returned.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bridge already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	// In-flight pipelines are not aborted by shutdown.
	b.workCtx = context.WithoutCancel(ctx)

	stages := []struct {
		stage Stage
		run   func(context.Context) error
	}{
		{Initializing, b.initialize},
		{StartingAccountTransport, b.startAccount},
		{VerifyingLogin, b.verifyLogin},
		{ConnectingGateway, b.gateway.Connect},
		{SubscribingMessages, b.subscribe},
	}
	prev := Initializing
	for _, s := range stages {
		// Shutdown may have started from another goroutine.
		if !b.stage.CompareAndSwap(int32(prev), int32(s.stage)) {
			return fmt.Errorf("%s: %w", s.stage, domain.ErrClosed)
		}
		prev = s.stage
		b.logger.Info("startup stage", "stage", s.stage.String())
		if err := s.run(runCtx); err != nil {
			b.logger.Error("startup failed", "stage", s.stage.String(), "error", err)
			b.Shutdown()
			return fmt.Errorf("%s: %w", s.stage, err)
		}
	}

	if !b.stage.CompareAndSwap(int32(SubscribingMessages), int32(Running)) {
		return fmt.Errorf("%s: %w", Running, domain.ErrClosed)
	}
	b.health.Add(1)
	go func() {
		defer b.health.Done()
		b.monitorHealth(runCtx)
	}()
	b.logger.Info("bridge running",
		"agent_id", b.cfg.AgentID,
		"channel", b.cfg.Channel,
		"workers", b.cfg.Workers,
	)
	return nil
}

// Run starts the bridge and blocks until ctx is done or the bridge is
// shut down, then shuts it down.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-b.done:
	}
	return b.Shutdown()
}

func (b *Bridge) initialize(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.MediaDir, 0o755); err != nil {
		return fmt.Errorf("create media directory: %w", err)
	}

	// ants reports through Printf; route it into slog.
	antsLogger := slog.NewLogLogger(b.logger.Handler(), slog.LevelWarn)
	pool, err := ants.NewPoolWithFunc(b.cfg.Workers, func(arg any) {
		msg, ok := arg.(domain.NormalizedMessage)
		if !ok {
			b.logger.Error("worker pool argument type error", "type", fmt.Sprintf("%T", arg))
			return
		}
		b.runSession(msg)
	},
		ants.WithPanicHandler(func(p any) {
			b.logger.Error("worker panic", "panic", p)
		}),
		ants.WithLogger(antsLogger),
	)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	b.mu.Lock()
	b.pool = pool
	b.mu.Unlock()

	b.account.OnQRCode(b.presentQR)
	b.account.OnLoginSuccess(func() {
		b.logger.Info("account logged in")
	})
	b.account.OnLoginExpired(func() {
		b.logger.Error("account login expired; restart the bridge to log in again")
	})
	return nil
}

func (b *Bridge) startAccount(ctx context.Context) error {
	if err := b.account.Ping(ctx); err != nil {
		return fmt.Errorf("account service unreachable: %w", err)
	}
	return nil
}

func (b *Bridge) verifyLogin(ctx context.Context) error {
	state, err := b.account.RefreshLoginState(ctx)
	if err != nil {
		return fmt.Errorf("check login: %w", err)
	}
	if state == domain.LoggedIn {
		b.logger.Info("account already logged in")
		return nil
	}

	if b.account.AttemptSilentLogin(ctx) {
		wait := min(silentLoginWait, b.cfg.LoginTimeout)
		err := b.account.PollLoginUntil(ctx, b.cfg.LoginPollInterval, wait)
		if err == nil {
			b.logger.Info("silent login succeeded")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("silent login did not complete, falling back to QR", "error", err)
	}

	if _, err := b.account.RequestLoginChallenge(ctx); err != nil {
		return fmt.Errorf("request login QR: %w", err)
	}
	b.logger.Info("waiting for QR scan", "timeout", b.cfg.LoginTimeout)
	return b.account.PollLoginUntil(ctx, b.cfg.LoginPollInterval, b.cfg.LoginTimeout)
}

func (b *Bridge) presentQR(url string) {
	if b.qr != nil {
		b.qr.PresentQR(url)
		return
	}
	b.logger.Info("scan to log in", "url", url)
}

func (b *Bridge) subscribe(ctx context.Context) error {
	b.admitting.Store(true)
	b.account.OnMessage(b.Submit)
	if err := b.account.Subscribe(ctx); err != nil {
		b.admitting.Store(false)
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Submit admits msg. A message whose sender already has one in
// progress waits in that sender's backlog without taking a worker;
// otherwise it goes to the worker pool, blocking while every worker is
// busy. Messages arriving after shutdown has begun are dropped.
func (b *Bridge) Submit(msg domain.NormalizedMessage) {
	b.mu.Lock()
	pool := b.pool
	b.mu.Unlock()
	if !b.admitting.Load() || pool == nil {
		b.logger.Debug("message dropped, not admitting", "msg_id", msg.MessageID)
		return
	}
	key := b.sessionKey(msg.SenderID)
	if !b.sessions.enqueue(key, msg) {
		b.logger.Debug("message queued behind its session", "msg_id", msg.MessageID, "session", key)
		return
	}
	if err := pool.Invoke(msg); err != nil {
		n := b.sessions.drop(key)
		b.logger.Warn("message dropped", "msg_id", msg.MessageID, "queued_dropped", n, "error", err)
	}
}

// runSession processes msg and then the backlog of its session, one
// message at a time, on the calling worker. Once shutdown has begun the
// backlog is discarded without reaching the agent.
func (b *Bridge) runSession(msg domain.NormalizedMessage) {
	key := b.sessionKey(msg.SenderID)
	defer func() {
		if r := recover(); r != nil {
			n := b.sessions.drop(key)
			b.logger.Error("session worker panic", "session", key, "queued_dropped", n, "panic", r)
		}
	}()
	for {
		if b.admitting.Load() {
			b.handle(msg)
		} else {
			b.logger.Debug("queued message dropped, shutting down", "msg_id", msg.MessageID, "session", key)
		}
		next, ok := b.sessions.next(key)
		if !ok {
			return
		}
		msg = next
	}
}

func (b *Bridge) sessionKey(senderID string) string {
	return SessionKey(b.cfg.AgentID, b.cfg.Channel, senderID)
}

// Shutdown stops admitting messages, stops the health monitor, disables
// reconnection on both clients, waits up to the grace period for
// in-flight messages and closes both connections. It is safe to call
// more than once and from any goroutine.
func (b *Bridge) Shutdown() error {
	b.shutdownOnce.Do(func() {
		b.stage.Store(int32(ShuttingDown))
		b.admitting.Store(false)
		b.logger.Info("bridge shutting down")

		b.mu.Lock()
		cancel, pool := b.cancel, b.pool
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		b.health.Wait()

		b.account.DisableReconnect()
		b.gateway.DisableReconnect()

		if pool != nil {
			if err := pool.ReleaseTimeout(b.cfg.ShutdownGrace); err != nil {
				b.logger.Warn("in-flight messages still running after grace period",
					"grace", b.cfg.ShutdownGrace, "running", pool.Running(), "error", err)
			}
		}

		var errs []error
		if err := b.account.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close account: %w", err))
		}
		if err := b.gateway.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect gateway: %w", err))
		}
		b.shutdownErr = errors.Join(errs...)
		b.logger.Info("bridge stopped")
		close(b.done)
	})
	return b.shutdownErr
}
