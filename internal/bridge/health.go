package bridge

import (
	"context"
	"time"

	"wxbridge/internal/domain"
)

// Health is one sample of both clients.
type Health struct {
	Account domain.ConnectionState
	Gateway domain.ConnectionState
	Login   domain.LoginState
	At      time.Time
}

// Healthy reports whether both connections are up and the account is
// logged in.
func (h Health) Healthy() bool {
	return h.Account == domain.Connected &&
		h.Gateway == domain.Connected &&
		h.Login == domain.LoggedIn
}

// monitorHealth samples both clients every HealthInterval until ctx is
// done. It only observes; each client reconnects on its own.
func (b *Bridge) monitorHealth(ctx context.Context) {
	b.logger.Info("health monitor started", "interval", b.cfg.HealthInterval)

	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			b.CheckHealth(ctx)
		}
	}
}

// CheckHealth takes one sample, refreshing the login state from the
// account service, logs degraded states and updates the gauges.
func (b *Bridge) CheckHealth(ctx context.Context) Health {
	login, err := b.account.RefreshLoginState(ctx)
	if err != nil {
		b.logger.Warn("login state refresh failed", "error", err)
		login = b.account.LoginState()
	}
	h := Health{
		Account: b.account.ConnectionState(),
		Gateway: b.gateway.ConnectionState(),
		Login:   login,
		At:      time.Now(),
	}
	b.metrics.ObserveHealth(h.Account, h.Gateway, h.Login)

	if h.Healthy() {
		b.logger.Debug("health ok")
		return h
	}
	if h.Account != domain.Connected {
		b.logger.Warn("account push channel degraded", "state", h.Account.String())
	}
	if h.Gateway != domain.Connected {
		b.logger.Warn("gateway connection degraded", "state", h.Gateway.String())
	}
	if h.Login != domain.LoggedIn {
		b.logger.Warn("account not logged in", "state", h.Login.String())
	}
	return h
}
