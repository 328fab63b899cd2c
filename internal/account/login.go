package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"wxbridge/internal/domain"
)

const (
	remoteLoggedIn      = 1
	defaultPollInterval = 2 * time.Second
)

// qrWrapperParams are the query parameters QR-rendering services use to
// carry the encoded payload, in lookup order.
var qrWrapperParams = []string{"data", "url", "text"}

// Ping checks that the account service answers HTTP. A remote rejection
// still proves reachability.
func (c *Client) Ping(ctx context.Context) error {
	err := c.call(ctx, http.MethodGet, pathLoginStatus, nil, nil)
	var remote *domain.RemoteError
	if err == nil || errors.As(err, &remote) {
		return nil
	}
	return fmt.Errorf("account service unreachable: %w", err)
}

// AttemptSilentLogin asks the service to resume the previous session
// without a QR scan.
func (c *Client) AttemptSilentLogin(ctx context.Context) bool {
	if err := c.call(ctx, http.MethodPost, pathWakeUpLogin, nil, nil); err != nil {
		c.logger.Info("wake-up login refused", "err", err)
		return false
	}
	c.logger.Info("wake-up login accepted")
	return true
}

// RequestLoginChallenge fetches a QR login challenge and hands the
// scannable URL to the QR listener.
func (c *Client) RequestLoginChallenge(ctx context.Context) (*domain.LoginChallenge, error) {
	var data qrCodeData
	if err := c.call(ctx, http.MethodPost, pathLoginQRCode, struct{}{}, &data); err != nil {
		return nil, fmt.Errorf("request login qr code: %w", err)
	}
	if data.QrCodeURL == "" {
		return nil, fmt.Errorf("request login qr code: empty QrCodeUrl")
	}

	ch := &domain.LoginChallenge{
		URL:     unwrapQRURL(data.QrCodeURL),
		RawURL:  data.QrCodeURL,
		UUID:    data.UUID,
		Expires: time.Duration(data.ExpiredTime) * time.Second,
	}
	if c.LoginState() != domain.LoggedIn {
		c.loginState.Store(int32(domain.AwaitingCredential))
	}
	c.logger.Info("login qr code issued", "uuid", ch.UUID, "expires", ch.Expires)
	c.emitQRCode(ch.URL)
	return ch, nil
}

// unwrapQRURL returns the payload of a QR-rendering service URL such as
// https://api.qrserver.com/v1/create-qr-code/?data=<url>. Anything else
// is returned unchanged.
func unwrapQRURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, key := range qrWrapperParams {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	return raw
}

// RefreshLoginState polls the login status once and applies the
// transition. A remote rejection counts as not logged in.
func (c *Client) RefreshLoginState(ctx context.Context) (domain.LoginState, error) {
	var data loginStatusData
	err := c.call(ctx, http.MethodGet, pathLoginStatus, nil, &data)
	if err != nil {
		var remote *domain.RemoteError
		if !errors.As(err, &remote) {
			return c.LoginState(), fmt.Errorf("login status: %w", err)
		}
		data.LoginState = 0
	}
	return c.applyLoginState(data.LoginState == remoteLoggedIn), nil
}

// applyLoginState moves the cached state and fires the success or expiry
// listener once per transition.
func (c *Client) applyLoginState(loggedIn bool) domain.LoginState {
	c.mu.Lock()
	prev := c.LoginState()
	next := prev
	switch {
	case loggedIn:
		next = domain.LoggedIn
	case prev == domain.LoggedIn:
		next = domain.Expired
	case prev == domain.Expired, prev == domain.AwaitingCredential:
	default:
		next = domain.LoggedOut
	}
	c.loginState.Store(int32(next))
	c.mu.Unlock()

	if next == prev {
		return next
	}
	switch next {
	case domain.LoggedIn:
		c.logger.Info("account logged in")
		c.emitLoginSuccess()
	case domain.Expired:
		c.logger.Warn("account login expired, operator re-login required")
		c.emitLoginExpired()
	}
	return next
}

// PollLoginUntil polls the login status every interval until the account
// is logged in. It returns domain.ErrLoginTimeout once timeout elapses.
func (c *Client) PollLoginUntil(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := c.RefreshLoginState(ctx)
		if err != nil {
			c.logger.Debug("login poll failed", "err", err)
		} else if state == domain.LoggedIn {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("waited %s: %w", timeout, domain.ErrLoginTimeout)
		case <-ticker.C:
		}
	}
}
