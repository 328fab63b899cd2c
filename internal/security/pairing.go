package security

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"wxbridge/internal/domain"
)

// codeAlphabet leaves out characters that are easy to confuse on a phone
// keyboard (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// DefaultCodeLength is the length of generated pairing codes.
const DefaultCodeLength = 6

// Approval sources recorded in PairingRecord.ApprovedBy.
const (
	ApprovedByCode = "pairing_code"
	ApprovedByCLI  = "cli"
)

// Decision is the outcome of the pairing gate for one message.
type Decision int

const (
	// Denied: unknown sender, content is not the pairing code.
	Denied Decision = iota
	// Authorized: sender may talk to the agent.
	Authorized
	// Paired: sender just sent the pairing code and was added.
	Paired
)

func (d Decision) String() string {
	switch d {
	case Authorized:
		return "authorized"
	case Paired:
		return "paired"
	default:
		return "denied"
	}
}

// PairingConfig configures the pairing gate.
type PairingConfig struct {
	Enabled bool // false authorizes every sender
	Code    string
	Store   domain.AllowList
	Logger  *slog.Logger
}

// PairingGate decides whether an inbound sender may reach the agent.
// Unknown senders are added to the allow-list when they send the
// pairing code.
type PairingGate struct {
	enabled bool
	code    string
	store   domain.AllowList
	logger  *slog.Logger

	// mu makes check-decide-append atomic for unknown senders.
	mu sync.Mutex
}

// NewPairingGate creates a PairingGate.
func NewPairingGate(cfg PairingConfig) *PairingGate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PairingGate{
		enabled: cfg.Enabled,
		code:    cfg.Code,
		store:   cfg.Store,
		logger:  cfg.Logger,
	}
}

// Enabled reports whether the gate filters senders.
func (g *PairingGate) Enabled() bool {
	return g.enabled
}

// MatchCode compares content against code, ignoring case and
// surrounding whitespace. An empty code never matches.
func MatchCode(code, content string) bool {
	want := strings.ToUpper(strings.TrimSpace(code))
	if want == "" {
		return false
	}
	return strings.ToUpper(strings.TrimSpace(content)) == want
}

// Check runs the gate for one message from senderID.
func (g *PairingGate) Check(ctx context.Context, senderID, content string) (Decision, error) {
	if !g.enabled {
		return Authorized, nil
	}

	ok, err := g.store.IsAllowed(ctx, senderID)
	if err != nil {
		return Denied, err
	}
	if ok {
		return Authorized, nil
	}
	if !MatchCode(g.code, content) {
		return Denied, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// A concurrent message from the same sender may have paired it already.
	if ok, err := g.store.IsAllowed(ctx, senderID); err != nil {
		return Denied, err
	} else if ok {
		return Authorized, nil
	}

	added, err := g.store.Allow(ctx, domain.PairingRecord{
		UserID:     senderID,
		ApprovedAt: time.Now(),
		ApprovedBy: ApprovedByCode,
	})
	if err != nil {
		return Denied, fmt.Errorf("pair %s: %w", senderID, err)
	}
	if !added {
		return Authorized, nil
	}
	g.logger.Info("user paired", "user_id", senderID)
	return Paired, nil
}

// GenerateCode returns a random pairing code of the given length drawn
// from codeAlphabet.
func GenerateCode(length int) string {
	if length <= 0 {
		length = DefaultCodeLength
	}
	limit := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			code[i] = codeAlphabet[0]
			continue
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code)
}
