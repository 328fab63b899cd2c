package domain

import (
	"context"
	"time"
)

// PairingRecord is one entry of the allow-list.
type PairingRecord struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	ApprovedAt  time.Time `json:"approved_at"`
	ApprovedBy  string    `json:"approved_by"` // pairing_code | cli
}

// AllowList is the append-only set of authorized senders.
type AllowList interface {
	IsAllowed(ctx context.Context, userID string) (bool, error)
	// Allow adds the record unless the user is already present. It
	// reports whether a new entry was written.
	Allow(ctx context.Context, rec PairingRecord) (bool, error)
	List(ctx context.Context) ([]PairingRecord, error)
}
