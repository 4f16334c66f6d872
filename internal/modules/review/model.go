// README: Operator review flags raised when an order needs manual attention.
package review

import (
	"context"
	"errors"
	"time"

	"foodrelay/internal/types"
)

type Reason string

const (
	ReasonInvalidTransition Reason = "invalid_transition"
	ReasonDataQuality       Reason = "data_quality"
	ReasonSettlementFailed  Reason = "settlement_failed"
	ReasonStaleAssignment   Reason = "stale_assignment"
	ReasonReadyTimeout      Reason = "ready_timeout"
)

type Flag struct {
	ID         string
	OrderID    types.ID
	Reason     Reason
	Detail     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

var ErrNotFound = errors.New("review flag not found")

type Repository interface {
	// Add stores f unless the order already has an unresolved flag for the
	// same reason, and reports whether f was stored.
	Add(ctx context.Context, f Flag) (bool, error)
	// ListOpen returns unresolved flags, oldest first.
	ListOpen(ctx context.Context, limit int) ([]Flag, error)
	Resolve(ctx context.Context, id string, at time.Time) error
}
