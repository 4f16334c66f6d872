// README: Operator handlers for the dispatch queue, wallets and review flags.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/review"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/service"
	"foodrelay/internal/types"
)

type OperatorHandler struct {
	platform *service.Platform
	reviews  *review.Service
}

func NewOperatorHandler(platform *service.Platform, reviews *review.Service) *OperatorHandler {
	return &OperatorHandler{platform: platform, reviews: reviews}
}

type pendingResponse struct {
	OrderID      types.ID  `json:"order_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	RestaurantID types.ID  `json:"restaurant_id"`
	FinalTotal   int64     `json:"final_total"`
}

type accountResponse struct {
	Kind            wallet.OwnerKind `json:"kind"`
	ID              types.ID         `json:"id"`
	Available       int64            `json:"available"`
	Escrow          int64            `json:"escrow"`
	LifetimeCredits int64            `json:"lifetime_credits"`
	LifetimeDebits  int64            `json:"lifetime_debits"`
	Active          bool             `json:"active"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type entryResponse struct {
	ID        string           `json:"id"`
	Bucket    wallet.Bucket    `json:"bucket"`
	Kind      wallet.EntryKind `json:"kind"`
	Amount    int64            `json:"amount"`
	OrderID   types.ID         `json:"order_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type flagResponse struct {
	ID        string        `json:"id"`
	OrderID   types.ID      `json:"order_id"`
	Reason    review.Reason `json:"reason"`
	Detail    string        `json:"detail"`
	CreatedAt time.Time     `json:"created_at"`
}

func (h *OperatorHandler) PendingOrders(c *gin.Context) {
	if !requireActor(c, order.ActorOperator) {
		return
	}
	pending, err := h.platform.GetPendingOrders(c.Request.Context())
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]pendingResponse, len(pending))
	for i, p := range pending {
		out[i] = pendingResponse{
			OrderID:      p.OrderID,
			EnqueuedAt:   p.EnqueuedAt,
			RestaurantID: p.Order.RestaurantID,
			FinalTotal:   p.Order.Amounts.FinalTotal,
		}
	}
	writeJSON(c, http.StatusOK, map[string]any{"orders": out})
}

// walletOwner reads :kind and :id and writes a 400 on a bad pair.
func walletOwner(c *gin.Context) (wallet.OwnerKind, types.ID, bool) {
	kind := wallet.OwnerKind(c.Param("kind"))
	if !kind.Valid() {
		writeError(c, http.StatusBadRequest, "invalid wallet kind")
		return "", "", false
	}
	id, ok := pathID(c, "id")
	return kind, id, ok
}

func (h *OperatorHandler) WalletBalance(c *gin.Context) {
	if !requireActor(c, order.ActorOperator) {
		return
	}
	kind, id, ok := walletOwner(c)
	if !ok {
		return
	}
	acct, err := h.platform.GetWalletBalance(c.Request.Context(), kind, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, accountResponse{
		Kind:            acct.Owner.Kind,
		ID:              acct.Owner.ID,
		Available:       acct.Available,
		Escrow:          acct.Escrow,
		LifetimeCredits: acct.LifetimeCredits,
		LifetimeDebits:  acct.LifetimeDebits,
		Active:          acct.Active,
		UpdatedAt:       acct.UpdatedAt,
	})
}

func (h *OperatorHandler) WalletHistory(c *gin.Context) {
	if !requireActor(c, order.ActorOperator) {
		return
	}
	kind, id, ok := walletOwner(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	entries, err := h.platform.GetLedgerHistory(c.Request.Context(), kind, id, limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]entryResponse, len(entries))
	for i, e := range entries {
		out[i] = entryResponse{
			ID:        e.ID,
			Bucket:    e.Bucket,
			Kind:      e.Kind,
			Amount:    e.Amount,
			OrderID:   e.OrderID,
			CreatedAt: e.CreatedAt,
		}
	}
	writeJSON(c, http.StatusOK, map[string]any{"entries": out})
}

// VerifyWallet reports whether the cached balances match the ledger sums.
func (h *OperatorHandler) VerifyWallet(c *gin.Context) {
	if !requireActor(c, order.ActorOperator) {
		return
	}
	kind, id, ok := walletOwner(c)
	if !ok {
		return
	}
	err := h.platform.VerifyWallet(c.Request.Context(), kind, id)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, map[string]any{"consistent": true})
	case errors.Is(err, wallet.ErrLedgerCorrupt):
		writeJSON(c, http.StatusOK, map[string]any{"consistent": false, "detail": err.Error()})
	default:
		writeDomainError(c, err)
	}
}

func (h *OperatorHandler) ListFlags(c *gin.Context) {
	if !requireActor(c, order.ActorOperator) {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	flags, err := h.reviews.List(c.Request.Context(), limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]flagResponse, len(flags))
	for i, f := range flags {
		out[i] = flagResponse{
			ID:        f.ID,
			OrderID:   f.OrderID,
			Reason:    f.Reason,
			Detail:    f.Detail,
			CreatedAt: f.CreatedAt,
		}
	}
	writeJSON(c, http.StatusOK, map[string]any{"flags": out})
}

func (h *OperatorHandler) ResolveFlag(c *gin.Context) {
	if !requireActor(c, order.ActorOperator) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.reviews.Resolve(c.Request.Context(), string(id)); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"id": id, "resolved": true})
}
