// README: Order handlers for create, restaurant transitions, cancel, tracking and payment callbacks.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"foodrelay/internal/modules/order"
	"foodrelay/internal/service"
	"foodrelay/internal/types"
)

type OrderHandler struct {
	order    *order.Service
	platform *service.Platform
}

func NewOrderHandler(orderSvc *order.Service, platform *service.Platform) *OrderHandler {
	return &OrderHandler{order: orderSvc, platform: platform}
}

type pointReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type createOrderReq struct {
	ID                 string   `json:"id"`
	CustomerID         string   `json:"customer_id" binding:"required"`
	RestaurantID       string   `json:"restaurant_id" binding:"required"`
	PaymentMethod      string   `json:"payment_method" binding:"required,oneof=cash prepaid"`
	Subtotal           int64    `json:"subtotal" binding:"gte=0"`
	DeliveryFee        int64    `json:"delivery_fee" binding:"gte=0"`
	Tip                int64    `json:"tip" binding:"gte=0"`
	Discount           int64    `json:"discount" binding:"gte=0"`
	FinalTotal         int64    `json:"final_total" binding:"gte=0"`
	RestaurantLocation pointReq `json:"restaurant_location"`
	CustomerLocation   pointReq `json:"customer_location"`
}

type orderResponse struct {
	ID            types.ID     `json:"id"`
	CustomerID    types.ID     `json:"customer_id"`
	RestaurantID  types.ID     `json:"restaurant_id"`
	CourierID     *types.ID    `json:"courier_id,omitempty"`
	Status        order.Status `json:"status"`
	PaymentMethod string       `json:"payment_method"`
	Subtotal      int64        `json:"subtotal"`
	DeliveryFee   int64        `json:"delivery_fee"`
	Tip           int64        `json:"tip"`
	Discount      int64        `json:"discount"`
	PlatformFee   *int64       `json:"platform_fee,omitempty"`
	FinalTotal    int64        `json:"final_total"`
	Currency      string       `json:"currency"`
	CreatedAt     time.Time    `json:"created_at"`
	ReadyAt       *time.Time   `json:"ready_at,omitempty"`
	AssignedAt    *time.Time   `json:"assigned_at,omitempty"`
	DeliveredAt   *time.Time   `json:"delivered_at,omitempty"`
	CancelledAt   *time.Time   `json:"cancelled_at,omitempty"`
	CancelReason  *string      `json:"cancel_reason,omitempty"`
	Restaurant    types.Point  `json:"restaurant_location"`
	Customer      types.Point  `json:"customer_location"`
}

func toOrderResponse(o *order.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		CustomerID:    o.CustomerID,
		RestaurantID:  o.RestaurantID,
		CourierID:     o.CourierID,
		Status:        o.Status,
		PaymentMethod: string(o.PaymentMethod),
		Subtotal:      o.Amounts.Subtotal,
		DeliveryFee:   o.Amounts.DeliveryFee,
		Tip:           o.Amounts.Tip,
		Discount:      o.Amounts.Discount,
		PlatformFee:   o.Amounts.PlatformFee,
		FinalTotal:    o.Amounts.FinalTotal,
		Currency:      o.Currency,
		CreatedAt:     o.CreatedAt,
		ReadyAt:       o.ReadyAt,
		AssignedAt:    o.AssignedAt,
		DeliveredAt:   o.DeliveredAt,
		CancelledAt:   o.CancelledAt,
		CancelReason:  o.CancelReason,
		Restaurant:    o.RestaurantLocation,
		Customer:      o.CustomerLocation,
	}
}

type historyEntry struct {
	From      order.Status `json:"from"`
	To        order.Status `json:"to"`
	Actor     order.Actor  `json:"actor"`
	ActorID   *types.ID    `json:"actor_id,omitempty"`
	Note      string       `json:"note,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.ID != "" && !isValidID(req.ID) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return
	}
	id, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		ID:                 types.ID(req.ID),
		CustomerID:         types.ID(req.CustomerID),
		RestaurantID:       types.ID(req.RestaurantID),
		PaymentMethod:      order.PaymentMethod(req.PaymentMethod),
		Subtotal:           req.Subtotal,
		DeliveryFee:        req.DeliveryFee,
		Tip:                req.Tip,
		Discount:           req.Discount,
		FinalTotal:         req.FinalTotal,
		RestaurantLocation: types.Point{Lat: req.RestaurantLocation.Lat, Lng: req.RestaurantLocation.Lng},
		CustomerLocation:   types.Point{Lat: req.CustomerLocation.Lat, Lng: req.CustomerLocation.Lng},
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, map[string]any{"order_id": id, "status": order.StatusPending})
}

func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func (h *OrderHandler) History(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	events, err := h.order.History(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]historyEntry, len(events))
	for i, e := range events {
		out[i] = historyEntry{
			From:      e.FromStatus,
			To:        e.ToStatus,
			Actor:     e.ActorType,
			ActorID:   e.ActorID,
			Note:      e.Note,
			CreatedAt: e.CreatedAt,
		}
	}
	writeJSON(c, http.StatusOK, map[string]any{"order_id": id, "history": out})
}

func (h *OrderHandler) Confirm(c *gin.Context) {
	h.advance(c, h.order.Confirm)
}

func (h *OrderHandler) Prepare(c *gin.Context) {
	h.advance(c, h.order.StartPreparing)
}

// advance runs a restaurant-driven transition and returns the updated order.
func (h *OrderHandler) advance(c *gin.Context, step func(ctx context.Context, cmd order.TransitionCommand) error) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	actor, actorID := callerActor(c, order.ActorRestaurant)
	ctx := c.Request.Context()
	if err := step(ctx, order.TransitionCommand{OrderID: id, Actor: actor, ActorID: actorID}); err != nil {
		writeDomainError(c, err)
		return
	}
	o, err := h.order.Get(ctx, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

// Ready marks a preparing order ready and queues it for dispatch.
func (h *OrderHandler) Ready(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.platform.EnqueueReadyOrder(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, toOrderResponse(o))
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	actor, actorID := callerActor(c, order.ActorOperator)
	res, err := h.platform.CancelOrder(c.Request.Context(), service.CancelRequest{
		OrderID: id,
		Actor:   actor,
		ActorID: actorID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"order":    toOrderResponse(res.Order),
		"released": res.Released,
	})
}

type paymentConfirmedReq struct {
	OrderID string `json:"order_id" binding:"required"`
	Amount  int64  `json:"amount" binding:"gt=0"`
}

// PaymentConfirmed is the payment gateway callback for prepaid orders.
func (h *OrderHandler) PaymentConfirmed(c *gin.Context) {
	if !requireActor(c, order.ActorSystem, order.ActorOperator) {
		return
	}
	var req paymentConfirmedReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.OrderID) {
		writeError(c, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.platform.OnPaymentConfirmed(c.Request.Context(), types.ID(req.OrderID), req.Amount); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"order_id": req.OrderID, "escrowed": req.Amount})
}
