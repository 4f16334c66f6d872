// README: Courier handlers for duty status, delivery progress and profile lookup.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"foodrelay/internal/modules/courier"
	"foodrelay/internal/modules/order"
	"foodrelay/internal/service"
	"foodrelay/internal/types"
)

type CourierHandler struct {
	platform *service.Platform
}

func NewCourierHandler(platform *service.Platform) *CourierHandler {
	return &CourierHandler{platform: platform}
}

type courierResponse struct {
	ID                  types.ID     `json:"id"`
	DisplayName         string       `json:"display_name,omitempty"`
	Vehicle             string       `json:"vehicle,omitempty"`
	Available           bool         `json:"available"`
	ActiveOrderID       *types.ID    `json:"active_order_id,omitempty"`
	Location            *types.Point `json:"location,omitempty"`
	LocationUpdatedAt   *time.Time   `json:"location_updated_at,omitempty"`
	CompletedDeliveries int64        `json:"completed_deliveries"`
}

func toCourierResponse(c *courier.Courier, p courier.Profile) courierResponse {
	return courierResponse{
		ID:                  c.ID,
		DisplayName:         p.DisplayName,
		Vehicle:             p.Vehicle,
		Available:           c.Available,
		ActiveOrderID:       c.ActiveOrderID,
		Location:            c.Location,
		LocationUpdatedAt:   c.LocationUpdatedAt,
		CompletedDeliveries: c.CompletedDeliveries,
	}
}

func (h *CourierHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !requireCourier(c, id) {
		return
	}
	view, err := h.platform.GetCourier(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toCourierResponse(view.Courier, view.Profile))
}

type availabilityReq struct {
	Available *bool `json:"available" binding:"required"`
}

func (h *CourierHandler) SetAvailability(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !requireCourier(c, id) {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: available required")
		return
	}
	cr, err := h.platform.SetAvailability(c.Request.Context(), id, *req.Available)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toCourierResponse(cr, courier.Profile{}))
}

type deliveryStatusReq struct {
	Status string `json:"status" binding:"required,oneof=picking_up delivered"`
}

// UpdateDeliveryStatus accepts picking_up and delivered reports for an
// order the courier owns.
func (h *CourierHandler) UpdateDeliveryStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	orderID, ok := pathID(c, "orderId")
	if !ok {
		return
	}
	if !requireCourier(c, id) {
		return
	}
	var req deliveryStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: status must be picking_up or delivered")
		return
	}
	o, err := h.platform.AcceptDeliveryStatus(c.Request.Context(), orderID, id, order.Status(req.Status))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}
