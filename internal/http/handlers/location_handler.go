// README: Courier location reports.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"foodrelay/internal/service"
)

type LocationHandler struct {
	platform *service.Platform
}

func NewLocationHandler(platform *service.Platform) *LocationHandler {
	return &LocationHandler{platform: platform}
}

type locationReq struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

func (h *LocationHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	// Only the courier themself (or an operator) may move a courier.
	if !requireCourier(c, id) {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: lat and lng required")
		return
	}
	if err := h.platform.SubmitLocationUpdate(c.Request.Context(), id, *req.Lat, *req.Lng); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}
