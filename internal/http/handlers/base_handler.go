// README: Base handler utilities (JSON helpers, caller checks, domain error mapping).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"foodrelay/internal/http/middleware"
	"foodrelay/internal/modules/courier"
	"foodrelay/internal/modules/dispatch"
	"foodrelay/internal/modules/location"
	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/review"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts generated uuids and the short ids other subsystems use.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// pathID reads a path parameter and writes a 400 when it is not a valid id.
func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(c, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

// requireActor writes a 403 unless the caller is one of the given actors.
func requireActor(c *gin.Context, allowed ...order.Actor) bool {
	caller := middleware.CallerActor(c)
	for _, a := range allowed {
		if caller == a {
			return true
		}
	}
	writeError(c, http.StatusForbidden, "forbidden")
	return false
}

// requireCourier lets a courier act on their own record and operators act on any.
func requireCourier(c *gin.Context, id types.ID) bool {
	switch middleware.CallerActor(c) {
	case order.ActorOperator:
		return true
	case order.ActorCourier:
		if middleware.CallerID(c) == string(id) {
			return true
		}
		writeError(c, http.StatusForbidden, "forbidden: id does not match caller")
		return false
	default:
		writeError(c, http.StatusForbidden, "forbidden: courier required")
		return false
	}
}

// callerActor returns the caller's actor and id, or the fallback actor for
// anonymous calls.
func callerActor(c *gin.Context, fallback order.Actor) (order.Actor, *types.ID) {
	actor := middleware.CallerActor(c)
	if actor == "" {
		return fallback, nil
	}
	if id := middleware.CallerID(c); id != "" {
		tid := types.ID(id)
		return actor, &tid
	}
	return actor, nil
}

func writeDomainError(c *gin.Context, err error) {
	switch {
	// Settlement failures wrap the ledger cause; the wrapper decides the status.
	case errors.Is(err, order.ErrSettlementFailed):
		writeError(c, http.StatusInternalServerError, "settlement failed; order flagged for review")
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, courier.ErrNotFound),
		errors.Is(err, wallet.ErrNotFound),
		errors.Is(err, review.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrBadRequest),
		errors.Is(err, courier.ErrBadRequest),
		errors.Is(err, location.ErrInvalidLocation),
		errors.Is(err, wallet.ErrInvalidOwner),
		errors.Is(err, wallet.ErrInvalidAmount):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, wallet.ErrEscrowMismatch):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, order.ErrAssignmentConflict),
		errors.Is(err, order.ErrCourierUnavailable),
		errors.Is(err, order.ErrAlreadySettled),
		errors.Is(err, wallet.ErrInsufficientBalance),
		errors.Is(err, wallet.ErrWalletInactive):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrStoreUnavailable):
		writeError(c, http.StatusServiceUnavailable, "availability store unavailable")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
