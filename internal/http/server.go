// README: API gateway; wires the router into an http.Server and delegates to the platform services.
package http

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/review"
	"foodrelay/internal/service"
)

type ServerDeps struct {
	Platform *service.Platform
	Orders   *order.Service
	Reviews  *review.Service
	Log      logrus.FieldLogger
}

func NewServer(addr string, deps ServerDeps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
