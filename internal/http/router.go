// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"foodrelay/internal/http/handlers"
	"foodrelay/internal/http/middleware"
)

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log), middleware.Actor())

	api := r.Group("/api")

	orderHandler := handlers.NewOrderHandler(deps.Orders, deps.Platform)
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders/:id", orderHandler.Get)
	api.GET("/orders/:id/history", orderHandler.History)
	api.POST("/orders/:id/confirm", orderHandler.Confirm)
	api.POST("/orders/:id/prepare", orderHandler.Prepare)
	api.POST("/orders/:id/ready", orderHandler.Ready)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/payments/confirmed", orderHandler.PaymentConfirmed)

	courierHandler := handlers.NewCourierHandler(deps.Platform)
	api.GET("/couriers/:id", courierHandler.Get)
	api.PUT("/couriers/:id/availability", courierHandler.SetAvailability)
	api.POST("/couriers/:id/orders/:orderId/status", courierHandler.UpdateDeliveryStatus)

	locationHandler := handlers.NewLocationHandler(deps.Platform)
	api.PUT("/couriers/:id/location", locationHandler.Update)

	operatorHandler := handlers.NewOperatorHandler(deps.Platform, deps.Reviews)
	api.GET("/dispatch/pending", operatorHandler.PendingOrders)
	api.GET("/wallets/:kind/:id", operatorHandler.WalletBalance)
	api.GET("/wallets/:kind/:id/ledger", operatorHandler.WalletHistory)
	api.GET("/wallets/:kind/:id/verify", operatorHandler.VerifyWallet)
	api.GET("/review/flags", operatorHandler.ListFlags)
	api.POST("/review/flags/:id/resolve", operatorHandler.ResolveFlag)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	return r
}
