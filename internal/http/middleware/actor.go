// README: Actor middleware; reads the caller identity forwarded by the gateway.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"foodrelay/internal/modules/order"
)

const (
	HeaderActorType = "X-Actor-Type"
	HeaderActorID   = "X-Actor-ID"

	ctxActor   = "actor_type"
	ctxActorID = "actor_id"
)

var knownActors = map[order.Actor]bool{
	order.ActorCustomer:   true,
	order.ActorRestaurant: true,
	order.ActorCourier:    true,
	order.ActorOperator:   true,
	order.ActorSystem:     true,
}

// Actor stores the caller's actor type and id on the request context.
// Authentication happens upstream; unknown actor types are rejected and a
// missing header leaves the caller anonymous.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := c.GetHeader(HeaderActorType)
		if kind == "" {
			c.Next()
			return
		}
		actor := order.Actor(kind)
		if !knownActors[actor] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown actor type"})
			return
		}
		id := c.GetHeader(HeaderActorID)
		if id == "" && actor != order.ActorOperator && actor != order.ActorSystem {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing actor id"})
			return
		}
		c.Set(ctxActor, actor)
		c.Set(ctxActorID, id)
		c.Next()
	}
}

// CallerActor returns the actor type set by Actor, or "" for anonymous calls.
func CallerActor(c *gin.Context) order.Actor {
	v, _ := c.Get(ctxActor)
	a, _ := v.(order.Actor)
	return a
}

func CallerID(c *gin.Context) string {
	return c.GetString(ctxActorID)
}
