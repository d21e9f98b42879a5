// Package middleware holds the gin middleware for the control-plane
// API: origin policy and per-client rate limiting. Everything else
// (logging, metrics, recovery) is installed directly by the server.
package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const corsMaxAge = 12 * time.Hour

// CORS restricts browser access to the listed origins. The daemon
// defaults to the wildcard, which fits a loopback deployment; anything
// exposed beyond the host should narrow the list in ServerConfig.
func CORS(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"Content-Length",
			"Accept",
			"Origin",
			"Cache-Control",
		},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	})
}
