// Package http exposes the read-mostly admin API: health, metrics, token
// lifecycle and live session inspection. It is a supervision surface beside
// the operator console, not a replacement for it.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenhq/warden/internal/api/http/handler"
	"github.com/wardenhq/warden/internal/api/http/middleware"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/token"
)

type Services struct {
	Tokens   *token.Manager
	Registry *server.Registry
}

func SetupRoute(engine *gin.Engine, srvs *Services, adminAPIKey string) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tokensHandler := handler.NewTokensHandler(srvs.Tokens, srvs.Registry)
	sessionsHandler := handler.NewSessionsHandler(srvs.Registry)

	api := engine.Group("/api/v1", middleware.APIKeyAuth(adminAPIKey))
	{
		api.GET("/tokens", tokensHandler.ListTokens)
		api.GET("/tokens/pending", tokensHandler.ListPending)
		api.POST("/tokens", tokensHandler.CreateToken)
		api.POST("/tokens/:hostname/approve", tokensHandler.ApproveToken)
		api.POST("/tokens/:hostname/deny", tokensHandler.DenyToken)
		api.POST("/tokens/:hostname/revoke", tokensHandler.RevokeToken)
		api.POST("/tokens/:hostname/renew", tokensHandler.RenewToken)
		api.DELETE("/tokens/:hostname", tokensHandler.DeleteToken)

		api.GET("/sessions", sessionsHandler.ListSessions)
		api.DELETE("/sessions/:hostname", sessionsHandler.KickSession)
	}
}
