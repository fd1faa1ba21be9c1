package http

import (
	"fmt"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ringlink/ringlink-server/internal/auth"
	"github.com/ringlink/ringlink-server/internal/config"
	"github.com/ringlink/ringlink-server/internal/relay"
	"github.com/ringlink/ringlink-server/internal/service/calls"
)

// NewServer builds the HTTP server with REST and WebSocket routes.
func NewServer(svc *calls.Service, rl *relay.Relay, jwtConfig *auth.JWTConfig, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	wsHandler := NewWSHandler(svc, rl, jwtConfig, logger)
	router.GET("/ws", gin.WrapH(wsHandler))

	callsHandlers := NewCallsHandlers(svc, logger)
	api := router.Group("/api")
	api.Use(AuthMiddleware(jwtConfig, logger))
	{
		api.POST("/calls", callsHandlers.RequestCall)
		api.GET("/calls/history", callsHandlers.History)
		api.GET("/calls/:id", callsHandlers.GetCall)
		api.POST("/calls/:id/accept", callsHandlers.AcceptCall)
		api.POST("/calls/:id/decline", callsHandlers.DeclineCall)
		api.POST("/calls/:id/end", callsHandlers.EndCall)
		api.POST("/calls/:id/signal", callsHandlers.Signal)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	_, _ = fmt.Fprint(c.Writer, "ok")
}
