package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradebridge/internal/autotrade"
	"tradebridge/internal/events"
	"tradebridge/internal/execution"
	"tradebridge/internal/reconcile"
	"tradebridge/internal/session"
	"tradebridge/pkg/db"
)

// Server wires the HTTP and websocket surface around the core services.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Registry   *session.Registry
	Execution  *execution.Service
	Reconciler *reconcile.Engine
	Spreads    *autotrade.SpreadTable

	JWTSecret         string
	AdminKey          string
	HeartbeatInterval time.Duration
}

func NewServer(bus *events.Bus, database *db.Database, registry *session.Registry,
	exec *execution.Service, reconciler *reconcile.Engine, spreads *autotrade.SpreadTable,
	jwtSecret, adminKey string, heartbeatInterval, commandTimeout time.Duration) *Server {

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	// An open request may legitimately wait out the full command timeout.
	r.Use(TimeoutMiddleware(commandTimeout + 15*time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:            r,
		Bus:               bus,
		DB:                database,
		Registry:          registry,
		Execution:         exec,
		Reconciler:        reconciler,
		Spreads:           spreads,
		JWTSecret:         jwtSecret,
		AdminKey:          adminKey,
		HeartbeatInterval: heartbeatInterval,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/connector", s.connectorWS)
	s.Router.GET("/ws/stream", s.streamWS)

	api := s.Router.Group("/api")
	{
		// Auth endpoints
		auth := api.Group("/auth")
		{
			auth.POST("/token", s.operatorToken)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/auth/connector-token", s.connectorToken)

			protected.PUT("/accounts/:id", s.upsertAccount)
			protected.GET("/accounts/:id", s.getAccount)

			protected.POST("/trades/open", s.openTrade)
			protected.POST("/trades/:id/close", s.closeTrade)
			protected.GET("/trades", s.listTrades)
			protected.GET("/positions", s.listPositions)
			protected.GET("/sessions", s.listSessions)
			protected.GET("/autotrade/log", s.autoTradeLog)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
