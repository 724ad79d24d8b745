// Package api exposes the pipeline over HTTP: signal ingestion, queue and
// execution status, policy inspection, commissions, and a live event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signal-core/internal/events"
	"signal-core/internal/gate"
	"signal-core/internal/monitor"
	"signal-core/internal/scheduler"
	"signal-core/internal/signal"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
)

// Server wires the HTTP endpoints around the pipeline components.
type Server struct {
	Router     *gin.Engine
	DB         *db.Database
	Bus        *events.Bus
	Gate       *gate.Gate
	Sched      *scheduler.Scheduler
	Normalizer *signal.Normalizer
	Metrics    *monitor.PipelineMetrics
	Vault      *crypto.Vault
	JWTSecret  string
	Meta       Meta
}

// Meta describes runtime mode for the health endpoint.
type Meta struct {
	Version   string
	PaperMode bool
}

func NewServer(database *db.Database, bus *events.Bus, g *gate.Gate, sched *scheduler.Scheduler, normalizer *signal.Normalizer, metrics *monitor.PipelineMetrics, vault *crypto.Vault, jwtSecret string, meta Meta) *Server {
	router := gin.New()

	// middleware order matters
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger())
	router.Use(RateLimit(newIPLimiters(20, 50)))
	router.Use(CORS())

	s := &Server{
		Router:     router,
		DB:         database,
		Bus:        bus,
		Gate:       g,
		Sched:      sched,
		Normalizer: normalizer,
		Metrics:    metrics,
		Vault:      vault,
		JWTSecret:  jwtSecret,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	// the websocket endpoint stays outside this group; a request timeout
	// would sever the stream
	api := s.Router.Group("/api")
	api.Use(Timeout(30 * time.Second))
	{
		api.POST("/signal", s.postSignal)
		api.GET("/queue/status", s.queueStatus)
		api.GET("/executions/:signalId", s.executions)
		api.GET("/policy", s.policy)
		api.GET("/policy/history", s.policyHistory)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthRequired(s.JWTSecret))
		{
			protected.GET("/commissions", s.commissions)
			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
			protected.DELETE("/operations/:id", s.cancelOperation)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	snap := s.Gate.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    s.Meta.Version,
		"paper_mode": s.Meta.PaperMode,
		"policy":     snap.Direction,
		"stale":      snap.Stale,
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
