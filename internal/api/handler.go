package api

import (
	"context"
	"net/http"
	"time"

	"execution-core/internal/copytrade"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

// StrategyRunner runs strategy ticks.
type StrategyRunner interface {
	RunTick(ctx context.Context, runID string, now time.Time) strategy.TickOutcome
	RunDue(ctx context.Context, now time.Time) (strategy.DueSummary, error)
}

// Replicator fans a master trade out to followers.
type Replicator interface {
	Replicate(ctx context.Context, masterID string, trade copytrade.MasterTrade) (copytrade.Summary, error)
}

// Executor submits and audits one order.
type Executor interface {
	Execute(ctx context.Context, req order.Request) order.Result
}

// AdapterSource resolves a connection to a ready adapter.
type AdapterSource interface {
	ForConnection(ctx context.Context, conn db.ExchangeConnection) (common.Adapter, error)
}

// KillSwitch is the platform-wide switch.
type KillSwitch interface {
	IsOn(ctx context.Context) bool
	Set(ctx context.Context, on bool) error
}

// CredentialSealer encrypts an API key pair for storage.
type CredentialSealer interface {
	SealCredentials(creds common.Credentials) (string, error)
}

// AuthConfig configures operator tokens.
type AuthConfig struct {
	JWTSecret    string
	PasswordHash string // bcrypt
	TokenTTL     time.Duration
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Version    string
	InstanceID string
	DemoMode   bool
	StartedAt  time.Time
}

// Deps are the services the HTTP layer drives.
type Deps struct {
	DB       *db.Database
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Gate     *risk.Gate
	Kill     KillSwitch
	Runner   StrategyRunner
	Copier   Replicator
	Orders   Executor
	Adapters AdapterSource
	Keys     CredentialSealer
	Auth     AuthConfig
	Meta     SystemMeta

	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router *gin.Engine

	db       *db.Database
	bus      *events.Bus
	metrics  *monitor.Metrics
	gate     *risk.Gate
	kill     KillSwitch
	runner   StrategyRunner
	copier   Replicator
	orders   Executor
	adapters AdapterSource
	keys     CredentialSealer
	auth     AuthConfig
	meta     SystemMeta
	limiters *ipLimiters
	now      func() time.Time
}

func NewServer(deps Deps) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	if deps.RateLimitRPS <= 0 {
		deps.RateLimitRPS = 20
	}
	if deps.RateLimitBurst <= 0 {
		deps.RateLimitBurst = 50
	}

	s := &Server{
		Router:   gin.New(),
		db:       deps.DB,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		gate:     deps.Gate,
		kill:     deps.Kill,
		runner:   deps.Runner,
		copier:   deps.Copier,
		orders:   deps.Orders,
		adapters: deps.Adapters,
		keys:     deps.Keys,
		auth:     deps.Auth,
		meta:     deps.Meta,
		limiters: newIPLimiters(deps.RateLimitRPS, deps.RateLimitBurst),
		now:      time.Now,
	}

	// Middleware stack (order matters!)
	r := s.Router
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.metrics))
	r.Use(RateLimitMiddleware(s.limiters))
	r.Use(TimeoutMiddleware(deps.RequestTimeout))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.auth.JWTSecret))
		{
			protected.POST("/strategies/run-due", s.runDue)
			protected.POST("/strategies/:id/tick", s.tickStrategy)
			protected.GET("/strategies/:id/ticks", s.listTicks)
			protected.GET("/strategies/:id/events", s.listStrategyEvents)

			protected.POST("/copy/:master/replicate", s.replicate)

			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
			protected.POST("/connections/:id/check", s.checkConnection)
			protected.POST("/connections/:id/test-order", s.testOrder)

			protected.GET("/risk/:user", s.getRisk)
			protected.POST("/risk/:user/pause", s.pauseRisk)
			protected.POST("/risk/:user/trade-result", s.recordTradeResult)

			protected.GET("/audit", s.listAudit)

			protected.GET("/platform/kill-switch", s.getKillSwitch)
			protected.PUT("/platform/kill-switch", s.setKillSwitch)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HTTPServer returns an http.Server for addr so callers can shut it down gracefully.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// StartJanitor resets the per-IP limiters every interval until ctx is done.
func (s *Server) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiters.reset()
			}
		}
	}()
}
