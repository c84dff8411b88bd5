// Package httpapi is the HTTP/WebSocket façade in front of the query
// engine: a gin router exposing create/update/cancel for live queries and a
// gorilla/websocket stream of each query's events, grounded on the
// teacher's internal/handler/server.go (gin engine, CORS, per-IP rate
// limiter, pprof-in-development) and internal/handler/websocket.go (upgrade,
// one write-pump goroutine per client, heartbeat ping).
package httpapi

import (
	"context"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/flybeeper/geoquery/internal/analytics/mysql"
	"github.com/flybeeper/geoquery/internal/config"
	"github.com/flybeeper/geoquery/internal/query"
	"github.com/flybeeper/geoquery/internal/store"
)

// Server is the HTTP/WebSocket façade. It owns the registry of live
// queries created through its REST surface; queries created some other way
// (e.g. embedded directly by another Go program) never appear here.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	store      store.Store
	queryCfg   query.Config
	logger     *logrus.Entry

	registry  *registry
	ipLimits  *ipLimiter
	analytics *mysql.Sink
}

// New builds a Server. st is the datastore every created query.Query reads
// from; it is not owned by the Server (callers construct and close it
// themselves). analytics is optional: when non-nil, every query created
// through this Server's REST surface has its key_entered/key_exited/
// key_moved transitions tallied into it; pass nil to run without the
// analytics sink.
func New(cfg *config.Config, st store.Store, queryCfg query.Config, logger *logrus.Entry, analytics *mysql.Sink) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "httpapi")

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	s := &Server{
		router:    router,
		cfg:       cfg,
		store:     st,
		queryCfg:  queryCfg,
		logger:    logger,
		registry:  newRegistry(),
		ipLimits:  newIPLimiter(rate.Limit(5), 10),
		analytics: analytics,
	}

	router.Use(loggerMiddleware(logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORS))
	router.Use(metricsMiddleware())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket streams
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/queries")
	v1.Use(s.rateLimitMiddleware())
	{
		v1.POST("", s.createQuery)
		v1.PATCH("/:id", s.updateQuery)
		v1.DELETE("/:id", s.cancelQuery)
		v1.GET("/:id/stream", s.streamQuery)
	}

	if s.cfg.Environment == "development" {
		dbg := s.router.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		s.logger.Info("pprof endpoints enabled at /debug/pprof/")
	}
}

// Start blocks serving HTTP until the server is shut down or fails.
func (s *Server) Start() error {
	s.logger.WithField("address", s.cfg.Server.Address).Info("starting HTTP/WebSocket façade")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and cancels every live query
// still tracked in the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP/WebSocket façade")
	s.registry.cancelAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().Unix()})
}

// ipLimiter is a per-remote-IP token bucket, grounded on the teacher's
// single global RateLimitMiddleware generalized to one bucket per client so
// one noisy caller cannot starve query creation for everyone else.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
