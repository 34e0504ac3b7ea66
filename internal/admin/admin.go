// Package admin is the Supervisor's small admin HTTP surface from
// SPEC_FULL §4.10: /healthz, /readyz and /metrics, grounded on the
// teacher's internal/metrics.Server shape (a bare mux mounting
// promhttp.Handler) but built on gin, the router
// doudou770-ccxt-simulator uses for its own API surface, so this pipeline
// can grow read-only endpoints the same way that repo grows its REST API.
package admin

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server hosts the admin endpoints. Binding its listener is the one
// failure mode that maps to exit code 3 ("port-already-bound") per
// spec.md §6.
type Server struct {
	addr   string
	log    zerolog.Logger
	engine *gin.Engine
	srv    *http.Server
	ln     net.Listener

	ready int32 // atomic bool, flipped once the pipeline has started
}

// BindError wraps a listener failure so the caller can map it to exit code
// 3 ("port-already-bound") instead of the generic fatal-startup code.
type BindError struct{ Err error }

func (e *BindError) Error() string { return "admin: bind failed: " + e.Err.Error() }
func (e *BindError) Unwrap() error { return e.Err }

func New(addr string, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	s := &Server{addr: addr, log: log, engine: engine}

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	engine.GET("/readyz", func(c *gin.Context) {
		if atomic.LoadInt32(&s.ready) == 0 {
			c.String(http.StatusServiceUnavailable, "not ready")
			return
		}
		c.String(http.StatusOK, "ready")
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{Addr: addr, Handler: engine}
	return s
}

// SetReady flips the readiness flag once the Supervisor has started every
// component; /readyz returns 503 until this is called.
func (s *Server) SetReady() { atomic.StoreInt32(&s.ready, 1) }

// Listen binds the listener synchronously, so the Supervisor can surface a
// port-already-bound failure before it spawns the serving goroutine,
// instead of discovering it asynchronously from inside Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return &BindError{Err: err}
	}
	s.ln = ln
	return nil
}

// Serve blocks serving on the listener bound by Listen. Listen must be
// called first.
func (s *Server) Serve() error {
	s.log.Info().Str("addr", s.addr).Msg("admin server listening")
	return s.srv.Serve(s.ln)
}

// Shutdown drains in-flight requests within the given deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
