// Package diag is the developer diagnostics HTTP surface of the scanner.
// It exposes pipeline stats and items, lets a developer inject frames and reset the session,
// streams emitted items over a websocket, and serves Prometheus metrics.
package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/itemscan/pkg/pipeline"
	"github.com/cyclopcam/itemscan/server/config"
	"github.com/cyclopcam/itemscan/server/itemdb"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Largest frame that we'll accept on /api/frame
const maxFrameBytes = 4 * 1024 * 1024

type Server struct {
	log        logs.Log
	config     config.Config
	pipeline   *pipeline.Pipeline
	items      *itemdb.ItemDB // May be nil
	gatherer   prometheus.Gatherer
	hub        *hub
	wsUpgrader websocket.Upgrader
	router     *httprouter.Router
	httpServer *http.Server
}

// NewServer creates the diagnostics server, and registers it as a listener of the pipeline's emitted items.
// items and gatherer may be nil.
func NewServer(log logs.Log, cfg config.Config, p *pipeline.Pipeline, items *itemdb.ItemDB, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		log:      log,
		config:   cfg,
		pipeline: p,
		items:    items,
		gatherer: gatherer,
		hub:      newHub(log),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// This is a developer tool, and overlays are typically served from a different origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupHttpRoutes()
	p.Items.AddListener(s.hub)
	return s
}

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, h httprouter.Handle) {
		www.Handle(s.log, router, method, route, h)
	}

	// ratelimited creates a handler with its own per-IP rate limiter
	ratelimited := func(method, route string, h httprouter.Handle) {
		window := time.Duration(s.config.HTTP.RateLimitWindow) * time.Millisecond
		limited := httprate.Limit(s.config.HTTP.RateLimit, window, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/stats", s.httpStats)
	handle("GET", "/api/items", s.httpItems)
	handle("GET", "/api/item/:id", s.httpItem)
	handle("GET", "/api/candidates", s.httpCandidates)
	handle("GET", "/api/history", s.httpHistory)
	ratelimited("POST", "/api/session/reset", s.httpSessionReset)
	ratelimited("POST", "/api/frame", s.httpFrame)
	router.GET("/api/ws", s.httpWebSocket)

	if s.gatherer != nil {
		router.Handler("GET", "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router = router
}

// Handler returns the router, for serving on a custom listener (or in tests)
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server is shut down by Close
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.config.HTTP.Listen,
		Handler: s.router,
	}
	s.log.Infof("Diag: listening on %v", s.config.HTTP.Listen)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops listening, disconnects websocket clients, and detaches from the pipeline
func (s *Server) Close() {
	s.pipeline.Items.RemoveListener(s.hub)
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnf("Diag: HTTP shutdown: %v", err)
		}
	}
	s.hub.Close()
}
