// Package api provides the HTTP and WebSocket surface of the risk engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/engine"
	"github.com/atlas-desktop/risk-engine/internal/metrics"
	"github.com/atlas-desktop/risk-engine/internal/workers"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host             string
	Port             int
	AllowedOrigins   []string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	SnapshotInterval time.Duration
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader

	engine    *engine.Engine
	metrics   *metrics.Registry
	hub       *Hub
	pool      *workers.Pool
	startedAt time.Time
}

// NewServer creates a new API server. metrics, hub and pool may be nil; a
// nil pool evaluates batches sequentially.
func NewServer(logger *zap.Logger, config ServerConfig, eng *engine.Engine, m *metrics.Registry, hub *Hub, pool *workers.Pool) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		config:    config,
		router:    mux.NewRouter().UseEncodedPath(),
		engine:    eng,
		metrics:   m,
		hub:       hub,
		pool:      pool,
		startedAt: time.Now(),
	}

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}

	s.setupRoutes()

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Risk gate
	api.HandleFunc("/risk/status", s.handleRiskStatus).Methods("GET")
	api.HandleFunc("/risk/evaluate", s.handleEvaluate).Methods("POST")
	api.HandleFunc("/risk/evaluate/batch", s.handleEvaluateBatch).Methods("POST")

	// Feeds
	api.HandleFunc("/feed/portfolio", s.handleFeedPortfolio).Methods("POST")
	api.HandleFunc("/feed/prices", s.handleFeedPrices).Methods("POST")
	api.HandleFunc("/feed/indicators", s.handleFeedIndicators).Methods("POST")

	// Positions
	api.HandleFunc("/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions", s.handleAddPosition).Methods("POST")
	api.HandleFunc("/positions/{symbol}", s.handleRemovePosition).Methods("DELETE")

	// Breaker
	api.HandleFunc("/breaker/history", s.handleBreakerHistory).Methods("GET")
	api.HandleFunc("/breaker/reset", s.handleBreakerReset).Methods("POST")

	// Regime
	api.HandleFunc("/regime/history", s.handleRegimeHistory).Methods("GET")

	// Correlation
	api.HandleFunc("/correlation/matrix", s.handleCorrelationMatrix).Methods("GET")
	api.HandleFunc("/correlation/{a}/{b}", s.handleCorrelation).Methods("GET")

	// Sizing
	api.HandleFunc("/trades/results", s.handleTradeResult).Methods("POST")
	api.HandleFunc("/sizing/stats", s.handleSizingStats).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// RunSnapshots publishes an engine snapshot to the status channel and the
// metrics registry every SnapshotInterval until ctx is done.
func (s *Server) RunSnapshots(ctx context.Context) {
	interval := s.config.SnapshotInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishSnapshot()
		}
	}
}

func (s *Server) publishSnapshot() engine.Snapshot {
	snapshot := s.engine.Status()
	if s.metrics != nil {
		s.metrics.ObserveSnapshot(snapshot)
	}
	if s.hub != nil {
		s.hub.PublishToChannel(ChannelStatus, MsgTypeStatus, snapshot)
	}
	return snapshot
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}
