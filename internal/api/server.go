package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pfcoder/lcd-core/internal/alerts"
	"github.com/pfcoder/lcd-core/internal/config"
	"github.com/pfcoder/lcd-core/internal/fleet"
	"github.com/pfcoder/lcd-core/internal/miner"
	"github.com/pfcoder/lcd-core/internal/storage"
)

// Fleet is the batch surface the control API drives.
type Fleet interface {
	Scan(ctx context.Context, ipBase string, offset, count int, timeout time.Duration) *fleet.Result[*miner.MachineInfo]
	Watch(ctx context.Context, ips []string, timeout time.Duration, opts ...fleet.BatchOption) *fleet.Result[*miner.MachineInfo]
	RebootBatch(ctx context.Context, ips []string, opts ...fleet.BatchOption) *fleet.Result[string]
	ConfigureBatch(ctx context.Context, ips []string, pools []miner.PoolConfig, mode miner.RunMode, opts ...fleet.BatchOption) *fleet.Result[string]
	SwitchFromInventory(ctx context.Context) (*fleet.Result[string], error)
}

// Store is the read side of the telemetry database.
type Store interface {
	GetDevices(ctx context.Context) ([]*storage.Device, error)
	QueryRecordsByTime(ctx context.Context, ip string, start, end int64) ([]miner.Record, error)
	ClearRecordsBefore(ctx context.Context, before int64) (int64, error)
}

// Server represents the HTTP API server
type Server struct {
	cfg      *config.Config
	fleet    Fleet
	storage  Store
	notifier alerts.Notifier
	latest   *TelemetryCache
	hub      *WebSocketHub
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a new API server. notifier may be nil, in which case
// test alerts are rejected.
func NewServer(cfg *config.Config, fl Fleet, store Store, notifier alerts.Notifier, logger *zap.Logger) (*Server, error) {
	latest, err := NewTelemetryCache(cfg.API.CacheMaxItems)
	if err != nil {
		return nil, err
	}
	logger = logger.Named("api")
	return &Server{
		cfg:      cfg,
		fleet:    fl,
		storage:  store,
		notifier: notifier,
		latest:   latest,
		hub:      NewWebSocketHub(logger),
		logger:   logger,
	}, nil
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Long-lived, so outside the request timeout
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(2 * time.Minute))

			r.Get("/miners", s.handleGetMiners)
			r.Get("/miners/{ip}/latest", s.handleGetLatest)
			r.Get("/records", s.handleGetRecords)

			r.Group(func(r chi.Router) {
				r.Use(requireToken([]byte(s.cfg.API.JWTSecret)))

				r.Post("/scan", s.handleScan)
				r.Post("/watch", s.handleWatch)
				r.Post("/reboot", s.handleReboot)
				r.Post("/configure", s.handleConfigure)
				r.Post("/switch", s.handleSwitch)
				r.Delete("/records", s.handleClearRecords)
				r.Post("/alerts/test", s.handleTestAlert)
			})
		})
	})

	return r
}

// Start runs the hub and blocks serving HTTP.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("starting HTTP server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	defer s.latest.Close()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// PublishTelemetry caches fresh snapshots and pushes them to websocket
// clients. The periodic watch loop calls it as well as the handlers.
func (s *Server) PublishTelemetry(infos []*miner.MachineInfo) {
	if len(infos) == 0 {
		return
	}
	s.latest.Put(infos...)
	s.hub.Broadcast(Message{Type: "telemetry", Data: infos})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
