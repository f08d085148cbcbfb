// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/ariasync/internal/api/handlers"
	"github.com/autobrr/ariasync/internal/api/middleware"
	"github.com/autobrr/ariasync/internal/api/openapi"
	"github.com/autobrr/ariasync/internal/aria2"
	"github.com/autobrr/ariasync/internal/config"
	"github.com/autobrr/ariasync/internal/tasks"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	store      *tasks.Store
	reconciler *tasks.Reconciler
	commands   *tasks.Commands
	filters    *tasks.FilterCache
	client     *aria2.Client
	monitor    *aria2.Monitor
}

type Dependencies struct {
	Config     *config.AppConfig
	Version    string
	Store      *tasks.Store
	Reconciler *tasks.Reconciler
	Commands   *tasks.Commands
	Filters    *tasks.FilterCache
	Client     *aria2.Client
	Monitor    *aria2.Monitor
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:     log.Logger.With().Str("module", "api").Logger(),
		config:     deps.Config,
		version:    deps.Version,
		store:      deps.Store,
		reconciler: deps.Reconciler,
		commands:   deps.Commands,
		filters:    deps.Filters,
		client:     deps.Client,
		monitor:    deps.Monitor,
	}

	if s.filters == nil {
		s.filters = tasks.NewFilterCache()
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: http://%s%sapi/tasks", host, s.baseURL())

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		return "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL
}

func (s *Server) allowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(s.config.Config.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID) // Must be before logger to capture request ID
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	// No CORS headers at all unless origins are configured, so browsers stay same-origin.
	if origins := s.allowedOrigins(); len(origins) > 0 {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "DELETE"},
			AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
			ExposedHeaders: []string{"ETag"},
			MaxAge:         300,
		})
		r.Use(corsMiddleware.Handler)
	}

	var connectivity handlers.ConnectivityChecker
	var connState handlers.ConnectionState
	if s.monitor != nil {
		connectivity = s.monitor
		connState = s.monitor
	}

	healthHandler := handlers.NewHealthHandler(connectivity)
	tasksHandler := handlers.NewTasksHandler(s.store, s.commands, s.reconciler, s.filters)
	systemHandler := handlers.NewSystemHandler(s.reconciler, s.commands, s.client, connState, s.commands)

	apiRouter := chi.NewRouter()
	apiRouter.Use(middleware.Logger(s.logger))

	apiRouter.Get("/openapi.yaml", openapi.Handler)

	tasksHandler.Routes(apiRouter)

	apiRouter.Get("/stats", systemHandler.GetStats)
	apiRouter.Get("/connection", systemHandler.GetConnection)
	apiRouter.Route("/settings", func(r chi.Router) {
		r.Get("/", systemHandler.GetSettings)
		r.Put("/", systemHandler.UpdateSettings)
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	r.Mount(s.baseURL()+"api", apiRouter)

	if s.baseURL() != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Must use baseUrl: " + s.config.Config.BaseURL + " instead of /"))
		})
	}

	return r, nil
}
