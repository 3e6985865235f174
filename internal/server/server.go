/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server bundles HTTP and supporting services.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/retrovue/retrovue/internal/api"
	"github.com/retrovue/retrovue/internal/cache"
	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/db"
	"github.com/retrovue/retrovue/internal/eventbus"
	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/masterclock"
	"github.com/retrovue/retrovue/internal/playout"
	"github.com/retrovue/retrovue/internal/scheduler"
	"github.com/retrovue/retrovue/internal/storage"
	"github.com/retrovue/retrovue/internal/store"
	"github.com/retrovue/retrovue/internal/telemetry"
	"github.com/retrovue/retrovue/internal/version"
)

// Server wires the clock, store, scheduler, playout, and API together.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db        *gorm.DB
	store     *store.Store
	clock     *masterclock.Clock
	cache     *cache.Cache
	media     *storage.Service
	bus       *events.Bus
	bridge    *eventbus.Bridge
	tracer    *telemetry.TracerProvider
	scheduler *scheduler.Service
	director  *playout.Director
	api       *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("retrovue-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Skip the request timeout for streams and websockets; they are
	// long-running by design.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			if len(r.URL.Path) >= 8 && r.URL.Path[:8] == "/stream/" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		// WriteTimeout stays 0 so streaming responses are never cut;
		// the middleware timeout covers the non-streaming routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	tracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "retrovue",
		ServiceVersion: version.Version,
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		Enabled:        s.cfg.TracingEnabled,
		SampleRate:     s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer
	s.DeferClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.tracer.Shutdown(ctx)
	})

	s.clock = masterclock.New(masterclock.SystemSource(), masterclock.Precision(s.cfg.ClockPrecision), s.cfg.TimezoneCacheMax, s.logger)

	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.store = store.New(database)
	s.DeferClose(func() error { return db.Close(database) })

	if s.cfg.StorageBackend == "fs" {
		if err := os.MkdirAll(s.cfg.MediaRoot, 0755); err != nil {
			return fmt.Errorf("create media directory %s: %w", s.cfg.MediaRoot, err)
		}
	}
	mediaService, err := storage.NewService(s.cfg, s.logger)
	if err != nil {
		return err
	}
	if err := mediaService.CheckAccess(); err != nil {
		s.logger.Warn().Err(err).Msg("media storage not reachable at startup")
	}
	s.media = mediaService

	if s.cfg.RedisAddr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		entityCache, err := cache.New(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
		} else {
			s.cache = entityCache
			s.DeferClose(func() error { return s.cache.Close() })
		}
	}

	s.scheduler = scheduler.New(s.store, s.store, s.clock, s.bus, s.cfg.HorizonLength, s.cfg.PrebuildInterval, s.logger)
	if s.cache != nil {
		s.scheduler.SetCache(s.cache)
	}

	s.director = playout.NewDirector(s.cfg, s.store, s.store, s.clock, s.media, s.bus, s.logger)

	if s.cfg.NATSEnabled {
		bridge, err := eventbus.NewBridge(s.cfg.NATSURL, s.bus, s.clock, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("NATS bridge unavailable, events stay in-process")
		} else {
			s.bridge = bridge
			s.bridge.Run(
				events.EventNowAiring,
				events.EventTransition,
				events.EventPlayoutHealth,
				events.EventHorizonBuilt,
				events.EventBuildFailure,
				events.EventOverrideEngaged,
				events.EventOverrideCleared,
			)
			s.DeferClose(func() error { s.bridge.Close(); return nil })
		}
	}

	s.api = api.New(s.store, s.scheduler, s.director, s.clock, s.bus, s.cache, s.logger)
	return nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	// Viewer delivery: one shared encoder output per channel, fanned
	// out to every connected viewer.
	s.router.HandleFunc("/stream/{slug}", func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "slug")
		manager, ok := s.director.ManagerBySlug(slug)
		if !ok {
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		w.Header().Set("X-Stream-Offset", strconv.FormatFloat(manager.JoinOffset().Seconds(), 'f', 3, 64))
		manager.Feed().ServeHTTP(w, r)
	})

	s.api.Routes(s.router)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler loop exited")
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.director.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("director loop exited")
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Scheduler exposes the horizon builder, used by the CLI build command.
func (s *Server) Scheduler() *scheduler.Service {
	return s.scheduler
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
