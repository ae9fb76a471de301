// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the runtime: backend selection (in-memory or
// Redis), the protocol engine, the transports, authorization, and the
// host-facing registration API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/caldera-labs/mcpd/pkg/auth"
	"github.com/caldera-labs/mcpd/pkg/auth/refresh"
	"github.com/caldera-labs/mcpd/pkg/broker"
	"github.com/caldera-labs/mcpd/pkg/engine"
	"github.com/caldera-labs/mcpd/pkg/lock"
	"github.com/caldera-labs/mcpd/pkg/logger"
	"github.com/caldera-labs/mcpd/pkg/protocol"
	"github.com/caldera-labs/mcpd/pkg/session"
	"github.com/caldera-labs/mcpd/pkg/tasks"
	"github.com/caldera-labs/mcpd/pkg/transport/stdio"
	"github.com/caldera-labs/mcpd/pkg/transport/streamable"
)

// Server owns every runtime component. Build one with New, register
// tools/resources/prompts, then call Serve or ServeStdio.
type Server struct {
	cfg Config

	store     session.Store
	broker    broker.Broker
	locker    lock.Locker
	taskStore tasks.Store
	taskSvc   *tasks.Service

	registry  *engine.Registry
	logs      *engine.LogService
	engine    *engine.Engine
	transport *streamable.Transport

	validator *auth.Validator
	refresher *refresh.Refresher
	dcrProxy  *auth.DCRProxy
}

// New assembles a server from configuration. ctx bounds the lifetime of
// background machinery such as the JWKS cache.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		registry: engine.NewRegistry(),
		logs:     engine.NewLogService(),
	}

	if err := s.buildBackends(ctx); err != nil {
		return nil, err
	}

	if cfg.Capabilities.Tasks {
		s.taskSvc = tasks.NewService(s.taskStore, s.broker)
	}

	s.engine = engine.New(engine.Config{
		ServerInfo: protocol.Implementation{
			Name:    cfg.ServerInfo.Name,
			Version: cfg.ServerInfo.Version,
		},
		Capabilities: cfg.Capabilities.toProtocol(),
		Instructions: cfg.Instructions,
	}, s.registry, s.logs, s.taskSvc)

	s.transport = streamable.New(streamable.Config{EnableSSE: cfg.EnableSSE},
		s.engine, s.store, s.broker)

	if err := s.buildAuthorization(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// buildBackends selects the store, broker, lock, and task store. A redis
// section in the configuration selects the networked variants; otherwise
// everything is process-local.
func (s *Server) buildBackends(ctx context.Context) error {
	if s.cfg.Redis == nil {
		var opts []session.MemoryStoreOption
		if s.cfg.SessionTTL > 0 {
			opts = append(opts, session.WithTTL(s.cfg.SessionTTL))
		}
		if s.cfg.MaxHistory > 0 {
			opts = append(opts, session.WithMaxHistory(s.cfg.MaxHistory))
		}
		s.store = session.NewMemoryStore(opts...)
		s.broker = broker.NewMemoryBroker()
		s.locker = lock.NewLocalLocker()
		s.taskStore = tasks.NewMemoryStore()
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Username: s.cfg.Redis.Username,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", s.cfg.Redis.Addr, err)
	}

	s.store = session.NewRedisStoreWithClient(client, session.RedisConfig{
		KeyPrefix:  s.cfg.Redis.KeyPrefix,
		TTL:        s.cfg.SessionTTL,
		MaxHistory: s.cfg.MaxHistory,
	})
	s.broker = broker.NewRedisBroker(client, s.cfg.Redis.KeyPrefix)
	s.locker = lock.NewRedisLocker(client, s.cfg.Redis.KeyPrefix)
	s.taskStore = tasks.NewRedisStore(client, s.cfg.Redis.KeyPrefix)
	return nil
}

// buildAuthorization wires the validator, the optional refresh loop, and
// the optional DCR proxy.
func (s *Server) buildAuthorization(ctx context.Context) error {
	a := s.cfg.Authorization
	if a == nil {
		return nil
	}

	v, err := auth.NewValidator(ctx, a.validatorConfig())
	if err != nil {
		return fmt.Errorf("failed to build token validator: %w", err)
	}
	s.validator = v

	if a.TokenRefresh.Enabled {
		s.refresher = refresh.New(s.store, s.locker, s.broker, refresh.Config{
			Interval:     a.TokenRefresh.Interval,
			ExpiryBuffer: a.TokenRefresh.ExpiryBuffer,
			MaxAttempts:  a.TokenRefresh.MaxAttempts,
		})
	}

	if a.DCRUpstreamURL != "" {
		proxy, err := auth.NewDCRProxy(auth.DCRProxyConfig{UpstreamURL: a.DCRUpstreamURL})
		if err != nil {
			return fmt.Errorf("failed to build DCR proxy: %w", err)
		}
		s.dcrProxy = proxy
	}
	return nil
}

// Router builds the HTTP surface: well-known endpoints outside the auth
// boundary, the MCP endpoints inside it.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	if a := s.cfg.Authorization; a != nil {
		r.Get(auth.ProtectedResourcePath, auth.ProtectedResourceHandler(auth.ProtectedResourceMetadata{
			Resource:             a.ResourceURL,
			AuthorizationServers: a.AuthorizationServers,
			ScopesSupported:      a.ScopesSupported,
		}))
	}
	r.Get(auth.HealthPath, auth.HealthHandler())

	if s.dcrProxy != nil {
		r.Post("/oauth/register", s.dcrProxy.ServeHTTP)
	}

	if s.validator != nil {
		a := s.cfg.Authorization
		r.Group(func(g chi.Router) {
			g.Use(auth.Middleware(s.validator, auth.MiddlewareConfig{
				ResourceMetadataURL: a.ResourceURL + auth.ProtectedResourcePath,
			}))
			s.transport.Routes(g)
		})
	} else {
		s.transport.Routes(r)
	}
	return r
}

// Serve runs the HTTP transport until ctx is cancelled. The registry is
// frozen on entry; registrations must happen before.
func (s *Server) Serve(ctx context.Context) error {
	s.registry.Freeze()

	if err := s.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	if s.refresher != nil {
		s.refresher.Start()
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("http shutdown failed: %v", err)
		}
	}()

	logger.Infof("mcpd listening on %s", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeStdio runs the line-delimited transport over the process's standard
// streams until EOF or cancellation.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.registry.Freeze()
	return stdio.New(s.engine, os.Stdin, os.Stdout).Run(ctx)
}

// Close releases every component: the refresh loop, open streams and their
// subscriptions, the broker, the lock service, and the stores. The session
// store goes last since it owns the Redis connection.
func (s *Server) Close() error {
	if s.refresher != nil {
		s.refresher.Stop()
	}

	var errs []error
	if s.transport != nil {
		errs = append(errs, s.transport.Close())
	}
	if s.broker != nil {
		errs = append(errs, s.broker.Close())
	}
	if s.locker != nil {
		errs = append(errs, s.locker.Close())
	}
	if s.taskStore != nil {
		errs = append(errs, s.taskStore.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
