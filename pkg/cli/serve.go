package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/rolegate/pkg/async"
	"github.com/platinummonkey/rolegate/pkg/catalog"
	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/sweeper"
)

// Identity headers set by the fronting proxy for the rbac endpoints
const (
	PrincipalHeader = "X-Principal-ID"
	SuperuserHeader = "X-Principal-Superuser"
)

// DefaultServePermission guards the read-only rbac endpoints
const DefaultServePermission = "admin.roles"

func newServeCommand(app *App) *Command {
	const usage = "serve [-addr host:port] [-require permission]"
	return &Command{
		Name:        "serve",
		Description: "Run the sweeper and the read-only HTTP endpoints",
		Usage:       usage,
		Run: func(ctx context.Context, args []string) error {
			flags := newFlagSet(app, "serve", usage)
			addr := flags.String("addr", app.Config.Server.Addr, "Listen address")
			require := flags.String("require", DefaultServePermission, "Permission callers need for /rbac endpoints; empty disables the check")
			if err := flags.Parse(args); err != nil {
				return err
			}
			return app.serve(ctx, *addr, *require)
		},
	}
}

func (a *App) serve(ctx context.Context, addr, requirePermission string) error {
	cfg := a.Config
	logger := a.Logger

	// installed before connect so the manager picks up the global tracer provider
	otelCfg := cfg.Observability.OTel
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        otelCfg.Enabled,
		Endpoint:       otelCfg.Endpoint,
		ServiceName:    otelCfg.ServiceName,
		ServiceVersion: otelCfg.ServiceVersion,
		Insecure:       otelCfg.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	rt, err := a.connect(ctx)
	if err != nil {
		if serr := providers.Shutdown(context.Background()); serr != nil {
			logger.WithError(serr).Warn("OpenTelemetry shutdown failed")
		}
		return err
	}

	abort := func() {
		rt.Close()
		if serr := providers.Shutdown(context.Background()); serr != nil {
			logger.WithError(serr).Warn("OpenTelemetry shutdown failed")
		}
	}

	if cfg.Catalog.SeedOnStart {
		doc, err := loadCatalog(cfg.Catalog.Path)
		if err != nil {
			abort()
			return err
		}
		if _, err := catalog.Apply(ctx, rt.manager.Graph, doc, logger); err != nil {
			abort()
			return fmt.Errorf("seeding failed: %w", err)
		}
	}

	var sweep *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		sweep = sweeper.New(rt.manager, sweeper.Config{
			Schedule:  cfg.Sweeper.Schedule,
			BatchSize: cfg.Sweeper.BatchSize,
			Timeout:   cfg.Sweeper.Timeout,
		}, logger, rt.metrics)
		if err := sweep.Start(); err != nil {
			abort()
			return err
		}
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      a.routes(rt, requirePermission),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	if cfg.Catalog.Watch {
		graph := rt.manager.Graph
		async.Go(watchCtx, logger, "catalog watcher", func(ctx context.Context) error {
			return catalog.Watch(ctx, cfg.Catalog.Path, 0, logger, func(doc *catalog.Document) error {
				_, err := catalog.Apply(ctx, graph, doc, logger)
				return err
			})
		})
	}

	// registered first so spans from the other steps are still flushed
	shutdown.Register("otel", providers.Shutdown)
	shutdown.Register("database", func(context.Context) error {
		return rt.Close()
	})
	if sweep != nil {
		shutdown.Register("sweeper", sweep.Stop)
	}
	shutdown.Register("catalog watcher", func(context.Context) error {
		stopWatch()
		return nil
	})

	logger.WithField("addr", addr).Info("Starting rolegate server")
	serverDone := async.Go(ctx, logger, "http server", func(context.Context) error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	stopped := async.Go(ctx, logger, "shutdown", shutdown.WaitForShutdown)

	select {
	case err := <-serverDone:
		if err == nil {
			// the listener only closes cleanly once shutdown has started
			return <-stopped
		}
		if serr := shutdown.Shutdown(); serr != nil {
			logger.WithError(serr).Warn("Shutdown after server failure was incomplete")
		}
		return fmt.Errorf("server failed: %w", err)
	case err := <-stopped:
		return err
	}
}

// routes mounts health and metrics unguarded and the rbac endpoints behind header
// identity, the per-request expiry sweep and the require permission
func (a *App) routes(rt *runtime, require string) http.Handler {
	logger := a.Logger
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(rt.metrics))

	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(rt.db, rt.redis))
	if rt.registry != nil {
		observability.RegisterMetricsEndpoint(router, rt.registry)
	}

	mw := rt.manager.Middleware
	guards := []mux.MiddlewareFunc{headerIdentity}
	if a.Config.Sweeper.ExpireOnAccess {
		guards = append(guards, mw.ExpireOnAccess)
	}
	if require != "" {
		guards = append(guards, mw.RequirePermission(require))
	}
	// handlers register full /rbac paths; the subrouter only scopes the guards
	api := router.NewRoute().Subrouter()
	api.Use(guards...)
	rt.manager.RegisterRoutes(api)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		observability.RequestLogger(logger),
	)(router)
	return otelhttp.NewHandler(handler, "rolegate")
}

// headerIdentity trusts the principal headers set by the fronting proxy. A missing or
// malformed identity is rejected before any permission check.
func headerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		if raw == "" {
			httputil.WriteUnauthorized(w, "Authentication required")
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httputil.WriteUnauthorized(w, "Invalid principal")
			return
		}

		superuser := false
		if v := strings.TrimSpace(r.Header.Get(SuperuserHeader)); v != "" {
			superuser, err = strconv.ParseBool(v)
			if err != nil {
				httputil.WriteUnauthorized(w, "Invalid principal")
				return
			}
		}

		ctx := rbac.WithPrincipal(r.Context(), rbac.User{ID: id, Superuser: superuser})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
