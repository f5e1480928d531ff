// The session gateway terminates realtime WebSocket sessions: tenant
// admission, channel fan-out with presence, heartbeat eviction, and
// per-plan quota enforcement. Redis and Postgres are optional; without
// them every store runs in-process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/behavex/realtime/internal/bus"
	"github.com/behavex/realtime/internal/config"
	"github.com/behavex/realtime/internal/gateway"
	"github.com/behavex/realtime/internal/infra"
	"github.com/behavex/realtime/internal/metrics"
	"github.com/behavex/realtime/internal/presence"
	"github.com/behavex/realtime/internal/protocol"
	"github.com/behavex/realtime/internal/quota"
	"github.com/behavex/realtime/internal/tenant"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	// Redis is optional: the bus, presence store, and usage storage all
	// degrade to their in-memory implementations.
	var redisAdapter *infra.GoRedisAdapter
	if cfg.Redis.Addr != "" {
		redisAdapter, err = infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory stores", "error", err)
			redisAdapter = nil
		}
	}

	var events bus.Bus
	var presenceStore presence.Store
	var usageStorage quota.UsageStorage
	if redisAdapter != nil {
		events = bus.NewRedisBus(redisAdapter, "", logger)
		presenceStore = presence.NewRedisStore(redisAdapter, "", logger)
		usageStorage = quota.NewRedisUsageStorage(redisAdapter, "")
	} else {
		events = bus.NewLocalBus()
		usageStorage = quota.NewMemoryUsageStorage()
	}

	// Tenant repository: Postgres when configured, in-memory otherwise.
	var repo tenant.Repository
	if cfg.Postgres.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pg, err := tenant.OpenPostgres(ctx, cfg.Postgres.DSN, events)
		cancel()
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		repo = pg
	} else {
		repo = tenant.NewMemoryRepository(events)
	}

	resolver := tenant.NewResolver(repo, tenant.ResolverConfig{
		Strategies: []tenant.Strategy{
			tenant.SubdomainStrategy{},
			tenant.HeaderStrategy{Header: cfg.Tenancy.HeaderName},
			tenant.PathStrategy{Pattern: cfg.Tenancy.PathPattern},
			tenant.QueryStrategy{Param: cfg.Tenancy.QueryParam},
			tenant.JWTStrategy{Claim: cfg.Tenancy.JWTClaim, Secret: secretBytes(cfg.Tenancy.JWTSecret)},
		},
		AllowedStatuses: allowedStatuses(cfg.Tenancy.AllowedStatuses),
		CacheTTL:        cfg.Tenancy.CacheTTL,
	}, logger)

	// Status changes must bypass the resolver cache within the grace
	// window.
	events.Subscribe(bus.EventTenantStatusChanged, func(ctx context.Context, ev *bus.Event) error {
		if t, err := repo.FindByID(ctx, ev.TenantID); err == nil {
			resolver.Invalidate(t)
		}
		return nil
	})
	events.Subscribe(bus.EventTenantSuspended, func(ctx context.Context, ev *bus.Event) error {
		if t, err := repo.FindByID(ctx, ev.TenantID); err == nil {
			resolver.Invalidate(t)
		}
		return nil
	})

	usage := quota.NewUsageTracker(usageStorage,
		quota.TrackerConfig{AlertThresholds: cfg.Quota.AlertThresholds},
		func(tenantID string, metric tenant.Metric, threshold int, current, limit int64) {
			_ = events.Publish(context.Background(), &bus.Event{
				Type:     bus.EventQuotaThreshold,
				Source:   "usage-tracker",
				TenantID: tenantID,
				Payload: map[string]any{
					"metric": string(metric), "threshold": threshold,
					"current": current, "limit": limit,
				},
			})
		},
		logger)
	limits := quota.NewLimitEnforcer(usage)
	rate := quota.NewRateLimiter(quota.RateLimiterConfig{
		Window:       cfg.Quota.RateWindow,
		DefaultLimit: cfg.Quota.DefaultRateLimit,
		MaxEntries:   cfg.Quota.MaxRateEntries,
	})

	tracker := presence.NewTracker(
		presence.NewStateManager(logger, presence.WithMaxHistory(cfg.Presence.MaxEventHistory)),
		presenceStore,
		presence.TrackerConfig{
			TimeoutThreshold: cfg.Presence.TimeoutThreshold,
			CleanupInterval:  cfg.Presence.CleanupInterval,
		},
		logger)

	// Presence transitions fan out on the bus so other pods (and any
	// external consumer) can follow channel membership.
	tracker.Subscribe(func(sig presence.Signal, ev *presence.Event) {
		types := map[presence.Signal]bus.EventType{
			presence.SignalJoined:  bus.EventPresenceJoined,
			presence.SignalLeft:    bus.EventPresenceLeft,
			presence.SignalUpdated: bus.EventPresenceUpdated,
			presence.SignalCleaned: bus.EventPresenceCleaned,
		}
		_ = events.Publish(context.Background(), &bus.Event{
			Type:   types[sig],
			Source: "presence-tracker",
			Payload: map[string]any{
				"channelId":    ev.ChannelID,
				"userId":       ev.UserID,
				"connectionId": ev.ConnectionID,
			},
		})
	})

	keys := tenant.NewKeyManager(tenant.NewMemoryKeyStore(), repo)
	m := metrics.NewMetrics()

	gw, err := gateway.New(gateway.Deps{
		Config:     cfg,
		Logger:     logger,
		Resolver:   resolver,
		KeyManager: keys,
		Usage:      usage,
		Limits:     limits,
		Rate:       rate,
		Presence:   tracker,
		Events:     events,
		Metrics:    m,
	})
	if err != nil {
		logger.Error("gateway construction failed", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "healthy",
			"service":     "session-gateway",
			"connections": gw.Registry().Len(),
			"redis":       redisAdapter != nil,
		})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Realtime endpoints. The path form carries the tenant in the URL;
	// the bare form relies on subdomain/header/query/jwt strategies.
	router.HandleFunc("/ws", gw.HandleWS)
	router.HandleFunc("/t/{tenant}/ws", gw.HandleWS)

	// Admin surface for tenant lifecycle and usage inspection.
	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/tenants", createTenant(repo, logger)).Methods("POST")
	admin.HandleFunc("/tenants/{id}/suspend", setStatus(repo.Suspend)).Methods("POST")
	admin.HandleFunc("/tenants/{id}/activate", setStatus(repo.Activate)).Methods("POST")
	admin.HandleFunc("/tenants/{id}/usage", tenantUsage(repo, usage)).Methods("GET")

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("session gateway listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func secretBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func allowedStatuses(raw []string) []tenant.Status {
	out := make([]tenant.Status, 0, len(raw))
	for _, s := range raw {
		out = append(out, tenant.Status(s))
	}
	return out
}

func createTenant(repo tenant.Repository, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t tenant.Tenant
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			http.Error(w, "malformed tenant document", http.StatusBadRequest)
			return
		}
		if err := repo.Create(r.Context(), &t); err != nil {
			writeProtocolError(w, err)
			return
		}
		logger.Info("tenant created", "tenant", t.ID, "slug", t.Slug, "plan", t.Plan)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&t)
	}
}

func setStatus(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := op(r.Context(), id); err != nil {
			writeProtocolError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func tenantUsage(repo tenant.Repository, usage *quota.UsageTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := repo.FindByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeProtocolError(w, err)
			return
		}
		snapshot, err := usage.GetUsage(r.Context(), t)
		if err != nil {
			writeProtocolError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	}
}

func writeProtocolError(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	status := http.StatusInternalServerError
	switch code.Kind() {
	case protocol.KindValidation:
		status = http.StatusBadRequest
	case protocol.KindAuthorization:
		if code == protocol.CodeTenantNotFound {
			status = http.StatusNotFound
		} else {
			status = http.StatusForbidden
		}
	case protocol.KindResource:
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": string(code), "error": err.Error()})
}
