package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelrelay/gateway/internal/breaker"
	"github.com/modelrelay/gateway/internal/cachesim"
	"github.com/modelrelay/gateway/internal/endpoint"
	"github.com/modelrelay/gateway/internal/fixer"
	"github.com/modelrelay/gateway/internal/guard"
	"github.com/modelrelay/gateway/internal/logger"
	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/proxy"
	"github.com/modelrelay/gateway/internal/ratelimit"
	"github.com/modelrelay/gateway/internal/selector"
	"github.com/modelrelay/gateway/internal/store"
	"github.com/modelrelay/gateway/internal/tokenizer"
)

// initInfra establishes optional external connections.
// Redis is only required when STORE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Store.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.kv = store.NewRedisStoreFromClient(rdb)
		a.log.Info("redis connected")
		return nil
	}

	a.memStore = store.NewMemoryStore(a.baseCtx)
	a.kv = a.memStore
	a.log.Info("store backend: memory (in-process)")
	return nil
}

// initRegistry loads the upstream endpoint fleet from configuration.
func (a *App) initRegistry(_ context.Context) error {
	eps := a.cfg.BuildEndpoints()
	if len(eps) == 0 {
		return fmt.Errorf("no endpoints configured; add an endpoints section to config.yaml")
	}

	reg, err := endpoint.NewRegistry(eps)
	if err != nil {
		return err
	}
	a.registry = reg

	ids := make([]string, 0, len(eps))
	for _, ep := range eps {
		ids = append(ids, ep.ID)
	}
	a.log.Info("endpoints loaded", slog.Any("endpoints", ids))

	return nil
}

// initServices creates the circuit breaker, selector, and the optional
// per-request services.
func (a *App) initServices(ctx context.Context) error {
	a.circuits = breaker.New(breaker.Config{
		FailureThreshold:         a.cfg.CircuitBreaker.FailureThreshold,
		OpenDuration:             a.cfg.CircuitBreaker.OpenDuration,
		HalfOpenSuccessThreshold: a.cfg.CircuitBreaker.HalfOpenSuccesses,
	}, a.kv, a.log)

	a.sel = selector.New(a.registry, a.circuits, a.log)
	a.estimator = tokenizer.New(a.log)

	if a.cfg.Fixer.Encoding || a.cfg.Fixer.JSON || a.cfg.Fixer.SSE {
		a.fix = fixer.New(fixer.Config{
			FixEncoding:  a.cfg.Fixer.Encoding,
			FixJSON:      a.cfg.Fixer.JSON,
			FixSSE:       a.cfg.Fixer.SSE,
			MaxJSONDepth: a.cfg.Fixer.MaxJSONDepth,
			MaxFixSize:   a.cfg.Fixer.MaxFixSize,
		}, a.log)
	}

	if a.cfg.CacheSim.Enabled {
		a.sim = cachesim.New(cachesim.Config{
			Enabled:     true,
			BaselineTTL: a.cfg.CacheSim.BaselineTTL,
		}, a.kv, a.log)
	}

	// Rate limiting — only when Redis is available; the sliding window is a
	// Lua script and has no in-process fallback.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, a.log)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	audit, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	a.audit = audit

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	guards := guard.NewGuards(guard.Config{
		AuthKeys:             a.cfg.Guard.AuthKeys,
		MinClientVersion:     a.cfg.Guard.MinClientVersion,
		BlockedPatterns:      a.cfg.Guard.BlockedPatterns,
		WarmupMaxPromptChars: a.cfg.Guard.WarmupMaxPromptChars,
		MaxTokensCap:         a.cfg.Guard.MaxTokensCap,
		SessionTTL:           a.cfg.Guard.SessionTTL,
	}, a.sel, a.limiter, a.kv, a.estimator)
	pipeline := guard.NewPipeline(guards, a.log)

	fw := proxy.NewHTTPForwarder(a.cfg.Forward.UpstreamTimeout)

	gw := proxy.NewGateway(pipeline, a.sel, a.circuits, a.registry, fw, proxy.GatewayOptions{
		Logger:      a.log,
		MaxAttempts: a.cfg.Forward.MaxAttempts,
		Metrics:     a.prom,
		Version:     a.version,
	})

	if a.fix != nil {
		gw.SetFixer(a.fix)
	}
	if a.sim != nil {
		gw.SetCacheSimulator(a.sim)
	}
	gw.SetAuditLogger(a.audit)
	gw.SetEstimator(a.estimator)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	if a.rdb != nil {
		gw.SetStoreReadiness(redisPinger(a.rdb))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
