package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/audit"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/capability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/catalog"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/config"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/delivery"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/executor"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/gate"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/idempotency"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/observability"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/replay"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/router"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/workorder"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var families = []string{workorder.StreamFamily, delivery.StreamFamily, router.StreamFamily}

// storage is the persistence layer shared by every command.
type storage struct {
	db      *sql.DB
	store   *ledger.SQLStore
	journal *ledger.Journal
	proj    *projection.Engine
	audits  *audit.SQLStore
	emitter *audit.Emitter
	diag    *replay.Diagnostics
}

func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, ledger.Dialect, error) {
	if cfg.LiteMode() {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, "", fmt.Errorf("create data dir: %w", err)
		}
		logger.InfoContext(ctx, "lite mode", "sqlite", cfg.SQLitePath)
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows one writer; a single connection serializes appends.
		db.SetMaxOpenConns(1)
		return db, ledger.DialectSQLite, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping postgres: %w", err)
	}
	logger.InfoContext(ctx, "postgres connected")
	return db, ledger.DialectPostgres, nil
}

// openStorage opens the database, creates every table and wires the journal
// hooks: projections first, then the audit mirror.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	db, dialect, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &storage{db: db}
	fail := func(err error) (*storage, error) {
		_ = db.Close()
		return nil, err
	}

	if s.store, err = ledger.NewSQLStore(db, dialect, families); err != nil {
		return fail(err)
	}
	if err := s.store.Init(ctx); err != nil {
		return fail(fmt.Errorf("init ledger: %w", err))
	}
	sink, err := projection.NewSQLSink(db, families)
	if err != nil {
		return fail(err)
	}
	if err := sink.Init(ctx); err != nil {
		return fail(fmt.Errorf("init projections: %w", err))
	}
	s.audits = audit.NewSQLStore(db)
	if err := s.audits.Init(ctx); err != nil {
		return fail(fmt.Errorf("init audit: %w", err))
	}

	s.proj = projection.NewEngine(s.store, projection.WithSink(sink), projection.WithLogger(logger))
	s.proj.Register(workorder.StreamFamily, workorder.Reducer)
	s.proj.Register(delivery.StreamFamily, delivery.Reducer)
	s.proj.Register(router.StreamFamily, router.Reducer)

	s.emitter = audit.NewEmitter(s.audits, audit.WithLogger(logger))
	s.journal = ledger.NewJournal(s.store, logger)
	s.journal.OnAppend("projection", s.proj.Hook())
	s.journal.OnAppend("audit", s.emitter.Mirror())
	s.journal.OnViolation(s.emitter.ViolationHook())

	s.diag = replay.New(s.store, s.proj, s.audits, logger)
	return s, nil
}

func (s *storage) Close() error { return s.db.Close() }

// kernel is the fully wired executor with its collaborators.
type kernel struct {
	*storage
	cat    *catalog.Catalogs
	policy *config.Policy
	router *router.Router
	exec   *executor.Executor
	redis  redis.UniversalClient
}

func buildKernel(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*kernel, error) {
	cat, err := catalog.LoadDir(cfg.CatalogDir)
	if err != nil {
		return nil, err
	}
	for _, w := range cat.Warnings {
		logger.WarnContext(ctx, "catalog warning", "warning", w)
	}
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	k := &kernel{storage: st, cat: cat, policy: policy}
	fail := func(err error) (*kernel, error) {
		_ = k.Close()
		return nil, err
	}

	// The router audits its own transitions, so its journal only feeds the
	// provider projection.
	providers := ledger.NewJournal(st.store, logger)
	providers.OnAppend("projection", st.proj.Hook())

	var index idempotency.Index
	routerOpts := []router.Option{
		router.WithLogger(logger),
		router.WithAudit(st.emitter),
		router.WithLedger(providers),
		router.WithMetrics(metrics),
	}
	if cfg.RedisAddr != "" {
		k.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := k.redis.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		index = idempotency.NewRedisIndex(k.redis, nil, idempotency.WithPendingTTL(policy.Delivery.Lease))
		routerOpts = append(routerOpts, router.WithHealthCache(router.NewRedisHealthCache(k.redis, 0, "")))
		logger.InfoContext(ctx, "redis connected", "addr", cfg.RedisAddr)
	} else {
		sqlIndex := idempotency.NewSQLIndex(st.db, nil, idempotency.WithLease(policy.Delivery.Lease))
		if err := sqlIndex.Init(ctx); err != nil {
			return fail(fmt.Errorf("init idempotency index: %w", err))
		}
		index = sqlIndex
	}

	if k.router, err = router.New(policy.RouterLanes(), routerOpts...); err != nil {
		return fail(err)
	}
	deliveries := delivery.New(index, k.router, st.journal, nil,
		delivery.WithLogger(logger), delivery.WithMetrics(metrics))

	access, err := policy.AccessDecider()
	if err != nil {
		return fail(err)
	}
	var identity gate.IdentityResolver
	if cfg.JWTSecret != "" {
		identity = gate.NewJWTIdentityResolver([]byte(cfg.JWTSecret), cfg.JWTIssuer, nil)
	} else {
		logger.WarnContext(ctx, "SELENE_JWT_SECRET not set: every side-effecting step will be refused at the identity gate")
	}
	gates := gate.NewSequencer(policy.GateConfig(), identity, access, cat.Simulations, logger)

	execCfg := executor.DefaultConfig()
	execCfg.ClarifyWait = policy.Waits.Clarify
	execCfg.ConfirmWait = policy.Waits.Confirm
	execCfg.MaxJitterMs = policy.Retry.MaxJitterMs
	k.exec, err = executor.New(execCfg, executor.Deps{
		Catalogs:   cat,
		Engines:    capabilityEngines(ctx, cat, policy, k.router, logger),
		Gates:      gates,
		Ledger:     st.journal,
		Projection: st.proj,
		Delivery:   deliveries,
		Audit:      st.emitter,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return fail(err)
	}
	return k, nil
}

// capabilityEngines binds the policy's HTTP engines, then a lane engine for
// every catalog capability that names a lane and has no engine of its own.
func capabilityEngines(ctx context.Context, cat *catalog.Catalogs, policy *config.Policy, r *router.Router, logger *slog.Logger) capability.Engines {
	engines := policy.CapabilityEngines()
	lanes := r.Lanes()
	for _, id := range cat.Capabilities.IDs() {
		c, _ := cat.Capabilities.Get(id)
		if c.Lane == "" {
			continue
		}
		if _, bound := engines[id]; bound {
			continue
		}
		if !slices.Contains(lanes, c.Lane) {
			logger.WarnContext(ctx, "capability lane is not configured", "capability_id", id, "lane", c.Lane)
		}
		engines[id] = router.NewLaneEngine(r, c.Lane, laneSelector)
	}
	return engines
}

// laneSelector scopes a routed dispatch by tenant and, when the input carries
// them, by locale and channel.
func laneSelector(req capability.Request) router.Selector {
	sel := router.Selector{TenantID: req.TenantID}
	sel.Locale, _ = req.Input["locale"].(string)
	sel.Channel, _ = req.Input["channel"].(string)
	return sel
}

func (k *kernel) Close() error {
	var errs []error
	if k.redis != nil {
		errs = append(errs, k.redis.Close())
	}
	errs = append(errs, k.storage.Close())
	return errors.Join(errs...)
}
