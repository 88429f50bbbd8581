package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/auth"
	"hisadmin.org/internal/config"
	"hisadmin.org/internal/httpapi"
	"hisadmin.org/internal/iam"
	"hisadmin.org/internal/migrate"
	"hisadmin.org/internal/obs"
	"hisadmin.org/internal/store/memory"
	"hisadmin.org/internal/store/pg"
	"hisadmin.org/internal/store/redisstore"
	"hisadmin.org/internal/stream"
	"hisadmin.org/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// entityStore is what the role and account registries need from storage.
type entityStore interface {
	iam.Transactor
	iam.PermissionSource
	iam.RoleStore
	iam.AccountStore
}

func main() {
	fs := pflag.NewFlagSet("hisadmin-api", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Service)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.SetBuildInfo(cfg.Service, version, commit)

	var (
		store     entityStore
		events    audit.Store
		cursor    audit.CursorStore
		sessStore iam.SessionStore
		probe     httpapi.ReadyProbe
		sinks     []audit.Sink
	)

	if cfg.Database.DSN != "" {
		db, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if cfg.Database.AutoMigrate {
			mgr := migrate.NewManager(db.DB(), migrations.Schema(), migrations.Seeds(), migrate.WithLogger(logger))
			if err := mgr.Up(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		if err := db.EnsurePermissions(ctx, iam.BuiltinPermissions); err != nil {
			return fmt.Errorf("seed permissions: %w", err)
		}
		store, events, cursor = db, db, db
		probe = append(probe, httpapi.Check{Name: "postgres", Fn: db.Ping})
		logger.Info("using postgres stores")
	} else {
		mem := memory.New(iam.BuiltinPermissions)
		store, events = mem, audit.NewMemoryStore()
		logger.Warn("no database configured, state is kept in memory")
	}

	if cfg.Redis.Addr != "" {
		rc := redisstore.NewClient(redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		defer rc.Close()
		if err := redisstore.Ping(ctx, rc); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		sessStore = redisstore.NewSessionStore(rc,
			redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redisstore.WithRetention(cfg.Redis.SessionRetention))
		sinks = append(sinks, redisstore.NewStreamSink(rc, cfg.Redis.AuditStream, cfg.Redis.StreamMaxLen))
		if cursor == nil {
			cursor = redisstore.NewCursor(rc, cfg.Redis.KeyPrefix)
		}
		probe = append(probe, httpapi.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return redisstore.Ping(ctx, rc)
		}})
		logger.Info("using redis session store", zap.String("addr", cfg.Redis.Addr))
	} else {
		sessStore = memory.NewSessionStore()
	}

	chain, err := audit.NewChain([]byte(cfg.Audit.ChainSecret))
	if err != nil {
		return err
	}
	trail := audit.NewTrail(events, chain, audit.WithLogger(logger))

	catalog, err := iam.LoadCatalog(ctx, store)
	if err != nil {
		return fmt.Errorf("load permission catalog: %w", err)
	}
	opts := []iam.Option{
		iam.WithLogger(logger),
		iam.WithIdleTimeout(cfg.Sessions.IdleTimeout),
		iam.WithAbsoluteTTL(cfg.Sessions.AbsoluteTTL),
		iam.WithLockoutPolicy(iam.NewLockoutPolicy(cfg.Lockout.MaxAttempts, cfg.Lockout.Window)),
	}
	if cfg.Directory.BaseURL != "" {
		opts = append(opts, iam.WithEmployeeDirectory(iam.NewHTTPDirectory(
			cfg.Directory.BaseURL, cfg.Directory.Token, cfg.Directory.Timeout, cfg.Directory.Retries, logger)))
	}
	roles := iam.NewRoleGraph(store, store, catalog, trail, opts...)
	accounts := iam.NewAccountRegistry(store, store, roles, sessStore, trail, opts...)
	sessions := iam.NewSessionRegistry(sessStore, accounts, trail, opts...)

	issuer, err := auth.NewIssuer(cfg.Auth.Secret,
		auth.WithIssuerName(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL))
	if err != nil {
		return err
	}
	authSvc := auth.NewService(accounts, sessions, issuer, auth.WithLogger(logger))

	if cfg.Bootstrap.Password != "" {
		if _, err := auth.EnsureAdmin(ctx, roles, accounts, auth.BootstrapAdmin{
			EmployeeID: cfg.Bootstrap.EmployeeID,
			Username:   cfg.Bootstrap.Username,
			Password:   cfg.Bootstrap.Password,
		}, logger); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	hub := stream.New()
	relayOpts := []audit.RelayOption{
		audit.WithSink(hub),
		audit.WithInterval(cfg.Audit.RelayInterval),
		audit.WithRelayLogger(logger),
	}
	for _, s := range sinks {
		relayOpts = append(relayOpts, audit.WithSink(s))
	}
	if cursor != nil {
		relayOpts = append(relayOpts, audit.WithCursorStore(cursor))
	}
	relay := audit.NewRelay(trail, relayOpts...)

	api := httpapi.New(httpapi.Deps{
		Auth:     authSvc,
		Roles:    roles,
		Accounts: accounts,
		Sessions: sessions,
		Trail:    trail,
		Hub:      hub,
		Ready:    probe,
	},
		httpapi.WithVersion(version),
		httpapi.WithLogger(logger),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithTrustedProxy(cfg.HTTP.TrustProxy),
		httpapi.WithRateLimit(cfg.HTTP.RatePerSecond, cfg.HTTP.RateBurst),
		httpapi.WithLoginRateLimit(cfg.HTTP.LoginPerMinute, cfg.HTTP.LoginBurst),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	health := httpapi.NewHealthServer(probe, logger)
	grpcSrv := httpapi.NewGRPCServer(health)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() { sessions.Run(ctx, cfg.Sessions.SweepInterval) })
	background(func() { relay.Run(ctx) })
	background(func() { health.Run(ctx, 10*time.Second) })
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if runErr != nil {
		return runErr
	}
	wg.Wait()
	return nil
}
