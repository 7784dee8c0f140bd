package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/authn"
	"github.com/SibhatG/betterauth/internal/breach"
	"github.com/SibhatG/betterauth/internal/config"
	"github.com/SibhatG/betterauth/internal/httpapi"
	"github.com/SibhatG/betterauth/internal/mfa"
	"github.com/SibhatG/betterauth/internal/migrate"
	"github.com/SibhatG/betterauth/internal/obs"
	"github.com/SibhatG/betterauth/internal/risk"
	"github.com/SibhatG/betterauth/internal/session"
	"github.com/SibhatG/betterauth/internal/store/pg"
	"github.com/SibhatG/betterauth/internal/store/redisstore"
	"github.com/SibhatG/betterauth/internal/webauthn"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("BETTERAUTH_CONFIG"), "path to a TOML config file")
	migrateOnStart := flag.Bool("migrate", false, "apply pending migrations before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.Log.Level, Dev: cfg.Log.Dev})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *migrateOnStart); err != nil {
		logger.Fatal("betterauth stopped", zap.Error(err))
	}
	logger.Info("stopped")
}

type backends struct {
	store      auth.Store
	history    risk.Store
	ceremonies webauthn.CeremonyStore
	probe      httpapi.ReadyProbe
	closers    []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, migrateOnStart bool) (*backends, error) {
	log := obs.Logger()
	b := &backends{probe: httpapi.ReadyProbe{Checks: map[string]httpapi.Pinger{}}}

	if cfg.Database.DSN != "" {
		db, err := pg.Open(cfg.Database.DSN, pg.WithHistoryLimit(cfg.Risk.HistoryLimit))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if migrateOnStart {
			applied, err := migrate.NewManager(db.DB(), nil).Up(ctx)
			if err != nil {
				b.close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied", zap.Strings("files", applied))
		}
		b.store, b.history = db, db
		b.probe.Checks["postgres"] = db
	} else {
		log.Warn("no database configured, accounts are kept in memory")
		b.store = auth.NewMemoryStore()
		b.history = risk.NewMemoryStore(cfg.Risk.HistoryLimit)
	}

	if cfg.Redis.URL != "" {
		cer, err := redisstore.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.closers = append(b.closers, cer.Close)
		b.ceremonies = cer
		b.probe.Checks["redis"] = cer
	} else {
		mem := webauthn.NewMemoryCeremonies()
		go mem.Run(ctx, time.Minute)
		b.ceremonies = mem
	}
	return b, nil
}

func loadBreachList(path string) (*breach.Set, error) {
	set := breach.Default()
	if path == "" {
		return set, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := set.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	obs.Logger().Info("breach list loaded", zap.Int("digests", n))
	return set, nil
}

func buildService(cfg *config.Config, b *backends) (*authn.Service, error) {
	key, err := cfg.SealingKey()
	if err != nil {
		return nil, err
	}
	sealer, err := mfa.NewSealer(key)
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewTokens(cfg.Tokens.Secret,
		session.WithIssuer(cfg.Tokens.Issuer),
		session.WithAccessTTL(cfg.Tokens.AccessTTL),
		session.WithStepUpTTL(cfg.Tokens.StepUpTTL),
	)
	if err != nil {
		return nil, err
	}
	broker, err := webauthn.NewBroker(webauthn.Config{
		RPID:    cfg.WebAuthn.RPID,
		RPName:  cfg.WebAuthn.RPName,
		Origins: cfg.WebAuthn.Origins,
		Timeout: cfg.WebAuthn.Timeout,
	}, b.store, b.ceremonies)
	if err != nil {
		return nil, err
	}
	breached, err := loadBreachList(cfg.Risk.BreachList)
	if err != nil {
		return nil, err
	}
	return authn.NewService(authn.Deps{
		Store:    b.store,
		MFA:      mfa.NewVerifier(b.store, sealer, mfa.WithIssuer(cfg.MFA.Issuer), mfa.WithRecoveryCodeCount(cfg.MFA.RecoveryCodes)),
		Passkeys: broker,
		Risk:     risk.NewEngine(b.history, risk.WithPolicy(cfg.RiskPolicy())),
		Sessions: session.NewManager(b.store, session.WithRefreshTTL(cfg.Tokens.RefreshTTL)),
		Tokens:   tokens,
	}, authn.WithBreachChecker(breached))
}

func run(ctx context.Context, cfg *config.Config, migrateOnStart bool) error {
	log := obs.Logger()

	b, err := openBackends(ctx, cfg, migrateOnStart)
	if err != nil {
		return err
	}
	defer b.close()

	svc, err := buildService(cfg, b)
	if err != nil {
		return err
	}

	api := httpapi.New(svc, b.probe, version,
		httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithForwardedFor(cfg.Server.TrustForwardedFor),
	)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCHealth(b.probe).Register(grpcSrv)

	errc := make(chan error, 2)
	if cfg.Server.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.HealthAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.HealthAddr, err)
		}
		go func() {
			log.Info("grpc health listening", zap.String("addr", cfg.Server.HealthAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	grpcSrv.GracefulStop()
	return srv.Shutdown(shutdownCtx)
}
