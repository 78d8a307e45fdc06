package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bottle-gateway/internal/accounting"
	"bottle-gateway/internal/audit"
	"bottle-gateway/internal/config"
	"bottle-gateway/internal/enforce"
	httpapi "bottle-gateway/internal/http"
	"bottle-gateway/internal/identity"
	"bottle-gateway/internal/logger"
	"bottle-gateway/internal/metrics"
	"bottle-gateway/internal/portal"
	"bottle-gateway/internal/security"
	"bottle-gateway/internal/sensor"
	"bottle-gateway/internal/session"
	"bottle-gateway/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := os.Getenv("BOTTLEGATE_CONFIG")
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	lg, err := logger.New(cfg.Gateway.Env)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("[BOOT] gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, lg)
	if err != nil {
		return err
	}

	mgr := session.NewManager(st, session.Config{
		GrantDuration: cfg.Grant.Duration(),
		Retention:     cfg.Grant.Retention(),
	}, lg)

	// audit secret
	secret := ""
	if cfg.Audit.Enabled {
		secret, err = config.ResolveSecret(cfg.Audit.SecretRef)
		if err != nil {
			return fmt.Errorf("resolve audit secret: %w", err)
		}
	}
	aud := audit.New(cfg.Audit.Enabled, secret)

	recycling, err := audit.NewRecyclingLog(cfg.Audit.RecyclingPath)
	if err != nil {
		return err
	}

	m, err := metrics.New(metrics.Options{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	var acct accounting.Accountant = accounting.Noop{}
	if cfg.Accounting.Enabled {
		rs, err := config.ResolveSecret(cfg.Accounting.SecretRef)
		if err != nil {
			return fmt.Errorf("resolve radius secret: %w", err)
		}
		acct = accounting.NewRadius(cfg.Accounting, rs, lg)
		lg.Info("[BOOT] radius accounting enabled", zap.String("server", cfg.Accounting.Server))
	}

	ep := portal.New(portal.Deps{
		Sessions:       mgr,
		Sensor:         sensor.New(cfg.Sensor, lg),
		Enforcer:       enforce.New(cfg.Enforcer, lg),
		Resolver:       identity.NewResolver(cfg.Identity, lg),
		Accounting:     acct,
		Audit:          aud,
		Recycling:      recycling,
		Metrics:        m,
		Logger:         lg,
		AdapterTimeout: cfg.Enforcer.Timeout,
	})

	admin, err := buildAdmin(cfg, lg)
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Endpoint:  ep,
		Store:     st,
		Recycling: recycling,
		Admin:     admin,
		Metrics:   m,
		Gatherer:  prometheus.DefaultGatherer,
		Logger:    lg,
	})

	addr := net.JoinHostPort(cfg.Gateway.Bind.Host, strconv.Itoa(cfg.Gateway.Bind.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lg.Info("[BOOT] listening",
			zap.String("name", cfg.Gateway.Name),
			zap.String("addr", addr),
			zap.String("store", cfg.Store.Backend),
			zap.Int("grant_seconds", cfg.Grant.DurationSeconds),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		lg.Info("[BOOT] shutting down")
		return srv.Shutdown(sctx)
	})

	if cfg.Gateway.SweepInterval > 0 {
		g.Go(func() error {
			sweep(gctx, ep, cfg.Gateway.SweepInterval, lg)
			return nil
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		// redis password
		pwd := ""
		if cfg.Redis.AuthRef != "" {
			var err error
			if pwd, err = config.ResolveSecret(cfg.Redis.AuthRef); err != nil {
				return nil, fmt.Errorf("resolve redis auth: %w", err)
			}
		}
		rdb := store.NewRedisClient(cfg, pwd)
		st := store.NewRedisStore(rdb, cfg.Redis.Prefix)

		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := st.Ping(pctx); err != nil {
			lg.Warn("[BOOT] redis ping failed", zap.Error(err))
		}
		return st, nil
	default:
		st, err := store.NewFileStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return st, nil
	}
}

func buildAdmin(cfg *config.Config, lg *zap.Logger) (*security.Admin, error) {
	if cfg.Admin.PasswordHash == "" || cfg.Admin.JWTSecretRef == "" {
		lg.Warn("[BOOT] admin api disabled: admin.password_hash or admin.jwt_secret_ref not set")
		return nil, nil
	}
	hash, err := config.ResolveSecret(cfg.Admin.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("resolve admin password hash: %w", err)
	}
	jwtSecret, err := config.ResolveSecret(cfg.Admin.JWTSecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve admin jwt secret: %w", err)
	}
	return &security.Admin{
		Username:     cfg.Admin.Username,
		PasswordHash: hash,
		Issuer:       security.NewJWTIssuer([]byte(jwtSecret), cfg.Admin.TokenTTL),
	}, nil
}

func sweep(ctx context.Context, ep *portal.Endpoint, every time.Duration, lg *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := ep.Sweep(ctx); err != nil {
				lg.Warn("[SWEEP] failed", zap.Error(err))
			}
		}
	}
}
