// Command server is the gateway's composition root: hand-wired, not
// generated, since the teacher's wire.go graph carries a multi-tenant
// billing/admin surface this spec has no counterpart for (see DESIGN.md).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/binder"
	"github.com/genbridge/gateway/internal/browserworker"
	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
	"github.com/genbridge/gateway/internal/handler"
	"github.com/genbridge/gateway/internal/jwtmint"
	"github.com/genbridge/gateway/internal/lifecycle"
	"github.com/genbridge/gateway/internal/maintainer"
	"github.com/genbridge/gateway/internal/pkg/logger"
	"github.com/genbridge/gateway/internal/pkg/proxyurl"
	"github.com/genbridge/gateway/internal/pkg/proxyutil"
	"github.com/genbridge/gateway/internal/repository"
	"github.com/genbridge/gateway/internal/router"
	"github.com/genbridge/gateway/internal/selector"
	"github.com/genbridge/gateway/internal/server/routes"
	"github.com/genbridge/gateway/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("GENBRIDGE_CONFIG")
	cfgStore, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Get()

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.OpenSqlite(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	accountStore := repository.NewSqliteAccountStore(db)
	fileStore := repository.NewFileStore(db)

	var bindingStore binder.Persistence = repository.NewSqliteBindingStore(db)
	var rpmCache repository.RPMCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		bindingStore = repository.NewRedisBindingStore(rdb)
		rpmCache = repository.NewRPMCache(rdb)
	}

	accounts := store.New(accountStore)
	if err := accounts.Load(); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if err := seedAccountsFromConfig(accounts, cfg.Accounts); err != nil {
		return fmt.Errorf("seed accounts: %w", err)
	}

	transport := &http.Transport{}
	_, proxyURL, err := proxyurl.Parse(cfg.ProxyURL)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	if proxyURL != nil {
		if err := proxyutil.ConfigureTransportProxy(transport, proxyURL); err != nil {
			return fmt.Errorf("configure proxy transport: %w", err)
		}
	}

	worker := browserworker.New(cfg.AutoLogin, cfg.ProxyURL, log)
	emailResolver := accountEmailResolver{domain: cfg.Email.DomainForRegistration}
	lifecycleMgr := lifecycle.New(cfg.Lifecycle, cfg.Email, accounts, emailResolver, worker, log)
	lifecycleMgr.Start(ctx)
	defer lifecycleMgr.Stop()

	minter := jwtmint.New(transport, lifecycleMgr)
	sel := selector.New(accounts, lifecycleMgr, lifecycleMgr)

	imagesDir := cfg.DataDir + "/images"
	binderInst, err := binder.New(bindingStore, sel, accounts, cfg.History, imagesDir, log)
	if err != nil {
		return fmt.Errorf("build binder: %w", err)
	}

	pool := maintainer.New(cfg.Pool, accounts, lifecycleMgr, cfg.EmailListFile, cfg.Email.DomainForRegistration, log)
	pool.Start(ctx)
	defer pool.Stop()

	rtr, err := router.New(binderInst, accounts, minter, lifecycleMgr, pool, cfg.Cooldown, cfg.ProxyURL, log)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	if rpmCache != nil {
		rtr.SetRPMCache(rpmCache)
	}
	rtr.SetResultReporter(sel)

	chatHandler := handler.NewChatHandler(rtr, log)
	filesHandler := handler.NewFilesHandler(rtr, fileStore, cfg.Models, log)
	imagesHandler := handler.NewImagesHandler(binderInst, log)
	statusHandler := handler.NewStatusHandler(accounts, sel)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	routes.Register(engine, &routes.Handlers{
		Chat:   chatHandler,
		Files:  filesHandler,
		Images: imagesHandler,
		Status: statusHandler,
	}, cfg.APITokens)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	go cleanupLoop(ctx, binderInst, log)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server: listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("server: graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// cleanupLoop runs the Conversation Binder's stale-binding sweep hourly
// (conversation_manager.py's periodic binding GC).
func cleanupLoop(ctx context.Context, b *binder.Binder, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.CleanupExpired(ctx, 30*24*time.Hour)
			if err != nil {
				log.Warn("cleanup: stale binding sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("cleanup: removed stale bindings", zap.Int("count", n))
			}
		}
	}
}

// seedAccountsFromConfig adds every configured account not already present
// (by team id) to the store, so a first run with an empty database still
// has a usable pool (original_source/app/config.py's ACCOUNTS bootstrap).
func seedAccountsFromConfig(accounts *store.Store, configured []config.AccountConfig) error {
	for _, a := range configured {
		if accounts.GetByTeamID(a.TeamID) != nil {
			continue
		}
		refreshAt, _ := time.Parse(time.RFC3339, a.RefreshAt)
		bundle := domain.CredentialBundle{
			TeamID:     a.TeamID,
			CSesIdx:    a.CSesIdx,
			SecureCSes: a.SecureCSes,
			HostCOses:  a.HostCOses,
			RefreshAt:  refreshAt,
		}
		if _, err := accounts.AddAccount(bundle, a.Note); err != nil {
			return fmt.Errorf("seed account %q: %w", a.TeamID, err)
		}
	}
	return nil
}

// accountEmailResolver recovers an account's registration email from its
// Note field (the local part the Pool Maintainer's email list stores),
// joined back to the registration domain.
type accountEmailResolver struct {
	domain string
}

func (r accountEmailResolver) EmailForAccount(a *domain.Account) (string, bool) {
	if a.Note == "" || r.domain == "" {
		return "", false
	}
	return a.Note + "@" + r.domain, true
}
