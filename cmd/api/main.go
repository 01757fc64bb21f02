package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"momovault/internal/auth"
	"momovault/internal/config"
	"momovault/internal/gateway/momo"
	handler "momovault/internal/handler/http"
	"momovault/internal/logger"
	"momovault/internal/port"
	"momovault/internal/repository/memory"
	"momovault/internal/repository/migration"
	"momovault/internal/repository/postgresql"
	"momovault/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration: ", err)
	}

	zl, err := logger.New(cfg.Logger.LoggerLevel, cfg.Logger.Format)
	if err != nil {
		log.Fatal("failed to build logger: ", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger, err := openLedger(ctx, cfg.DB, zl)
	if err != nil {
		return err
	}
	defer closeLedger()

	fees, err := cfg.Fees.Policy()
	if err != nil {
		return err
	}

	client := momo.NewClient(momo.Config{
		BaseURL:           cfg.Gateway.BaseURL,
		APIUser:           cfg.Gateway.APIUser,
		APIKey:            cfg.Gateway.APIKey,
		SubscriptionKey:   cfg.Gateway.SubscriptionKey,
		TargetEnvironment: cfg.Gateway.TargetEnvironment,
		Timeout:           cfg.Gateway.Timeout,
	}, nil, zl.Named("momo"))
	tokens := momo.NewTokenCache(client, zl.Named("momo"))

	withdrawals := service.NewWithdrawalService(ledger, client, tokens, fees, cfg.Phone.Format(), service.Options{
		Currency:     cfg.Gateway.Currency,
		PayerMessage: cfg.Gateway.PayerMessage,
		PayeeNote:    cfg.Gateway.PayeeNote,
	}, zl.Named("withdrawal"), nil)

	if cfg.Reconcile.Enabled {
		reconciler := service.NewReconciler(ledger, client, tokens, cfg.Reconcile.GracePeriod, cfg.MaxRequestDuration(), zl.Named("reconcile"), nil)
		go reconciler.Run(ctx, cfg.Reconcile.Interval)
	}

	router := handler.NewRouter(
		handler.NewWithdrawalHandler(withdrawals, zl.Named("http")),
		auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		ledger,
		zl.Named("http"),
	)

	srv := &http.Server{
		Addr:         net.JoinHostPort("", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("listening", zap.String("addr", srv.Addr), zap.String("db_driver", cfg.DB.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openLedger(ctx context.Context, cfg config.DBConfig, zl *zap.Logger) (port.DepositLedger, func(), error) {
	if cfg.Driver == "memory" {
		zl.Warn("using in-memory ledger; data is lost on restart")
		return memory.NewLedger(), func() {}, nil
	}

	db, err := postgresql.NewDB(ctx, cfg.DatabaseURL, postgresql.PoolConfig{
		MaxOpenConnection:  cfg.MaxOpenConnection,
		MaxIdleConnection:  cfg.MaxIdleConnection,
		ConnectionLifetime: cfg.ConnectionLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() { closeQuietly(zl, db) }

	if cfg.Migrate {
		if err := migration.RunMigrations(ctx, db, zl.Named("migration")); err != nil {
			closeDB()
			return nil, nil, err
		}
	}

	return postgresql.NewDepositLedger(db), closeDB, nil
}

func closeQuietly(zl *zap.Logger, db *sql.DB) {
	if err := db.Close(); err != nil {
		zl.Warn("error while closing database", zap.Error(err))
	}
}
