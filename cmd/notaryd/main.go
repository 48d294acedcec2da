package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/api"
	"github.com/427h5dvrch-lang/human-origin/internal/config"
	"github.com/427h5dvrch-lang/human-origin/internal/database"
	"github.com/427h5dvrch-lang/human-origin/internal/logging"
)

const version = "0.3.0"

func main() {
	flags := config.NewFlags(flag.CommandLine, "./config.yaml")
	flag.Parse()

	if flags.Version() {
		fmt.Printf("Human Origin notary v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(flags.ConfigFile(), flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Human Origin notary",
		zap.String("version", version),
		zap.String("database", cfg.Database.Type),
		zap.Bool("authority_configured", cfg.Authority.Secret != ""),
	)
	if cfg.Authority.Secret == "" {
		logger.Warn("authority.secret is not set, certificate issuance is disabled")
	}

	db, err := database.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router, err := api.NewRouter(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatal("Failed to initialize router", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server",
			zap.String("address", srv.Addr),
			zap.Bool("tls", cfg.Server.TLSEnabled),
		)

		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
