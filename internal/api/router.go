// Package api wires the authority's services, handlers and middleware into
// its HTTP router.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/api/handlers"
	"github.com/427h5dvrch-lang/human-origin/internal/api/middleware"
	"github.com/427h5dvrch-lang/human-origin/internal/config"
	"github.com/427h5dvrch-lang/human-origin/internal/database"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/service"
)

// NotaryPath is the notarization endpoint.
const NotaryPath = "/api/v1/sign-cert"

// NewRouter creates and configures the HTTP router
func NewRouter(ctx context.Context, cfg *config.Config, db *database.Database, logger *zap.Logger) (*gin.Engine, error) {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	userService := service.NewUserService(db, cfg)
	if err := userService.LoadJWTSecret(ctx); err != nil {
		return nil, err
	}
	notaryService, err := service.NewNotaryService(db, cfg, logger)
	if err != nil {
		return nil, err
	}
	ledgerService := service.NewLedgerService(db)
	chainService := service.NewChainService(db, cfg)

	setupHandler := handlers.NewSetupHandler(userService, logger)
	authHandler := handlers.NewAuthHandler(userService, logger)
	notaryHandler := handlers.NewNotaryHandler(notaryService, logger)
	ledgerHandler := handlers.NewLedgerHandler(ledgerService, logger)
	chainHandler := handlers.NewChainHandler(chainService, logger)

	router := gin.New()
	router.HandleMethodNotAllowed = true

	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.ExceptPath(NotaryPath, middleware.CORSMiddleware(cfg)))

	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, protocol.ErrorResponse{Error: "method not allowed"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, protocol.ErrorResponse{Error: "not found"})
	})

	authorityReady := func() bool { return cfg.Authority.Secret != "" }

	router.OPTIONS(NotaryPath, middleware.NotaryPreflight)
	router.POST(NotaryPath,
		middleware.NotaryCORS,
		middleware.RequireConfigured(authorityReady, "authority.secret", logger),
		middleware.AuthMiddleware(cfg),
		notaryHandler.SignCert,
	)

	public := router.Group("/api/v1")
	{
		public.GET("/setup/status", setupHandler.GetStatus)
		public.POST("/setup", setupHandler.PerformSetup)
		public.POST("/auth/login", authHandler.Login)
	}

	protected := router.Group("/api/v1")
	protected.Use(middleware.AuthMiddleware(cfg))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.POST("/users", middleware.RequireRole("admin"), authHandler.CreateUser)

		// Ledger
		protected.PUT("/projects", ledgerHandler.UpsertProject)
		protected.GET("/projects", ledgerHandler.ListProjects)
		protected.PUT("/sessions/:id", ledgerHandler.UpsertSession)
		protected.PATCH("/sessions/:id", ledgerHandler.PatchSession)
		protected.GET("/sessions/:id", ledgerHandler.GetSession)
		protected.PUT("/certificates/:id", ledgerHandler.InsertCertificate)
		protected.GET("/certificates/:id", ledgerHandler.GetCertificate)

		// Chain
		protected.GET("/projects/:id/head", chainHandler.Head)
		protected.GET("/projects/:id/chain", chainHandler.Chain)
		protected.GET("/projects/:id/master", chainHandler.Master)
		protected.GET("/projects/:id/verify", chainHandler.Verify)
	}

	return router, nil
}
