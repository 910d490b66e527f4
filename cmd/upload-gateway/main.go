package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/freight/internal/session"
	"github.com/lgulliver/freight/internal/storage"
	"github.com/lgulliver/freight/internal/upload"
	"github.com/lgulliver/freight/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	if err := cfg.Upload.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid upload configuration")
	}

	log.Info().Msg("starting freight upload gateway")

	ctx := context.Background()

	// Session store
	store, err := session.NewStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Session.Store).Msg("failed to initialize session store")
	}
	defer store.Close()

	// Blob storage
	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	defer storageFactory.Close()

	tempStorage, err := storageFactory.CreateStorage(ctx, cfg.Upload.TempLocation)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chunk storage")
	}
	finalStorage, err := storageFactory.CreateStorage(ctx, cfg.Upload.FinalLocation)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize upload storage")
	}

	registry := session.NewRegistry(store, session.OptionsFromConfig(&cfg.Upload))
	service := upload.NewService(registry, tempStorage, finalStorage, &cfg.Upload)
	service.Start(ctx)

	router := setupRouter(service, &cfg.Auth)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("cleanup did not finish before shutdown")
	}

	log.Info().Msg("server shutdown complete")
}

func setupRouter(service *upload.Service, authCfg *config.AuthConfig) *gin.Engine {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(requestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", handleHealth(service))

	auth := authMiddleware(authCfg.JWTSecret)

	api := router.Group("/api/v1")
	api.Use(auth)
	{
		uploads := api.Group("/uploads")
		uploads.POST("", handleInitiate(service))
		uploads.GET("/:id", handleStatus(service))
		uploads.PUT("/:id/chunks/:index", handleUploadChunk(service))
		uploads.POST("/:id/finalize", handleFinalize(service))
		uploads.DELETE("/:id", handleCancel(service))
	}

	// form endpoints of the older API; they operate on sessions created by initiate
	legacy := router.Group("/")
	legacy.Use(auth)
	{
		legacy.POST("/upload-chunk", handleLegacyUploadChunk(service))
		legacy.POST("/finalize-upload", handleLegacyFinalize(service))
	}

	return router
}
