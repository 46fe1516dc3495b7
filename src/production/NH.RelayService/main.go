package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	container "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Container"
)

func main() {
	// Initialize dependency injection container
	ctr, err := container.NewRelayContainer()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize container: %v", err))
	}

	logger := ctr.GetLogger()
	logger.Info("Starting Telemetry Relay Service")

	config := ctr.GetConfig()

	initCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := ctr.Initialize(initCtx); err != nil {
		ctr.Shutdown(context.Background())
		logger.FatalWithError(err, "Failed to initialize relay")
	}

	if config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Configure CORS from config
	corsConfig := cors.Config{
		AllowOrigins:     config.CORS.AllowedOrigins,
		AllowMethods:     config.CORS.AllowedMethods,
		AllowHeaders:     config.CORS.AllowedHeaders,
		AllowCredentials: config.CORS.AllowCredentials,
		MaxAge:           time.Duration(config.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	ctr.RegisterRoutes(router)

	port := config.Server.Port
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server starting on port " + port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalWithError(err, "Failed to start HTTP server")
		}
	}()

	if err := ctr.Start(initCtx); err != nil {
		shutdown(ctr, srv)
		logger.FatalWithError(err, "Failed to start relay")
	}

	logger.Logger.Info().Interface("health", ctr.HealthCheck(initCtx)).Msg("Telemetry relay running... press Ctrl+C to stop")

	// Wait for a shutdown signal or for the broker connection to be given up
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case s := <-sig:
		logger.Logger.Info().Str("signal", s.String()).Msg("Shutting down...")
	case err := <-ctr.Fatal():
		logger.ErrorWithError(err, "MQTT broker unreachable, shutting down")
		exitCode = 1
	}

	shutdown(ctr, srv)
	os.Exit(exitCode)
}

func shutdown(ctr *container.Container, srv *http.Server) {
	logger := ctr.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), ctr.GetConfig().Server.ShutdownTimeout)
	defer cancel()

	// WebSocket sessions are hijacked and not tracked by srv; the container closes them
	if err := srv.Shutdown(ctx); err != nil {
		logger.ErrorWithError(err, "Server forced to shutdown")
	}
	if err := ctr.Shutdown(ctx); err != nil {
		logger.ErrorWithError(err, "Container shutdown failed")
	}
}
