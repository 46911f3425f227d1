package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/facade/internal/config"
	"github.com/ehr/facade/internal/domain/patientrecord"
	"github.com/ehr/facade/internal/platform/audit"
	"github.com/ehr/facade/internal/platform/auth"
	"github.com/ehr/facade/internal/platform/db"
	"github.com/ehr/facade/internal/platform/middleware"
	"github.com/ehr/facade/internal/platform/provider"
	"github.com/ehr/facade/internal/platform/provider/fhirclient"
	"github.com/ehr/facade/internal/platform/telemetry"
)

const version = "0.1.0"

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadRegistry builds HTTP clients for every entry of the providers file.
func loadRegistry(cfg *config.Config) (*provider.Registry, error) {
	entries, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	return buildRegistry(entries)
}

func buildRegistry(entries []fhirclient.Config) (*provider.Registry, error) {
	providers := make([]provider.Provider, 0, len(entries))
	for _, entry := range entries {
		c, err := fhirclient.New(entry)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", entry.Info.Name, err)
		}
		providers = append(providers, c)
	}
	return provider.NewRegistry(providers...)
}

// newEcho assembles the HTTP server. pinger may be nil when no audit
// database is configured.
func newEcho(cfg *config.Config, logger zerolog.Logger, orch *patientrecord.Orchestrator, pinger db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware(nil))
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, patientrecord.HeaderCorrelationID},
		ExposeHeaders: []string{middleware.RequestIDHeader, patientrecord.HeaderCorrelationID},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout(), auth.AuthSkipper))

	// Auth middleware
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))

	fhirGroup := e.Group("/fhir")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	fhirGroup.Use(middleware.RateLimit(rateLimitCfg))
	patientrecord.NewHandler(orch).RegisterRoutes(fhirGroup)

	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is active: every request is served as an unrestricted consumer")
	}

	ctx := context.Background()

	// Tracing
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "facade-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTelEndpoint,
		SampleRate:     cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown failed")
		}
	}()

	// Providers
	reg, err := loadRegistry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load providers")
	}
	logger.Info().Strs("providers", reg.Names()).Msg("providers registered")

	// Audit
	errs := audit.NewErrorLogger(logger)
	sinks := audit.Multi{audit.NewLogSink(logger)}
	var pinger db.Pinger
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to audit database")
		sinks = append(sinks, audit.NewPGSink(pool, errs, cfg.AuditWriteTimeout()))
		pinger = pool
	}

	orch := patientrecord.NewOrchestrator(reg, patientrecord.Config{
		MaxProviderWait:      cfg.MaxProviderWait(),
		MaxParallelProviders: cfg.MaxParallelProviders,
	}, sinks, errs,
		patientrecord.WithAccessPolicy(patientrecord.ClaimsPolicy{}),
		patientrecord.WithLogger(logger),
	)

	e := newEcho(cfg, logger, orch, pinger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
