package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pulseiq/portal/internal/domain/notification"
	"github.com/pulseiq/portal/internal/platform/auth"
	"github.com/pulseiq/portal/internal/platform/broadcast"
	"github.com/pulseiq/portal/internal/platform/db"
	"github.com/pulseiq/portal/internal/platform/metrics"
	"github.com/pulseiq/portal/internal/platform/middleware"
	"github.com/pulseiq/portal/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the companion daemon (notification feed, upload events, websocket push)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if debug, _ := cmd.Flags().GetBool("debug"); !debug {
				a.logger = a.logger.Level(zerolog.InfoLevel)
			}
			return runServer(cmd.Context(), a)
		},
	}
}

func runServer(ctx context.Context, a *app) error {
	logger := a.logger
	cfg := a.cfg
	if err := cfg.ValidateDaemon(); err != nil {
		return err
	}

	store, pool, err := a.notificationStore(ctx)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	hub := websocket.NewHub(logger)
	svc := notification.NewService(store, broadcast.NewBus[[]notification.Notification](), hub, logger)
	svc.Start(ctx)
	defer svc.Stop()

	e := newServer(a, svc, hub)
	if pool != nil {
		e.GET("/health/db", db.PoolHealthHandler(pool))
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		addr := net.JoinHostPort(cfg.BindAddr, cfg.Port)
		logger.Info().Str("addr", addr).Bool("postgres", pool != nil).Msg("starting daemon")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down daemon")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("daemon stopped")
	return nil
}

// newServer builds the daemon's routes. /health/db is added by the caller
// when Postgres is in use.
func newServer(a *app, svc *notification.Service, hub *websocket.Hub) *echo.Echo {
	cfg := a.cfg
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	if cfg.AuthJWTSecret == "" {
		logger.Warn().Msg("AUTH_JWT_SECRET is not set; bearer tokens are decoded without verification (development only)")
	}
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		SigningKey: []byte(cfg.AuthJWTSecret),
		Skipper:    auth.AuthSkipper,
	}))
	e.Use(middleware.Audit(logger))
	e.Use(middleware.NoStore())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})
	e.GET("/metrics", metrics.Handler())

	root := e.Group("")
	notification.NewHandler(svc).RegisterRoutes(root)
	websocket.NewHandler(hub, svc.Snapshot, cfg.CORSOrigins, logger).RegisterRoutes(root)

	return e
}
