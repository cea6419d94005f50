package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pulseiq/portal/internal/config"
	"github.com/pulseiq/portal/internal/domain/notification"
	"github.com/pulseiq/portal/internal/platform/apiclient"
	"github.com/pulseiq/portal/internal/platform/auth"
	"github.com/pulseiq/portal/internal/platform/db"
	"github.com/pulseiq/portal/internal/platform/kvstore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "portal",
		Short:         "PulseIQ portal client and companion daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("debug", false, "Log at debug level")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is the wiring shared by every command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	kv       kvstore.Store
	sessions *auth.SessionStore
	client   *apiclient.Client
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	debug, _ := cmd.Flags().GetBool("debug")
	logger := newLogger(cfg, debug)

	kv, err := kvstore.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open data dir: %w", err)
	}
	sessions := auth.NewSessionStore(kv)

	client := apiclient.New(apiclient.Options{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.HTTPTimeout,
		Token:   sessions.Token,
		Logger:  logger,
	})
	return &app{cfg: cfg, logger: logger, kv: kv, sessions: sessions, client: client}, nil
}

func newLogger(cfg *config.Config, debug bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// session returns the logged-in user or a hint to log in.
func (a *app) session(ctx context.Context) (*auth.Session, error) {
	sess, err := a.sessions.Load(ctx)
	if errors.Is(err, auth.ErrNotAuthenticated) || errors.Is(err, auth.ErrTokenExpired) {
		return nil, fmt.Errorf("%w: run 'portal login'", err)
	}
	return sess, err
}

// notificationStore opens Postgres when DATABASE_URL is set and the local
// file store otherwise. The pool is nil for the file store.
func (a *app) notificationStore(ctx context.Context) (notification.Store, *pgxpool.Pool, error) {
	if a.cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns, a.logger)
		if err != nil {
			return nil, nil, err
		}
		return notification.NewPGStore(pool), pool, nil
	}

	store := notification.NewKVStore(a.kv)
	n, err := store.ImportLegacy(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("import legacy notifications: %w", err)
	}
	if n > 0 {
		a.logger.Info().Int("count", n).Msg("imported legacy notifications")
	}
	return store, nil, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
