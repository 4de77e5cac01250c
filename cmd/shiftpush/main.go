package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mithileshchellappan/shiftpush/internal/auth"
	"github.com/mithileshchellappan/shiftpush/internal/config"
	"github.com/mithileshchellappan/shiftpush/internal/dispatch"
	"github.com/mithileshchellappan/shiftpush/internal/expo"
	"github.com/mithileshchellappan/shiftpush/internal/fcm"
	"github.com/mithileshchellappan/shiftpush/internal/logger"
	"github.com/mithileshchellappan/shiftpush/internal/onesignal"
	"github.com/mithileshchellappan/shiftpush/internal/server"
	"github.com/mithileshchellappan/shiftpush/internal/service"
	"github.com/mithileshchellappan/shiftpush/internal/storage"
)

var (
	rootCmd = &cobra.Command{
		Use:          "shiftpush",
		Short:        "Push notification backend for shift reminders",
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  cmdServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  cmdMigrate,
	}
	receiptsCmd = &cobra.Command{
		Use:   "receipts [ticket-id...]",
		Short: "Look up delivery receipts for provider ticket ids",
		Args:  cobra.MinimumNArgs(1),
		RunE:  cmdReceipts,
	}
	tokenCmd = &cobra.Command{
		Use:   "token [subject]",
		Short: "Issue an access token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdToken,
	}

	configPath string
	tokenRole  string
	tokenTTL   time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role claim, e.g. "+auth.RoleService)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, migrateCmd, receiptsCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newProvider(ctx context.Context, log *zap.Logger, cfg *config.Config) (dispatch.Provider, error) {
	timeout := cfg.Push.RequestTimeout
	switch cfg.Push.Provider {
	case "onesignal":
		return onesignal.New(log, cfg.OneSignal.BaseURL, cfg.OneSignal.AppID, cfg.OneSignal.APIKey, timeout), nil
	case "fcm":
		return fcm.New(ctx, log, fcm.Config{
			ProjectID:       cfg.FCM.ProjectID,
			CredentialsPath: cfg.FCM.CredentialsPath,
			CredentialsJSON: cfg.FCM.CredentialsJSON,
		}, timeout)
	default:
		return expo.NewClient(log, cfg.Expo.BaseURL, cfg.Expo.AccessToken, timeout), nil
	}
}

func cmdServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(log, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Error("cannot create store", zap.Error(err))
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("error closing database", zap.Error(err))
		}
	}()

	provider, err := newProvider(ctx, log, cfg)
	if err != nil {
		log.Error("cannot create push provider", zap.String("provider", cfg.Push.Provider), zap.Error(err))
		return err
	}
	log.Info("push provider ready", zap.String("provider", provider.Name()))

	svc := service.NewPushService(log, store, provider, service.WithRouteByUser(cfg.Push.RouteByUser))
	authenticator := auth.New(log, cfg.Auth.Enabled, cfg.Auth.JWTSecret)
	httpServer := server.New(log, svc, authenticator)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		err := httpServer.Start(cfg.HTTP.Addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, stopping")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server exiting")
	return nil
}

func cmdMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := storage.Open(log, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Error("migration failed", zap.Error(err))
		return err
	}
	log.Info("database is up to date", zap.String("driver", cfg.Database.Driver))
	return store.Close()
}

func cmdReceipts(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	provider, err := newProvider(cmd.Context(), log, cfg)
	if err != nil {
		return err
	}
	if _, ok := provider.(dispatch.ReceiptChecker); !ok {
		return fmt.Errorf("provider %q does not report receipts", provider.Name())
	}

	// receipts never touch the registry
	svc := service.NewPushService(log, nil, provider)
	receipts := svc.CheckReceipts(cmd.Context(), args)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(receipts)
}

func cmdToken(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set")
	}
	token, err := auth.New(log, true, cfg.Auth.JWTSecret).Sign(args[0], tokenRole, tokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
