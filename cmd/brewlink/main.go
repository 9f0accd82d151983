// Command brewlink runs the BrewLink cloud relay: the WebSocket bridge
// between espresso machines in the field and the apps that control them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/brewlink/brewlink/internal/api"
	"github.com/brewlink/brewlink/internal/config"
	"github.com/brewlink/brewlink/internal/logging"
	"github.com/brewlink/brewlink/internal/proxy"
	"github.com/brewlink/brewlink/internal/relay"
	"github.com/brewlink/brewlink/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "brewlink",
		Short: "BrewLink cloud relay for espresso machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(versionCmd(), deviceCmd(), sessionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

// deviceCmd provisions device credentials. The generated key is printed
// once and only its hash is stored.
func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage device registrations",
	}

	var email string
	add := &cobra.Command{
		Use:   "add <device-id>",
		Short: "Register a device and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := strings.ToUpper(strings.TrimSpace(args[0]))
			if !store.ValidDeviceID(deviceID) {
				return fmt.Errorf("device id %q does not match BRW-XXXXXXXX", deviceID)
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			userID, err := st.UserIDByEmail(ctx, email)
			if errors.Is(err, store.ErrUnknownUser) {
				userID, err = st.CreateUser(ctx, email)
			}
			if err != nil {
				return err
			}

			key, err := st.RegisterDevice(ctx, deviceID, userID)
			if err != nil {
				return err
			}
			fmt.Printf("Device %s registered to %s\nKey: %s\n", deviceID, email, key)
			fmt.Println("Store this key now; it cannot be recovered later.")
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "owner's email (user is created if absent)")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}

// sessionCmd mints access tokens, mainly for development and smoke tests.
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage access sessions",
	}

	var email string
	var ttl time.Duration
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			userID, err := st.UserIDByEmail(ctx, email)
			if err != nil {
				return err
			}
			token, err := st.CreateSession(ctx, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("Token: %s\nExpires: %s\n", token, time.Now().Add(ttl).Format(time.RFC3339))
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "user's email")
	create.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = create.MarkFlagRequired("email")

	cmd.AddCommand(create)
	return cmd
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.DataDir)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
	})
	logger.Info().Str("version", Version).Str("listen", cfg.ListenAddr).Msg("Starting BrewLink relay")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rl := relay.New(relay.Config{
		PingInterval:      cfg.DevicePingInterval,
		MaxMissedPings:    cfg.MaxMissedPings,
		ReconcileInterval: cfg.ReconcileInterval,
		RequestTimeout:    cfg.RequestTimeout,
	}, st, logger)
	rl.Start()
	defer rl.Shutdown()

	var origins []string
	if cfg.AllowedOrigins != "" {
		origins = strings.Split(cfg.AllowedOrigins, ",")
	}
	px := proxy.New(proxy.Config{
		PingInterval:       cfg.ClientPingInterval,
		MaxMissedPongs:     cfg.MaxMissedPongs,
		QueueSweepInterval: cfg.QueueSweepInterval,
		QueueTTL:           cfg.QueueTTL,
		QueueCap:           cfg.QueueCap,
		MaxQueueRetries:    cfg.MaxQueueRetries,
		CacheStaleAfter:    cfg.CacheStaleAfter,
		TokenExpiryWarning: cfg.TokenExpiryWarning,
		AllowedOrigins:     origins,
	}, rl, st, logger)
	px.Start()
	defer px.Shutdown()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(rl, px, cfg.AdminKey, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return config.WatchLogLevel(gctx, cfg.EnvFile(), logging.SetLevel)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
