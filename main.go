package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bosley/scribesync/archive"
	"github.com/bosley/scribesync/auth"
	"github.com/bosley/scribesync/client"
	"github.com/bosley/scribesync/config"
	"github.com/bosley/scribesync/ownership"
	"github.com/bosley/scribesync/scribe"
	"github.com/bosley/scribesync/sqlite"
	"github.com/bosley/scribesync/transcript"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "scribesync",
		Short:        "Synchronize live meeting transcripts with their subscribers",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newIngestKeyCmd())
	rootCmd.AddCommand(newWatchCmd())
	return rootCmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}

	level, err := cfg.Level()
	if err != nil {
		return cfg, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcript sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	logger := slog.Default()
	owners := ownership.NewRegistry(ownership.NewSQLBackend(db), logger)
	archives := archive.NewStore(db, logger)

	store, err := transcript.NewFileStore(transcript.StoreConfig{
		Dir:     cfg.TranscriptsDir,
		Windows: cfg.Dedup.Store,
		Owners:  owners,
		Archive: archives,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("initializing transcript store: %w", err)
	}

	jwtCfg := auth.JWTConfig{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
	if cfg.IngestKey == "" {
		slog.Warn("No ingest key configured, producer endpoints are open")
	}

	scribeService, err := scribe.New(scribe.Config{
		CertFile:     cfg.CertFile,
		KeyFile:      cfg.KeyFile,
		HTTPAddr:     cfg.HTTPAddr,
		Debounce:     cfg.Debounce,
		SendBuffer:   cfg.SendBuffer,
		MessageRate:  cfg.MessageRate,
		MessageBurst: cfg.MessageBurst,
	}, scribe.Deps{
		Store:         store,
		Owners:        owners,
		Archive:       archives,
		Auth:          auth.NewAuthenticator(jwtCfg, auth.NewUsers(db)),
		IngestKey:     auth.NewIngestKey(cfg.IngestKey),
		BufferWindows: cfg.Dedup.Buffer,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("initializing scribe: %w", err)
	}

	// Ensure Scribe is stopped on shutdown
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := scribeService.Stop(stopCtx); err != nil {
			slog.Error("Failed to stop Scribe service", "error", err)
		}
	}()

	if err := scribeService.Start(ctx); err != nil {
		return err
	}
	slog.Debug("Program exiting")
	return nil
}

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	userCmd.AddCommand(&cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			user, err := auth.NewUsers(db).CreateUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %q with id %d\n", user.Username, user.ID)
			return nil
		},
	})
	return userCmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Issue an access token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if _, err := auth.NewUsers(db).ResolveUser(cmd.Context(), args[0]); err != nil {
				return err
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Secret:   []byte(cfg.JWTSecret),
				Issuer:   cfg.JWTIssuer,
				TokenTTL: ttl,
			}, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	return cmd
}

func newIngestKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-key",
		Short: "Generate a key for transcript producers",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.GenerateIngestKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var (
		server   string
		insecure bool
		certFile string
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "watch <meeting>",
		Short: "Follow a meeting's transcript as it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			token := os.Getenv("SCRIBESYNC_TOKEN")
			if token == "" {
				return fmt.Errorf("SCRIBESYNC_TOKEN environment variable is not set")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			return client.Run(ctx, client.Config{
				ServerURL: server,
				Token:     token,
				Meeting:   args[0],
				Watch:     !once,
				Insecure:  insecure,
				CertFile:  certFile,
			}, func(msg client.Message) {
				switch msg.Type {
				case "error":
					fmt.Fprintf(out, "error: %s\n", msg.Message)
				case "transcript":
					fmt.Fprintf(out, "%s: %s\n", msg.Speaker, msg.Text)
				default:
					for _, e := range msg.Transcripts {
						fmt.Fprintf(out, "%s: %s\n", e.Speaker, e.Text)
					}
				}
				if once && msg.Type == "complete_transcript" {
					cancel()
				}
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "https://localhost:8444", "Server base URL")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip certificate verification")
	cmd.Flags().StringVar(&certFile, "cert", "", "Path to server certificate file")
	cmd.Flags().BoolVar(&once, "once", false, "Request the transcript once instead of watching")
	return cmd
}
