package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/moodcam/internal/authclient"
	"github.com/example/moodcam/internal/config"
	"github.com/example/moodcam/internal/logging"
	"github.com/example/moodcam/internal/session"
)

// Version is the client version.
const Version = "0.1.0"

// sessionKeyPrefix namespaces session keys in a shared Redis.
const sessionKeyPrefix = "moodcam:session:"

type globalOptions struct {
	ConfigPath   string
	Debug        bool
	ServerURL    string
	PredictURL   string
	SessionFile  string
	SessionRedis string
}

var (
	globals globalOptions

	cfg      *config.Client
	logger   *zap.Logger
	sessions *session.Context
	api      *authclient.Client

	closeSessionStore = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:           "moodcam",
	Short:         "Live facial emotion overlay for a camera feed",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if globals.Debug {
			logger, err = logging.NewDevelopmentLogger()
		} else {
			logger, err = logging.NewLogger()
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		cfg, err = config.LoadClient(globals.ConfigPath)
		if err != nil {
			return err
		}
		applyGlobalFlags(cmd, cfg)

		store, closer, err := openSessionStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		closeSessionStore = closer
		sessions = session.New(store, logger)
		api = authclient.New(cfg.ServerURL, nil, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := closeSessionStore(); err != nil {
			logger.Warn("closing session store failed", zap.Error(err))
		}
		_ = logger.Sync()
	},
}

// Execute runs the root command until completion or SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globals.ConfigPath, "config", "c", "", "Path to a YAML client config")
	flags.BoolVar(&globals.Debug, "debug", false, "Verbose development logging")
	flags.StringVar(&globals.ServerURL, "server", "", "Account API base URL (default http://localhost:8000)")
	flags.StringVar(&globals.PredictURL, "ws", "", "Prediction websocket URL (default ws://localhost:8000/)")
	flags.StringVar(&globals.SessionFile, "session-file", "", "Session file (default <user config dir>/moodcam/session.yaml)")
	flags.StringVar(&globals.SessionRedis, "session-redis", "", "Keep the session in Redis at this address instead of a file")
}

// applyGlobalFlags lets explicit flags win over file and environment values.
func applyGlobalFlags(cmd *cobra.Command, c *config.Client) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		c.ServerURL = globals.ServerURL
	}
	if flags.Changed("ws") {
		c.PredictURL = globals.PredictURL
	}
	if flags.Changed("session-file") {
		c.SessionFile = globals.SessionFile
	}
	if flags.Changed("session-redis") {
		c.SessionRedis = globals.SessionRedis
	}
}

func openSessionStore(ctx context.Context, c *config.Client) (session.Store, func() error, error) {
	if c.SessionRedis != "" {
		client := redis.NewClient(&redis.Options{Addr: c.SessionRedis})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return session.NewRedisStore(client, sessionKeyPrefix), client.Close, nil
	}

	path := c.SessionFile
	if path == "" {
		var err error
		if path, err = session.DefaultPath(); err != nil {
			return nil, nil, err
		}
	}
	return session.NewFileStore(path), func() error { return nil }, nil
}

// requireIdentity returns the stored session or a hint to log in.
func requireIdentity(ctx context.Context) (session.Identity, error) {
	id, ok := sessions.Identity(ctx)
	if !ok {
		return session.Identity{}, session.ErrNoIdentity
	}
	return id, nil
}
