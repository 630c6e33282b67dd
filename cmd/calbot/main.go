package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calbot/internal/auth"
	"calbot/internal/config"
	"calbot/internal/dialog"
	"calbot/internal/gcal"
	"calbot/internal/ics"
	appLog "calbot/internal/log"
	"calbot/internal/picker"
	"calbot/internal/reminder"
	"calbot/internal/session"
	"calbot/internal/storage"
	"calbot/internal/telegram"
	"calbot/internal/web"
)

var Version = "0.1.0-dev"

// rootFlags holds CLI flag values shared by all subcommands.
type rootFlags struct {
	configPath string
	envFile    string
	listen     string
	debug      bool
}

func main() {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:     "calbot",
		Short:   "Telegram bot that keeps tasks in a calendar and reminds you of them",
		Version: Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "/etc/calbot/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional dotenv file with secrets")
	rootCmd.Flags().StringVar(&flags.listen, "listen", "", "HTTP listen address (overrides config if set)")
	rootCmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(configCmd(&flags))

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(flags rootFlags) (*config.Config, error) {
	if err := godotenv.Load(flags.envFile); err != nil {
		appLog.Debug("no dotenv file loaded", "path", flags.envFile)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	return conf, nil
}

// backend bundles the task store with the identity provider that grants
// access to it.
type backend struct {
	store    dialog.TaskStore
	provider auth.Provider
}

func openBackend(ctx context.Context, conf *config.Config, creds *storage.SQLite) backend {
	switch conf.Backend {
	case config.BackendGoogle:
		g := auth.NewGoogle(conf.Google, creds)
		return backend{store: gcal.NewStore(g), provider: g}
	default:
		fetcher := ics.NewFetcher(conf.Local.ICSCacheDir)
		subs := ics.NewSubscriptions(fetcher, conf.ICS, ics.DefaultSubscriptionTTL)
		if len(conf.ICS) > 0 {
			go subs.Warm(ctx)
		}
		return backend{
			store:    ics.NewStore(conf.Local.DataDir, subs),
			provider: auth.NewPairing(conf.Local.AccessCode, creds),
		}
	}
}

func run(ctx context.Context, flags rootFlags) error {
	appLog.Info("calbot starting", "version", Version)

	conf, err := loadConfig(flags)
	if err != nil {
		return err
	}
	level := appLog.ParseLevel(conf.LogLevel)
	if flags.debug {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)

	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	serverLoc, _ := time.LoadLocation(conf.Timezone)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"backend", conf.Backend,
		"database", conf.Database,
		"poll_interval", conf.PollEvery().String(),
		"agenda_cron", conf.AgendaCron,
		"ics_count", len(conf.ICS),
	)

	db, err := storage.OpenSQLite(conf.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions := session.NewRegistry(db)
	if err := sessions.LoadAll(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	be := openBackend(ctx, conf, db)

	gw, err := telegram.New(conf.Telegram.Token, conf.Telegram.PollTimeout)
	if err != nil {
		return err
	}
	if err := gw.RegisterCommands(); err != nil {
		appLog.Warn("command menu not registered", "error", err.Error())
	}

	opts := dialog.DefaultOptions()
	opts.BotCalendarName = conf.BotCalendarName
	opts.Picker = picker.OptionsFor(conf.WeekStart)
	dispatcher := dialog.New(sessions, be.store, be.provider, gw, opts)

	poller := reminder.NewPoller(sessions, be.store, gw, conf.PollEvery())
	srv := web.NewServer(conf, flags.debug, sessions, poller, be.store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx, dispatcher) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return web.StartServer(gctx, srv) })
	if conf.AgendaCron != "" {
		agenda := reminder.NewAgenda(sessions, be.store, gw)
		g.Go(func() error { return agenda.Run(gctx, conf.AgendaCron, serverLoc) })
	}

	err = g.Wait()
	appLog.Info("calbot exiting")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
