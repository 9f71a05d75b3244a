package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-sh/parley/internal/activity"
	"github.com/parley-sh/parley/internal/api"
	"github.com/parley-sh/parley/internal/build"
	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/config"
	"github.com/parley-sh/parley/internal/eventbus"
	"github.com/parley-sh/parley/internal/logger"
	"github.com/parley-sh/parley/internal/notification"
	"github.com/parley-sh/parley/internal/permission"
	"github.com/parley-sh/parley/internal/scheduler"
	"github.com/parley-sh/parley/internal/server"
	"github.com/parley-sh/parley/internal/session"
	"github.com/parley-sh/parley/internal/storage"
	"github.com/parley-sh/parley/internal/telemetry"
	"github.com/parley-sh/parley/internal/transcript"
)

const (
	heartbeatInterval = 30 * time.Second
	rescanInterval    = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Parley runtime",
	Long:  "Start the HTTP/SSE gateway and the agent session runtime.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP gateway port (overrides PORT env var)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Ensure data directories exist.
	for _, dir := range []string{cfg.DataDir, cfg.LogDir(), cfg.RuntimeDir(), config.DefaultProjectDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	providers, err := telemetry.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}()

	sysLogger, err := logger.NewSystemLogger(cfg.LogDir(), cfg.SlogLevel())
	if err != nil {
		return err
	}
	sysLogger = logger.Tee(sysLogger, providers.SlogHandler())

	sysLogger.Info("starting parley",
		"version", build.Version,
		"commit", build.CommitSHA,
		"built", build.BuildDate,
		"port", cfg.Port,
		"data_dir", cfg.DataDir)

	// The CLI check must not hold up startup; a missing binary only matters
	// once the first session launches.
	go func() {
		checkCtx, checkCancel := context.WithTimeout(ctx, 15*time.Second)
		defer checkCancel()
		if v, err := claude.CheckCLI(checkCtx, cfg.ClaudeBinary); err != nil {
			sysLogger.Warn("claude CLI check failed", "binary", cfg.ClaudeBinary, "version", v, "error", err)
		} else {
			sysLogger.Info("claude CLI detected", "binary", cfg.ClaudeBinary, "version", v)
		}
	}()

	db, fresh, err := storage.NewSQLiteDB(cfg.DBFile())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if fresh {
		sysLogger.Info("created database", "path", cfg.DBFile())
	}
	transcriptStore := storage.NewSQLiteTranscriptStore(db)
	notificationStore := storage.NewSQLiteNotificationStore(db)

	bus := eventbus.New(0)
	notifier := notification.NewNotificationHandler(
		notification.FileLoader(filepath.Join(cfg.DataDir, "notifications.json"), smtpFallback(cfg)),
		notificationStore,
		sysLogger,
	)
	bus.Subscribe(func(e eventbus.Event) { notifier.Handle(e.Type, e.Payload) })

	tracker, err := activity.NewTracker(activity.Config{
		Path:        cfg.ActivityFile(),
		Logger:      sysLogger,
		Metrics:     providers.Metrics,
		IdleTimeout: cfg.IdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("loading activity state: %w", err)
	}

	reader := transcript.NewReader("", sysLogger)
	index := transcript.NewIndex("", transcriptStore, sysLogger)
	index.StartBackgroundScan()

	mcpRegistry, err := config.LoadMCPRegistry(cfg.MCPsFile())
	if err != nil {
		return fmt.Errorf("loading MCP registry: %w", err)
	}

	broker := permission.NewBroker(sysLogger)
	manager := session.NewManager(session.Config{
		Binary:            cfg.ClaudeBinary,
		RuntimeDir:        cfg.RuntimeDir(),
		PermissionBaseURL: fmt.Sprintf("http://127.0.0.1:%d/internal/mcp", cfg.Port),
		APIKey:            cfg.AnthropicAPIKey,
		MCPServers:        mcpRegistry.All(),
		DefaultProjectDir: config.DefaultProjectDir(),
		Logger:            sysLogger,
		SessionLogger: func(sessionID string) *slog.Logger {
			l, err := logger.NewSessionLogger(cfg.LogDir(), sessionID, cfg.SlogLevel())
			if err != nil {
				sysLogger.Warn("creating session logger", "session_id", sessionID, "error", err)
				return sysLogger
			}
			return logger.Tee(l, providers.SlogHandler())
		},
		Broker:         broker,
		Metrics:        providers.Metrics,
		EventPublisher: bus,
		Activity:       tracker,
		History:        reader,
	})
	endpoint := permission.NewEndpoint(broker, manager, sysLogger)

	sched, err := scheduler.New([]scheduler.Job{
		{Name: "activity-heartbeat", Interval: heartbeatInterval, Run: tracker.Heartbeat},
		{Name: "midnight-rollover", Interval: heartbeatInterval, Run: tracker.MidnightCheck},
		{Name: "transcript-rescan", Interval: rescanInterval, Run: func() {
			if err := index.Rescan(context.Background()); err != nil {
				sysLogger.Warn("transcript rescan failed", "error", err)
			}
		}},
	}, sysLogger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	srv := server.New(server.Config{
		Port:              cfg.Port,
		AllowedOrigins:    cfg.AllowedOrigins,
		API:               api.New(manager, tracker, index, sysLogger),
		PermissionHandler: endpoint.Handler(),
		Logger:            sysLogger,
	})

	printBanner(build.Version, fmt.Sprintf("http://localhost:%d", cfg.Port), filepath.Join(cfg.LogDir(), "parley.log"))

	runErr := srv.Run(ctx)

	// Teardown order: sessions first so the CLI processes exit and their
	// final activity marks land, then flush and stop everything behind them.
	manager.CloseAll()
	if err := tracker.FlushSync(); err != nil {
		sysLogger.Error("flushing activity state", "error", err)
	}
	if err := sched.Stop(); err != nil {
		sysLogger.Error("stopping scheduler", "error", err)
	}
	bus.Close()

	if runErr != nil {
		sysLogger.Error("server exited", "error", runErr)
	}
	return runErr
}

// smtpFallback derives notification settings from SMTP environment variables
// for instances that have no notifications.json yet.
func smtpFallback(cfg *config.AppConfig) *notification.NotificationSettings {
	if !cfg.SMTP.Enabled() {
		return nil
	}
	return &notification.NotificationSettings{
		Enabled: true,
		Provider: notification.SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			FromAddr:   cfg.SMTP.From,
			ToAddrs:    cfg.SMTP.To,
			Encryption: cfg.SMTP.Encryption,
		},
	}
}

// printBanner writes the startup banner to stdout. It is the only terminal
// output during normal operation; structured logs go to the log file.
func printBanner(version, serverURL, logFile string) {
	fmt.Print(`
 ____            _
|  _ \ __ _ _ __| | ___ _   _
| |_) / _` + "`" + ` | '__| |/ _ \ | | |
|  __/ (_| | |  | |  __/ |_| |
|_|   \__,_|_|  |_|\___|\__, |
                        |___/

`)
	fmt.Printf("Parley %s running.\n", version)
	fmt.Printf("Gateway: %s/api/v1\n", serverURL)
	fmt.Printf("Logs: %s\n\n", logFile)
}
