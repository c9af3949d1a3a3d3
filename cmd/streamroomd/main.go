// Command streamroomd is the long-running server: it accepts WebSocket
// client connections, multiplexes them onto per-project agent CLI
// executions, and durably logs every prompt and agent event.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/streamroom/streamroom/internal/archive"
	"github.com/streamroom/streamroom/internal/config"
	"github.com/streamroom/streamroom/internal/errors"
	"github.com/streamroom/streamroom/internal/execution"
	"github.com/streamroom/streamroom/internal/governor"
	"github.com/streamroom/streamroom/internal/hub"
	"github.com/streamroom/streamroom/internal/logger"
	"github.com/streamroom/streamroom/internal/middleware"
	"github.com/streamroom/streamroom/internal/msglog"
	"github.com/streamroom/streamroom/internal/project"
	"github.com/streamroom/streamroom/internal/router"
	"github.com/streamroom/streamroom/internal/subscription"
	"github.com/streamroom/streamroom/internal/validation"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	configPath string
	port       int
	dataDir    string
	logLevel   string
	showVer    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "streamroomd",
		Short: "streamroomd — WebSocket server fronting a local agent CLI",
		Long: `streamroomd accepts WebSocket client connections, organizes work into
filesystem-scoped projects, runs the agent CLI on a client's behalf with
at-most-one execution per project, and durably logs every prompt and agent
event so history survives restarts.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.showVer {
				fmt.Printf("streamroomd %s (commit: %s, built: %s)\n", version, commit, date)
				return nil
			}
			return runServer(cmd, f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.Flags().StringVar(&f.configPath, "config", "", "path to a YAML config file")
	root.Flags().IntVar(&f.port, "port", 0, "TCP port to listen on (0 = use config/env/default)")
	root.Flags().StringVar(&f.dataDir, "data-dir", "", "root directory for project metadata and logs")
	root.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.Flags().BoolVar(&f.showVer, "version", false, "print version information and exit")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("streamroomd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// resolveConfig applies the documented precedence: flags > file >
// environment > built-in defaults.
func resolveConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	_ = godotenv.Load() // optional .env in development; silently skipped if absent

	cfg := config.Defaults()
	cfg.ApplyEnv()

	configPath := f.configPath
	if configPath == "" {
		configPath = os.Getenv("STREAMROOM_CONFIG")
	}
	if err := cfg.LoadFile(configPath); err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, f *flags) error {
	cfg, err := resolveConfig(cmd, f)
	if err != nil {
		return fmt.Errorf("resolving configuration: %w", err)
	}

	logger.Initialize(cfg.LogLevel, cfg.Pretty)
	logger.Log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("starting streamroomd")

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	handleReload(cfg, f)

	projects := project.New(cfg.DataDir, cfg.MaxProjects, cfg.AllowedRoots)
	if err := projects.Load(); err != nil {
		return fmt.Errorf("loading projects: %w", err)
	}

	var archiver msglog.Archiver
	if cfg.ArchiveEnabled {
		a, err := archive.NewS3Archiver(rootCtx, cfg.ArchiveEndpoint, os.Getenv("STREAMROOM_ARCHIVE_ACCESS_KEY"), os.Getenv("STREAMROOM_ARCHIVE_SECRET_KEY"), cfg.ArchiveBucket, true)
		if err != nil {
			logger.Log.Warn().Err(err).Msg("archival configured but failed to initialize; continuing without it")
		} else {
			archiver = a
			logger.Log.Info().Str("bucket", cfg.ArchiveBucket).Msg("segment archival enabled")
		}
	}
	logs := msglog.NewStore(cfg.SegmentMaxBytes, cfg.FlushInterval, cfg.RetentionAge, archiver)
	if err := logs.StartRetentionSweep("@every " + cfg.RetentionSweep.String()); err != nil {
		return fmt.Errorf("starting retention sweep: %w", err)
	}

	h := hub.New(hub.Config{
		MaxConnections:        cfg.MaxConnections,
		MaxConnectionsPerAddr: cfg.MaxConnectionsPerAddr,
		MaxFrameBytes:         cfg.MaxFrameBytes,
		RateLimitPerSecond:    cfg.RateLimitPerSecond,
		RateLimitBurst:        cfg.RateLimitBurst,
		PingInterval:          cfg.PingInterval,
		PongTimeout:           cfg.PongTimeout,
		SendQueueSize:         cfg.SendQueueSize,
		AllowedOrigins:        cfg.AllowedOrigins,
	}, nil)

	fabric := subscription.New(h)
	engine := execution.New(execution.Config{
		AgentBinary:        cfg.AgentBinary,
		Deadline:           cfg.ExecutionDeadline,
		KillGrace:          cfg.KillGracePeriod,
		MaxConcurrentExecs: int64(cfg.MaxConcurrentExecs),
		MaxPromptBytes:     cfg.MaxPromptBytes,
		OptionWhitelist:    validation.DefaultOptionWhitelist,
	}, projects, logs, fabric)

	r := router.New(projects, fabric, engine, logs, cfg.MaxMessagesLimit)
	h.SetDispatcher(r)

	gov := governor.New(governor.Config{
		SoftMemoryLimitBytes: cfg.MemorySoftLimitBytes,
		SampleInterval:       cfg.SampleInterval,
		MetricsLogInterval:   cfg.MetricsLogInterval,
	}, h, projects, engine, prometheus.DefaultRegisterer)
	if err := gov.Start(); err != nil {
		return fmt.Errorf("starting resource governor: %w", err)
	}
	h.SetGate(gov)
	engine.SetGate(gov)
	engine.SetDurationObserver(gov)

	srv := buildHTTPServer(cfg, h, gov, cfg.AgentBinary)

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Log.Info().Int("port", cfg.Port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Log.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn().Err(err).Msg("http server forced to shutdown")
	}
	engine.Shutdown()
	logs.StopRetentionSweep()
	logs.CloseAll()
	gov.Stop()

	if shutdownCtx.Err() != nil {
		logger.Log.Error().Msg("shutdown timeout exceeded; forcing exit")
		os.Exit(1)
	}
	logger.Log.Info().Msg("shutdown complete")
	return nil
}

// handleReload installs a SIGHUP handler that re-reads the config file's
// reloadable fields (currently: log level) without restarting the process.
func handleReload(cfg config.Config, f *flags) {
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			next := cfg
			next.ApplyEnv()
			if err := next.LoadFile(f.configPath); err != nil {
				logger.Log.Warn().Err(err).Msg("SIGHUP reload: failed to re-read config file")
				continue
			}
			if next.LogLevel != cfg.LogLevel {
				logger.Initialize(next.LogLevel, next.Pretty)
				cfg.LogLevel = next.LogLevel
			}
			logger.Log.Info().Str("log_level", cfg.LogLevel).Msg("SIGHUP: reloaded config")
		}
	}()
}

func buildHTTPServer(cfg config.Config, h *hub.Hub, gov *governor.Governor, agentBinary string) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(errors.Recovery())
	g.Use(middleware.RequestID())
	g.Use(middleware.StructuredLogger())
	g.Use(middleware.CORS(cfg.AllowedOrigins))
	g.Use(middleware.SecurityHeaders())
	g.Use(middleware.AllowedHTTPMethods())
	g.Use(middleware.DefaultSizeLimiter())
	g.Use(middleware.Gzip(middleware.DefaultCompression))
	g.Use(middleware.Timeout(middleware.TimeoutConfig{
		Timeout:       cfg.HTTPRequestTimeout,
		ExcludedPaths: []string{"/ws"},
	}))

	wsLimiter := middleware.NewRateLimiter()
	g.GET("/ws", wsLimiter.Middleware(cfg.WSUpgradeRateLimit, cfg.WSUpgradeRateWindow), func(c *gin.Context) {
		h.Accept(c.Writer, c.Request, c.ClientIP())
	})
	g.GET("/health", func(c *gin.Context) {
		snap := gov.Snapshot()
		available, ver := probeAgentBinary(agentBinary)
		status := "ok"
		if snap.OverSoftLimit {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      status,
			"uptime":      snap.Uptime.String(),
			"connections": snap.Connections,
			"projects":    snap.Projects,
			"resources": gin.H{
				"memory_bytes":       snap.MemoryBytes,
				"goroutines":         snap.Goroutines,
				"active_executions":  snap.ActiveExecutions,
				"dropped_broadcasts": snap.DroppedBroadcasts,
			},
			"claude": gin.H{
				"available": available,
				"version":   ver,
			},
		})
	})
	g.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version, "commit": commit, "built": date})
	})
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           g,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // the /ws route is long-lived; per-request timeouts don't apply to it
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func probeAgentBinary(bin string) (bool, string) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return false, ""
	}
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return true, ""
	}
	return true, trimNewline(string(out))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
