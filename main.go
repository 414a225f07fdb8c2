package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/YorkUITInnovation/markitdown-api/internal/assets"
	"github.com/YorkUITInnovation/markitdown-api/internal/cleanup"
	convertcli "github.com/YorkUITInnovation/markitdown-api/internal/cli"
	"github.com/YorkUITInnovation/markitdown-api/internal/config"
	"github.com/YorkUITInnovation/markitdown-api/internal/links"
	"github.com/YorkUITInnovation/markitdown-api/internal/pipeline"
	"github.com/YorkUITInnovation/markitdown-api/internal/server"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// Version information (set during build)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// logFile holds the file opened for --log-file so main can close it after
// the CLI returns. Atomic because server goroutines may still be logging
// while shutdown runs.
var logFile atomic.Pointer[os.File]

const (
	// DefaultMemoryLimit is the default memory limit for the Go application (2GB).
	// Conversions hold entire documents and their extracted media in memory.
	DefaultMemoryLimit = 2 * 1024 * 1024 * 1024
)

// parseLogLevel parses the LOG_LEVEL environment variable and returns the
// appropriate logrus level. Defaults to InfoLevel if not set or invalid.
func parseLogLevel() logrus.Level {
	logLevelStr := os.Getenv("LOG_LEVEL")
	if logLevelStr == "" {
		return logrus.InfoLevel
	}

	// Normalise to lowercase for comparison
	logLevelStr = strings.ToLower(strings.TrimSpace(logLevelStr))

	switch logLevelStr {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		// Invalid value, default to info
		return logrus.InfoLevel
	}
}

// setMemoryLimit configures the Go runtime memory limit
func setMemoryLimit() {
	// Check for environment variable override
	memLimitStr := os.Getenv("MARKITDOWN_MEMORY_LIMIT")
	var memLimit int64 = DefaultMemoryLimit

	if memLimitStr != "" {
		if parsed, err := strconv.ParseInt(memLimitStr, 10, 64); err == nil && parsed > 0 {
			memLimit = parsed
		}
	}

	// This is a soft limit - the runtime adjusts GC behaviour to stay under it
	debug.SetMemoryLimit(memLimit)
}

func main() {
	// Set memory limit for the Go application
	setMemoryLimit()

	// Create context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(parseLogLevel())

	// Load .env before the CLI parses flags so env-sourced flags see it
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Could not load .env file")
	}

	app := &cli.Command{
		Name:    "markitdown-api",
		Usage:   "Convert documents to Markdown over HTTP",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   config.DefaultHost,
				Usage:   "Address to bind the HTTP server to",
				Sources: cli.EnvVars(config.HostEnvVar),
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   config.DefaultPort,
				Usage:   "Port to bind the HTTP server to",
				Sources: cli.EnvVars(config.PortEnvVar),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Force debug logging regardless of LOG_LEVEL",
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Append logs to this file instead of stderr",
				Sources: cli.EnvVars("LOG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Printf("markitdown-api version %s\n", Version)
					fmt.Printf("Commit: %s\n", Commit)
					fmt.Printf("Built: %s\n", BuildDate)
					return nil
				},
			},
			{
				Name:  "check",
				Usage: "Validate the environment configuration the server would start with",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCheck()
				},
			},
			{
				Name:      "convert",
				Usage:     "Convert a local file or URL to Markdown and print it",
				ArgsUsage: "<file-or-url>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the full conversion result as JSON",
					},
					&cli.BoolFlag{
						Name:  "pages",
						Value: true,
						Usage: "Insert page markers for paginated formats",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runConvert(ctx, cmd, logger)
				},
			},
			{
				Name:  "formats",
				Usage: "List supported input formats",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the format list as JSON",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return convertcli.ListFormats(logger, outputFormat(cmd), os.Stdout)
				},
			},
		},
		Action: func(cliCtx context.Context, cmd *cli.Command) error {
			return runServer(cliCtx, cmd, logger)
		},
	}

	err := app.Run(ctx, os.Args)
	if err != nil {
		logger.WithError(err).Error("markitdown-api exited with an error")
	}

	// Close the log file after the last log line, not before
	if file := logFile.Load(); file != nil {
		_ = file.Close()
	}

	if err != nil {
		os.Exit(1)
	}
}

// configureLogging applies the --debug and --log-file flags on top of the
// LOG_LEVEL environment setting.
func configureLogging(cmd *cli.Command, logger *logrus.Logger) {
	if cmd.Bool("debug") {
		logger.SetLevel(logrus.DebugLevel)
	}

	if path := cmd.String("log-file"); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			logger.WithError(err).Warn("Could not open log file, keeping stderr")
			return
		}
		logFile.Store(file)
		logger.SetOutput(file)
	}
}

// runServer wires the conversion pipeline, retention scheduler and HTTP
// server together and blocks until shutdown.
func runServer(ctx context.Context, cmd *cli.Command, logger *logrus.Logger) error {
	configureLogging(cmd, logger)

	cfg := config.LoadConfig()
	cfg.Host = cmd.String("host")
	cfg.Port = cmd.Int("port")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureImagesDir(); err != nil {
		return err
	}

	logger.Infof("Starting markitdown-api version %s (commit: %s, built: %s)", Version, Commit, BuildDate)
	logger.WithFields(logrus.Fields{
		"addr":         cfg.Addr(),
		"images_dir":   cfg.ImagesDir,
		"cleanup_days": cfg.CleanupDays,
		"cleanup_time": cfg.CleanupTime,
	}).Info("Configuration loaded")

	if !cfg.AuthEnabled() {
		logger.Warnf("%s is not set, authentication is disabled", config.APIKeysEnvVar)
	}

	store := assets.NewStore(cfg.ImagesDir, cfg.ImageBaseURL, logger)

	knowledge := links.NewKnowledgeBase(cfg.KnowledgeBasePath, logger)
	defer func() {
		if err := knowledge.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close knowledge base watcher")
		}
	}()

	orchestrator := pipeline.New(cfg, store, knowledge, logger)

	scheduler := cleanup.NewScheduler(cfg, store, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	srv := server.New(cfg, orchestrator, scheduler, logger, Version)

	// Start server in goroutine to allow graceful shutdown
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Use select to prevent blocking if context is cancelled
			select {
			case serverErr <- err:
			case <-ctx.Done():
				// Context cancelled, error no longer relevant
			}
		}
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping HTTP server")
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
		return err
	}

	logger.Info("HTTP server stopped gracefully")
	return nil
}

// runConvert converts a single document in-process and prints the result,
// using the same configuration, image store and knowledge base the server
// would. Logs go to stderr so the Markdown on stdout stays redirectable.
func runConvert(ctx context.Context, cmd *cli.Command, logger *logrus.Logger) error {
	source := cmd.Args().First()
	if source == "" {
		return fmt.Errorf("usage: markitdown-api convert <file-or-url>")
	}

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureImagesDir(); err != nil {
		return err
	}

	store := assets.NewStore(cfg.ImagesDir, cfg.ImageBaseURL, logger)

	knowledge := links.NewKnowledgeBase(cfg.KnowledgeBasePath, logger)
	defer func() {
		if err := knowledge.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close knowledge base watcher")
		}
	}()

	runner := convertcli.NewRunner(pipeline.New(cfg, store, knowledge, logger),
		outputFormat(cmd), os.Stdout, os.Stderr)
	return runner.Convert(ctx, source, cmd.Bool("pages"))
}

func outputFormat(cmd *cli.Command) convertcli.OutputFormat {
	if cmd.Bool("json") {
		return convertcli.OutputJSON
	}
	return convertcli.OutputText
}

// runCheck prints a diagnostic report of the configuration the server would
// start with, reading the same environment the server reads. It returns an
// error when any check fails outright so the exit code reflects the result.
func runCheck() error {
	ok := color.New(color.FgGreen).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()

	cfg := config.LoadConfig()

	fmt.Printf("markitdown-api %s configuration check\n\n", Version)

	failed := false

	if err := cfg.Validate(); err != nil {
		fmt.Printf("%s  configuration: %v\n", fail("FAIL"), err)
		failed = true
	} else {
		fmt.Printf("%s  bind address %s\n", ok("OK"), cfg.Addr())
		fmt.Printf("%s  image base URL %s\n", ok("OK"), cfg.ImageBaseURL)
	}

	if err := cfg.EnsureImagesDir(); err != nil {
		fmt.Printf("%s  images directory: %v\n", fail("FAIL"), err)
		failed = true
	} else {
		fmt.Printf("%s  images directory %s\n", ok("OK"), cfg.ImagesDir)
	}

	if _, _, err := cleanup.ParseFireTime(cfg.CleanupTime); err != nil {
		fmt.Printf("%s  cleanup time %q is invalid, the scheduler will fall back to %s\n",
			warn("WARN"), cfg.CleanupTime, config.DefaultCleanupTime)
	} else {
		fmt.Printf("%s  namespaces older than %d days are removed daily at %s\n",
			ok("OK"), cfg.CleanupDays, cfg.CleanupTime)
	}

	if cfg.AuthEnabled() {
		fmt.Printf("%s  %d API key(s) configured\n", ok("OK"), len(cfg.APIKeys))
	} else {
		fmt.Printf("%s  %s is not set, endpoints are unauthenticated\n",
			warn("WARN"), config.APIKeysEnvVar)
	}

	if _, err := os.Stat(cfg.KnowledgeBasePath); os.IsNotExist(err) {
		fmt.Printf("%s  knowledge base %s does not exist, the default will be written on startup\n",
			warn("WARN"), cfg.KnowledgeBasePath)
	} else if err != nil {
		fmt.Printf("%s  knowledge base: %v\n", fail("FAIL"), err)
		failed = true
	} else {
		fmt.Printf("%s  knowledge base %s\n", ok("OK"), cfg.KnowledgeBasePath)
	}

	fmt.Printf("%s  uploads capped at %d MB, remote fetches time out after %ds\n",
		ok("OK"), cfg.MaxUploadSizeMB, cfg.FetchTimeout)

	if failed {
		return fmt.Errorf("configuration check failed")
	}

	fmt.Println("\nConfiguration is valid and ready for use")
	return nil
}
