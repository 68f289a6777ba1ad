package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/app"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths // Multiple -config flags supported
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Snapload version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Merge port flags (shorthand takes precedence)
	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	os.Exit(run(finalPort, *serverHost))
}

// run owns the process lifecycle so deferred cleanup happens before exit.
// Startup order: config -> CLI overrides -> logger -> banner -> app -> server.
func run(port int, host string) int {
	if len(configFiles) == 0 {
		if _, err := os.Stat("snapload.toml"); err == nil {
			configFiles = append(configFiles, "snapload.toml")
		} else if _, err := os.Stat("deployments/local/snapload.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/snapload.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Error().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		return 1
	}

	common.ApplyFlagOverrides(config, port, host)

	common.InstallCrashHandler(config.Storage.Paths.ResolvePath(config.Storage.Paths.Logs))
	defer common.RecoverWithCrashFile()

	logger := common.InitLogger(config)
	common.PrintBanner(config, logger)

	logger.Debug().
		Str("badger_path", config.Storage.Badger.Path).
		Str("data_dir", config.Storage.Paths.DataDir).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Strs("config_files", configFiles).
		Msg("Resolved configuration")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return 1
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error().Err(err).Msg("Application close failed")
		}
	}()

	srv := server.New(application)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
			return 1
		}
	}

	// Stop accepting requests first; Close then drains jobs and the scheduler
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	return 0
}
