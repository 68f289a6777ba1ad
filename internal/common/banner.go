package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and logs the effective layout
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Snapload", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("data_dir", config.Storage.Paths.DataDir).
		Int("max_concurrent", config.Downloads.MaxConcurrent).
		Bool("cleanup_enabled", config.Cleanup.Enabled).
		Bool("admin_enabled", config.Cleanup.AdminEnabled).
		Msg("Snapload starting")
}
