package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/benchfleet/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev environments and the
// --debug flag lower the level to debug; every record carries the service
// name and environment so logs from several orchestrators stay
// attributable.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() || cfg.Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
