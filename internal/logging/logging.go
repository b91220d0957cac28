// Package logging configures the process-wide slog logger: JSON or text
// handler chosen by an environment variable, level likewise, tagged with
// the component name so multi-binary deployments can be told apart in
// aggregated log output.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures and installs the default slog logger for component, and
// returns it for callers that prefer an explicit reference over
// slog.Default().
func Init(component string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("WORKFLOW_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("WORKFLOW_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
