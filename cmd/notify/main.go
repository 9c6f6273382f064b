// Package main is the entry point for the notification sender.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shineum/smtp-notify/internal/notify"
)

func main() {
	configPath := flag.String("config", defaultPath("config.ini"), "path to INI or YAML configuration file")
	messagePath := flag.String("message", defaultPath("message.txt"), "path to the message body file")
	dryRun := flag.Bool("dry-run", false, "print the composed message instead of sending it")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	setupLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err := notify.Run(ctx, notify.Options{
		ConfigPath:  *configPath,
		MessagePath: *messagePath,
		DryRun:      *dryRun,
	})
	if err != nil {
		stop()
		os.Exit(1)
	}
}

// defaultPath resolves name next to the executable, falling back to the
// working directory when the executable path is unknown.
func defaultPath(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. Logs go to stderr so dry-run output stays clean.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
