// Package main runs a local SMTP submission sink that prints every message
// it accepts. Point the notifier at it to try a configuration without a real
// mail server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/smtp-notify/internal/email"
	"github.com/shineum/smtp-notify/internal/parser"
	"github.com/shineum/smtp-notify/internal/provider/stdout"
	"github.com/shineum/smtp-notify/internal/smtp"
	smtptls "github.com/shineum/smtp-notify/internal/tls"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:2525", "address to listen on")
	username := flag.String("username", "", "AUTH username (empty disables authentication)")
	password := flag.String("password", "", "AUTH password")
	certFile := flag.String("cert", "", "TLS certificate file (self-signed if empty)")
	keyFile := flag.String("key", "", "TLS key file (self-signed if empty)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	setupLogger(*logLevel)

	tlsConfig, err := smtptls.LoadOrGenerateTLS(*certFile, *keyFile)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if *certFile != "" && *keyFile != "" {
		tlsMode = "file"
	}

	printer := stdout.New()
	server := smtp.New(smtp.ServerConfig{
		ListenAddr:   *listen,
		Hostname:     "localhost",
		Handler:      smtp.HandlerFunc(func(_ context.Context, env *smtp.Envelope) error { return deliver(printer, env) }),
		TLSConfig:    tlsConfig,
		AuthUsername: *username,
		AuthPassword: *password,
	})

	slog.Info("starting mailsink",
		"listen", *listen,
		"auth_enabled", *username != "" && *password != "",
		"tls_mode", tlsMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailsink stopped")
}

// deliver prints env, taking sender and recipients from the envelope when
// the message headers omit them.
func deliver(printer *stdout.Provider, env *smtp.Envelope) error {
	msg, err := parser.Parse(env.Data)
	if err != nil {
		slog.Warn("failed to parse message, printing envelope only", "error", err)
		msg = &email.Email{}
	}
	if msg.From == "" {
		msg.From = env.From
	}
	if len(msg.To) == 0 {
		msg.To = env.To
	}
	return printer.Print(msg)
}

// setupLogger configures the global slog logger with JSON output on stderr.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
