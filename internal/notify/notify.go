// Package notify runs one notification: load settings and message, compose
// the document, and hand it to the configured delivery backend.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-notify/internal/compose"
	"github.com/shineum/smtp-notify/internal/config"
	"github.com/shineum/smtp-notify/internal/message"
	"github.com/shineum/smtp-notify/internal/provider"
	"github.com/shineum/smtp-notify/internal/provider/graph"
	"github.com/shineum/smtp-notify/internal/provider/relay"
	"github.com/shineum/smtp-notify/internal/provider/ses"
	"github.com/shineum/smtp-notify/internal/provider/stdout"
	smtptls "github.com/shineum/smtp-notify/internal/tls"
)

// ProviderFactory builds the delivery backend for a run.
type ProviderFactory func(ctx context.Context, cfg *config.Settings) (provider.Provider, error)

// Options configures Run.
type Options struct {
	ConfigPath  string
	MessagePath string

	// DryRun prints the composed message to Stdout instead of delivering it.
	DryRun bool

	// Stdout receives stdout backend output. Defaults to os.Stdout.
	Stdout io.Writer

	// NewProvider overrides backend selection.
	NewProvider ProviderFactory

	Logger *slog.Logger
	Now    func() time.Time
}

// Run performs a single notification. The first failing step ends the run
// and its error is returned unchanged in meaning.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", uuid.NewString())

	cfg, err := config.Load(opts.ConfigPath, config.WithLogger(logger))
	if err != nil {
		logger.Error("failed to load configuration", "path", opts.ConfigPath, "error", err)
		return err
	}

	body, err := message.Load(opts.MessagePath)
	if err != nil {
		logger.Error("failed to load message", "path", opts.MessagePath, "error", err)
		return err
	}

	composeOpts := []compose.Option{compose.WithLogger(logger)}
	if opts.Now != nil {
		composeOpts = append(composeOpts, compose.WithClock(opts.Now))
	}
	doc, err := compose.Compose(cfg, body, composeOpts...)
	if err != nil {
		logger.Error("failed to compose message", "error", err)
		return err
	}

	prov, err := opts.provider(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create delivery backend", "backend", cfg.Delivery.Backend, "error", err)
		return err
	}

	logger.Info("sending email",
		"provider", prov.Name(),
		"recipients", len(doc.To),
		"attachments", len(doc.Attachments),
		"skipped_attachments", len(doc.Skipped),
	)

	if err := prov.Send(ctx, doc); err != nil {
		logger.Error("failed to send email", "provider", prov.Name(), "error", err)
		return err
	}

	logger.Info("email sent successfully", "provider", prov.Name(), "recipients", doc.To)
	return nil
}

func (o Options) provider(ctx context.Context, cfg *config.Settings, logger *slog.Logger) (provider.Provider, error) {
	if o.DryRun {
		return stdout.NewWithWriter(o.stdout()), nil
	}
	if o.NewProvider != nil {
		return o.NewProvider(ctx, cfg)
	}
	return o.selectProvider(ctx, cfg, logger)
}

func (o Options) stdout() io.Writer {
	if o.Stdout != nil {
		return o.Stdout
	}
	return os.Stdout
}

// selectProvider chooses the delivery backend named in the configuration.
func (o Options) selectProvider(ctx context.Context, cfg *config.Settings, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Delivery.Backend {
	case config.BackendSES:
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.BackendGraph:
		return graph.New(ctx, graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Logger:       logger,
		}), nil

	case config.BackendStdout:
		return stdout.NewWithWriter(o.stdout()), nil

	default:
		tlsConfig, err := smtptls.ClientConfig(cfg.SMTP.Server, cfg.SMTP.CAFile, cfg.SMTP.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("%w: smtp.ca_file: %w", config.ErrConfig, err)
		}
		return relay.New(relay.Config{
			Host:      cfg.SMTP.Server,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			Auth:      cfg.SMTP.Auth,
			LocalName: cfg.SMTP.Helo,
			TLSConfig: tlsConfig,
			Timeout:   cfg.SMTP.Timeout,
			Logger:    logger,
		}), nil
	}
}
