// Package ses implements a Provider that sends the rendered document through
// AWS SES v2 as a raw MIME message.
package ses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-notify/internal/email"
	"github.com/shineum/smtp-notify/internal/provider"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// SendEmailAPI is the subset of the SES v2 client used by Provider.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	client SendEmailAPI
	logger *slog.Logger
}

// New creates a Provider. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies. SDK retries are
// disabled so a failed send fails the run.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: sesv2.NewFromConfig(awsCfg), logger: logger}, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI) *Provider {
	return &Provider{client: client, logger: slog.Default()}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Send submits the rendered document with doc.From as the envelope sender
// and doc.To as the destination.
func (p *Provider) Send(ctx context.Context, doc *email.Document) error {
	raw, err := doc.Render()
	if err != nil {
		return &provider.TransportError{Provider: p.Name(), Stage: provider.StageRender, Err: err}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(doc.From),
		Destination: &types.Destination{
			ToAddresses: doc.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return &provider.TransportError{Provider: p.Name(), Stage: provider.StageSend, Err: err}
	}

	p.logger.Debug("SES accepted message", "message_id", aws.ToString(out.MessageId))
	return nil
}
