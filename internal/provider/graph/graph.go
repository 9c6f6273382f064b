// Package graph implements a Provider that sends the rendered document
// through the Microsoft Graph sendMail API using application credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/smtp-notify/internal/email"
	"github.com/shineum/smtp-notify/internal/provider"
)

const (
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	tokenURLFormat  = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	graphScope      = "https://graph.microsoft.com/.default"

	requestTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096
)

// Config holds the Azure AD application credentials.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Provider sends emails via the Microsoft Graph API. The mailbox used is
// the document's From address.
type Provider struct {
	graphURL   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Provider for the public Microsoft cloud.
func New(ctx context.Context, cfg Config) *Provider {
	return newWithEndpoints(ctx, cfg, defaultGraphURL, fmt.Sprintf(tokenURLFormat, url.PathEscape(cfg.TenantID)))
}

// newWithEndpoints creates a Provider with custom endpoints, used for testing.
func newWithEndpoints(ctx context.Context, cfg Config, graphURL, tokenURL string) *Provider {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}
	client := cc.Client(ctx)
	client.Timeout = requestTimeout

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		graphURL:   strings.TrimRight(graphURL, "/"),
		httpClient: client,
		logger:     logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "graph"
}

// Send posts the base64 MIME document to /users/{from}/sendMail. Graph
// takes the recipients from the document headers.
func (p *Provider) Send(ctx context.Context, doc *email.Document) error {
	raw, err := doc.Render()
	if err != nil {
		return p.fail(provider.StageRender, err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", p.graphURL, url.PathEscape(doc.From))
	body := base64.StdEncoding.EncodeToString(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(body))
	if err != nil {
		return p.fail(provider.StageSend, err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return p.fail(provider.StageAuth, err)
		}
		return p.fail(provider.StageConnect, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		stage := provider.StageSend
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			stage = provider.StageAuth
		}
		return p.fail(stage, fmt.Errorf("graph API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	p.logger.Debug("Graph accepted message", "request_id", resp.Header.Get("request-id"))
	return nil
}

func (p *Provider) fail(stage string, err error) error {
	return &provider.TransportError{Provider: p.Name(), Stage: stage, Err: err}
}
