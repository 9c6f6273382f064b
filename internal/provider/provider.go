// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"fmt"

	"github.com/shineum/smtp-notify/internal/email"
)

// Provider is the interface that email delivery backends must implement.
type Provider interface {
	// Send delivers the document to all of its recipients. Delivery is
	// all-or-nothing: any error means the run failed.
	Send(ctx context.Context, doc *email.Document) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Delivery stages reported by TransportError.
const (
	StageRender   = "render"
	StageConnect  = "connect"
	StageStartTLS = "starttls"
	StageAuth     = "auth"
	StageSend     = "send"
)

// TransportError wraps the cause of a failed delivery with the backend and
// the stage it failed in.
type TransportError struct {
	Provider string
	Stage    string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
