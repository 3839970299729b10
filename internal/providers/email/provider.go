package email

import (
	"context"
	"errors"
	"strings"
)

var ErrNoRecipient = errors.New("email_recipient_required")

// Provider delivers the lifecycle and alert notices. Callers send from
// background goroutines, so implementations must be safe for concurrent use.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error
}

// NoOpProvider drops every message. It backs EMAIL_PROVIDER=noop and any
// provider selected without credentials.
type NoOpProvider struct{}

func (NoOpProvider) Send(context.Context, []string, string, string) error {
	return nil
}

// SendTemplate still renders, so a broken template fails in development
// where nothing is delivered.
func (NoOpProvider) SendTemplate(_ context.Context, _ []string, templateName string, data interface{}) error {
	_, _, err := Render(templateName, data)
	return err
}

// recipients trims the list and drops blanks.
func recipients(to []string) ([]string, error) {
	out := make([]string, 0, len(to))
	for _, addr := range to {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecipient
	}
	return out, nil
}
