// Package transport delivers rendered campaign emails.
package transport

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"mailsched/internal/domain"
)

type Message struct {
	DispatchID string
	CampaignID string
	To         string
	ToName     string
	Subject    string
	Body       string
}

// Result carries whatever the provider returned for an accepted message.
type Result struct {
	ProviderResponse string
}

type Sender interface {
	Send(ctx context.Context, m Message) (Result, error)
}

// IsHTML is a cheap check for bodies written as markup.
func IsHTML(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "<html") || strings.Contains(b, "<body") ||
		strings.Contains(b, "<p>") || strings.Contains(b, "<br") || strings.Contains(b, "</")
}

// Failure wraps a provider error as a domain.TransportError. Deadline and
// cancellation errors get the code "timeout" regardless of provider.
func Failure(code string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = "timeout"
	}
	return &domain.TransportError{Code: code, Message: err.Error(), Err: err}
}

// FormatAddress renders "Name <addr>" with RFC 2047 encoding when needed.
func FormatAddress(name, addr string) string {
	return (&mail.Address{Name: name, Address: addr}).String()
}
