// Package mail defines outbound email messages and their transports.
package mail

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrNoRecipient is returned when a message has no destination address.
var ErrNoRecipient = errors.New("mail: recipient required")

// Message is a plain-text email.
type Message struct {
	FromEmail string `json:"from_email,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Validate checks the minimum fields required for delivery.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return ErrNoRecipient
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("mail: subject required")
	}
	return nil
}

// Sender delivers messages. Implementations may deliver synchronously or enqueue.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the message envelope.
func (s LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail suppressed", slog.String("to", msg.To), slog.String("subject", msg.Subject))
	return nil
}
