// Package delivery holds email and SMS senders that do not need a provider
// account: a logging sender for local development and a fan-out sender.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/pkg/logger"
)

// LogSender writes messages to a logger instead of delivering them. Message
// data carries plaintext codes and tokens, so it is only logged when
// ShowData is set.
type LogSender struct {
	log      *slog.Logger
	channel  string
	ShowData bool
}

var (
	_ core.Mailer    = (*LogSender)(nil)
	_ core.SMSSender = (*LogSender)(nil)
)

// NewLogMailer logs outgoing email.
func NewLogMailer(log *slog.Logger, showData bool) *LogSender {
	return newLogSender(log, "email", showData)
}

// NewLogSMSSender logs outgoing text messages.
func NewLogSMSSender(log *slog.Logger, showData bool) *LogSender {
	return newLogSender(log, "sms", showData)
}

func newLogSender(log *slog.Logger, channel string, showData bool) *LogSender {
	if log == nil {
		log = logger.Noop()
	}
	return &LogSender{log: log, channel: channel, ShowData: showData}
}

func (s *LogSender) Send(ctx context.Context, msg core.Message) error {
	attrs := []any{"channel", s.channel, "to", msg.To, "template", msg.Template}
	if s.ShowData {
		attrs = append(attrs, "data", msg.Data)
	}
	s.log.InfoContext(ctx, "message_not_delivered", attrs...)
	return nil
}

// Sender is satisfied by both core.Mailer and core.SMSSender.
type Sender interface {
	Send(ctx context.Context, msg core.Message) error
}

// Multi sends every message to each of its senders in order. All senders are
// tried; the failures are joined.
type Multi []Sender

func (m Multi) Send(ctx context.Context, msg core.Message) error {
	var errs []error
	for i, s := range m {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("sender %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
