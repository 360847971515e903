package core

import "context"

// Delivery templates
const (
	TemplateVerificationCode = "verification-code"
	TemplateMagicLink        = "magic-link"
	TemplatePasswordReset    = "password-reset"
	TemplatePhoneCode        = "phone-code"
)

// Message is one outbound email or SMS. How Template and Data are rendered is
// up to the sender.
type Message struct {
	To       string
	Template string
	Data     map[string]any
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMSSender delivers text messages.
type SMSSender interface {
	Send(ctx context.Context, msg Message) error
}
