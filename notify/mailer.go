package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// Email is one rendered plan, ready for the transport.
type Email struct {
	Profile     string
	StoreCode   string // empty on global-scope emails
	To          []string
	Subject     string
	Body        string
	Attachments []string // document file paths
}

// Mailer delivers one rendered email.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// SMTPConfig configures the dispatcher's mail transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS demands STARTTLS; without it the client upgrades opportunistically.
	TLS bool
}

// SMTPMailer sends through an SMTP submission endpoint. It dials per send:
// dispatch volume is a handful of emails per run, so holding a connection
// open buys nothing.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer returns an SMTPMailer for |cfg|.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer { return &SMTPMailer{cfg: cfg} }

func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	var msg = mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	if err := msg.To(email.To...); err != nil {
		return fmt.Errorf("setting recipients: %w", err)
	}
	msg.Subject(email.Subject)
	msg.SetBodyString(mail.TypeTextPlain, email.Body)
	for _, path := range email.Attachments {
		msg.AttachFile(path)
	}

	var opts = []mail.Option{mail.WithPort(m.cfg.Port)}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password))
	}
	if m.cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("building smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending to %v: %w", email.To, err)
	}
	return nil
}
