package notify

import (
	"context"
	"fmt"
	"time"

	"leadtracker/internal/domain/notify"

	"github.com/sirupsen/logrus"
	gomail "github.com/wneessen/go-mail"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// mailSender sends one prepared message. *gomail.Client satisfies it.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// EmailDispatcher sends the digest as one HTML+text message addressed to every recipient.
type EmailDispatcher struct {
	from     string
	renderer *Renderer
	sender   mailSender
	logger   *logrus.Entry
}

// NewEmailDispatcher builds an SMTP client over implicit TLS on 465 and STARTTLS elsewhere.
func NewEmailDispatcher(cfg SMTPConfig, renderer *Renderer, logger *logrus.Entry) (*EmailDispatcher, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(15 * time.Second),
	}
	if cfg.Port == 465 {
		opts = append(opts, gomail.WithSSLPort(false))
	} else {
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return newEmailDispatcher(cfg.From, renderer, client, logger), nil
}

func newEmailDispatcher(from string, renderer *Renderer, sender mailSender, logger *logrus.Entry) *EmailDispatcher {
	return &EmailDispatcher{from: from, renderer: renderer, sender: sender, logger: logger}
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, digest notify.Digest, recipients []string) error {
	if len(recipients) == 0 {
		return notify.ErrNoRecipients
	}
	msg, err := d.message(digest, recipients)
	if err != nil {
		return err
	}
	if err := d.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"recipients": len(recipients),
		"overdue":    digest.Total(),
	}).Info("Overdue digest email sent")
	return nil
}

func (d *EmailDispatcher) message(digest notify.Digest, recipients []string) (*gomail.Msg, error) {
	html, err := d.renderer.HTML(digest)
	if err != nil {
		return nil, err
	}
	text, err := d.renderer.Text(digest)
	if err != nil {
		return nil, err
	}

	msg := gomail.NewMsg()
	if err := msg.From(d.from); err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(recipients...); err != nil {
		return nil, fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(d.renderer.Subject(digest))
	msg.SetBodyString(gomail.TypeTextPlain, text)
	msg.AddAlternativeString(gomail.TypeTextHTML, html)
	return msg, nil
}
