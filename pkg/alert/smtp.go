package alert

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPConfig configures the email transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From defaults to Username.
	From    string
	Timeout time.Duration
}

// SMTPTransport sends multipart MIME mail through an SMTP relay.
type SMTPTransport struct {
	from    string
	timeout time.Duration
	sender  gomail.Sender
	dialer  *gomail.Dialer
}

// NewSMTPTransport validates config and builds a transport.
func NewSMTPTransport(config SMTPConfig) (*SMTPTransport, error) {
	if config.Host == "" || config.Username == "" || config.Password == "" {
		return nil, errors.New("smtp host, username and password are required")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	from := config.From
	if from == "" {
		from = config.Username
	}
	d := gomail.NewDialer(config.Host, config.Port, config.Username, config.Password)
	d.TLSConfig = &tls.Config{ServerName: config.Host, MinVersion: tls.VersionTLS12}
	return &SMTPTransport{from: from, timeout: config.Timeout, dialer: d}, nil
}

// NewSMTPTransportWithSender uses sender instead of dialing a relay.
func NewSMTPTransportWithSender(from string, sender gomail.Sender) *SMTPTransport {
	return &SMTPTransport{from: from, timeout: 15 * time.Second, sender: sender}
}

// Compose builds the MIME message. Attachments whose file is missing are
// dropped by the caller before this point.
func (t *SMTPTransport) Compose(msg RichMessage) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", t.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.Urgent {
		m.SetHeader("X-Priority", "1")
		m.SetHeader("X-MSMail-Priority", "High")
	}
	m.SetBody("text/plain", msg.Body)
	for _, a := range msg.Attachments {
		m.Attach(a.Path, gomail.Rename(a.Name))
	}
	return m
}

func (t *SMTPTransport) SendRich(ctx context.Context, msg RichMessage) error {
	m := t.Compose(msg)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if t.sender != nil {
			done <- gomail.Send(t.sender, m)
			return
		}
		done <- t.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}
