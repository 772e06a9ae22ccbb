package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/MxBlackSheep/labscheduler/internal/model"
)

// dialTimeout is the connect/send budget for the SMTP send path
// (spec.md §5: "SMTP send (15 s)"), raised from email/smtp.go's
// ConnectSMTPWithContext's 10s since this client has no per-recipient
// batching to amortize the connect cost over.
const dialTimeout = 15 * time.Second

// connect establishes an SMTP client per settings, branching on
// UseSSL (implicit TLS from the first byte, smtplib.SMTP_SSL's
// equivalent) vs UseTLS (STARTTLS negotiated after a plaintext
// connect), matching notifications.py's EmailNotificationService.send.
// UseSSL takes precedence when both are set.
func connect(ctx context.Context, settings *model.NotificationSettings, password string) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if settings.UseSSL {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: settings.Host, MinVersion: tls.VersionTLS12},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, settings.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp client init: %w", err)
	}

	if ctx.Err() != nil {
		client.Close()
		return nil, ctx.Err()
	}

	if !settings.UseSSL && settings.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: settings.Host, MinVersion: tls.VersionTLS12}); err != nil {
				client.Close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if settings.Username != "" && password != "" {
		auth := smtp.PlainAuth("", settings.Username, password, settings.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return client, nil
}

// sendMessage sends one plain-text message and closes the client.
func sendMessage(ctx context.Context, settings *model.NotificationSettings, password string, recipients []string, subject, body string) error {
	client, err := connect(ctx, settings, password)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(settings.Sender); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	msg := buildMessage(settings.Sender, recipients, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func buildMessage(from string, to []string, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}
