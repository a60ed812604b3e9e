package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"hike-coordinator/internal/common/config"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/dispatch"
)

// SMTP opens one SMTP connection per session and sends every message of the
// batch over it.
type SMTP struct {
	cfg    config.SMTPConfig
	from   string
	logger logger.Logger
	// tlsConfig overrides the STARTTLS configuration in tests.
	tlsConfig *tls.Config
}

func NewSMTP(cfg config.SMTPConfig, from string, log logger.Logger) *SMTP {
	return &SMTP{cfg: cfg, from: from, logger: logger.Component(log, "smtp")}
}

func (s *SMTP) timeout() time.Duration {
	if s.cfg.Timeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.Timeout) * time.Millisecond
}

func (s *SMTP) Open(ctx context.Context) (dispatch.Session, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	d := net.Dialer{Timeout: s.timeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(s.timeout()))

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp greeting: %w", err)
	}

	if s.cfg.UseTLS {
		tlsConfig := s.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: s.cfg.Host}
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	return &smtpSession{smtp: s, conn: conn, client: client}, nil
}

type smtpSession struct {
	smtp   *SMTP
	conn   net.Conn
	client *smtp.Client
	sent   int
}

func (s *smtpSession) Send(ctx context.Context, msg dispatch.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = s.conn.SetDeadline(time.Now().Add(s.smtp.timeout()))

	body, err := buildMessage(s.smtp.from, msg, time.Now())
	if err != nil {
		return err
	}

	if err := s.transaction(msg.To, body); err != nil {
		// leave the connection usable for the next message
		_ = s.client.Reset()
		return err
	}
	s.sent++
	return nil
}

func (s *smtpSession) transaction(to string, body []byte) error {
	if err := s.client.Mail(s.smtp.from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := s.client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient %s: %w", to, err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return nil
}

func (s *smtpSession) Close() error {
	s.smtp.logger.Debug("Closing SMTP session", map[string]interface{}{"sent": s.sent})
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		return err
	}
	return nil
}

// buildMessage renders a multipart/alternative message with a text and an
// optional HTML part.
func buildMessage(from string, msg dispatch.Message, at time.Time) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", from)
	header("To", msg.To)
	header("Subject", mimeHeader(msg.Subject))
	header("Date", at.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")

	if msg.HTML == "" {
		header("Content-Type", "text/plain; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(crlf(msg.Text))
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	parts := []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, fmt.Errorf("create mime part: %w", err)
		}
		if _, err := w.Write([]byte(crlf(p.content))); err != nil {
			return nil, fmt.Errorf("write mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

func mimeHeader(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.QEncoding.Encode("UTF-8", s)
		}
	}
	return s
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}
