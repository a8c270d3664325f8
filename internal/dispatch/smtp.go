package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// SMTPConfig configures SMTPTransport.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	StartTLS    bool
	DialTimeout time.Duration
	// QuitTimeout bounds the QUIT exchange when a session closes.
	QuitTimeout time.Duration
}

// SMTPTransport opens one SMTP connection per batch and reuses it for every
// recipient, issuing RSET between messages.
type SMTPTransport struct {
	cfg SMTPConfig
}

// NewSMTPTransport validates cfg.
func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.QuitTimeout <= 0 {
		cfg.QuitTimeout = 5 * time.Second
	}
	return &SMTPTransport{cfg: cfg}, nil
}

func (t *SMTPTransport) Name() string { return "smtp" }

// Open dials the server, upgrades to TLS when configured and authenticates.
func (t *SMTPTransport) Open(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	var batchDeadline time.Time
	if dl, ok := ctx.Deadline(); ok {
		batchDeadline = dl
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	if t.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			_ = c.Close()
			return nil, errors.New("server does not offer STARTTLS")
		}
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	if t.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return &smtpSession{c: c, conn: conn, from: t.cfg.From, deadline: batchDeadline, quitTimeout: t.cfg.QuitTimeout}, nil
}

// Verify opens and immediately closes a session.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	s, err := t.Open(ctx)
	if err != nil {
		return err
	}
	return s.Close()
}

type smtpSession struct {
	c    *smtp.Client
	conn net.Conn
	from string
	// deadline is the batch deadline the connection falls back to between
	// sends. Zero means none.
	deadline    time.Time
	quitTimeout time.Duration
}

func (s *smtpSession) Send(ctx context.Context, m Message) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(dl)
		defer s.conn.SetDeadline(s.deadline)
	}
	if err := s.c.Reset(); err != nil {
		return fmt.Errorf("rset: %w", err)
	}
	if err := s.c.Mail(s.from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := s.c.Rcpt(m.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := s.c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(renderMail(s.from, m)); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	return w.Close()
}

// Close sends QUIT, waiting at most quitTimeout or until the batch deadline,
// whichever comes first.
func (s *smtpSession) Close() error {
	dl := time.Now().Add(s.quitTimeout)
	if !s.deadline.IsZero() && s.deadline.Before(dl) {
		dl = s.deadline
	}
	_ = s.conn.SetDeadline(dl)
	if err := s.c.Quit(); err != nil {
		return s.c.Close()
	}
	return nil
}

func renderMail(from string, m Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "X-Request-ID: %s\r\n\r\n", m.RequestID)
	b.WriteString(m.Body)
	b.WriteString("\r\n")
	return b.Bytes()
}
