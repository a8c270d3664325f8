package dispatch

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Message is what a Session delivers for one recipient.
type Message struct {
	To        string `json:"to"`
	Name      string `json:"name,omitempty"`
	RequestID string `json:"request_id"`
	GroupKey  string `json:"group_key"`
	Epoch     int64  `json:"epoch"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Transport opens delivery sessions. Implementations must be safe for
// concurrent Open calls.
type Transport interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

// Session is a connection reused for every recipient of one batch.
type Session interface {
	Send(ctx context.Context, m Message) error
	Close() error
}

// Verifier is implemented by transports that can check their configuration
// and reachability at startup.
type Verifier interface {
	Verify(ctx context.Context) error
}

// LogTransport writes each message to a logger instead of delivering it.
type LogTransport struct {
	logger zerolog.Logger
}

// NewLogTransport returns a LogTransport writing to l.
func NewLogTransport(l zerolog.Logger) *LogTransport {
	return &LogTransport{logger: l.With().Str("transport", "log").Logger()}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Open(context.Context) (Session, error) { return logSession{t.logger}, nil }

type logSession struct{ logger zerolog.Logger }

func (s logSession) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info().
		Str("to", MaskEmail(m.To)).
		Str("request_id", m.RequestID).
		Str("group", m.GroupKey).
		Int64("epoch", m.Epoch).
		Str("subject", m.Subject).
		Msg("notification")
	return nil
}

func (logSession) Close() error { return nil }

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
