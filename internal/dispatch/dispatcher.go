package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/intake-guard/internal/identity"
	"github.com/tbourn/intake-guard/internal/observability"
)

// Failure reasons reported in FailedRecipient.Reason.
const (
	ReasonInvalidEmail         = "INVALID_EMAIL"
	ReasonSendFailed           = "SEND_FAILED"
	ReasonTimeout              = "TIMEOUT"
	ReasonTransportUnavailable = "TRANSPORT_UNAVAILABLE"
)

// ErrTransportUnavailable is returned when no session could be opened.
var ErrTransportUnavailable = errors.New("dispatch: transport unavailable")

// Recipient is one pending member to notify.
type Recipient struct {
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	RequestID string `json:"request_id"`
}

// BatchContext carries what is common to every message of a batch.
type BatchContext struct {
	GroupKey string
	Epoch    int64
	Subject  string
	Body     string
}

// FailedRecipient is a recipient that was not notified.
type FailedRecipient struct {
	Email     string `json:"email"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
	Attempts  int    `json:"attempts"`
}

// BatchResult is the accounting of one SendBatch call.
type BatchResult struct {
	GroupKey string `json:"group_key"`
	Epoch    int64  `json:"epoch"`
	// Attempted is the number of unique, valid recipients handed to the
	// transport. AccuracyPct is Sent over Attempted.
	Attempted int               `json:"attempted"`
	Sent      int               `json:"sent"`
	Failed    []FailedRecipient `json:"failed"`
	// Invalid counts unique recipients rejected with INVALID_EMAIL. They
	// appear in Failed but never in Attempted.
	Invalid     int     `json:"invalid"`
	Duplicates  int     `json:"duplicates"`
	AccuracyPct float64 `json:"accuracy_pct"`
	// Delivered lists the recipients that were sent to, in send order.
	Delivered []Recipient `json:"-"`
}

// Config bounds retries and pacing.
type Config struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	BatchTimeout   time.Duration
	// SendInterval is the minimum gap between consecutive sends; zero
	// disables pacing.
	SendInterval time.Duration
}

// DefaultConfig returns two attempts, a half-second retry delay and a
// two-minute batch budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    2,
		RetryDelay:     500 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
		BatchTimeout:   2 * time.Minute,
		SendInterval:   100 * time.Millisecond,
	}
}

// Dispatcher sends batches over a Transport. It is safe for concurrent use;
// concurrent batches share the pacing limiter.
type Dispatcher struct {
	transport Transport
	cfg       Config
	limiter   *rate.Limiter
	validate  *validator.Validate
	logger    zerolog.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithConfig replaces DefaultConfig.
func WithConfig(c Config) Option { return func(d *Dispatcher) { d.cfg = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New builds a Dispatcher over t.
func New(t Transport, opts ...Option) (*Dispatcher, error) {
	if t == nil {
		return nil, errors.New("dispatch: nil transport")
	}
	d := &Dispatcher{transport: t, cfg: DefaultConfig(), validate: validator.New(), logger: log.Logger}
	for _, o := range opts {
		o(d)
	}
	switch {
	case d.cfg.MaxAttempts < 1:
		return nil, fmt.Errorf("dispatch: max attempts must be >= 1, got %d", d.cfg.MaxAttempts)
	case d.cfg.BatchTimeout <= 0 || d.cfg.AttemptTimeout <= 0:
		return nil, errors.New("dispatch: timeouts must be positive")
	case d.cfg.RetryDelay < 0 || d.cfg.SendInterval < 0:
		return nil, errors.New("dispatch: delays must not be negative")
	}
	limit := rate.Inf
	if d.cfg.SendInterval > 0 {
		limit = rate.Every(d.cfg.SendInterval)
	}
	d.limiter = rate.NewLimiter(limit, 1)
	d.logger = d.logger.With().Str("component", "dispatch").Str("transport", t.Name()).Logger()
	return d, nil
}

// SendBatch notifies every unique recipient once. Per-recipient failures are
// reported in the result; the error is non-nil only when the transport could
// not be opened, in which case nobody was sent to.
func (d *Dispatcher) SendBatch(ctx context.Context, recipients []Recipient, bc BatchContext) (BatchResult, error) {
	start := time.Now()
	ctx, span := otel.Tracer("dispatch/Dispatcher").Start(ctx, "SendBatch",
		trace.WithAttributes(
			attribute.String("group.key", bc.GroupKey),
			attribute.Int64("group.epoch", bc.Epoch),
			attribute.Int("batch.size", len(recipients)),
		))
	defer span.End()
	defer func() { observability.BatchDuration.Observe(time.Since(start).Seconds()) }()

	res := BatchResult{GroupKey: bc.GroupKey, Epoch: bc.Epoch, Failed: []FailedRecipient{}}
	queue := d.valid(d.dedupe(recipients, &res), &res)
	res.Attempted = len(queue)
	if len(queue) == 0 {
		res.finish()
		return res, nil
	}

	bctx, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout)
	defer cancel()

	sess, err := d.transport.Open(bctx)
	if err != nil {
		for _, r := range queue {
			res.fail(r, ReasonTransportUnavailable, err.Error(), 0)
		}
		observability.BatchRecipients.WithLabelValues("unavailable").Add(float64(len(queue)))
		res.finish()
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport unavailable")
		d.logger.Error().Err(err).Str("group", bc.GroupKey).Int("recipients", len(queue)).Msg("cannot open transport")
		return res, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			d.logger.Warn().Err(cerr).Str("group", bc.GroupKey).Msg("closing transport session")
		}
	}()

	for i, r := range queue {
		if err := d.limiter.Wait(bctx); err != nil {
			d.expire(queue[i:], &res)
			break
		}
		attempts, err := d.deliver(bctx, sess, message(r, bc))
		if err == nil {
			res.Sent++
			res.Delivered = append(res.Delivered, r)
			observability.BatchRecipients.WithLabelValues("sent").Inc()
			continue
		}
		if bctx.Err() != nil {
			res.fail(r, ReasonTimeout, "batch deadline exceeded", attempts)
			observability.BatchRecipients.WithLabelValues("timeout").Inc()
			d.expire(queue[i+1:], &res)
			break
		}
		res.fail(r, ReasonSendFailed, err.Error(), attempts)
		observability.BatchRecipients.WithLabelValues("failed").Inc()
		d.logger.Warn().Err(err).
			Str("group", bc.GroupKey).
			Str("to", MaskEmail(r.Email)).
			Int("attempts", attempts).
			Msg("recipient not notified")
	}

	res.finish()
	span.SetAttributes(attribute.Int("batch.sent", res.Sent), attribute.Int("batch.failed", len(res.Failed)))
	d.logger.Info().
		Str("group", bc.GroupKey).
		Int64("epoch", bc.Epoch).
		Int("attempted", res.Attempted).
		Int("sent", res.Sent).
		Int("failed", len(res.Failed)).
		Int("invalid", res.Invalid).
		Float64("accuracy_pct", res.AccuracyPct).
		Dur("took", time.Since(start)).
		Msg("batch dispatched")
	return res, nil
}

type dedupeKey struct{ email, requestID string }

// dedupe drops repeated (email, request ID) pairs, keeping first-seen order.
func (d *Dispatcher) dedupe(in []Recipient, res *BatchResult) []Recipient {
	seen := make(map[dedupeKey]struct{}, len(in))
	byEmail := make(map[string]string, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		r.Email = identity.NormalizeEmail(r.Email)
		k := dedupeKey{r.Email, r.RequestID}
		if _, dup := seen[k]; dup {
			res.Duplicates++
			observability.BatchRecipients.WithLabelValues("duplicate").Inc()
			continue
		}
		seen[k] = struct{}{}
		if prev, ok := byEmail[r.Email]; ok && prev != r.RequestID {
			d.logger.Info().
				Str("to", MaskEmail(r.Email)).
				Str("request_id", r.RequestID).
				Str("other_request_id", prev).
				Msg("recipient appears under several requests")
		} else if !ok {
			byEmail[r.Email] = r.RequestID
		}
		out = append(out, r)
	}
	return out
}

// valid reports recipients whose address fails validation as INVALID_EMAIL
// and returns the rest. Invalid addresses never reach the transport.
func (d *Dispatcher) valid(in []Recipient, res *BatchResult) []Recipient {
	out := in[:0]
	for _, r := range in {
		if err := d.validate.Var(r.Email, "required,email"); err != nil {
			res.fail(r, ReasonInvalidEmail, "address is not a valid email", 0)
			res.Invalid++
			observability.BatchRecipients.WithLabelValues("invalid").Inc()
			continue
		}
		out = append(out, r)
	}
	return out
}

// deliver tries one message up to MaxAttempts times and returns the number
// of attempts made.
func (d *Dispatcher) deliver(ctx context.Context, sess Session, m Message) (int, error) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err = sess.Send(actx, m)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(d.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
	return d.cfg.MaxAttempts, err
}

func (d *Dispatcher) expire(rest []Recipient, res *BatchResult) {
	for _, r := range rest {
		res.fail(r, ReasonTimeout, "batch deadline exceeded", 0)
	}
	observability.BatchRecipients.WithLabelValues("timeout").Add(float64(len(rest)))
}

func (r *BatchResult) fail(rc Recipient, reason, detail string, attempts int) {
	r.Failed = append(r.Failed, FailedRecipient{
		Email:     rc.Email,
		RequestID: rc.RequestID,
		Reason:    reason,
		Detail:    detail,
		Attempts:  attempts,
	})
}

func (r *BatchResult) finish() {
	if r.Attempted == 0 {
		r.AccuracyPct = 0
		return
	}
	r.AccuracyPct = math.Round(float64(r.Sent)*10000/float64(r.Attempted)) / 100
}

func message(r Recipient, bc BatchContext) Message {
	return Message{
		To:        r.Email,
		Name:      r.Name,
		RequestID: r.RequestID,
		GroupKey:  bc.GroupKey,
		Epoch:     bc.Epoch,
		Subject:   bc.Subject,
		Body:      bc.Body,
	}
}
