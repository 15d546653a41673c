package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/calltail/calltail/internal/observe"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultAuthBackoff  = 15 * time.Second
	defaultErrorBackoff = 5 * time.Second
	defaultPushCooldown = 30 * time.Second
	defaultWindowLength = 50
)

// StreamerOption configures a [Streamer] during construction.
type StreamerOption func(*Streamer)

// WithPush enables the push channel. When the dialer fails to open, the
// streamer falls back to polling and retries push after the cooldown.
func WithPush(d *PushDialer) StreamerOption {
	return func(s *Streamer) { s.push = d }
}

// WithPollInterval sets the delay between polling cycles. Default 2 s.
func WithPollInterval(d time.Duration) StreamerOption {
	return func(s *Streamer) { s.pollInterval = d }
}

// WithBackoff sets the per-class retry delays: auth failures wait longer
// than generic failures. Defaults: 15 s auth, 5 s generic.
func WithBackoff(auth, generic time.Duration) StreamerOption {
	return func(s *Streamer) {
		s.authBackoff = auth
		s.errorBackoff = generic
	}
}

// WithPushCooldown sets how long the streamer waits before re-attempting the
// push channel after a failed open or a closed connection. Default 30 s.
func WithPushCooldown(d time.Duration) StreamerOption {
	return func(s *Streamer) { s.pushCooldown = d }
}

// WithWindowLength sets how many records each polling fetch requests.
// Default 50, clamped server-side to 200.
func WithWindowLength(n int) StreamerOption {
	return func(s *Streamer) { s.window = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) StreamerOption {
	return func(s *Streamer) { s.log = log }
}

// WithMetrics injects a metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) StreamerOption {
	return func(s *Streamer) { s.metrics = m }
}

// Streamer drives the fetch-or-subscribe loop for one stream session. It
// prefers the push channel when one is configured, falls back to polling on
// any push failure, maps transport errors to synthetic status records with
// per-class backoff, and writes the reconciled record stream into the output
// channel handed to [Streamer.Run].
//
// Exactly one goroutine runs [Streamer.Run] per session; the Streamer and
// its [Session] are not safe for concurrent use.
type Streamer struct {
	fetcher *Fetcher
	push    *PushDialer
	log     *slog.Logger
	metrics *observe.Metrics

	pollInterval time.Duration
	authBackoff  time.Duration
	errorBackoff time.Duration
	pushCooldown time.Duration
	window       int

	// lastContact is the unix-nano time of the last successful transport
	// exchange. Read by the readiness probe.
	lastContact atomic.Int64

	// sleep is a hook so tests can observe backoff delays without waiting.
	sleep func(context.Context, time.Duration) error
}

// LastContact returns when the streamer last heard from the server over
// either transport, or the zero time before first contact.
func (s *Streamer) LastContact() time.Time {
	n := s.lastContact.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// NewStreamer creates a Streamer that polls via f. Use [WithPush] to enable
// the push channel.
func NewStreamer(f *Fetcher, opts ...StreamerOption) *Streamer {
	s := &Streamer{
		fetcher:      f,
		log:          slog.Default(),
		pollInterval: defaultPollInterval,
		authBackoff:  defaultAuthBackoff,
		errorBackoff: defaultErrorBackoff,
		pushCooldown: defaultPushCooldown,
		window:       defaultWindowLength,
		sleep:        sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the stream loop until ctx is cancelled, then closes out.
// Session state lives exactly as long as one Run call: a reconnect means a
// new Run with a fresh [Session], never a reused one. Transport switches
// within one Run share the session, so no record is ever delivered twice
// across a push→poll→push switch.
//
// Run only ever returns the ctx error; transport failures are converted to
// synthetic status records and backoff, never surfaced to the consumer.
func (s *Streamer) Run(ctx context.Context, out chan<- CallRecord) error {
	defer close(out)

	sess := NewSession()
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.log.Info("stream started",
		"base", s.fetcher.Base().String(),
		"push", s.push != nil,
		"poll_interval", s.pollInterval,
	)

	var (
		nextPushAttempt  time.Time
		heartbeatSent    bool
		retriedTransient bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Prefer the push channel when it is not cooling down.
		if s.push != nil && !timeNow().Before(nextPushAttempt) {
			if conn := s.push.TryOpen(ctx); conn != nil {
				s.metrics.PushReconnects.Add(ctx, 1)
				s.lastContact.Store(timeNow().UnixNano())
				err := s.streamPush(ctx, conn, sess, out, &heartbeatSent)
				conn.Close()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Info("push channel closed, falling back to polling", "err", err)
			}
			nextPushAttempt = timeNow().Add(s.pushCooldown)
		}

		// One polling cycle.
		start := timeNow()
		records, _, err := s.fetcher.Fetch(ctx, 0, s.window)
		s.metrics.FetchDuration.Record(ctx, time.Since(start).Seconds())

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay, retryNow := s.handleFetchError(ctx, err, &retriedTransient, out)
			if retryNow {
				continue
			}
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		retriedTransient = false
		s.lastContact.Store(timeNow().UnixNano())

		if _, ok := s.processBatch(ctx, sess, records, out); !ok {
			return ctx.Err()
		}

		// One heartbeat per connection lifetime, sent on the first successful
		// exchange that carried no rows, so the consumer can tell "connected
		// and idle" from "dead". A busy connect is not idle, even while the
		// backlog window suppresses its rows.
		if !heartbeatSent && len(records) == 0 {
			if !s.emit(ctx, out, NewHeartbeatRecord()) {
				return ctx.Err()
			}
			heartbeatSent = true
		}

		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}

// handleFetchError converts a classified fetch failure into a synthetic
// status record plus a backoff delay. The bool result is true when the
// caller should retry immediately instead of sleeping (granted once per
// transient-failure streak).
func (s *Streamer) handleFetchError(ctx context.Context, err error, retriedTransient *bool, out chan<- CallRecord) (time.Duration, bool) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		s.log.Warn("authentication failed", "err", err)
		s.metrics.RecordTransportError(ctx, "auth")
		s.emit(ctx, out, NewAuthRecord("authentication failed — check credentials"))
		return s.authBackoff, false

	case errors.Is(err, ErrTransient):
		s.metrics.RecordTransportError(ctx, "transient")
		if !*retriedTransient {
			*retriedTransient = true
			s.log.Debug("transient fetch failure, retrying immediately", "err", err)
			return 0, true
		}
		s.log.Warn("fetch failed", "err", err)
		s.emit(ctx, out, NewErrorRecord("server unreachable"))
		return s.errorBackoff, false

	case errors.Is(err, ErrNotFound):
		s.log.Warn("calls endpoint not found", "err", err)
		s.metrics.RecordTransportError(ctx, "not_found")
		s.emit(ctx, out, NewInfoRecord("calls endpoint not found — check server address"))
		return s.errorBackoff, false

	default:
		s.log.Error("unexpected fetch failure", "err", err)
		s.metrics.RecordTransportError(ctx, "other")
		s.emit(ctx, out, NewErrorRecord(err.Error()))
		return s.errorBackoff, false
	}
}

// processBatch classifies and emits one transport batch. Returns the number
// of records delivered and false when ctx was cancelled mid-batch.
func (s *Streamer) processBatch(ctx context.Context, sess *Session, records []CallRecord, out chan<- CallRecord) (int, bool) {
	delivered := 0
	for i := range records {
		n, ok := s.deliver(ctx, sess, records[i], out)
		if !ok {
			return delivered, false
		}
		delivered += n
	}
	sess.EndBatch(len(records))
	s.log.Debug("batch reconciled",
		"rows", len(records), "delivered", delivered, "watermark", sess.Watermark())
	return delivered, true
}

// deliver classifies one record and emits it when the engine says so.
// Returns (1, true) on delivery, (0, true) on suppression, (0, false) on
// cancellation.
func (s *Streamer) deliver(ctx context.Context, sess *Session, rec CallRecord, out chan<- CallRecord) (int, bool) {
	switch sess.Classify(&rec) {
	case DeliverNew:
		if !s.emit(ctx, out, rec) {
			return 0, false
		}
		s.metrics.RecordDelivery(ctx, "new")
		return 1, true
	case DeliverUpdate:
		if !s.emit(ctx, out, rec) {
			return 0, false
		}
		s.metrics.RecordDelivery(ctx, "update")
		return 1, true
	default:
		s.metrics.RecordSuppressed(ctx)
		return 0, true
	}
}

// emit hands one record to the consumer channel. The send blocks when the
// consumer stalls — the channel is the backpressure point — and aborts on
// cancellation. Returns false when ctx ended before the send completed.
func (s *Streamer) emit(ctx context.Context, out chan<- CallRecord, rec CallRecord) bool {
	select {
	case out <- rec:
		s.metrics.QueueDepth.Add(ctx, 1)
		return true
	case <-ctx.Done():
		return false
	}
}

// streamPush consumes the open push channel until it closes or errors.
func (s *Streamer) streamPush(ctx context.Context, conn *PushConn, sess *Session, out chan<- CallRecord, heartbeatSent *bool) error {
	for {
		events, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		s.lastContact.Store(timeNow().UnixNano())

		if err := s.handlePushEvents(ctx, sess, events, out, heartbeatSent); err != nil {
			return err
		}
	}
}

// handlePushEvents reconciles one push message worth of events. Inserted rows
// flow straight into reconciliation; update notifications are resolved by
// re-fetching the single record, because the notification itself carries no
// transcript payload.
func (s *Streamer) handlePushEvents(ctx context.Context, sess *Session, events []TransportEvent, out chan<- CallRecord, heartbeatSent *bool) error {
	ctx, span := observe.StartSpan(ctx, "feed.push.message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("feed.events", len(events))),
	)
	defer span.End()

	rows := 0
	delivered := 0
	for _, ev := range events {
		switch e := ev.(type) {
		case Inserted:
			rows++
			n, ok := s.deliver(ctx, sess, e.Record, out)
			if !ok {
				return ctx.Err()
			}
			delivered += n

		case UpdateNotification:
			rec, err := s.fetcher.FetchByID(ctx, e.ID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("re-fetch after update notification failed", "id", e.ID, "err", err)
				continue
			}
			if rec == nil {
				s.log.Debug("updated record no longer listed", "id", e.ID)
				continue
			}
			rows++
			n, ok := s.deliver(ctx, sess, *rec, out)
			if !ok {
				return ctx.Err()
			}
			delivered += n
		}
	}
	sess.EndBatch(rows)
	span.SetAttributes(attribute.Int("feed.rows", rows), attribute.Int("feed.delivered", delivered))

	// A message with no rows is the idle signal over push; same
	// one-per-connection heartbeat rule as the polling path.
	if !*heartbeatSent && rows == 0 {
		if !s.emit(ctx, out, NewHeartbeatRecord()) {
			return ctx.Err()
		}
		*heartbeatSent = true
	}
	return nil
}
