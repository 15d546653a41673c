// Package app wires all calltail subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the stream and consumer loops, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithOutput, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/calltail/calltail/internal/alert"
	"github.com/calltail/calltail/internal/archive"
	"github.com/calltail/calltail/internal/config"
	"github.com/calltail/calltail/internal/feed"
	"github.com/calltail/calltail/internal/health"
	"github.com/calltail/calltail/internal/logbuf"
	"github.com/calltail/calltail/internal/observe"
	"github.com/calltail/calltail/internal/resilience"
)

const defaultQueueSize = 64

// feedStaleAfter is how long the readiness probe tolerates silence from the
// server before reporting the feed as stale. Generous enough to cover the
// auth backoff plus one poll cycle.
const feedStaleAfter = 90 * time.Second

// Archiver is the slice of [archive.Store] the app needs: the consumer loop
// writes through it, the /callz endpoint reads from it. Satisfied by
// *archive.Store; tests inject fakes.
type Archiver interface {
	SaveCall(ctx context.Context, c archive.Call) error
	RecentCalls(ctx context.Context, limit int) ([]archive.Call, error)
	CallByID(ctx context.Context, id string) (*archive.Call, error)
	Ping(ctx context.Context) error
	Close()
}

// App owns all subsystem lifetimes and drives the record stream from the
// transport to the consumer.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	logBuf  *logbuf.Buffer
	metrics *observe.Metrics

	streamer *feed.Streamer
	queue    chan feed.CallRecord
	store    Archiver // nil when archiving is disabled
	breaker  *resilience.Breaker
	matcher  atomic.Pointer[alert.Matcher]
	out      io.Writer
	levelVar *slog.LevelVar

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects an archive store instead of creating one from config.
func WithArchive(s Archiver) Option {
	return func(a *App) { a.store = s }
}

// WithOutput redirects the delivered-record tail output. Default os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLogger sets the application logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLogBuffer attaches the ring buffer that backs the status surface.
func WithLogBuffer(b *logbuf.Buffer) Option {
	return func(a *App) { a.logBuf = b }
}

// WithLevelVar attaches the slog level var so log.level config reloads take
// effect without a restart.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMetrics injects a metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together: fetcher, optional
// push dialer, streamer, alert matcher, and (when configured) the Postgres
// archive.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		out: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── Transport ────────────────────────────────────────────────────────
	username, password := cfg.Server.Credentials()
	auth := feed.BasicAuth{Username: username, Password: password}

	fetcher, err := feed.NewFetcher(cfg.Server.BaseURL, feed.WithAuth(auth))
	if err != nil {
		return nil, fmt.Errorf("app: init fetcher: %w", err)
	}

	streamOpts := []feed.StreamerOption{
		feed.WithLogger(a.log),
		feed.WithMetrics(a.metrics),
	}
	if !cfg.Stream.DisablePush {
		streamOpts = append(streamOpts,
			feed.WithPush(feed.NewPushDialer(fetcher.Base(), auth, a.log)))
	}
	if cfg.Stream.PollIntervalSeconds > 0 {
		streamOpts = append(streamOpts,
			feed.WithPollInterval(time.Duration(cfg.Stream.PollIntervalSeconds)*time.Second))
	}
	if cfg.Stream.PushCooldownSeconds > 0 {
		streamOpts = append(streamOpts,
			feed.WithPushCooldown(time.Duration(cfg.Stream.PushCooldownSeconds)*time.Second))
	}
	if cfg.Stream.WindowLength > 0 {
		streamOpts = append(streamOpts, feed.WithWindowLength(cfg.Stream.WindowLength))
	}
	a.streamer = feed.NewStreamer(fetcher, streamOpts...)

	queueSize := cfg.Stream.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a.queue = make(chan feed.CallRecord, queueSize)

	// ── Alert rules ──────────────────────────────────────────────────────
	a.matcher.Store(alert.New(rulesFromConfig(cfg.Alerts)))

	// ── Archive (optional) ───────────────────────────────────────────────
	if a.store == nil && cfg.Archive.PostgresDSN != "" {
		store, err := archive.NewStore(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: init archive: %w", err)
		}
		a.store = store
		a.log.Info("call archive enabled")
	}
	if a.store != nil {
		a.breaker = resilience.New(resilience.Config{Name: "archive"})
	}

	return a, nil
}

// Run executes the stream loop, the consumer loop, and (when configured) the
// metrics endpoint until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.streamer.Run(ctx, a.queue)
	})

	g.Go(func() error {
		return a.consume(ctx)
	})

	if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
		g.Go(func() error {
			return a.serveMetrics(ctx, addr)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume drains the hand-off queue: every delivered record is printed to
// the tail output, scanned against the alert rules, and archived. Synthetic
// status records are printed but never archived or alert-scanned.
func (a *App) consume(ctx context.Context) error {
	for rec := range a.queue {
		a.metrics.QueueDepth.Add(ctx, -1)

		fmt.Fprintln(a.out, rec.String())

		if rec.IsSynthetic() {
			continue
		}

		a.scanAlerts(ctx, rec)

		if a.store != nil {
			a.archiveRecord(ctx, rec)
		}
	}
	return ctx.Err()
}

// archiveRecord writes one delivered record through the archive breaker. An
// open breaker skips the write so a dead database cannot stall the tail.
func (a *App) archiveRecord(ctx context.Context, rec feed.CallRecord) {
	ctx, span := observe.StartSpan(ctx, "archive.save",
		trace.WithAttributes(observe.Attr("call.id", rec.ID)))
	defer span.End()

	err := a.breaker.Do(func() error {
		return a.store.SaveCall(ctx, callFromRecord(rec))
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		a.log.Debug("archive write skipped, breaker open", "id", rec.ID)
		a.metrics.RecordArchiveWrite(ctx, "skipped")
	case err != nil:
		a.log.Warn("archive write failed", "id", rec.ID, "err", err)
		a.metrics.RecordArchiveWrite(ctx, "error")
	default:
		a.metrics.RecordArchiveWrite(ctx, "ok")
	}
}

// scanAlerts runs the current alert rule set over the record's transcript.
func (a *App) scanAlerts(ctx context.Context, rec feed.CallRecord) {
	m := a.matcher.Load()
	if m == nil || rec.Transcript == "" {
		return
	}
	for _, hit := range m.Scan(rec.Transcript) {
		a.log.Info("alert keyword matched",
			"rule", hit.Rule,
			"keyword", hit.Keyword,
			"word", hit.Word,
			"score", hit.Score,
			"id", rec.ID,
			"talkgroup", rec.Talkgroup,
		)
		a.metrics.RecordAlertHit(ctx, hit.Rule)
	}
}

// serveMetrics exposes the ops endpoint until ctx ends.
func (a *App) serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.opsMux()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("ops endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: ops server: %w", err)
	}
	return nil
}

// opsMux builds the ops endpoint surface: Prometheus metrics, the health
// probes, the buffered log tail, and the archived-call lookup.
func (a *App) opsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.healthHandler().Register(mux)
	mux.HandleFunc("GET /logz", a.handleLogz)
	mux.HandleFunc("GET /callz", a.handleCallz)
	return mux
}

// handleLogz serves the buffered log tail as plain text, oldest first.
func (a *App) handleLogz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range a.LogLines() {
		fmt.Fprintln(w, line)
	}
}

// handleCallz serves archived calls as JSON: the most recent calls by
// default (?limit=N), or a single call when ?id= is given.
func (a *App) handleCallz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	ctx := r.Context()

	if id := r.URL.Query().Get("id"); id != "" {
		c, err := a.store.CallByID(ctx, id)
		if err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				http.Error(w, "call not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeCallJSON(w, c)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	calls, err := a.store.RecentCalls(ctx, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if calls == nil {
		calls = []archive.Call{}
	}
	writeCallJSON(w, calls)
}

func writeCallJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// healthHandler builds the readiness checker set: the feed transport must
// have heard from the server recently, and the archive (when enabled) must
// answer a ping.
func (a *App) healthHandler() *health.Handler {
	checkers := []health.Checker{{
		Name: "feed",
		Check: func(context.Context) error {
			last := a.streamer.LastContact()
			if last.IsZero() {
				return errors.New("no server contact yet")
			}
			if age := time.Since(last); age > feedStaleAfter {
				return fmt.Errorf("last server contact %s ago", age.Round(time.Second))
			}
			return nil
		},
	}}
	if a.store != nil {
		checkers = append(checkers, health.Checker{
			Name:  "archive",
			Check: a.store.Ping,
		})
	}
	return health.New(checkers...)
}

// ApplyDiff applies a hot-reloadable config change: log level and alert
// rules. Everything else requires a restart.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AlertsChanged {
		a.matcher.Store(alert.New(rulesFromConfig(d.NewAlerts)))
		a.log.Info("alert rules reloaded", "rules", len(d.NewAlerts))
	}
}

// LogLines returns a snapshot of the buffered log tail, oldest first.
// Returns nil when no log buffer was attached.
func (a *App) LogLines() []string {
	if a.logBuf == nil {
		return nil
	}
	return a.logBuf.Lines()
}

// Shutdown releases held resources. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		if a.store != nil {
			a.store.Close()
		}
	})
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// rulesFromConfig converts config alert entries into matcher rules.
func rulesFromConfig(entries []config.AlertRuleConfig) []alert.Rule {
	rules := make([]alert.Rule, 0, len(entries))
	for _, e := range entries {
		rules = append(rules, alert.Rule{Name: e.Name, Keywords: e.Keywords})
	}
	return rules
}

// callFromRecord maps a delivered record onto an archive row.
func callFromRecord(rec feed.CallRecord) archive.Call {
	return archive.Call{
		ID:         rec.ID,
		OccurredAt: rec.OccurredAt,
		Talkgroup:  rec.Talkgroup,
		Source:     rec.Source,
		Site:       rec.Site,
		Receiver:   rec.Receiver,
		Duration:   rec.Duration,
		Transcript: rec.Transcript,
		AudioURL:   rec.AudioURL,
	}
}

// slogLevel maps a config log level onto a slog.Level.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
