package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/calltail/calltail/internal/observe"
)

const (
	// listPath is the calls-listing endpoint off the server base URL.
	listPath = "/calls"

	// maxWindowLength bounds the cost of a single listing request.
	maxWindowLength = 200

	defaultHTTPTimeout = 15 * time.Second
)

// listColumns is the column set sent with every listing request. The server
// uses it to decide which fields appear on each returned row.
var listColumns = []string{
	"DT_RowId", "StartTime", "TargetID", "TargetLabel", "SourceID",
	"SourceLabel", "SiteID", "SiteLabel", "VoiceReceiver", "CallText",
	"AudioFilename", "CallDuration",
}

// BasicAuth is an HTTP Basic credential pair attached to both the listing
// endpoint and the push channel handshake. The zero value means no auth.
type BasicAuth struct {
	Username string
	Password string
}

// Configured reports whether the credential pair is non-empty.
func (a BasicAuth) Configured() bool { return a.Username != "" || a.Password != "" }

// FetcherOption configures a [Fetcher] during construction.
type FetcherOption func(*Fetcher)

// WithHTTPClient overrides the HTTP client used for listing requests.
// Intended for tests and callers that need custom transport settings.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithAuth attaches HTTP Basic credentials to every listing request.
func WithAuth(auth BasicAuth) FetcherOption {
	return func(f *Fetcher) { f.auth = auth }
}

// Fetcher issues windowed queries against the remote calls-listing endpoint
// and translates raw wire rows into [CallRecord] values. It is stateless per
// call apart from the monotonically increasing draw counter; it performs no
// deduplication and never reorders what the server returns.
type Fetcher struct {
	base       *url.URL
	auth       BasicAuth
	httpClient *http.Client
	draw       int
}

// NewFetcher creates a Fetcher for the scanner server at baseURL
// (e.g., "https://scanner.example.net"). baseURL must be absolute.
func NewFetcher(baseURL string, opts ...FetcherOption) (*Fetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("feed: parse base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("feed: base url %q is not absolute", baseURL)
	}
	f := &Fetcher{
		base:       base,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Base returns the configured server base URL.
func (f *Fetcher) Base() *url.URL { return f.base }

// ── Wire shapes ───────────────────────────────────────────────────────────────

// searchSpec and columnSpec follow the generic server-side paging contract
// (DataTables-shaped request/response).
type searchSpec struct {
	Value string `json:"value"`
	Regex bool   `json:"regex"`
}

type columnSpec struct {
	Data       string     `json:"data"`
	Name       string     `json:"name"`
	Searchable bool       `json:"searchable"`
	Orderable  bool       `json:"orderable"`
	Search     searchSpec `json:"search"`
}

type listRequest struct {
	Draw    int          `json:"draw"`
	Start   int          `json:"start"`
	Length  int          `json:"length"`
	Search  searchSpec   `json:"search"`
	Columns []columnSpec `json:"columns"`
}

type listResponse struct {
	Draw            int              `json:"draw"`
	RecordsFiltered int              `json:"recordsFiltered"`
	Data            []map[string]any `json:"data"`
}

// ── Fetch ─────────────────────────────────────────────────────────────────────

// Fetch retrieves one window of call records starting at offset start.
// length is clamped to [1, 200]. Records come back in server order
// (typically newest-first). The second return value is the server's total
// matching-record count.
//
// Failures are classified: [ErrUnauthorized] for 401/403, [ErrNotFound] for
// 404, [ErrTransient] for timeouts, connection errors, and 5xx responses.
// A malformed body on a 200 response yields an empty result and a nil error
// so one bad payload cannot stall the polling loop.
func (f *Fetcher) Fetch(ctx context.Context, start, length int) ([]CallRecord, int, error) {
	return f.fetch(ctx, start, length, "")
}

// FetchByID re-fetches a single record by its row ID. Used to resolve push
// "record updated" notifications, which carry no transcript payload.
// Returns a nil record pointer (and nil error) when the server no longer
// reports the record.
func (f *Fetcher) FetchByID(ctx context.Context, id string) (*CallRecord, error) {
	records, _, err := f.fetch(ctx, 0, maxWindowLength, id)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], nil
		}
	}
	return nil, nil
}

func (f *Fetcher) fetch(ctx context.Context, start, length int, search string) ([]CallRecord, int, error) {
	if start < 0 {
		start = 0
	}
	if length <= 0 || length > maxWindowLength {
		length = maxWindowLength
	}

	ctx, span := observe.StartSpan(ctx, "feed.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("feed.start", start),
			attribute.Int("feed.length", length),
		),
	)
	defer span.End()

	f.draw++
	reqBody := listRequest{
		Draw:   f.draw,
		Start:  start,
		Length: length,
		Search: searchSpec{Value: search},
	}
	for _, col := range listColumns {
		reqBody.Columns = append(reqBody.Columns, columnSpec{
			Data:       col,
			Name:       col,
			Searchable: true,
		})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("feed: marshal list request: %w", err)
	}

	endpoint := f.base.JoinPath(listPath).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.auth.Configured() {
		req.SetBasicAuth(f.auth.Username, f.auth.Password)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, classifyNetError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, 0, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	var listResp listResponse
	if err := json.Unmarshal(body, &listResp); err != nil {
		// A non-JSON body on a success status is treated as an empty batch,
		// not a hard failure.
		return nil, 0, nil
	}

	now := timeNow()
	records := make([]CallRecord, 0, len(listResp.Data))
	for _, row := range listResp.Data {
		records = append(records, parseRow(row, f.base, now))
	}
	span.SetAttributes(attribute.Int("feed.rows", len(records)))
	return records, listResp.RecordsFiltered, nil
}

// classifyStatus maps an HTTP status code onto the transport error taxonomy.
// Returns nil for 2xx.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: server returned %d", ErrUnauthorized, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: server returned 404", ErrNotFound)
	case code >= 500:
		return fmt.Errorf("%w: server returned %d", ErrTransient, code)
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrNotFound, code)
	}
}

// classifyNetError maps a transport-level error onto the taxonomy. Timeouts,
// refused connections, and resets are all transient from the loop's point of
// view — the distinction that matters is auth vs. everything else.
func classifyNetError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
