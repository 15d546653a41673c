package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// pushPath is the push channel endpoint off the server base URL.
const pushPath = "/ws"

// TransportEvent is one normalized event from either transport. It is a
// sealed variant: [Inserted] carries a full record row, [UpdateNotification]
// says "record N changed, re-fetch it" and carries no transcript payload.
type TransportEvent interface {
	transportEvent()
}

// Inserted is a full-record insert event.
type Inserted struct {
	Record CallRecord
}

// UpdateNotification says the record identified by ID was updated server-side
// and must be re-fetched before reconciliation.
type UpdateNotification struct {
	ID string
}

func (Inserted) transportEvent()           {}
func (UpdateNotification) transportEvent() {}

// PushDialer opens the optional persistent push channel. Push is a
// best-effort optimization, never required for correctness: any failure to
// open simply means the caller keeps polling.
type PushDialer struct {
	base *url.URL
	auth BasicAuth
	log  *slog.Logger
}

// NewPushDialer creates a dialer for the push channel at the fixed path off
// base. The scheme is upgraded http→ws / https→wss at dial time.
func NewPushDialer(base *url.URL, auth BasicAuth, log *slog.Logger) *PushDialer {
	if log == nil {
		log = slog.Default()
	}
	return &PushDialer{base: base, auth: auth, log: log}
}

// TryOpen attempts to establish the push channel. It returns nil rather than
// an error on any failure — servers that do not expose the channel are
// common, and the caller applies a cooldown before the next attempt to avoid
// connect storms.
func (d *PushDialer) TryOpen(ctx context.Context) *PushConn {
	wsURL := *d.base.JoinPath(pushPath)
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}

	opts := &websocket.DialOptions{}
	if d.auth.Configured() {
		req, err := http.NewRequest(http.MethodGet, wsURL.String(), nil)
		if err != nil {
			return nil
		}
		req.SetBasicAuth(d.auth.Username, d.auth.Password)
		opts.HTTPHeader = req.Header
	}

	conn, _, err := websocket.Dial(ctx, wsURL.String(), opts)
	if err != nil {
		d.log.Debug("push channel unavailable", "url", wsURL.String(), "err", err)
		return nil
	}

	d.log.Info("push channel open", "url", wsURL.String())
	return &PushConn{conn: conn, base: d.base}
}

// PushConn is an open push channel. It is owned by a single reader; Receive
// must not be called concurrently.
type PushConn struct {
	conn *websocket.Conn
	base *url.URL
}

// Receive blocks until the next push message arrives and returns its
// normalized events. A malformed message yields an empty slice and a nil
// error so one bad payload does not tear the channel down. A read error
// (including remote close and context cancellation) is returned to the
// caller, which falls back to polling.
func (c *PushConn) Receive(ctx context.Context) ([]TransportEvent, error) {
	_, msg, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return parsePushMessage(msg, c.base), nil
}

// Close shuts the channel down cleanly.
func (c *PushConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "stream stopped")
}

// parsePushMessage decodes one push payload. Messages are JSON objects or
// arrays of objects; an object with an "update" flag plus an id means
// "re-fetch this record", anything else is treated as full record row(s) in
// the same shape as the HTTP listing rows.
func parsePushMessage(msg []byte, base *url.URL) []TransportEvent {
	var rows []map[string]any

	var single map[string]any
	if err := json.Unmarshal(msg, &single); err == nil {
		rows = []map[string]any{single}
	} else if err := json.Unmarshal(msg, &rows); err != nil {
		return nil
	}

	events := make([]TransportEvent, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		if isUpdateFlag(row) {
			if id := rowString(row, "DT_RowId", "id"); id != "" {
				events = append(events, UpdateNotification{ID: id})
			}
			continue
		}
		events = append(events, Inserted{Record: parseRow(row, base, timeNow())})
	}
	return events
}

// isUpdateFlag reports whether the row carries a truthy "update" marker.
func isUpdateFlag(row map[string]any) bool {
	for k, v := range row {
		if k != "update" && k != "Update" {
			continue
		}
		switch val := v.(type) {
		case bool:
			return val
		case float64:
			return val != 0
		case string:
			return val == "true" || val == "1"
		}
	}
	return false
}
