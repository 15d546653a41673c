// Package feed implements the call stream client for a remote scanner
// server: fetching call records over HTTP, receiving them over an optional
// WebSocket push channel, reconciling them against session state, and
// emitting a deduplicated, ordered record stream.
//
// The package is organised around four collaborating pieces:
//
//   - [Fetcher] issues windowed queries against the calls-listing endpoint
//     and translates wire rows into [CallRecord] values.
//   - [PushDialer] / [PushConn] provide the best-effort push channel that
//     yields the same record shape as the Fetcher.
//   - [Session] owns the per-connection reconciliation state and classifies
//     every incoming record as new, transcription update, or suppressed.
//   - [Streamer] drives the fetch-or-subscribe loop and writes the resulting
//     record stream into a bounded output channel.
package feed

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// maxTranscriptLen caps transcript text so a single oversized payload cannot
// degrade downstream processing.
const maxTranscriptLen = 20_000

// Marker talkgroup values used by synthetic status records. The consumer
// renders connection status from these instead of a separate side channel.
const (
	MarkerAuth      = "AUTH"
	MarkerError     = "ERROR"
	MarkerInfo      = "INFO"
	MarkerHeartbeat = "HEARTBEAT"
)

// CallRecord is one radio transmission as reported by the backend, or a
// synthetic status record produced by the [Streamer].
type CallRecord struct {
	// ID is the backend-assigned row identifier, stable across repeated
	// fetches of the same record. Records with an empty ID are never
	// delivered and never tracked. Synthetic records carry an empty ID.
	ID string

	// OccurredAt is when the transmission happened, in local time. Always
	// populated; falls back to the fetch time when the source value is
	// absent or unparsable.
	OccurredAt time.Time

	// Talkgroup, Source, Site, and Receiver are human labels with the raw
	// numeric ID as fallback when no label is present.
	Talkgroup string
	Source    string
	Site      string
	Receiver  string

	// Duration is the call length in seconds. Zero when unparsable.
	Duration float64

	// Transcript is the speech-to-text content. May be empty — a missing
	// transcript is a trackable state, not an error, because transcripts
	// can arrive after the record itself.
	Transcript string

	// AudioURL is the absolute URL of the call audio, resolved against the
	// server base when the wire value is relative. Empty means no audio.
	// Embedded credentials are stripped before the value leaves this package.
	AudioURL string

	// IsTranscriptionUpdate is true only when this emission represents a
	// late-arriving transcript for an ID already delivered without one.
	// The consumer must treat such records as in-place amendments.
	IsTranscriptionUpdate bool

	// Diagnostic accumulates free-form human-readable notes ("no
	// transcription", "no audio url"). Advisory only; never affects routing.
	Diagnostic string
}

// IsSynthetic reports whether r is a status record rather than a real call.
func (r CallRecord) IsSynthetic() bool {
	return r.ID == "" && r.Talkgroup != ""
}

// addDiagnostic appends a note to the record's diagnostic field.
func (r *CallRecord) addDiagnostic(note string) {
	if r.Diagnostic == "" {
		r.Diagnostic = note
		return
	}
	r.Diagnostic += "; " + note
}

// ── Synthetic status records ──────────────────────────────────────────────────

// timeNow is a package-level hook so tests can pin record timestamps.
var timeNow = time.Now

func syntheticRecord(marker, msg string) CallRecord {
	return CallRecord{
		OccurredAt: timeNow(),
		Talkgroup:  marker,
		Diagnostic: msg,
	}
}

// NewAuthRecord builds the synthetic record emitted on authentication failure.
func NewAuthRecord(msg string) CallRecord { return syntheticRecord(MarkerAuth, msg) }

// NewErrorRecord builds the synthetic record emitted on transport failure.
func NewErrorRecord(msg string) CallRecord { return syntheticRecord(MarkerError, msg) }

// NewInfoRecord builds the synthetic record used for informational status.
func NewInfoRecord(msg string) CallRecord { return syntheticRecord(MarkerInfo, msg) }

// NewHeartbeatRecord builds the one-per-connection idle heartbeat record.
func NewHeartbeatRecord() CallRecord {
	return syntheticRecord(MarkerHeartbeat, "connected, no new calls")
}

// ── Wire row parsing ──────────────────────────────────────────────────────────

// parseRow translates one wire row (a decoded JSON object from either the
// listing endpoint or the push channel) into a CallRecord. Field names are
// matched case-insensitively and every field tolerates absence. base may be
// nil, in which case relative audio references are left as-is.
func parseRow(row map[string]any, base *url.URL, now time.Time) CallRecord {
	rec := CallRecord{
		ID:         rowString(row, "DT_RowId"),
		OccurredAt: parseTimestamp(rowString(row, "StartTimeUTC", "StartTime"), now),
		Talkgroup:  labelOr(rowString(row, "TargetLabel"), rowString(row, "TargetID")),
		Source:     labelOr(rowString(row, "SourceLabel"), rowString(row, "SourceID")),
		Site:       labelOr(rowString(row, "SiteLabel"), rowString(row, "SiteID")),
		Receiver:   rowString(row, "VoiceReceiver"),
		Duration:   parseDuration(rowString(row, "CallDuration")),
		Transcript: CollapseWhitespace(rowString(row, "CallText")),
	}

	if rec.Transcript == "" {
		rec.addDiagnostic("no transcription")
	}

	audio := rowString(row, "AudioFilename")
	if audio == "" {
		rec.addDiagnostic("no audio url")
	} else {
		rec.AudioURL = ResolveAudioURL(audio, base)
	}

	return rec
}

// rowString returns the first present value among keys, matched
// case-insensitively, rendered as a string. Numeric JSON values are
// formatted without an exponent so IDs survive round-tripping.
func rowString(row map[string]any, keys ...string) string {
	for _, want := range keys {
		for k, v := range row {
			if !strings.EqualFold(k, want) {
				continue
			}
			switch val := v.(type) {
			case string:
				return strings.TrimSpace(val)
			case float64:
				return strconv.FormatFloat(val, 'f', -1, 64)
			case int:
				return strconv.Itoa(val)
			case bool:
				return strconv.FormatBool(val)
			}
		}
	}
	return ""
}

// timestampLayouts lists the ISO-8601 shapes observed from scanner servers.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
}

// parseTimestamp parses an ISO-8601 or Unix-epoch-seconds value into local
// time. Returns fallback when the value is absent or unparsable.
func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Local()
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
		return time.Unix(int64(secs), 0)
	}
	return fallback
}

// parseDuration parses a call duration in seconds. Returns 0 when the value
// is absent, unparsable, or negative.
func parseDuration(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// labelOr returns label, falling back to the raw id when no label is present.
func labelOr(label, id string) string {
	if label != "" {
		return label
	}
	return id
}

// ── Normalization ─────────────────────────────────────────────────────────────

// CollapseWhitespace normalizes transcript text: tabs and newlines become
// single spaces, runs of spaces collapse to one, leading and trailing
// whitespace is trimmed, and the result is hard-capped at 20 000 bytes. The
// cap lands on a rune boundary so the result is always valid UTF-8.
func CollapseWhitespace(s string) string {
	if s == "" {
		return ""
	}
	collapsed := strings.Join(strings.Fields(s), " ")
	if len(collapsed) > maxTranscriptLen {
		cut := maxTranscriptLen
		for cut > 0 && !utf8.RuneStart(collapsed[cut]) {
			cut--
		}
		collapsed = collapsed[:cut]
	}
	return collapsed
}

// ResolveAudioURL resolves an audio reference to an absolute URL. Relative
// references are joined to base; embedded userinfo is stripped in all cases
// so credentials never leave this layer. Returns "" for an empty reference.
func ResolveAudioURL(ref string, base *url.URL) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if !u.IsAbs() && base != nil {
		u = base.ResolveReference(u)
	}
	u.User = nil
	return u.String()
}

// String renders the record as a single log-friendly line.
func (r CallRecord) String() string {
	if r.IsSynthetic() {
		return fmt.Sprintf("[%s] %s", r.Talkgroup, r.Diagnostic)
	}
	return fmt.Sprintf("%s %s %s → %s (%.1fs) %s",
		r.OccurredAt.Format("15:04:05"), r.ID, r.Source, r.Talkgroup, r.Duration, r.Transcript)
}
