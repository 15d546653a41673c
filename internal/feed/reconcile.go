package feed

import "strconv"

// Decision is the reconciliation outcome for one incoming record occurrence.
type Decision int

const (
	// Suppress means the record must not be delivered: it has no ID, it was
	// already delivered in this state, or it is part of the initial backlog.
	Suppress Decision = iota

	// DeliverNew means the record's ID has not been delivered this session.
	DeliverNew

	// DeliverUpdate means a previously delivered record just gained its
	// transcript; the consumer amends the earlier delivery in place.
	DeliverUpdate
)

// String returns the decision name for logs and metric attributes.
func (d Decision) String() string {
	switch d {
	case DeliverNew:
		return "new"
	case DeliverUpdate:
		return "update"
	default:
		return "suppress"
	}
}

// Session owns the reconciliation state for one connect/disconnect
// lifecycle. It is created at stream start, mutated exclusively by the one
// goroutine driving the stream, and discarded at stream stop — never
// persisted, never shared, never reused across a reconnect.
//
// The per-ID state machine is:
//
//	unseen → delivered(no transcript) → delivered(has transcript)
//
// or directly unseen → delivered(has transcript). The transcript-bearing
// state is terminal: no further emissions happen for that ID.
type Session struct {
	// seen holds every ID delivered (or backlog-suppressed) this session.
	seen map[string]struct{}

	// awaiting holds IDs delivered as new with an empty transcript and not
	// yet resolved. Always a subset of seen.
	awaiting map[string]struct{}

	// suppressBacklog is true from session start until the first non-empty
	// batch has been fully processed. While true, newly seen IDs are
	// recorded but not delivered, so connecting does not flood the consumer
	// with historical backlog.
	suppressBacklog bool

	// watermark is the monotonically non-decreasing cursor for transports
	// that support incremental sync.
	watermark int64
}

// NewSession creates a fresh session with the backlog suppression window
// open.
func NewSession() *Session {
	return &Session{
		seen:            make(map[string]struct{}),
		awaiting:        make(map[string]struct{}),
		suppressBacklog: true,
	}
}

// Classify decides whether rec is delivered as new, delivered as a
// transcription update, or suppressed, and updates session state
// accordingly. The transcript is normalized in place before classification
// and IsTranscriptionUpdate is set on the update path.
//
// Classify never fails: there is no input it cannot place, the worst case is
// Suppress.
func (s *Session) Classify(rec *CallRecord) Decision {
	rec.Transcript = CollapseWhitespace(rec.Transcript)

	// Records without an ID cannot be deduplicated — drop and do not track.
	if rec.ID == "" {
		return Suppress
	}

	// Numeric row ids double as the incremental-sync cursor.
	if seq, err := strconv.ParseInt(rec.ID, 10, 64); err == nil {
		s.Advance(seq)
	}

	if _, ok := s.seen[rec.ID]; !ok {
		s.seen[rec.ID] = struct{}{}
		if rec.Transcript == "" {
			s.awaiting[rec.ID] = struct{}{}
		} else {
			delete(s.awaiting, rec.ID)
		}
		if s.suppressBacklog {
			return Suppress
		}
		return DeliverNew
	}

	// Seen before: the only remaining transition is a late transcript for an
	// ID delivered without one.
	if _, waiting := s.awaiting[rec.ID]; waiting && rec.Transcript != "" {
		delete(s.awaiting, rec.ID)
		rec.IsTranscriptionUpdate = true
		return DeliverUpdate
	}

	return Suppress
}

// EndBatch marks one transport batch of rows as fully processed. The first
// batch with at least one row closes the backlog suppression window; an
// empty first batch leaves it open.
func (s *Session) EndBatch(rows int) {
	if s.suppressBacklog && rows > 0 {
		s.suppressBacklog = false
	}
}

// Suppressing reports whether the backlog suppression window is still open.
func (s *Session) Suppressing() bool { return s.suppressBacklog }

// SeenCount returns the number of IDs tracked this session.
func (s *Session) SeenCount() int { return len(s.seen) }

// AwaitingCount returns the number of IDs still waiting for a transcript.
func (s *Session) AwaitingCount() int { return len(s.awaiting) }

// Advance moves the incremental-sync watermark forward. Values below the
// current watermark are ignored so the cursor never regresses.
func (s *Session) Advance(seq int64) {
	if seq > s.watermark {
		s.watermark = seq
	}
}

// Watermark returns the current incremental-sync cursor value.
func (s *Session) Watermark() int64 { return s.watermark }
