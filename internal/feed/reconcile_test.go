package feed

import "testing"

// classify is a test helper that runs one record through the session and
// returns the decision alongside the (possibly mutated) record.
func classify(t *testing.T, s *Session, id, transcript string) (Decision, CallRecord) {
	t.Helper()
	rec := CallRecord{ID: id, Transcript: transcript}
	return s.Classify(&rec), rec
}

// open closes the backlog suppression window the way a live stream would:
// one non-empty batch fully processed.
func open(s *Session) {
	s.EndBatch(1)
}

func TestClassifyNewRecordAfterBacklog(t *testing.T) {
	s := NewSession()
	open(s)

	d, _ := classify(t, s, "100", "engine responding")
	if d != DeliverNew {
		t.Fatalf("first occurrence = %v, want DeliverNew", d)
	}
	if s.SeenCount() != 1 {
		t.Errorf("SeenCount = %d, want 1", s.SeenCount())
	}
}

func TestClassifySuppressesDuplicates(t *testing.T) {
	s := NewSession()
	open(s)

	classify(t, s, "100", "engine responding")
	for i := 0; i < 3; i++ {
		if d, _ := classify(t, s, "100", "engine responding"); d != Suppress {
			t.Fatalf("repeat occurrence %d = %v, want Suppress", i, d)
		}
	}
}

func TestClassifyTranscriptionUpdate(t *testing.T) {
	s := NewSession()
	open(s)

	if d, _ := classify(t, s, "200", ""); d != DeliverNew {
		t.Fatalf("transcript-less first occurrence = %v, want DeliverNew", d)
	}
	if s.AwaitingCount() != 1 {
		t.Fatalf("AwaitingCount = %d, want 1", s.AwaitingCount())
	}

	// Re-observations without a transcript stay suppressed.
	if d, _ := classify(t, s, "200", ""); d != Suppress {
		t.Fatalf("still-empty re-observation = %v, want Suppress", d)
	}

	d, rec := classify(t, s, "200", "now transcribed")
	if d != DeliverUpdate {
		t.Fatalf("transcript arrival = %v, want DeliverUpdate", d)
	}
	if !rec.IsTranscriptionUpdate {
		t.Error("IsTranscriptionUpdate not set on update delivery")
	}
	if s.AwaitingCount() != 0 {
		t.Errorf("AwaitingCount = %d after resolution, want 0", s.AwaitingCount())
	}
}

func TestClassifyTranscriptStateIsTerminal(t *testing.T) {
	s := NewSession()
	open(s)

	classify(t, s, "300", "")
	classify(t, s, "300", "first transcript")

	// A changed transcript for a resolved ID must never re-deliver.
	if d, _ := classify(t, s, "300", "revised transcript"); d != Suppress {
		t.Fatalf("post-terminal occurrence = %v, want Suppress", d)
	}
}

func TestClassifyRecordWithTranscriptIsImmediatelyTerminal(t *testing.T) {
	s := NewSession()
	open(s)

	classify(t, s, "400", "already transcribed")
	if s.AwaitingCount() != 0 {
		t.Fatalf("AwaitingCount = %d, want 0 for transcript-bearing first delivery", s.AwaitingCount())
	}
	if d, _ := classify(t, s, "400", "already transcribed"); d != Suppress {
		t.Fatalf("re-observation = %v, want Suppress", d)
	}
}

func TestClassifyMissingIDNeverDeliveredNeverTracked(t *testing.T) {
	s := NewSession()
	open(s)

	for i := 0; i < 2; i++ {
		if d, _ := classify(t, s, "", "some text"); d != Suppress {
			t.Fatalf("missing-id occurrence = %v, want Suppress", d)
		}
	}
	if s.SeenCount() != 0 {
		t.Errorf("SeenCount = %d, want 0 — id-less records must not be tracked", s.SeenCount())
	}
}

func TestClassifyNormalizesWhitespaceOnlyTranscript(t *testing.T) {
	s := NewSession()
	open(s)

	// A whitespace-only transcript is the same as no transcript.
	d, rec := classify(t, s, "500", " \t\n ")
	if d != DeliverNew {
		t.Fatalf("decision = %v, want DeliverNew", d)
	}
	if rec.Transcript != "" {
		t.Errorf("Transcript = %q, want empty after normalization", rec.Transcript)
	}
	if s.AwaitingCount() != 1 {
		t.Errorf("AwaitingCount = %d, want 1 — whitespace transcript counts as missing", s.AwaitingCount())
	}
}

func TestBacklogSuppression(t *testing.T) {
	s := NewSession()

	if !s.Suppressing() {
		t.Fatal("fresh session must start with the suppression window open")
	}

	// Initial backlog: recorded but not delivered.
	if d, _ := classify(t, s, "1", "historical call one"); d != Suppress {
		t.Fatalf("backlog record = %v, want Suppress", d)
	}
	if d, _ := classify(t, s, "2", ""); d != Suppress {
		t.Fatalf("backlog record = %v, want Suppress", d)
	}
	s.EndBatch(2)

	if s.Suppressing() {
		t.Fatal("suppression window still open after a non-empty batch")
	}

	// Backlog IDs stay known: no late duplicate delivery.
	if d, _ := classify(t, s, "1", "historical call one"); d != Suppress {
		t.Fatalf("re-observed backlog record = %v, want Suppress", d)
	}

	// But a backlog ID awaiting its transcript still resolves.
	if d, _ := classify(t, s, "2", "late transcript"); d != DeliverUpdate {
		t.Fatalf("backlog transcript arrival = %v, want DeliverUpdate", d)
	}

	// And genuinely new IDs deliver.
	if d, _ := classify(t, s, "3", "fresh call"); d != DeliverNew {
		t.Fatalf("post-backlog record = %v, want DeliverNew", d)
	}
}

func TestEmptyFirstBatchKeepsSuppressionOpen(t *testing.T) {
	s := NewSession()

	s.EndBatch(0)
	if !s.Suppressing() {
		t.Fatal("empty batch must not close the suppression window")
	}

	s.EndBatch(3)
	if s.Suppressing() {
		t.Fatal("non-empty batch must close the suppression window")
	}
}

// The session is shared across transport switches within one run, so a record
// seen over push is suppressed when the next poll returns it again.
func TestSessionSharedAcrossTransportSwitch(t *testing.T) {
	s := NewSession()
	open(s)

	// Arrived over push.
	if d, _ := classify(t, s, "900", "push delivery"); d != DeliverNew {
		t.Fatalf("push occurrence = %v, want DeliverNew", d)
	}

	// Same record shows up in the next polling window.
	if d, _ := classify(t, s, "900", "push delivery"); d != Suppress {
		t.Fatalf("poll re-observation = %v, want Suppress", d)
	}
}

func TestClassifyAdvancesWatermark(t *testing.T) {
	s := NewSession()
	open(s)

	classify(t, s, "17", "first")
	if got := s.Watermark(); got != 17 {
		t.Fatalf("Watermark = %d after record 17, want 17", got)
	}

	// Out-of-order and repeated ids never move the cursor backwards.
	classify(t, s, "9", "older row")
	classify(t, s, "17", "first")
	if got := s.Watermark(); got != 17 {
		t.Errorf("Watermark = %d, want 17", got)
	}

	classify(t, s, "23", "newer row")
	if got := s.Watermark(); got != 23 {
		t.Errorf("Watermark = %d, want 23", got)
	}

	// Non-numeric ids are valid records but carry no cursor position.
	classify(t, s, "call-abc", "labelled id")
	if got := s.Watermark(); got != 23 {
		t.Errorf("Watermark = %d after non-numeric id, want 23", got)
	}
}

func TestWatermarkNeverRegresses(t *testing.T) {
	s := NewSession()

	s.Advance(10)
	s.Advance(7)
	if got := s.Watermark(); got != 10 {
		t.Errorf("Watermark = %d, want 10", got)
	}
	s.Advance(12)
	if got := s.Watermark(); got != 12 {
		t.Errorf("Watermark = %d, want 12", got)
	}
}

func TestDecisionString(t *testing.T) {
	tests := []struct {
		d    Decision
		want string
	}{
		{DeliverNew, "new"},
		{DeliverUpdate, "update"},
		{Suppress, "suppress"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("Decision(%d).String() = %q, want %q", tt.d, got, tt.want)
		}
	}
}
