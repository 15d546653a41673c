package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// scriptedServer serves one canned response per listing request, repeating
// the last entry once the script runs out.
type scriptedServer struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
}

type scriptedResponse struct {
	status int
	body   string
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	resp := s.responses[i]
	s.mu.Unlock()

	if resp.status != 0 && resp.status != http.StatusOK {
		w.WriteHeader(resp.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(resp.body))
}

func (s *scriptedServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// runStream drives one Run call against the scripted server. The sleep hook
// records every backoff delay and cancels the context after cancelAfter
// sleeps, so no test ever waits in real time.
func runStream(t *testing.T, script []scriptedResponse, cancelAfter int) (records []CallRecord, slept []time.Duration, calls int) {
	t.Helper()

	server := &scriptedServer{responses: script}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	f, err := NewFetcher(srv.URL)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStreamer(f)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) >= cancelAfter {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	out := make(chan CallRecord, 64)
	done := make(chan struct{})
	go func() {
		for rec := range out {
			records = append(records, rec)
		}
		close(done)
	}()

	if err := s.Run(ctx, out); err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	<-done

	return records, slept, server.callCount()
}

func TestRunAuthFailureBacksOffLonger(t *testing.T) {
	records, slept, _ := runStream(t, []scriptedResponse{
		{status: http.StatusUnauthorized},
	}, 1)

	if len(records) != 1 {
		t.Fatalf("got %d records, want exactly one AUTH record", len(records))
	}
	if records[0].Talkgroup != MarkerAuth {
		t.Errorf("marker = %q, want %q", records[0].Talkgroup, MarkerAuth)
	}
	if len(slept) != 1 || slept[0] < defaultAuthBackoff {
		t.Errorf("slept = %v, want one delay of at least %v", slept, defaultAuthBackoff)
	}
}

func TestRunTransientFailureRetriesOnceThenBacksOff(t *testing.T) {
	records, slept, calls := runStream(t, []scriptedResponse{
		{status: http.StatusInternalServerError},
		{status: http.StatusInternalServerError},
	}, 1)

	// First 5xx earns an immediate retry with no sleep and no status record;
	// the second converts to a synthetic ERROR plus the generic backoff.
	if calls != 2 {
		t.Errorf("server saw %d requests, want 2 (one immediate retry)", calls)
	}
	if len(records) != 1 || records[0].Talkgroup != MarkerError {
		t.Fatalf("records = %v, want one ERROR record", records)
	}
	if len(slept) != 1 || slept[0] != defaultErrorBackoff {
		t.Errorf("slept = %v, want one delay of %v", slept, defaultErrorBackoff)
	}
}

func TestRunNotFoundEmitsInfo(t *testing.T) {
	records, slept, _ := runStream(t, []scriptedResponse{
		{status: http.StatusNotFound},
	}, 1)

	if len(records) != 1 || records[0].Talkgroup != MarkerInfo {
		t.Fatalf("records = %v, want one INFO record", records)
	}
	if len(slept) != 1 || slept[0] != defaultErrorBackoff {
		t.Errorf("slept = %v, want the generic backoff", slept)
	}
}

func TestRunSuppressesBacklogThenDelivers(t *testing.T) {
	records, _, _ := runStream(t, []scriptedResponse{
		// Initial backlog: recorded, not delivered. A has no transcript yet.
		{body: `{"data": [
			{"DT_RowId": "A", "CallText": ""},
			{"DT_RowId": "B", "CallText": "historical"}
		]}`},
		// A gains its transcript, C is genuinely new.
		{body: `{"data": [
			{"DT_RowId": "A", "CallText": "late transcript"},
			{"DT_RowId": "B", "CallText": "historical"},
			{"DT_RowId": "C", "CallText": "fresh call"}
		]}`},
	}, 2)

	if len(records) != 2 {
		t.Fatalf("got %d records %v, want update + new", len(records), records)
	}

	// The backlog batch carried rows, so the connection was never idle and no
	// heartbeat fires even though nothing was delivered from it.
	for _, rec := range records {
		if rec.Talkgroup == MarkerHeartbeat {
			t.Errorf("heartbeat emitted after a non-empty backlog batch: %v", records)
		}
	}

	if records[0].ID != "A" || !records[0].IsTranscriptionUpdate {
		t.Errorf("records[0] = %+v, want transcription update for A", records[0])
	}
	if records[0].Transcript != "late transcript" {
		t.Errorf("update transcript = %q", records[0].Transcript)
	}

	if records[1].ID != "C" || records[1].IsTranscriptionUpdate {
		t.Errorf("records[1] = %+v, want plain new delivery for C", records[1])
	}
}

func TestRunHeartbeatOncePerSession(t *testing.T) {
	records, _, calls := runStream(t, []scriptedResponse{
		{body: `{"data": []}`},
	}, 3)

	if calls < 3 {
		t.Fatalf("server saw %d requests, want at least 3 polls", calls)
	}

	beats := 0
	for _, rec := range records {
		if rec.Talkgroup == MarkerHeartbeat {
			beats++
		}
	}
	if beats != 1 {
		t.Errorf("got %d heartbeats across %d idle polls, want exactly 1", beats, calls)
	}
}

func TestRunNeverDeliversDuplicates(t *testing.T) {
	later := `{"data": [
		{"DT_RowId": "X", "CallText": "same call"},
		{"DT_RowId": "Y", "CallText": "other call"}
	]}`
	records, _, _ := runStream(t, []scriptedResponse{
		{body: `{"data": [{"DT_RowId": "X", "CallText": "same call"}]}`},
		{body: later},
		{body: later},
	}, 3)

	ids := map[string]int{}
	for _, rec := range records {
		if !rec.IsSynthetic() {
			ids[rec.ID]++
		}
	}
	if ids["Y"] != 1 {
		t.Errorf("record Y delivered %d times, want exactly once", ids["Y"])
	}
	if ids["X"] != 0 {
		t.Errorf("backlog record X delivered %d times, want suppressed", ids["X"])
	}
}

func TestRunPushChannelFlow(t *testing.T) {
	mux := http.NewServeMux()

	// Listing endpoint: resolves the re-fetch for P2, empty otherwise.
	mux.HandleFunc("/calls", func(w http.ResponseWriter, r *http.Request) {
		var req listRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Search.Value == "P2" {
			_, _ = w.Write([]byte(`{"data": [{"DT_RowId": "P2", "CallText": "resolved"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	// Push channel: one inserted row, one update notification, then a clean
	// close so the streamer falls back to polling.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"DT_RowId": "P1", "CallText": "from push"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"update": true, "DT_RowId": "P2"}`))
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := NewFetcher(srv.URL)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStreamer(f, WithPush(NewPushDialer(f.Base(), BasicAuth{}, nil)))
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out := make(chan CallRecord, 64)
	var records []CallRecord
	done := make(chan struct{})
	go func() {
		for rec := range out {
			records = append(records, rec)
		}
		close(done)
	}()

	if err := s.Run(ctx, out); err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	<-done

	// P1 is the initial backlog over push: suppressed. P2 arrives after the
	// window closed, resolved through a single-record re-fetch, delivered new.
	var p2 *CallRecord
	for i := range records {
		rec := &records[i]
		if rec.ID == "P1" {
			t.Errorf("backlog push record P1 was delivered")
		}
		if rec.ID == "P2" {
			if p2 != nil {
				t.Fatal("P2 delivered more than once")
			}
			p2 = rec
		}
	}
	if p2 == nil {
		t.Fatal("P2 never delivered")
	}
	if p2.Transcript != "resolved" {
		t.Errorf("P2 transcript = %q, want the re-fetched value", p2.Transcript)
	}
	if p2.IsTranscriptionUpdate {
		t.Error("P2 flagged as update; it was never delivered before")
	}
}

func TestRunClosesOutputOnReturn(t *testing.T) {
	server := &scriptedServer{responses: []scriptedResponse{{body: `{"data": []}`}}}
	srv := httptest.NewServer(server)
	defer srv.Close()

	f, err := NewFetcher(srv.URL)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewStreamer(f)
	out := make(chan CallRecord, 1)
	if err := s.Run(ctx, out); err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if _, open := <-out; open {
		t.Error("output channel still open after Run returned")
	}
}

func TestPushOpenUpdatesLastContact(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/calls", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	// Push channel that opens and then stays silent until the client goes
	// away. The open itself must count as server contact, or readiness would
	// report a live-but-quiet channel as stale.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_, _, _ = conn.Read(r.Context())
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := NewFetcher(srv.URL)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	s := NewStreamer(f, WithPush(NewPushDialer(f.Base(), BasicAuth{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(200*time.Millisecond, cancel)

	out := make(chan CallRecord, 8)
	go func() {
		for range out {
		}
	}()
	if err := s.Run(ctx, out); err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if s.LastContact().IsZero() {
		t.Error("LastContact still zero after the push channel opened")
	}
}

func TestLastContact(t *testing.T) {
	server := &scriptedServer{responses: []scriptedResponse{{body: `{"data": []}`}}}
	srv := httptest.NewServer(server)
	defer srv.Close()

	f, err := NewFetcher(srv.URL)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	s := NewStreamer(f)
	if !s.LastContact().IsZero() {
		t.Error("LastContact non-zero before any exchange")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out := make(chan CallRecord, 8)
	go func() {
		for range out {
		}
	}()
	_ = s.Run(ctx, out)

	if s.LastContact().IsZero() {
		t.Error("LastContact still zero after a successful poll")
	}
	if age := time.Since(s.LastContact()); age > time.Minute {
		t.Errorf("LastContact %v old, want recent", age)
	}
}
