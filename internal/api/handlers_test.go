package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tgparkk/StockBot-sub002/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBot records control calls and serves a canned snapshot.
type fakeBot struct {
	mu        sync.Mutex
	snap      StatusSnapshot
	pauses    int
	resumes   int
	refreshes int
	shutdowns int
	exports   []int
}

func (f *fakeBot) Snapshot() StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeBot) Pause()        { f.mu.Lock(); f.pauses++; f.mu.Unlock() }
func (f *fakeBot) Resume()       { f.mu.Lock(); f.resumes++; f.mu.Unlock() }
func (f *fakeBot) ForceRefresh() { f.mu.Lock(); f.refreshes++; f.mu.Unlock() }

func (f *fakeBot) RequestShutdown() { f.mu.Lock(); f.shutdowns++; f.mu.Unlock() }

func (f *fakeBot) ExportCSV(ctx context.Context, w io.Writer, days int) error {
	f.mu.Lock()
	f.exports = append(f.exports, days)
	f.mu.Unlock()
	fmt.Fprintln(w, "date,side,symbol,qty,price")
	fmt.Fprintln(w, "20260202,BUY,005930,10,71000")
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeBot) {
	t.Helper()
	bot := &fakeBot{
		snap: StatusSnapshot{
			Timestamp: time.Now(),
			Uptime:    "1h2m",
			Mode:      "day",
			Paused:    true,
			Schedule:  ScheduleStatus{ActiveSlot: "early_market"},
			Stream:    StreamStatus{Connected: true, Symbols: 12},
		},
	}
	return NewServer(config.APIConfig{Enabled: true, Port: 0}, bot, testLogger()), bot
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if body["status"] != "ok" || body["connected"] != true || body["paused"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestStatsServesSnapshot(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var snap StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if snap.Mode != "day" || !snap.Paused {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Schedule.ActiveSlot != "early_market" {
		t.Fatalf("active slot = %q", snap.Schedule.ActiveSlot)
	}
}

func TestControlVerbsRequirePost(t *testing.T) {
	t.Parallel()

	srv, bot := newTestServer(t)
	for _, path := range []string{"/pause", "/resume", "/refresh", "/shutdown"} {
		if rec := do(t, srv.Handler(), http.MethodGet, path); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s = %d, want 405", path, rec.Code)
		}
	}
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if bot.pauses+bot.resumes+bot.refreshes+bot.shutdowns != 0 {
		t.Fatal("a GET reached a control handler")
	}
}

func TestControlVerbs(t *testing.T) {
	t.Parallel()

	srv, bot := newTestServer(t)
	calls := []struct {
		path string
		want string
	}{
		{"/pause", "paused"},
		{"/resume", "running"},
		{"/refresh", "refreshing"},
		{"/shutdown", "stopping"},
	}
	for _, c := range calls {
		rec := do(t, srv.Handler(), http.MethodPost, c.path)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %s = %d, want 200", c.path, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("POST %s bad json: %v", c.path, err)
		}
		if body["status"] != c.want {
			t.Fatalf("POST %s status = %q, want %q", c.path, body["status"], c.want)
		}
	}

	bot.mu.Lock()
	defer bot.mu.Unlock()
	if bot.pauses != 1 || bot.resumes != 1 || bot.refreshes != 1 || bot.shutdowns != 1 {
		t.Fatalf("calls = %d/%d/%d/%d, want 1 each", bot.pauses, bot.resumes, bot.refreshes, bot.shutdowns)
	}
}

func TestExportStreamsCSV(t *testing.T) {
	t.Parallel()

	srv, bot := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/export?days=7")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "005930") {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if len(bot.exports) != 1 || bot.exports[0] != 7 {
		t.Fatalf("exports = %v, want [7]", bot.exports)
	}

	// Default window when the parameter is absent.
	do(t, srv.Handler(), http.MethodGet, "/export")
	if bot.exports[1] != 30 {
		t.Fatalf("default days = %d, want 30", bot.exports[1])
	}
}

func TestExportRejectsBadDays(t *testing.T) {
	t.Parallel()

	srv, bot := newTestServer(t)
	for _, q := range []string{"days=0", "days=-3", "days=withdrawal", "days=9000"} {
		if rec := do(t, srv.Handler(), http.MethodGet, "/export?"+q); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s = %d, want 400", q, rec.Code)
		}
	}
	if len(bot.exports) != 0 {
		t.Fatalf("bad params reached the exporter: %v", bot.exports)
	}
}

func TestStatusStreamSendsSnapshotFirst(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	go srv.hub.Run()
	defer srv.hub.Stop()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Type != "status" {
		t.Fatalf("first frame type = %q, want status", evt.Type)
	}
	data, err := json.Marshal(evt.Data)
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot decode: %v", err)
	}
	if snap.Mode != "day" {
		t.Fatalf("mode = %q, want day", snap.Mode)
	}
}

func TestHubDropsSlowConsumerOnly(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	// Register two bare clients with tiny queues; never drain the first.
	slow := &Client{hub: hub, send: make(chan []byte, 1)}
	fast := &Client{hub: hub, send: make(chan []byte, 16)}
	hub.register <- slow
	hub.register <- fast

	for i := 0; i < 4; i++ {
		hub.BroadcastEvent(Event{Type: "status", Timestamp: time.Now()})
	}

	deadline := time.After(2 * time.Second)
	for hub.Clients() != 1 {
		select {
		case <-deadline:
			t.Fatalf("clients = %d, want 1 after slow consumer dropped", hub.Clients())
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case _, ok := <-slow.send: // the one queued frame
		if ok {
			if _, ok = <-slow.send; ok {
				t.Fatal("slow client channel left open")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("slow client never closed")
	}
}
