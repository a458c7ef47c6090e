package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mbd888/auditrisk/internal/feedback"
	"github.com/mbd888/auditrisk/internal/txn"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func alertEvent(vendor, dept string, score float64, level txn.RiskLevel) *Event {
	return &Event{
		Type:      EventRiskAlert,
		Timestamp: time.Now(),
		Data:      &Alert{Vendor: vendor, Department: dept, Score: score, Level: level},
	}
}

// ---------------------------------------------------------------------------
// Subscription matching
// ---------------------------------------------------------------------------

func TestSubscription_AllEvents(t *testing.T) {
	sub := Subscription{AllEvents: true, MinScore: 0.99}
	if !sub.Matches(alertEvent("Acme", "PWD", 0.1, txn.LevelMinimal)) {
		t.Error("AllEvents should receive everything")
	}
}

func TestSubscription_EventTypeFilter(t *testing.T) {
	sub := Subscription{EventTypes: []EventType{EventRiskAlert}}

	if !sub.Matches(alertEvent("Acme", "PWD", 0.9, txn.LevelCritical)) {
		t.Error("Should receive alert events")
	}
	if sub.Matches(&Event{Type: EventBatchScored, Data: &BatchSummary{}}) {
		t.Error("Should NOT receive batch events")
	}
}

func TestSubscription_VendorAndDepartmentFilter(t *testing.T) {
	sub := Subscription{Vendors: []string{"Acme"}, Departments: []string{"PWD"}}

	if !sub.Matches(alertEvent("Acme", "PWD", 0.7, txn.LevelHigh)) {
		t.Error("Should match vendor and department")
	}
	if sub.Matches(alertEvent("Zenith", "PWD", 0.7, txn.LevelHigh)) {
		t.Error("Should NOT match other vendors")
	}
	if sub.Matches(alertEvent("Acme", "HEALTH", 0.7, txn.LevelHigh)) {
		t.Error("Should NOT match other departments")
	}
}

func TestSubscription_ScoreAndLevelFilter(t *testing.T) {
	minScore := Subscription{MinScore: 0.8}
	if !minScore.Matches(alertEvent("Acme", "PWD", 0.8, txn.LevelCritical)) {
		t.Error("Score equal to minimum should pass")
	}
	if minScore.Matches(alertEvent("Acme", "PWD", 0.79, txn.LevelHigh)) {
		t.Error("Score below minimum should be filtered")
	}

	levels := Subscription{Levels: []txn.RiskLevel{txn.LevelCritical}}
	if levels.Matches(alertEvent("Acme", "PWD", 0.7, txn.LevelHigh)) {
		t.Error("Only CRITICAL should pass")
	}
}

func TestSubscription_FiltersIgnoreNonAlerts(t *testing.T) {
	sub := Subscription{Vendors: []string{"Acme"}, MinScore: 0.9}
	if !sub.Matches(&Event{Type: EventBatchScored, Data: &BatchSummary{BatchID: "b"}}) {
		t.Error("Alert filters should not apply to batch events")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://audit.example.gov"})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://audit.example.gov", true},
		{"http://example.com", true}, // same host as the request
		{"https://evil.example", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "http://example.com/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := check(r); got != tc.want {
			t.Errorf("origin %q: got %v, want %v", tc.origin, got, tc.want)
		}
	}

	r := httptest.NewRequest("GET", "http://example.com/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	if !originChecker([]string{"*"})(r) {
		t.Error("wildcard should admit any origin")
	}
}

func TestNewAlert(t *testing.T) {
	s := &txn.ScoredTransaction{
		Transaction: txn.Transaction{
			ID:              "T1",
			Amount:          decimal.NewFromInt(150000),
			DepartmentID:    "PWD",
			CanonicalVendor: "Acme Corp",
		},
		RiskScore: 0.915,
		RiskLevel: txn.LevelCritical,
		Flags:     []txn.SignalType{txn.SignalDuplicate},
	}
	a := NewAlert(s)
	if a.Amount != "150000.00" || a.Vendor != "Acme Corp" || a.Level != txn.LevelCritical {
		t.Errorf("unexpected alert %+v", a)
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients, got %d", stats.ConnectedClients)
	}
	if stats.TotalEvents != 0 {
		t.Errorf("Expected 0 total events, got %d", stats.TotalEvents)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	if n := h.Stats().ConnectedClients; n != 1 {
		t.Errorf("Expected 1 connected client, got %d", n)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %d", stats.ConnectedClients)
	}
	if stats.PeakClients != 1 {
		t.Errorf("Expected peak still 1, got %d", stats.PeakClients)
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{MinScore: 0.8}}
	h.register <- client

	h.Broadcast(alertEvent("Acme", "PWD", 0.5, txn.LevelMedium))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive a MEDIUM alert")
	default:
	}

	h.Broadcast(alertEvent("Acme", "PWD", 0.9, txn.LevelCritical))

	select {
	case msg := <-client.send:
		var ev struct {
			Type EventType `json:"type"`
			Data Alert     `json:"data"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != EventRiskAlert || ev.Data.Score != 0.9 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive CRITICAL alert")
	}
}

func TestHub_BroadcastFeedback(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{EventTypes: []EventType{EventFeedback}}}
	h.register <- client

	h.BroadcastFeedback(&feedback.Entry{ID: "fb_1", CanonicalVendorID: "Acme", Action: feedback.ActionEscalate})

	select {
	case msg := <-client.send:
		if !strings.Contains(string(msg), `"type":"feedback"`) || !strings.Contains(string(msg), `"action":"escalate"`) {
			t.Errorf("unexpected payload %s", msg)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive feedback event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(Subscription{Vendors: []string{"Acme"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.Broadcast(alertEvent("Zenith", "PWD", 0.9, txn.LevelCritical))
	h.Broadcast(alertEvent("Acme", "PWD", 0.9, txn.LevelCritical))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"vendor":"Acme"`) {
		t.Errorf("expected the Acme alert, got %s", msg)
	}
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != 503 {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- slow

	h.Broadcast(alertEvent("Acme", "PWD", 0.9, txn.LevelCritical))

	deadline := time.After(time.Second)
	for h.Stats().SlowClients == 0 {
		select {
		case <-deadline:
			t.Fatal("slow client was not dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, ok := <-slow.send; ok {
		t.Error("expected the dropped client's channel to be closed")
	}
	if n := h.Stats().ConnectedClients; n != 0 {
		t.Errorf("expected 0 clients, got %d", n)
	}
}

func TestHub_MaxClients(t *testing.T) {
	h := NewHub(slog.Default(), WithMaxClients(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.register <- &Client{hub: h, send: make(chan []byte, 1)}
	time.Sleep(50 * time.Millisecond)

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
