package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus/hooks/test"

	"bitget-futures/internal/config"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() { close(n.entered) })
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func blockedManager(t *testing.T, spy *notifierSpy, opts ManagerOptions) *Manager {
	t.Helper()
	m := NewManager(spy, opts)
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}
	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}
	return m
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m := NewManager(spy, ManagerOptions{
		Mode:   "demo",
		Symbol: "BTCUSDT",
		Now:    func() time.Time { return fixed },
	})

	m.Important("stream_disconnected", map[string]string{"stream": "private", "reason": "stale"})
	m.Important("stream_reconnected", nil)
	closeManager(t, m)

	msgs := spy.messages()
	if len(msgs) != 2 {
		t.Fatalf("notified count = %d, want 2", len(msgs))
	}
	want := strings.Join([]string{
		"[bitget-futures] stream_disconnected",
		"time: 2026-03-01T08:00:00Z",
		"mode: demo",
		"symbol: BTCUSDT",
		"reason: stale",
		"stream: private",
	}, "\n")
	if msgs[0] != want {
		t.Fatalf("message = %q, want %q", msgs[0], want)
	}
	m.Important("after_close", nil)
	if got := len(spy.messages()); got != 2 {
		t.Fatalf("notified count after close = %d, want 2", got)
	}
}

func TestManagerImportantNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := blockedManager(t, spy, ManagerOptions{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Important("spam", map[string]string{"i": "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() appears blocked when queue is full")
	}
	close(block)
	closeManager(t, m)
}

func TestManagerCountsDrops(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := blockedManager(t, spy, ManagerOptions{QueueSize: 1})

	m.Important("queue_fill", nil)
	for i := 0; i < 10; i++ {
		m.Important("spam", nil)
	}
	if got := m.Dropped(); got != 10 {
		t.Fatalf("Dropped() = %d, want 10", got)
	}
	close(block)
	closeManager(t, m)
}

func TestManagerPeriodicDropReport(t *testing.T) {
	logger, hook := test.NewNullLogger()
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := blockedManager(t, spy, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 40 * time.Millisecond,
		Logger:             logger,
	})

	m.Important("queue_fill", nil)
	for i := 0; i < 3; i++ {
		m.Important("spam", nil)
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for {
		found := false
		for _, e := range hook.AllEntries() {
			if e.Message == "alert_queue_dropped_report" && e.Data["dropped_since_last"] == uint64(3) {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("missing alert_queue_dropped_report entry, got %d entries", len(hook.AllEntries()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(block)
	closeManager(t, m)
}

func TestNilManagerIsNoop(t *testing.T) {
	var m *Manager
	m.Important("x", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if NewManager(nil, ManagerOptions{}) != nil {
		t.Fatalf("NewManager(nil) != nil")
	}
}

func TestTelegramNotifierPostsMessage(t *testing.T) {
	var gotPath string
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramFromConfig(config.TelegramConfig{
		Enabled:    true,
		BotToken:   "tok",
		ChatID:     "42",
		APIBaseURL: srv.URL + "/",
	})
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotPath != "/bottok/sendMessage" {
		t.Fatalf("path = %q, want /bottok/sendMessage", gotPath)
	}
	if got.ChatID != "42" || got.Text != "hello" {
		t.Fatalf("request = %+v", got)
	}
}

func TestTelegramNotifierReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()
	n := NewTelegramNotifier("tok", "1", srv.URL, time.Second)
	err := n.Notify(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Notify() error = %v, want chat not found", err)
	}
	if NewTelegramFromConfig(config.TelegramConfig{}) != nil {
		t.Fatalf("NewTelegramFromConfig(disabled) != nil")
	}
}
