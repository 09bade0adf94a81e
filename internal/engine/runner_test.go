package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"bitget-futures/internal/core"
	"bitget-futures/internal/exchange/bitget"
	"bitget-futures/internal/lifecycle"
	"bitget-futures/internal/logging"
	"bitget-futures/internal/store"
)

type alertRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *alertRecorder) Important(event string, fields map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *alertRecorder) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type sweeperSpy struct {
	calls   atomic.Int32
	results []lifecycle.CancelResult
}

func (s *sweeperSpy) SweepStale(ctx context.Context, symbol string) ([]lifecycle.CancelResult, error) {
	if s.calls.Add(1) == 1 {
		return s.results, nil
	}
	return nil, nil
}

// fakeVenue answers login, pings and subscribes. push returns the frames to send after a
// subscribe for the given channel.
func fakeVenue(t *testing.T, push func(channel string) []string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "ping" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
				continue
			}
			var req struct {
				Op   string           `json:"op"`
				Args []core.ChannelID `json:"args"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			switch req.Op {
			case "login":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"login","code":0}`))
			case "subscribe":
				for _, arg := range req.Args {
					for _, frame := range push(arg.Channel) {
						_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
					}
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testStream(t *testing.T, name, url string, signer *bitget.Signer) *bitget.Stream {
	t.Helper()
	return bitget.NewStream(bitget.StreamOptions{
		Name:           name,
		URL:            url,
		Signer:         signer,
		PingInterval:   50 * time.Millisecond,
		PongTimeout:    time.Second,
		MessagesPerSec: 100,
		Reconnect:      backoff.NewConstantBackOff(20 * time.Millisecond),
		Logger:         logging.Discard(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunnerJournalsSweepsAndPublishesStatus(t *testing.T) {
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	filledAt := day.Add(-time.Minute).UnixMilli()

	privateURL := fakeVenue(t, func(channel string) []string {
		switch channel {
		case bitget.ChannelOrders:
			return []string{
				`{"action":"snapshot","arg":{"instType":"USDT-FUTURES","channel":"orders","instId":"default"},"data":[` +
					`{"instId":"BTCUSDT","orderId":"501","size":"0.01","accBaseVolume":"0.01","status":"filled","side":"buy","uTime":"` + itoa(filledAt) + `"},` +
					`{"instId":"BTCUSDT","orderId":"502","size":"0.01","status":"live"},` +
					`{"instId":"ETHUSDT","orderId":"503","size":"1","status":"filled","uTime":"` + itoa(filledAt) + `"}]}`,
			}
		case bitget.ChannelPositions:
			return []string{
				`{"action":"snapshot","arg":{"instType":"USDT-FUTURES","channel":"positions","instId":"default"},"data":[` +
					`{"instId":"BTCUSDT","holdSide":"long","total":"0.01","openPriceAvg":"65000","leverage":"5"}]}`,
			}
		}
		return nil
	})
	publicURL := fakeVenue(t, func(channel string) []string {
		return []string{`{"action":"snapshot","arg":{"instType":"USDT-FUTURES","channel":"ticker","instId":"BTCUSDT"},"data":[{"lastPr":"65000.1","ts":"1700000000000"}]}`}
	})

	signer, err := bitget.NewSigner("key", "secret", "pass")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	st, err := store.New(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	sweeper := &sweeperSpy{results: []lifecycle.CancelResult{
		{Order: core.Order{ID: "600", Symbol: "BTCUSDT", Status: core.OrderLive}},
		{Order: core.Order{ID: "601", Symbol: "BTCUSDT"}, Err: core.ErrOrderNotFound},
	}}
	alerts := &alertRecorder{}
	r := &Runner{
		Symbol:        "BTCUSDT",
		Mode:          "demo",
		InstanceID:    "test",
		Public:        testStream(t, "public", publicURL, nil),
		Private:       testStream(t, "private", privateURL, signer),
		Sweeper:       sweeper,
		Store:         st,
		Alerts:        alerts,
		Logger:        logging.Discard(),
		SweepInterval: 30 * time.Millisecond,
		Heartbeat:     40 * time.Millisecond,
		Now:           func() time.Time { return day },
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	waitFor(t, "journal entries", func() bool {
		entries, _ := st.ReadJournal(day)
		return len(entries) >= 2
	})
	waitFor(t, "ticker", func() bool { return r.LastTicker().Last.String() == "65000.1" })
	waitFor(t, "positions", func() bool { return len(r.Positions()) == 1 })

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}

	entries, err := st.ReadJournal(day)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	got := map[string]string{}
	for _, e := range entries {
		got[e.Order.ID] = e.Source + ":" + string(e.Order.Status)
	}
	if got["501"] != "stream:filled" || got["600"] != "sweep:canceled" {
		t.Fatalf("journal = %v, want 501 stream:filled and 600 sweep:canceled", got)
	}
	if _, ok := got["502"]; ok {
		t.Fatalf("live order 502 should not be journaled")
	}
	if _, ok := got["503"]; ok {
		t.Fatalf("order for another symbol should not be journaled")
	}

	status, ok, err := st.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = %v, %v", ok, err)
	}
	if status.State != "stopped" || status.StaleCanceled != 1 || status.Journaled != 2 {
		t.Fatalf("status = %+v", status)
	}
	if status.Streams["private"].Channels != 2 || status.Streams["public"].Channels != 1 {
		t.Fatalf("stream status = %+v", status.Streams)
	}
	for _, ev := range []string{"runner_started", "stale_cancel_failed", "runner_stopped"} {
		if !alerts.has(ev) {
			t.Fatalf("missing alert %q in %v", ev, alerts.events)
		}
	}
}

func TestRunnerAlertsOnDisconnectAndReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			// Drop the first session straight away.
			time.Sleep(50 * time.Millisecond)
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "ping" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			}
		}
	}))
	defer srv.Close()

	alerts := &alertRecorder{}
	r := &Runner{
		Symbol: "BTCUSDT",
		Public: testStream(t, "public", "ws"+strings.TrimPrefix(srv.URL, "http"), nil),
		Alerts: alerts,
		Logger: logging.Discard(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	waitFor(t, "reconnect alert", func() bool { return alerts.has("stream_reconnected") })
	if !alerts.has("stream_disconnected") {
		t.Fatalf("missing stream_disconnected alert in %v", alerts.events)
	}
	cancel()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunnerPositionUpdateRemovesFlattenedSide(t *testing.T) {
	r := &Runner{
		Symbol:    "BTCUSDT",
		Now:       time.Now,
		log:       logging.Component(logging.Discard(), "runner"),
		positions: make(map[core.HoldSide]core.Position),
	}
	push := func(action string, payloads ...string) bitget.Message {
		msg := bitget.Message{Arg: bitget.PrivateChannel("USDT-FUTURES", bitget.ChannelPositions), Action: action}
		for _, p := range payloads {
			msg.Data = append(msg.Data, json.RawMessage(p))
		}
		return msg
	}

	r.onPositions(push("snapshot",
		`{"instId":"BTCUSDT","holdSide":"long","total":"0.01"}`,
		`{"instId":"BTCUSDT","holdSide":"short","total":"0.02"}`,
	))
	if got := len(r.Positions()); got != 2 {
		t.Fatalf("len(Positions()) after snapshot = %d, want 2", got)
	}

	r.onPositions(push("update", `{"instId":"BTCUSDT","holdSide":"long","total":"0"}`))
	got := r.Positions()
	if len(got) != 1 || got[0].Side != core.Short {
		t.Fatalf("Positions() after flattening long = %+v, want only short", got)
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
