package bitget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bitget-futures/internal/throttle"
)

var (
	ErrStale        = errors.New("bitget: no pong within liveness timeout")
	ErrStreamClosed = errors.New("bitget: stream closed")
)

const writeTimeout = 10 * time.Second

// session is one socket and its bookkeeping. A reconnect replaces it wholesale.
type session struct {
	conn    *websocket.Conn
	limiter *throttle.Window
	now     func() time.Time

	writeMu sync.Mutex

	mu       sync.Mutex
	lastPing time.Time
	lastPong time.Time
	cause    error

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, limiter *throttle.Window, now func() time.Time) *session {
	t := now()
	return &session{
		conn:     conn,
		limiter:  limiter,
		now:      now,
		lastPong: t,
		done:     make(chan struct{}),
	}
}

// send writes one text frame. The write lock is held across the rate-limit wait so frames
// leave in the order callers entered send.
func (s *session) send(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return s.err()
	default:
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(s.now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) ping(ctx context.Context) error {
	if err := s.send(ctx, []byte(pingFrame)); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastPing = s.now()
	s.mu.Unlock()
	return nil
}

func (s *session) touchPong() {
	s.mu.Lock()
	s.lastPong = s.now()
	s.mu.Unlock()
}

func (s *session) sincePong() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastPong)
}

func (s *session) pongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

// fail ends the session once. The first cause wins.
func (s *session) fail(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		return ErrStreamClosed
	}
	return s.cause
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
