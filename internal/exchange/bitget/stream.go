package bitget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"bitget-futures/internal/config"
	"bitget-futures/internal/core"
	"bitget-futures/internal/logging"
	"bitget-futures/internal/throttle"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	ErrLoginRejected  = errors.New("bitget: login rejected")
	ErrAlreadyStarted = errors.New("bitget: stream already started")
)

type StreamOptions struct {
	Name           string
	URL            string
	Signer         *Signer
	PingInterval   time.Duration
	PongTimeout    time.Duration
	LoginTimeout   time.Duration
	MaxChannels    int
	MessagesPerSec int
	Reconnect      backoff.BackOff
	Dialer         *websocket.Dialer
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

type StreamStats struct {
	State      State
	Reconnects int64
	LastPong   time.Time
	Channels   int
}

// Stream owns one websocket session at a time and keeps the registry's channels subscribed on it.
// A Stream built with a Signer logs in before it reports Connected.
type Stream struct {
	opts     StreamOptions
	registry *Registry
	log      *logrus.Entry

	state      atomic.Int32
	active     atomic.Bool
	reconnects atomic.Int64

	mu        sync.Mutex
	sess      *session
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []func(from, to State)
}

// ReconnectPolicy builds the delay policy used between failed connection attempts.
func ReconnectPolicy(cfg config.ReconnectConfig) backoff.BackOff {
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if cfg.Policy != config.ReconnectExponential {
		return backoff.NewConstantBackOff(interval)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = interval
	exp.MaxInterval = time.Duration(cfg.MaxIntervalSec) * time.Second
	if exp.MaxInterval < interval {
		exp.MaxInterval = interval
	}
	exp.RandomizationFactor = 0.2
	exp.Multiplier = 2
	exp.Reset()
	return &cappedBackOff{BackOff: exp, max: exp.MaxInterval}
}

// cappedBackOff clamps jittered delays to max. The exponential policy applies its
// randomization after its own cap, so a bare MaxInterval can be overshot.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	d := c.BackOff.NextBackOff()
	if d > c.max {
		return c.max
	}
	return d
}

func NewPublicStream(cfg config.Config, logger logrus.FieldLogger) *Stream {
	return NewStream(streamOptions(cfg, "public", cfg.Exchange.PublicWSURL, nil, logger))
}

func NewPrivateStream(cfg config.Config, signer *Signer, logger logrus.FieldLogger) *Stream {
	return NewStream(streamOptions(cfg, "private", cfg.Exchange.PrivateWSURL, signer, logger))
}

func streamOptions(cfg config.Config, name, url string, signer *Signer, logger logrus.FieldLogger) StreamOptions {
	return StreamOptions{
		Name:           name,
		URL:            url,
		Signer:         signer,
		PingInterval:   time.Duration(cfg.Stream.PingIntervalSec) * time.Second,
		PongTimeout:    time.Duration(cfg.Stream.PongTimeoutSec) * time.Second,
		MaxChannels:    cfg.Stream.MaxChannels,
		MessagesPerSec: cfg.Stream.MessagesPerSec,
		Reconnect:      ReconnectPolicy(cfg.Stream.Reconnect),
		Logger:         logger,
	}
}

func NewStream(opts StreamOptions) *Stream {
	if opts.Name == "" {
		opts.Name = "stream"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 30 * time.Second
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 10 * time.Second
	}
	if opts.MaxChannels <= 0 {
		opts.MaxChannels = 50
	}
	if opts.MessagesPerSec <= 0 {
		opts.MessagesPerSec = 10
	}
	if opts.Reconnect == nil {
		opts.Reconnect = backoff.NewConstantBackOff(5 * time.Second)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stream{
		opts:     opts,
		registry: NewRegistry(opts.MaxChannels),
		log:      logging.Component(opts.Logger, "bitget_stream").WithField("stream", opts.Name),
	}
}

func (s *Stream) Registry() *Registry { return s.registry }

func (s *Stream) State() State { return State(s.state.Load()) }

func (s *Stream) Stats() StreamStats {
	stats := StreamStats{
		State:      s.State(),
		Reconnects: s.reconnects.Load(),
		Channels:   s.registry.Len(),
	}
	if sess := s.current(); sess != nil {
		stats.LastPong = sess.pongAt()
	}
	return stats
}

// OnStateChange registers a hook that runs synchronously on every transition. Hooks must not block.
func (s *Stream) OnStateChange(fn func(from, to State)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Start launches the supervisor and waits for the outcome of the first connection attempt.
// A failed first attempt is returned, and the supervisor keeps retrying until Close or ctx is done.
func (s *Stream) Start(ctx context.Context) error {
	if !s.active.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		defer close(done)
		s.supervise(runCtx, first)
	}()
	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the supervisor and the current session and waits for them to exit.
func (s *Stream) Close() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	sess := s.sess
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.fail(ErrStreamClosed)
	}
	if done != nil {
		<-done
	}
	s.setState(StateDisconnected)
	return nil
}

// Subscribe records channels against handler and subscribes them on the live session.
// Without a live session the channels are recorded and sent on the next connect.
func (s *Stream) Subscribe(ctx context.Context, channels []core.ChannelID, handler Handler) error {
	if len(channels) == 0 {
		return nil
	}
	if handler == nil {
		return fmt.Errorf("bitget: subscribe handler is nil")
	}
	_, undo, err := s.registry.Add(channels, handler)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"requested": len(channels),
			"have":      s.registry.Len(),
			"max":       s.registry.Max(),
		}).Warn("subscribe_capacity_exceeded")
		return err
	}
	sess := s.current()
	if sess == nil || s.State() != StateConnected {
		s.log.WithField("channels", len(channels)).Debug("subscribe_deferred")
		return nil
	}
	payload, err := encodeChannelFrame(opSubscribe, channels)
	if err != nil {
		undo()
		return err
	}
	if err := sess.send(ctx, payload); err != nil {
		if ctx.Err() != nil {
			undo()
			return ctx.Err()
		}
		s.log.WithError(err).Warn("subscribe_send_failed")
		sess.fail(err)
		return nil
	}
	s.log.WithField("channels", len(channels)).Info("subscribe_sent")
	return nil
}

// Unsubscribe removes the channels and tells the server, best-effort.
func (s *Stream) Unsubscribe(ctx context.Context, channels []core.ChannelID) error {
	if len(channels) == 0 {
		return nil
	}
	s.registry.Remove(channels)
	sess := s.current()
	if sess == nil || s.State() != StateConnected {
		return nil
	}
	payload, err := encodeChannelFrame(opUnsubscribe, channels)
	if err != nil {
		return nil
	}
	if err := sess.send(ctx, payload); err != nil {
		s.log.WithError(err).Warn("unsubscribe_send_failed")
		if ctx.Err() == nil {
			sess.fail(err)
		}
	}
	return nil
}

func (s *Stream) supervise(ctx context.Context, first chan<- error) {
	policy := s.opts.Reconnect
	policy.Reset()
	for {
		sess, err := s.connect(ctx)
		if first != nil {
			first <- err
			first = nil
		}
		if err != nil {
			if ctx.Err() != nil || !s.active.Load() {
				s.setState(StateDisconnected)
				return
			}
			s.setState(StateReconnecting)
			wait := policy.NextBackOff()
			if wait == backoff.Stop || wait < 0 {
				wait = 5 * time.Second
			}
			s.log.WithError(err).WithField("retry_in", wait.String()).Warn("connect_failed")
			if !sleepCtx(ctx, wait) {
				s.setState(StateDisconnected)
				return
			}
			continue
		}
		policy.Reset()
		cause := s.runSession(ctx, sess)
		if ctx.Err() != nil || !s.active.Load() {
			s.setState(StateDisconnected)
			return
		}
		s.reconnects.Add(1)
		s.log.WithError(cause).WithField("reconnects", s.reconnects.Load()).Warn("session_lost")
		s.setState(StateReconnecting)
	}
}

func (s *Stream) connect(ctx context.Context) (*session, error) {
	s.setState(StateConnecting)
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	limiter := throttle.NewWindow(s.opts.MessagesPerSec, time.Second)
	sess := newSession(conn, limiter, s.opts.Now)

	if s.opts.Signer != nil {
		s.setState(StateAuthenticating)
		if err := s.login(ctx, sess); err != nil {
			sess.fail(err)
			return nil, err
		}
	}
	sess.touchPong()

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	s.setState(StateConnected)

	if channels := s.registry.Snapshot(); len(channels) > 0 {
		payload, err := encodeChannelFrame(opSubscribe, channels)
		if err == nil {
			err = sess.send(ctx, payload)
		}
		if err != nil {
			s.log.WithError(err).Warn("resubscribe_failed")
			sess.fail(err)
		} else {
			s.log.WithField("channels", len(channels)).Info("resubscribed")
		}
	}
	return sess, nil
}

func (s *Stream) login(ctx context.Context, sess *session) error {
	ts := strconv.FormatInt(s.opts.Now().Unix(), 10)
	payload, err := encodeLoginFrame(s.opts.Signer, ts)
	if err != nil {
		return err
	}
	if err := sess.send(ctx, payload); err != nil {
		return err
	}
	deadline := time.Now().Add(s.opts.LoginTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = sess.conn.SetReadDeadline(deadline)
	defer sess.conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("bitget login: %w", err)
		}
		if string(data) == pongFrame {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case opLogin:
			if msg.Code.ok() {
				s.log.Info("login_ok")
				return nil
			}
			return fmt.Errorf("%w: code=%s msg=%s", ErrLoginRejected, msg.Code, msg.Msg)
		case eventError:
			return fmt.Errorf("%w: code=%s msg=%s", ErrLoginRejected, msg.Code, msg.Msg)
		}
	}
}

// runSession blocks until the session ends and returns the cause.
func (s *Stream) runSession(ctx context.Context, sess *session) error {
	var wg conc.WaitGroup
	wg.Go(func() { s.readLoop(sess) })
	wg.Go(func() { s.keepalive(ctx, sess) })
	wg.Go(func() { s.monitor(ctx, sess) })

	select {
	case <-sess.done:
	case <-ctx.Done():
		sess.fail(ctx.Err())
	}
	wg.Wait()

	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()
	return sess.err()
}

func (s *Stream) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.fail(err)
			return
		}
		s.dispatch(sess, data)
	}
}

func (s *Stream) dispatch(sess *session, data []byte) {
	if string(data) == pongFrame {
		sess.touchPong()
		return
	}
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.WithError(err).Debug("frame_decode_failed")
		return
	}
	switch msg.Event {
	case eventError:
		s.log.WithFields(logrus.Fields{"code": string(msg.Code), "msg": msg.Msg}).Warn("server_error")
		return
	case opSubscribe, opUnsubscribe, opLogin:
		entry := s.log.WithField("op", msg.Event)
		if msg.Arg != nil {
			entry = entry.WithField("channel", msg.Arg.String())
		}
		entry.Debug("ack")
		return
	}
	if msg.Arg == nil || msg.Data == nil {
		return
	}
	handler, ok := s.registry.Lookup(*msg.Arg)
	if !ok {
		s.log.WithField("channel", msg.Arg.String()).Debug("unrouted_push")
		return
	}
	handler(Message{Arg: *msg.Arg, Action: msg.Action, Data: msg.Data})
}

func (s *Stream) keepalive(ctx context.Context, sess *session) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.ping(ctx); err != nil {
				sess.fail(err)
				return
			}
		}
	}
}

func (s *Stream) monitor(ctx context.Context, sess *session) {
	every := s.opts.PongTimeout / 4
	if every > time.Second {
		every = time.Second
	}
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case <-ticker.C:
			if since := sess.sincePong(); since > s.opts.PongTimeout {
				s.log.WithField("since_pong", since.String()).Warn("liveness_timeout")
				sess.fail(ErrStale)
				return
			}
		}
	}
}

func (s *Stream) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.sess.closed() {
		return nil
	}
	return s.sess
}

func (s *Stream) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("state_changed")
	s.mu.Lock()
	listeners := append([]func(from, to State){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
