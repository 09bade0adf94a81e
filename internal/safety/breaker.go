package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitget-futures/internal/alert"
	"bitget-futures/internal/config"
	"bitget-futures/internal/core"
	"bitget-futures/internal/exchange/bitget"
	"bitget-futures/internal/lifecycle"
	"bitget-futures/internal/logging"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPlace  = "place order"
	actionCancel = "cancel order"
)

type circuit struct {
	name        string
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
	probes      int
}

type BreakerOptions struct {
	Enabled           bool
	MaxPlaceFailures  int
	MaxCancelFailures int
	Cooldown          time.Duration
	ProbePasses       int
	Alerter           alert.Alerter
	Logger            logrus.FieldLogger
	Now               func() time.Time
}

// Breaker trips after consecutive failures of order placement or cancellation. Once the cooldown
// has passed one call is let through as a probe; ProbePasses successful probes close it again.
type Breaker struct {
	opts BreakerOptions
	log  *logrus.Entry

	mu     sync.Mutex
	place  circuit
	cancel circuit
}

func NewBreakerFromConfig(cfg config.CircuitBreakerConfig, alerter alert.Alerter, logger logrus.FieldLogger) *Breaker {
	return NewBreaker(BreakerOptions{
		Enabled:           cfg.Enabled,
		MaxPlaceFailures:  cfg.MaxPlaceFailures,
		MaxCancelFailures: cfg.MaxCancelFailures,
		Cooldown:          time.Duration(cfg.CooldownSec) * time.Second,
		ProbePasses:       cfg.ProbePasses,
		Alerter:           alerter,
		Logger:            logger,
	})
}

func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.ProbePasses < 1 {
		opts.ProbePasses = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		opts:   opts,
		log:    logging.Component(opts.Logger, "breaker"),
		place:  circuit{name: actionPlace, maxFailures: opts.MaxPlaceFailures, state: circuitClosed},
		cancel: circuit{name: actionCancel, maxFailures: opts.MaxCancelFailures, state: circuitClosed},
	}
}

func (b *Breaker) AllowPlace() error { return b.allow(&b.place) }

func (b *Breaker) AllowCancel() error { return b.allow(&b.cancel) }

func (b *Breaker) RecordPlace(err error) error { return b.record(&b.place, err) }

func (b *Breaker) RecordCancel(err error) error { return b.record(&b.cancel, err) }

// State reports the place and cancel circuit states for status output.
func (b *Breaker) State() (place, cancel string) {
	if b == nil {
		return string(circuitClosed), string(circuitClosed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.place.state), string(b.cancel.state)
}

func (b *Breaker) active(c *circuit) bool {
	return b != nil && b.opts.Enabled && c.maxFailures >= 1
}

func (b *Breaker) allow(c *circuit) error {
	if !b.active(c) {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.opts.Now().Sub(c.openedAt) < b.opts.Cooldown {
		err := c.openErr
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.probes = 0
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"action": c.name, "cooldown": b.opts.Cooldown.String()}).Info("circuit_breaker_half_open")
	b.alert("circuit_breaker_half_open", map[string]string{"action": c.name})
	return nil
}

// record feeds one outcome into the circuit. A non-nil return means the circuit is open now.
func (b *Breaker) record(c *circuit, err error) error {
	if !b.active(c) || isBusinessError(err) {
		return nil
	}
	b.mu.Lock()
	if err == nil {
		prev := c.state
		prevFailures := c.failures
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.probes++
			if c.probes >= b.opts.ProbePasses {
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				recovered = true
			}
		case circuitClosed:
			recovered = c.failures > 0
			c.failures = 0
		}
		b.mu.Unlock()
		if recovered {
			b.log.WithFields(logrus.Fields{
				"action":                        c.name,
				"from_state":                    string(prev),
				"previous_consecutive_failures": prevFailures,
			}).Info("circuit_breaker_recovered")
			if prev == circuitHalfOpen {
				b.alert("circuit_breaker_recovered", map[string]string{"action": c.name})
			}
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(c, err, "half_open_probe_failed")
		b.mu.Unlock()
		b.reportTrip(c.name, "half_open_probe_failed", c.maxFailures, err)
		return openErr
	}

	c.failures++
	failures := c.failures
	if failures < c.maxFailures {
		b.mu.Unlock()
		if failures == c.maxFailures-1 && c.maxFailures > 1 {
			b.log.WithError(err).WithFields(logrus.Fields{
				"action":               c.name,
				"consecutive_failures": failures,
				"threshold":            c.maxFailures,
			}).Warn("circuit_breaker_near_trip")
		}
		return nil
	}
	openErr := b.tripLocked(c, err, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(c.name, "consecutive_failures", failures, err)
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.opts.Now()
	c.probes = 0
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, reason=%s, cooldown=%s, last error: %v",
		ErrCircuitOpen, c.name, c.failures, reason, b.opts.Cooldown, err)
	return c.openErr
}

func (b *Breaker) reportTrip(action, reason string, failures int, err error) {
	b.log.WithError(err).WithFields(logrus.Fields{
		"action":               action,
		"reason":               reason,
		"consecutive_failures": failures,
	}).Error("circuit_breaker_trip")
	b.alert("circuit_breaker_trip", map[string]string{
		"action":               action,
		"reason":               reason,
		"consecutive_failures": strconv.Itoa(failures),
		"last_error":           err.Error(),
	})
}

func (b *Breaker) alert(event string, fields map[string]string) {
	if b.opts.Alerter != nil {
		b.opts.Alerter.Important(event, fields)
	}
}

// isBusinessError reports exchange rejections that say nothing about exchange health.
func isBusinessError(err error) bool {
	return errors.Is(err, core.ErrInsufficientBalance) ||
		errors.Is(err, core.ErrOrderNotFound) ||
		errors.Is(err, core.ErrDuplicateOrder) ||
		errors.Is(err, core.ErrNoPosition) ||
		errors.Is(err, bitget.ErrInvalidRequest)
}

// GuardedGateway short-circuits order mutation while its breaker is open.
// Reads pass straight through.
type GuardedGateway struct {
	lifecycle.Gateway
	breaker *Breaker
}

func NewGuardedGateway(inner lifecycle.Gateway, breaker *Breaker) *GuardedGateway {
	return &GuardedGateway{Gateway: inner, breaker: breaker}
}

func (g *GuardedGateway) PlaceOrder(ctx context.Context, req bitget.OrderRequest) (core.Order, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.Order{}, err
	}
	placed, err := g.Gateway.PlaceOrder(ctx, req)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return placed, errors.Join(err, trip)
	}
	return placed, err
}

func (g *GuardedGateway) PlaceTPSLOrder(ctx context.Context, req bitget.TPSLRequest) (string, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return "", err
	}
	id, err := g.Gateway.PlaceTPSLOrder(ctx, req)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return id, errors.Join(err, trip)
	}
	return id, err
}

func (g *GuardedGateway) CancelOrder(ctx context.Context, symbol, orderID string) (string, error) {
	if err := g.breaker.AllowCancel(); err != nil {
		return "", err
	}
	id, err := g.Gateway.CancelOrder(ctx, symbol, orderID)
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return id, errors.Join(err, trip)
	}
	return id, err
}
