package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitget-futures/internal/config"
	"bitget-futures/internal/core"
	"bitget-futures/internal/exchange/bitget"
	"bitget-futures/internal/logging"
)

var (
	ErrFillTimeout  = errors.New("order not settled before timeout")
	ErrCloseTimeout = errors.New("position not flat before timeout")
	ErrNotFilled    = errors.New("entry order ended without a fill")
)

// Gateway is the order surface the coordinator drives.
type Gateway interface {
	PlaceOrder(ctx context.Context, req bitget.OrderRequest) (core.Order, error)
	PlaceTPSLOrder(ctx context.Context, req bitget.TPSLRequest) (string, error)
	ClosePosition(ctx context.Context, symbol string) (bitget.CloseResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (string, error)
	OrderDetail(ctx context.Context, symbol, orderID string) (core.Order, error)
	PendingOrders(ctx context.Context, q bitget.PendingQuery) ([]core.Order, error)
	Position(ctx context.Context, symbol string) (core.Position, bool, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

type Options struct {
	StaleAfter   time.Duration
	PollInterval time.Duration
	FillTimeout  time.Duration
	CloseTimeout time.Duration
	Logger       logrus.FieldLogger
	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

type CancelResult struct {
	Order core.Order
	Err   error
}

type OpenRequest struct {
	Order      bitget.OrderRequest
	Leverage   int
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

type OpenResult struct {
	Entry   core.Order
	PlanIDs []string
}

type Coordinator struct {
	gw   Gateway
	opts Options
	log  *logrus.Entry
}

func NewFromConfig(gw Gateway, cfg config.OrdersConfig, logger logrus.FieldLogger) *Coordinator {
	return New(gw, Options{
		StaleAfter:   time.Duration(cfg.StaleAfterSec) * time.Second,
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		FillTimeout:  time.Duration(cfg.FillTimeoutSec) * time.Second,
		CloseTimeout: time.Duration(cfg.CloseTimeoutSec) * time.Second,
		Logger:       logger,
	})
}

func New(gw Gateway, opts Options) *Coordinator {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 30 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Coordinator{
		gw:   gw,
		opts: opts,
		log:  logging.Component(opts.Logger, "lifecycle"),
	}
}

// SweepStale cancels every pending order on symbol that has been resting for at least StaleAfter.
// Per-order cancel failures are reported in the results; only the listing error is returned.
func (c *Coordinator) SweepStale(ctx context.Context, symbol string) ([]CancelResult, error) {
	pending, err := c.gw.PendingOrders(ctx, bitget.PendingQuery{Symbol: symbol})
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	now := c.opts.Now()
	var results []CancelResult
	for _, ord := range pending {
		// An order without a creation time counts as stale.
		age := "unknown"
		if !ord.CreatedAt.IsZero() {
			d := ord.Age(now)
			if d < c.opts.StaleAfter {
				continue
			}
			age = d.Round(time.Second).String()
		}
		_, err := c.gw.CancelOrder(ctx, symbol, ord.ID)
		results = append(results, CancelResult{Order: ord, Err: err})
		entry := c.log.WithFields(logrus.Fields{
			"symbol":   symbol,
			"order_id": ord.ID,
			"age":      age,
		})
		if err != nil {
			entry.WithError(err).Warn("stale_order_cancel_failed")
			continue
		}
		entry.Info("stale_order_canceled")
	}
	return results, nil
}

// WaitForFill polls the order until the exchange reports a terminal status.
// Lookup errors are retried until the timeout. On timeout the last seen order is returned with ErrFillTimeout.
func (c *Coordinator) WaitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (core.Order, error) {
	if timeout <= 0 {
		timeout = c.opts.FillTimeout
	}
	deadline := c.opts.Now().Add(timeout)
	last := core.Order{ID: orderID, Symbol: symbol}
	var lastErr error
	for {
		ord, err := c.gw.OrderDetail(ctx, symbol, orderID)
		if err == nil {
			last = ord
			if ord.Status.Terminal() {
				c.log.WithFields(logrus.Fields{
					"symbol":   symbol,
					"order_id": orderID,
					"status":   string(ord.Status),
				}).Info("order_settled")
				return ord, nil
			}
		} else {
			lastErr = err
			c.log.WithError(err).WithField("order_id", orderID).Debug("order_poll_failed")
		}
		if !c.opts.Now().Before(deadline) {
			if lastErr != nil {
				return last, fmt.Errorf("%w: order %s: last error: %v", ErrFillTimeout, orderID, lastErr)
			}
			return last, fmt.Errorf("%w: order %s status %s", ErrFillTimeout, orderID, last.Status)
		}
		if err := c.opts.Sleep(ctx, c.opts.PollInterval); err != nil {
			return last, err
		}
	}
}

// Open places the entry, waits for it to fill and attaches the take-profit and stop-loss plans.
// Stop entries rest on the exchange until triggered, so they are returned as soon as they are accepted.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	var result OpenResult
	symbol := req.Order.Symbol
	if req.Leverage > 0 {
		if err := c.gw.SetLeverage(ctx, symbol, req.Leverage); err != nil {
			return result, fmt.Errorf("set leverage: %w", err)
		}
	}
	placed, err := c.gw.PlaceOrder(ctx, req.Order)
	if err != nil {
		return result, fmt.Errorf("place entry: %w", err)
	}
	result.Entry = placed
	if req.Order.Type == core.Stop {
		return result, nil
	}

	settled, err := c.WaitForFill(ctx, symbol, placed.ID, c.opts.FillTimeout)
	if merged, idErr := placed.WithID(settled.ID); idErr == nil {
		merged.Status = settled.Status
		merged.FilledSize = settled.FilledSize
		merged.AvgPrice = settled.AvgPrice
		merged.UpdatedAt = settled.UpdatedAt
		result.Entry = merged
	}
	if err != nil {
		return result, err
	}
	if settled.Status != core.OrderFilled {
		return result, fmt.Errorf("%w: order %s %s", ErrNotFilled, placed.ID, settled.Status)
	}

	hold := core.Long
	if req.Order.Side == core.Sell {
		hold = core.Short
	}
	size := settled.FilledSize
	if !size.IsPositive() {
		size = req.Order.Size
	}
	var planErrs []error
	attach := func(plan bitget.PlanType, trigger decimal.Decimal) {
		if !trigger.IsPositive() {
			return
		}
		id, err := c.gw.PlaceTPSLOrder(ctx, bitget.TPSLRequest{
			Symbol:       symbol,
			PlanType:     plan,
			TriggerPrice: trigger,
			HoldSide:     hold,
			Size:         size,
		})
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"symbol": symbol, "plan": string(plan)}).Error("tpsl_place_failed")
			planErrs = append(planErrs, fmt.Errorf("%s: %w", plan, err))
			return
		}
		result.PlanIDs = append(result.PlanIDs, id)
	}
	attach(bitget.PlanProfit, req.TakeProfit)
	attach(bitget.PlanLoss, req.StopLoss)
	c.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"order_id": placed.ID,
		"side":     string(req.Order.Side),
		"size":     size.String(),
		"plans":    len(result.PlanIDs),
	}).Info("position_opened")
	return result, errors.Join(planErrs...)
}

// Close flattens the position on symbol and polls until the exchange reports it flat.
func (c *Coordinator) Close(ctx context.Context, symbol string) (bitget.CloseResult, error) {
	res, err := c.gw.ClosePosition(ctx, symbol)
	if err != nil {
		return res, fmt.Errorf("close position: %w", err)
	}
	for _, f := range res.Failures {
		c.log.WithFields(logrus.Fields{"symbol": symbol, "order_id": f.OrderID, "code": f.Code, "msg": f.Msg}).Warn("close_order_failed")
	}
	deadline := c.opts.Now().Add(c.opts.CloseTimeout)
	for {
		pos, open, err := c.gw.Position(ctx, symbol)
		if err == nil && !open {
			c.log.WithField("symbol", symbol).Info("position_closed")
			return res, nil
		}
		if err != nil {
			c.log.WithError(err).WithField("symbol", symbol).Debug("position_poll_failed")
		}
		if !c.opts.Now().Before(deadline) {
			return res, fmt.Errorf("%w: %s size %s", ErrCloseTimeout, symbol, pos.Size.String())
		}
		if err := c.opts.Sleep(ctx, c.opts.PollInterval); err != nil {
			return res, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
