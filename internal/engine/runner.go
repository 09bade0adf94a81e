package engine

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"bitget-futures/internal/alert"
	"bitget-futures/internal/core"
	"bitget-futures/internal/exchange/bitget"
	"bitget-futures/internal/lifecycle"
	"bitget-futures/internal/logging"
	"bitget-futures/internal/safety"
	"bitget-futures/internal/store"
)

// Sweeper is the part of the lifecycle coordinator the runner drives on a timer.
type Sweeper interface {
	SweepStale(ctx context.Context, symbol string) ([]lifecycle.CancelResult, error)
}

// Runner keeps the public and private streams subscribed, journals terminal orders, sweeps
// stale orders and publishes a runtime status file until its context ends.
type Runner struct {
	Symbol      string
	ProductType string
	Mode        string
	InstanceID  string

	Public  *bitget.Stream
	Private *bitget.Stream
	Sweeper Sweeper
	Store   *store.Store
	Breaker *safety.Breaker
	Alerts  alert.Alerter
	Logger  logrus.FieldLogger

	SweepInterval time.Duration
	Heartbeat     time.Duration
	Now           func() time.Time

	log       *logrus.Entry
	startedAt time.Time

	mu        sync.Mutex
	ticker    bitget.Ticker
	positions map[core.HoldSide]core.Position
	lastErr   error

	staleCanceled atomic.Int64
	journaled     atomic.Int64
}

func (r *Runner) Run(ctx context.Context) error {
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.SweepInterval <= 0 {
		r.SweepInterval = 10 * time.Second
	}
	if r.Heartbeat <= 0 {
		r.Heartbeat = 30 * time.Second
	}
	if r.ProductType == "" {
		r.ProductType = "USDT-FUTURES"
	}
	r.log = logging.Component(r.Logger, "runner").WithField("symbol", r.Symbol)
	r.startedAt = r.Now().UTC()
	r.positions = make(map[core.HoldSide]core.Position)

	r.persistStatus("starting")
	if err := r.startStreams(ctx); err != nil {
		r.setErr(err)
		r.persistStatus("stopped")
		return err
	}
	r.log.Info("runner_started")
	r.alert("runner_started", map[string]string{"mode": r.Mode})

	sweep := time.NewTicker(r.SweepInterval)
	defer sweep.Stop()
	heartbeat := time.NewTicker(r.Heartbeat)
	defer heartbeat.Stop()
	r.persistStatus("running")

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-sweep.C:
			r.sweep(ctx)
		case <-heartbeat.C:
			r.persistStatus("running")
		}
	}
}

func (r *Runner) startStreams(ctx context.Context) error {
	if r.Private != nil {
		r.watch("private", r.Private)
		channels := []core.ChannelID{
			bitget.PrivateChannel(r.ProductType, bitget.ChannelOrders),
			bitget.PrivateChannel(r.ProductType, bitget.ChannelPositions),
		}
		if err := r.Private.Subscribe(ctx, channels[:1], r.onOrders); err != nil {
			return err
		}
		if err := r.Private.Subscribe(ctx, channels[1:], r.onPositions); err != nil {
			return err
		}
		if err := r.Private.Start(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// The supervisor keeps retrying; the first failure only gets reported.
			r.log.WithError(err).Warn("private_stream_first_connect_failed")
			r.setErr(err)
		}
	}
	if r.Public != nil {
		r.watch("public", r.Public)
		ticker := bitget.PublicChannel(r.ProductType, bitget.ChannelTicker, r.Symbol)
		if err := r.Public.Subscribe(ctx, []core.ChannelID{ticker}, r.onTicker); err != nil {
			return err
		}
		if err := r.Public.Start(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.log.WithError(err).Warn("public_stream_first_connect_failed")
			r.setErr(err)
		}
	}
	return nil
}

// watch turns stream transitions into operator alerts. A session that drops from Connected is a
// disconnect; reaching Connected again after that is a reconnect.
func (r *Runner) watch(name string, s *bitget.Stream) {
	var dropped atomic.Bool
	s.OnStateChange(func(from, to bitget.State) {
		switch {
		case from == bitget.StateConnected && to == bitget.StateReconnecting:
			dropped.Store(true)
			r.alert("stream_disconnected", map[string]string{"stream": name})
		case to == bitget.StateConnected && dropped.Swap(false):
			r.alert("stream_reconnected", map[string]string{
				"stream":     name,
				"reconnects": strconv.FormatInt(s.Stats().Reconnects, 10),
			})
		}
	})
}

func (r *Runner) onOrders(msg bitget.Message) {
	orders, err := bitget.DecodeOrders(msg)
	if err != nil {
		r.log.WithError(err).Warn("order_push_decode_failed")
	}
	for _, ord := range orders {
		if r.Symbol != "" && ord.Symbol != r.Symbol {
			continue
		}
		r.log.WithFields(logrus.Fields{
			"order_id": ord.ID,
			"status":   string(ord.Status),
			"filled":   ord.FilledSize.String(),
		}).Debug("order_update")
		if ord.Status.Terminal() {
			r.journal("stream", ord)
		}
	}
}

func (r *Runner) onPositions(msg bitget.Message) {
	open, flat, err := bitget.DecodePositionUpdates(msg, r.Now())
	if err != nil {
		r.log.WithError(err).Warn("position_push_decode_failed")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// A snapshot lists every open position, so anything missing from it is flat.
	if msg.Action == "snapshot" {
		r.positions = make(map[core.HoldSide]core.Position)
	}
	for _, p := range flat {
		if r.Symbol != "" && p.Symbol != r.Symbol {
			continue
		}
		delete(r.positions, p.Side)
	}
	for _, p := range open {
		if r.Symbol != "" && p.Symbol != r.Symbol {
			continue
		}
		r.positions[p.Side] = p
	}
}

func (r *Runner) onTicker(msg bitget.Message) {
	t, err := bitget.DecodeTicker(msg)
	if err != nil {
		r.log.WithError(err).Debug("ticker_push_decode_failed")
		return
	}
	r.mu.Lock()
	r.ticker = t
	r.mu.Unlock()
}

func (r *Runner) sweep(ctx context.Context) {
	if r.Sweeper == nil {
		return
	}
	results, err := r.Sweeper.SweepStale(ctx, r.Symbol)
	if err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).Warn("stale_sweep_failed")
			r.setErr(err)
		}
		return
	}
	for _, res := range results {
		if res.Err != nil {
			r.alert("stale_cancel_failed", map[string]string{"order_id": res.Order.ID, "error": res.Err.Error()})
			continue
		}
		r.staleCanceled.Add(1)
		ord := res.Order
		ord.Status = core.OrderCanceled
		ord.UpdatedAt = r.Now().UTC()
		r.journal("sweep", ord)
	}
}

func (r *Runner) journal(source string, ord core.Order) {
	if r.Store == nil {
		return
	}
	wrote, err := r.Store.AppendOrder(source, ord)
	if err != nil {
		r.log.WithError(err).WithField("order_id", ord.ID).Error("journal_write_failed")
		return
	}
	if wrote {
		r.journaled.Add(1)
	}
}

func (r *Runner) shutdown() {
	if r.Public != nil {
		_ = r.Public.Close()
	}
	if r.Private != nil {
		_ = r.Private.Close()
	}
	r.persistStatus("stopped")
	r.log.Info("runner_stopped")
	r.alert("runner_stopped", nil)
}

// LastTicker is the most recent public ticker for the runner's symbol.
func (r *Runner) LastTicker() bitget.Ticker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticker
}

// Positions is the stream's latest view of open positions on the runner's symbol.
func (r *Runner) Positions() []core.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Position, 0, len(r.positions))
	for _, side := range []core.HoldSide{core.Long, core.Short} {
		if p, ok := r.positions[side]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Runner) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Runner) alert(event string, fields map[string]string) {
	if r.Alerts != nil {
		r.Alerts.Important(event, fields)
	}
}

func (r *Runner) persistStatus(state string) {
	if r.Store == nil {
		return
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	status := store.RuntimeStatus{
		Mode:          r.Mode,
		Symbol:        r.Symbol,
		InstanceID:    instanceID,
		PID:           os.Getpid(),
		State:         state,
		StartedAt:     r.startedAt,
		UpdatedAt:     r.Now().UTC(),
		Streams:       make(map[string]store.StreamStatus, 2),
		StaleCanceled: r.staleCanceled.Load(),
		Journaled:     r.journaled.Load(),
	}
	for name, s := range map[string]*bitget.Stream{"public": r.Public, "private": r.Private} {
		if s == nil {
			continue
		}
		st := s.Stats()
		status.Streams[name] = store.StreamStatus{
			State:      st.State.String(),
			Reconnects: st.Reconnects,
			Channels:   st.Channels,
			LastPong:   st.LastPong,
		}
	}
	status.PlaceCircuit, status.CancelCircuit = r.Breaker.State()
	r.mu.Lock()
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	r.mu.Unlock()
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		r.log.WithError(err).Warn("runtime_status_write_failed")
	}
}
