package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"bitget-futures/internal/config"
	"bitget-futures/internal/core"
	"bitget-futures/internal/exchange/bitget"
	"bitget-futures/internal/lifecycle"
	"bitget-futures/internal/logging"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

func (r *report) failed() bool {
	for _, c := range r.Checks {
		if c.Status == statusFail {
			return true
		}
	}
	return false
}

type selectedChecks struct {
	preflight bool
	lifecycle bool
	stream    bool
	sweep     bool
}

func main() {
	var (
		configPath   string
		timeoutSec   int
		streamWait   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "seconds to hold the private stream open")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (preflight,lifecycle,stream,sweep); sweep cancels every stale order on the symbol")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fatal(err.Error())
	}
	defer logCloser.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client, err := bitget.NewClient(cfg, logger)
	if err != nil {
		fatal(err.Error())
	}

	r := report{StartedAt: time.Now().UTC(), Mode: cfg.Mode, Symbol: cfg.Symbol}
	ck := &checker{cfg: cfg, client: client}
	run := func(name string, fn func(context.Context) (string, error)) {
		r.Checks = append(r.Checks, runCheck(ctx, name, fn))
		printResult(r.Checks[len(r.Checks)-1])
	}

	if checks.preflight {
		run("exchange_preflight", ck.preflight)
	}
	if checks.lifecycle {
		run("order_lifecycle_place_query_cancel", ck.lifecycle)
	}
	if checks.stream {
		run("private_stream_login_subscribe", func(ctx context.Context) (string, error) {
			return ck.stream(ctx, bitget.NewPrivateStream(cfg, client.Signer(), logger), time.Duration(streamWait)*time.Second)
		})
	}
	if checks.sweep {
		run("stale_order_sweep", func(ctx context.Context) (string, error) {
			return ck.sweep(ctx, lifecycle.New(client, lifecycle.Options{StaleAfter: time.Millisecond, Logger: logger}))
		})
	}

	// A lifecycle order that survived a failed check is canceled best-effort.
	if id := ck.placedID; id != "" && !ck.canceled {
		_, _ = client.CancelOrder(context.Background(), cfg.Symbol, id)
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}
	if r.failed() {
		os.Exit(1)
	}
}

type exchangeClient interface {
	lifecycle.Gateway
	Rules(ctx context.Context, symbol string) (core.Rules, error)
	AccountBalance(ctx context.Context) (core.AccountBalance, error)
	Candles(ctx context.Context, q bitget.CandleQuery) ([]core.Candle, error)
}

type checker struct {
	cfg    config.Config
	client exchangeClient

	loaded   bool
	rules    core.Rules
	price    decimal.Decimal
	balance  core.AccountBalance
	placedID string
	canceled bool
}

func (c *checker) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	var err error
	if c.rules, err = c.client.Rules(ctx, c.cfg.Symbol); err != nil {
		return err
	}
	if c.balance, err = c.client.AccountBalance(ctx); err != nil {
		return err
	}
	candles, err := c.client.Candles(ctx, bitget.CandleQuery{Symbol: c.cfg.Symbol, Granularity: "1m", End: time.Now(), Limit: 5})
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return errors.New("no recent candles for reference price")
	}
	c.price = candles[len(candles)-1].Close
	c.loaded = true
	return nil
}

func (c *checker) preflight(ctx context.Context) (string, error) {
	if err := c.load(ctx); err != nil {
		return "", err
	}
	pos, ok, err := c.client.Position(ctx, c.cfg.Symbol)
	if err != nil {
		return "", err
	}
	position := "flat"
	if ok {
		position = fmt.Sprintf("%s %s@%s", pos.Side, pos.Size, pos.EntryPrice)
	}
	return fmt.Sprintf("price=%s tick=%s minSize=%s available=%s position=%s",
		c.price, c.rules.PriceTick, c.rules.MinSize, c.balance.Available, position), nil
}

// farBuy is a limit buy at half the reference price, sized at the contract minimum.
func (c *checker) farBuy() (bitget.OrderRequest, error) {
	if c.price.Cmp(decimal.Zero) <= 0 {
		return bitget.OrderRequest{}, errors.New("missing reference price")
	}
	price := c.price.Mul(decimal.RequireFromString("0.5"))
	if c.rules.PriceTick.Cmp(decimal.Zero) > 0 {
		price = core.RoundDown(price, c.rules.PriceTick)
	}
	size := tinySize(c.rules)
	if size.Cmp(decimal.Zero) <= 0 {
		return bitget.OrderRequest{}, errors.New("contract rules carry no minimum size")
	}
	return bitget.OrderRequest{
		Symbol:    c.cfg.Symbol,
		Side:      core.Buy,
		TradeSide: core.Open,
		Type:      core.Limit,
		Size:      size,
		Price:     price,
	}, nil
}

func (c *checker) lifecycle(ctx context.Context) (string, error) {
	if err := c.load(ctx); err != nil {
		return "", err
	}
	req, err := c.farBuy()
	if err != nil {
		return "", err
	}
	placed, err := c.client.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	c.placedID = placed.ID

	detail, err := c.client.OrderDetail(ctx, c.cfg.Symbol, placed.ID)
	if err != nil {
		return "", fmt.Errorf("order detail: %w", err)
	}
	pending, err := c.client.PendingOrders(ctx, bitget.PendingQuery{Symbol: c.cfg.Symbol})
	if err != nil {
		return "", fmt.Errorf("pending orders: %w", err)
	}
	foundPending := false
	for _, ord := range pending {
		if ord.ID == placed.ID {
			foundPending = true
			break
		}
	}
	status := detail.Status
	if !status.Terminal() {
		if _, err := c.client.CancelOrder(ctx, c.cfg.Symbol, placed.ID); err != nil {
			return "", fmt.Errorf("cancel order: %w", err)
		}
		c.canceled = true
		time.Sleep(400 * time.Millisecond)
		if after, err := c.client.OrderDetail(ctx, c.cfg.Symbol, placed.ID); err == nil {
			status = after.Status
		}
	}
	return fmt.Sprintf("id=%s clientOid=%s size=%s price=%s status=%s foundPending=%t",
		placed.ID, placed.ClientID, req.Size, req.Price, status, foundPending), nil
}

func (c *checker) stream(ctx context.Context, s *bitget.Stream, wait time.Duration) (string, error) {
	var pushes atomic.Int64
	ch := bitget.PrivateChannel(c.cfg.Exchange.ProductType, bitget.ChannelOrders)
	if err := s.Subscribe(ctx, []core.ChannelID{ch}, func(bitget.Message) { pushes.Add(1) }); err != nil {
		return "", err
	}
	defer s.Close()
	if err := s.Start(ctx); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(wait):
	}
	st := s.Stats()
	if st.State != bitget.StateConnected {
		return "", fmt.Errorf("stream state %s after %s", st.State, wait)
	}
	return fmt.Sprintf("state=%s channels=%d reconnects=%d pushes=%d", st.State, st.Channels, st.Reconnects, pushes.Load()), nil
}

func (c *checker) sweep(ctx context.Context, coord *lifecycle.Coordinator) (string, error) {
	if err := c.load(ctx); err != nil {
		return "", err
	}
	req, err := c.farBuy()
	if err != nil {
		return "", err
	}
	placed, err := c.client.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	time.Sleep(200 * time.Millisecond)
	results, err := coord.SweepStale(ctx, c.cfg.Symbol)
	if err != nil {
		_, _ = c.client.CancelOrder(context.Background(), c.cfg.Symbol, placed.ID)
		return "", err
	}
	canceled, failed, swept := 0, 0, false
	for _, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		canceled++
		if res.Order.ID == placed.ID {
			swept = true
		}
	}
	if !swept {
		_, _ = c.client.CancelOrder(context.Background(), c.cfg.Symbol, placed.ID)
		return "", fmt.Errorf("order %s not swept (canceled=%d failed=%d)", placed.ID, canceled, failed)
	}
	return fmt.Sprintf("canceled=%d failed=%d", canceled, failed), nil
}

func runCheck(ctx context.Context, name string, fn func(context.Context) (string, error)) checkResult {
	start := time.Now()
	detail, err := fn(ctx)
	cr := checkResult{
		Name:       name,
		Status:     statusPass,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     detail,
	}
	if err != nil {
		cr.Status = statusFail
		cr.Error = err.Error()
	}
	return cr
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "", "default":
		return selectedChecks{preflight: true, lifecycle: true, stream: true}, nil
	case "all":
		return selectedChecks{preflight: true, lifecycle: true, stream: true, sweep: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
			continue
		case "preflight", "exchange_preflight":
			out.preflight = true
		case "lifecycle", "order_lifecycle":
			out.lifecycle = true
		case "stream", "private_stream":
			out.stream = true
		case "sweep", "stale_order_sweep":
			out.sweep = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if out == (selectedChecks{}) {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

// tinySize is the smallest size the contract accepts, rounded up onto the size step.
func tinySize(rules core.Rules) decimal.Decimal {
	size := rules.MinSize
	if size.Cmp(rules.SizeStep) < 0 {
		size = rules.SizeStep
	}
	step := rules.SizeStep
	if step.Cmp(decimal.Zero) <= 0 {
		return size
	}
	return size.Div(step).Ceil().Mul(step)
}

func printResult(cr checkResult) {
	if cr.Status == statusPass {
		fmt.Printf("[PASS] %s (%dms)", cr.Name, cr.DurationMs)
		if cr.Detail != "" {
			fmt.Printf(" - %s", cr.Detail)
		}
		fmt.Println()
		return
	}
	fmt.Printf("[FAIL] %s (%dms) - %s\n", cr.Name, cr.DurationMs, cr.Error)
}

func printSummary(r report) {
	pass, fail := 0, 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary mode=%s symbol=%s pass=%d fail=%d duration=%s\n",
		r.Mode, r.Symbol, pass, fail, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
