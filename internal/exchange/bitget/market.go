package bitget

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"bitget-futures/internal/core"
)

const (
	pathHistoryCandles = "/api/v2/mix/market/history-candles"
	pathContracts      = "/api/v2/mix/market/contracts"
)

type CandleQuery struct {
	Symbol      string
	Granularity string
	Start       time.Time
	End         time.Time
	Limit       int
}

// Candles returns history candles in ascending time order.
func (c *Client) Candles(ctx context.Context, q CandleQuery) ([]core.Candle, error) {
	if q.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol required", ErrInvalidRequest)
	}
	granularity := q.Granularity
	if granularity == "" {
		granularity = "1m"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	query := url.Values{}
	query.Set("symbol", q.Symbol)
	query.Set("productType", c.productType)
	query.Set("granularity", granularity)
	query.Set("limit", strconv.Itoa(limit))
	if !q.Start.IsZero() {
		query.Set("startTime", strconv.FormatInt(q.Start.UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		query.Set("endTime", strconv.FormatInt(q.End.UnixMilli(), 10))
	}
	data, err := c.doRequest(ctx, "candles", http.MethodGet, pathHistoryCandles, query, nil, AuthNone)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := c.decode("candles", data, &rows); err != nil {
		return nil, err
	}
	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ts := parseMillis(row[0])
		if ts.IsZero() {
			continue
		}
		candle := core.Candle{
			Time:   ts,
			Open:   parseDecimal(row[1]),
			High:   parseDecimal(row[2]),
			Low:    parseDecimal(row[3]),
			Close:  parseDecimal(row[4]),
			Volume: parseDecimal(row[5]),
		}
		if len(row) > 6 {
			candle.Turnover = parseDecimal(row[6])
		}
		candles = append(candles, candle)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

// Rules returns the contract's trading rules. Results are cached per symbol for the life of the client.
func (c *Client) Rules(ctx context.Context, symbol string) (core.Rules, error) {
	if symbol == "" {
		return core.Rules{}, fmt.Errorf("%w: symbol required", ErrInvalidRequest)
	}
	c.mu.Lock()
	if rules, ok := c.ruleCache[symbol]; ok {
		c.mu.Unlock()
		return rules, nil
	}
	c.mu.Unlock()

	query := url.Values{}
	query.Set("productType", c.productType)
	query.Set("symbol", symbol)
	data, err := c.doRequest(ctx, "contracts", http.MethodGet, pathContracts, query, nil, AuthNone)
	if err != nil {
		return core.Rules{}, err
	}
	var list []contractResponse
	if err := c.decode("contracts", data, &list); err != nil {
		return core.Rules{}, err
	}
	for _, contract := range list {
		if contract.Symbol != symbol {
			continue
		}
		rules := rulesFromContract(contract)
		c.mu.Lock()
		c.ruleCache[symbol] = rules
		c.mu.Unlock()
		return rules, nil
	}
	return core.Rules{}, fmt.Errorf("bitget contracts: symbol %s not found", symbol)
}

// priceTick resolves the tick for symbol, falling back to the configured default when rules are unavailable.
func (c *Client) priceTick(ctx context.Context, symbol string) decimal.Decimal {
	rules, err := c.Rules(ctx, symbol)
	if err != nil || rules.PriceTick.Cmp(decimal.Zero) <= 0 {
		c.log.WithField("symbol", symbol).WithField("tick", c.defaultTick.String()).Debug("price_tick_fallback")
		return c.defaultTick
	}
	return rules.PriceTick
}

func rulesFromContract(raw contractResponse) core.Rules {
	places, err := strconv.ParseInt(raw.PricePlace, 10, 32)
	if err != nil {
		places = 1
	}
	rules := core.Rules{
		PriceTick: core.TickFromPlaces(int32(places), parseDecimal(raw.PriceEndStep)),
		MinSize:   parseDecimal(raw.MinTradeNum),
	}
	if volumePlace, err := strconv.ParseInt(raw.VolumePlace, 10, 32); err == nil {
		rules.SizeStep = decimal.New(1, -int32(volumePlace))
	}
	if mult := parseDecimal(raw.SizeMultiplier); mult.Cmp(decimal.Zero) > 0 {
		rules.SizeStep = mult
	}
	return rules
}
