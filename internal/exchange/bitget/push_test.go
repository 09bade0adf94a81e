package bitget

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"bitget-futures/internal/core"
)

func pushMessage(channel, inst string, payloads ...string) Message {
	msg := Message{Arg: core.ChannelID{InstType: "USDT-FUTURES", Channel: channel, InstID: inst}, Action: "snapshot"}
	for _, p := range payloads {
		msg.Data = append(msg.Data, json.RawMessage(p))
	}
	return msg
}

func TestDecodeOrders(t *testing.T) {
	msg := pushMessage(ChannelOrders, "default",
		`{"instId":"BTCUSDT","orderId":"11","clientOid":"c1","size":"0.02","accBaseVolume":"0.02","price":"65000.1","priceAvg":"65000","side":"buy","tradeSide":"open","orderType":"limit","status":"filled","cTime":"1700000000000","uTime":"1700000005000"}`,
		`{"instId":"ETHUSDT","orderId":"12","size":"1","status":"live"}`,
	)
	orders, err := DecodeOrders(msg)
	if err != nil {
		t.Fatalf("DecodeOrders() error = %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2", len(orders))
	}
	o := orders[0]
	if o.ID != "11" || o.Symbol != "BTCUSDT" || o.Status != core.OrderFilled || o.Side != core.Buy {
		t.Fatalf("orders[0] = %+v", o)
	}
	if o.FilledSize.String() != "0.02" || o.AvgPrice.String() != "65000" {
		t.Fatalf("orders[0] fill = %s @ %s", o.FilledSize, o.AvgPrice)
	}
	if !o.UpdatedAt.Equal(time.UnixMilli(1700000005000)) {
		t.Fatalf("orders[0].UpdatedAt = %s", o.UpdatedAt)
	}
	if orders[1].Status.Terminal() {
		t.Fatalf("orders[1] status %s should not be terminal", orders[1].Status)
	}
}

func TestDecodePositionsSkipsFlat(t *testing.T) {
	msg := pushMessage(ChannelPositions, "default",
		`{"instId":"BTCUSDT","holdSide":"long","total":"0.5","openPriceAvg":"64000","leverage":"10","marginMode":"isolated","unrealizedPL":"12.5"}`,
		`{"instId":"ETHUSDT","holdSide":"short","total":"0"}`,
	)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	positions, err := DecodePositions(msg, now)
	if err != nil {
		t.Fatalf("DecodePositions() error = %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("len(positions) = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.Symbol != "BTCUSDT" || p.Side != core.Long || p.Leverage != 10 || p.MarginMode != "isolated" {
		t.Fatalf("position = %+v", p)
	}
	if p.UnrealizedPL.String() != "12.5" || !p.UpdatedAt.Equal(now) {
		t.Fatalf("position pnl/time = %s %s", p.UnrealizedPL, p.UpdatedAt)
	}
}

func TestDecodePositionUpdatesReportsFlatSides(t *testing.T) {
	msg := pushMessage(ChannelPositions, "default",
		`{"instId":"BTCUSDT","holdSide":"long","total":"0"}`,
		`{"instId":"BTCUSDT","holdSide":"short","total":"0.2"}`,
	)
	msg.Action = "update"
	open, flat, err := DecodePositionUpdates(msg, time.Now())
	if err != nil {
		t.Fatalf("DecodePositionUpdates() error = %v", err)
	}
	if len(open) != 1 || open[0].Side != core.Short {
		t.Fatalf("open = %+v, want one short", open)
	}
	if len(flat) != 1 || flat[0].Side != core.Long || flat[0].Symbol != "BTCUSDT" {
		t.Fatalf("flat = %+v, want BTCUSDT long", flat)
	}
}

func TestDecodeTickerUsesLatestEntry(t *testing.T) {
	msg := pushMessage(ChannelTicker, "BTCUSDT",
		`{"instId":"BTCUSDT","lastPr":"64999.9","ts":"1700000000000"}`,
		`{"lastPr":"65000.1","markPrice":"65000","bidPr":"65000","askPr":"65000.2","ts":"1700000001000"}`,
	)
	tk, err := DecodeTicker(msg)
	if err != nil {
		t.Fatalf("DecodeTicker() error = %v", err)
	}
	if tk.Symbol != "BTCUSDT" || tk.Last.String() != "65000.1" || tk.BestAsk.String() != "65000.2" {
		t.Fatalf("DecodeTicker() = %+v", tk)
	}
}

func TestChannelHelpers(t *testing.T) {
	if got := PrivateChannel("USDT-FUTURES", ChannelOrders).String(); got != "USDT-FUTURES/orders/default" {
		t.Fatalf("PrivateChannel() = %q", got)
	}
	if got := PublicChannel("USDT-FUTURES", ChannelTicker, "BTCUSDT"); got.InstID != "BTCUSDT" || got.Channel != "ticker" {
		t.Fatalf("PublicChannel() = %+v", got)
	}
}
