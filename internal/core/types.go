package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type TradeSide string

type OrderType string

type OrderStatus string

type HoldSide string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	Open  TradeSide = "open"
	Close TradeSide = "close"
)

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	Stop   OrderType = "stop"
)

const (
	Long  HoldSide = "long"
	Short HoldSide = "short"
)

const (
	OrderLive            OrderStatus = "live"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// ParseOrderStatus maps the spellings the exchange uses across REST and stream payloads.
func ParseOrderStatus(raw string) OrderStatus {
	switch raw {
	case "live", "new", "init":
		return OrderLive
	case "partially_filled", "partial-fill", "partial_fill":
		return OrderPartiallyFilled
	case "filled", "full-fill", "full_fill":
		return OrderFilled
	case "canceled", "cancelled":
		return OrderCanceled
	case "rejected", "fail":
		return OrderRejected
	default:
		return OrderStatus(raw)
	}
}

// Terminal reports whether no further state change is expected from the exchange.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

type Order struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	TradeSide    TradeSide       `json:"trade_side,omitempty"`
	Type         OrderType       `json:"type"`
	Size         decimal.Decimal `json:"size"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// WithID assigns the exchange id. An id that is already set is never replaced.
func (o Order) WithID(id string) (Order, error) {
	if o.ID != "" && id != "" && o.ID != id {
		return o, ErrOrderIDImmutable
	}
	if o.ID == "" {
		o.ID = id
	}
	return o, nil
}

// Age is measured from the exchange creation time.
func (o Order) Age(now time.Time) time.Duration {
	if o.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(o.CreatedAt)
}

type Position struct {
	Symbol           string          `json:"symbol"`
	Side             HoldSide        `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Leverage         int             `json:"leverage"`
	MarginMode       string          `json:"margin_mode"`
	MarginSize       decimal.Decimal `json:"margin_size"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"`
	UnrealizedPL     decimal.Decimal `json:"unrealized_pl"`
	AchievedProfits  decimal.Decimal `json:"achieved_profits"`
	TotalFee         decimal.Decimal `json:"total_fee"`
	BreakEvenPrice   decimal.Decimal `json:"break_even_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	Available        decimal.Decimal `json:"available"`
	Locked           decimal.Decimal `json:"locked"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type AccountBalance struct {
	MarginCoin   string
	Available    decimal.Decimal
	Locked       decimal.Decimal
	Equity       decimal.Decimal
	UnrealizedPL decimal.Decimal
}

type Candle struct {
	Time     time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Turnover decimal.Decimal
}

type Rules struct {
	PriceTick decimal.Decimal
	SizeStep  decimal.Decimal
	MinSize   decimal.Decimal
}

// ChannelID identifies one stream subscription. It is comparable and used directly as a map key.
type ChannelID struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

func (c ChannelID) String() string {
	return c.InstType + "/" + c.Channel + "/" + c.InstID
}
