package bitget

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"bitget-futures/internal/core"
)

// Channel names on the v2 futures streams.
const (
	ChannelOrders    = "orders"
	ChannelPositions = "positions"
	ChannelTicker    = "ticker"
)

// PrivateChannel addresses an account-wide private channel. The stream uses "default" for all symbols.
func PrivateChannel(productType, channel string) core.ChannelID {
	return core.ChannelID{InstType: productType, Channel: channel, InstID: "default"}
}

func PublicChannel(productType, channel, symbol string) core.ChannelID {
	return core.ChannelID{InstType: productType, Channel: channel, InstID: symbol}
}

type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Mark      decimal.Decimal
	Index     decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp time.Time
}

type orderPush struct {
	InstID        string `json:"instId"`
	OrderID       string `json:"orderId"`
	ClientOid     string `json:"clientOid"`
	Size          string `json:"size"`
	AccBaseVolume string `json:"accBaseVolume"`
	Price         string `json:"price"`
	PriceAvg      string `json:"priceAvg"`
	TriggerPrice  string `json:"triggerPrice"`
	Side          string `json:"side"`
	TradeSide     string `json:"tradeSide"`
	OrderType     string `json:"orderType"`
	Status        string `json:"status"`
	CTime         string `json:"cTime"`
	UTime         string `json:"uTime"`
}

type positionPush struct {
	InstID string `json:"instId"`
	positionResponse
}

type tickerPush struct {
	InstID    string `json:"instId"`
	LastPr    string `json:"lastPr"`
	MarkPrice string `json:"markPrice"`
	IndexPr   string `json:"indexPrice"`
	BidPr     string `json:"bidPr"`
	AskPr     string `json:"askPr"`
	TS        string `json:"ts"`
}

func DecodeOrders(msg Message) ([]core.Order, error) {
	out := make([]core.Order, 0, len(msg.Data))
	for _, raw := range msg.Data {
		var p orderPush
		if err := json.Unmarshal(raw, &p); err != nil {
			return out, err
		}
		out = append(out, core.Order{
			ID:           p.OrderID,
			ClientID:     p.ClientOid,
			Symbol:       p.InstID,
			Side:         core.Side(p.Side),
			TradeSide:    core.TradeSide(p.TradeSide),
			Type:         core.OrderType(p.OrderType),
			Size:         parseDecimal(p.Size),
			FilledSize:   parseDecimal(p.AccBaseVolume),
			Price:        parseDecimal(p.Price),
			TriggerPrice: parseDecimal(p.TriggerPrice),
			AvgPrice:     parseDecimal(p.PriceAvg),
			Status:       core.ParseOrderStatus(p.Status),
			CreatedAt:    parseMillis(p.CTime),
			UpdatedAt:    parseMillis(p.UTime),
		})
	}
	return out, nil
}

// DecodePositions returns only open positions; a zero total is a flat side.
func DecodePositions(msg Message, now time.Time) ([]core.Position, error) {
	open, _, err := DecodePositionUpdates(msg, now)
	return open, err
}

// DecodePositionUpdates splits a positions push into open sides and sides reported flat.
func DecodePositionUpdates(msg Message, now time.Time) (open, flat []core.Position, err error) {
	open = make([]core.Position, 0, len(msg.Data))
	for _, raw := range msg.Data {
		var p positionPush
		if err := json.Unmarshal(raw, &p); err != nil {
			return open, flat, err
		}
		pos := positionFromResponse(p.InstID, p.positionResponse, now)
		if !pos.Size.IsPositive() {
			flat = append(flat, pos)
			continue
		}
		open = append(open, pos)
	}
	return open, flat, nil
}

func DecodeTicker(msg Message) (Ticker, error) {
	if len(msg.Data) == 0 {
		return Ticker{Symbol: msg.Arg.InstID}, nil
	}
	var p tickerPush
	if err := json.Unmarshal(msg.Data[len(msg.Data)-1], &p); err != nil {
		return Ticker{}, err
	}
	symbol := p.InstID
	if symbol == "" {
		symbol = msg.Arg.InstID
	}
	return Ticker{
		Symbol:    symbol,
		Last:      parseDecimal(p.LastPr),
		Mark:      parseDecimal(p.MarkPrice),
		Index:     parseDecimal(p.IndexPr),
		BestBid:   parseDecimal(p.BidPr),
		BestAsk:   parseDecimal(p.AskPr),
		Timestamp: parseMillis(p.TS),
	}, nil
}
