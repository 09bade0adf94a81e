package bitget

import (
	json "github.com/goccy/go-json"
)

type envelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

type placeOrderResponse struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

type orderDetailResponse struct {
	Symbol       string `json:"symbol"`
	Size         string `json:"size"`
	OrderID      string `json:"orderId"`
	ClientOid    string `json:"clientOid"`
	BaseVolume   string `json:"baseVolume"`
	Price        string `json:"price"`
	PriceAvg     string `json:"priceAvg"`
	TriggerPrice string `json:"triggerPrice"`
	State        string `json:"state"`
	Status       string `json:"status"`
	Side         string `json:"side"`
	TradeSide    string `json:"tradeSide"`
	OrderType    string `json:"orderType"`
	CTime        string `json:"cTime"`
	UTime        string `json:"uTime"`
}

type pendingOrdersResponse struct {
	EntrustedList []orderDetailResponse `json:"entrustedList"`
	EndID         string                `json:"endId"`
}

type positionResponse struct {
	Symbol           string `json:"symbol"`
	MarginCoin       string `json:"marginCoin"`
	HoldSide         string `json:"holdSide"`
	OpenDelegateSize string `json:"openDelegateSize"`
	MarginSize       string `json:"marginSize"`
	Available        string `json:"available"`
	Locked           string `json:"locked"`
	Total            string `json:"total"`
	Leverage         string `json:"leverage"`
	AchievedProfits  string `json:"achievedProfits"`
	OpenPriceAvg     string `json:"openPriceAvg"`
	MarginMode       string `json:"marginMode"`
	UnrealizedPL     string `json:"unrealizedPL"`
	LiquidationPrice string `json:"liquidationPrice"`
	MarginRatio      string `json:"marginRatio"`
	MarkPrice        string `json:"markPrice"`
	BreakEvenPrice   string `json:"breakEvenPrice"`
	TotalFee         string `json:"totalFee"`
	UTime            string `json:"uTime"`
}

type accountResponse struct {
	MarginCoin       string `json:"marginCoin"`
	Locked           string `json:"locked"`
	Available        string `json:"available"`
	AccountEquity    string `json:"accountEquity"`
	USDTEquity       string `json:"usdtEquity"`
	UnrealizedPL     string `json:"unrealizedPL"`
	CrossedMaxAvail  string `json:"crossedMaxAvailable"`
	IsolatedMaxAvail string `json:"isolatedMaxAvailable"`
}

type contractResponse struct {
	Symbol         string `json:"symbol"`
	BaseCoin       string `json:"baseCoin"`
	QuoteCoin      string `json:"quoteCoin"`
	PricePlace     string `json:"pricePlace"`
	PriceEndStep   string `json:"priceEndStep"`
	VolumePlace    string `json:"volumePlace"`
	SizeMultiplier string `json:"sizeMultiplier"`
	MinTradeNum    string `json:"minTradeNum"`
}
