package bitget

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitget-futures/internal/core"
)

const (
	pathPlaceOrder     = "/api/v2/mix/order/place-order"
	pathPlaceTPSLOrder = "/api/v2/mix/order/place-tpsl-order"
	pathClosePositions = "/api/v2/mix/order/close-positions"
	pathCancelOrder    = "/api/v2/mix/order/cancel-order"
	pathOrderDetail    = "/api/v2/mix/order/detail"
	pathOrdersPending  = "/api/v2/mix/order/orders-pending"
	pathSinglePosition = "/api/v2/mix/position/single-position"
	pathAccounts       = "/api/v2/mix/account/accounts"
	pathSetLeverage    = "/api/v2/mix/account/set-leverage"
)

var ErrInvalidRequest = errors.New("bitget: invalid request")

type OrderRequest struct {
	Symbol       string
	Side         core.Side
	TradeSide    core.TradeSide
	Type         core.OrderType
	Size         decimal.Decimal
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	ClientOID    string
}

type PlanType string

const (
	PlanProfit    PlanType = "profit_plan"
	PlanLoss      PlanType = "loss_plan"
	PlanPosProfit PlanType = "pos_profit"
	PlanPosLoss   PlanType = "pos_loss"
)

type TPSLRequest struct {
	Symbol       string
	PlanType     PlanType
	TriggerPrice decimal.Decimal
	ExecutePrice decimal.Decimal
	HoldSide     core.HoldSide
	Size         decimal.Decimal
}

type PendingQuery struct {
	Symbol string
	Status string
	Limit  int
}

type CloseResult struct {
	OrderIDs []string
	Failures []CloseFailure
}

type CloseFailure struct {
	OrderID string
	Code    string
	Msg     string
}

// exchangeOrderType maps the caller's order type onto the mix API vocabulary. Unknown types place as limit.
func exchangeOrderType(t core.OrderType) string {
	switch t {
	case core.Market:
		return "market"
	case core.Limit:
		return "limit"
	case core.Stop:
		return "profit_stop"
	default:
		return "limit"
	}
}

// stopHoldSide is the position a stop order protects: a buy stop covers a short.
func stopHoldSide(side core.Side) core.HoldSide {
	if side == core.Buy {
		return core.Short
	}
	return core.Long
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (core.Order, error) {
	if req.Symbol == "" {
		return core.Order{}, fmt.Errorf("%w: symbol required", ErrInvalidRequest)
	}
	if req.Size.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("%w: size must be > 0", ErrInvalidRequest)
	}
	if req.Side != core.Buy && req.Side != core.Sell {
		return core.Order{}, fmt.Errorf("%w: side must be buy or sell", ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = core.Limit
	}
	if req.ClientOID == "" {
		req.ClientOID = uuid.NewString()
	}
	tick := c.priceTick(ctx, req.Symbol)

	body := map[string]string{
		"symbol":      req.Symbol,
		"productType": c.productType,
		"marginMode":  c.marginMode,
		"marginCoin":  c.marginCoin,
		"side":        string(req.Side),
		"orderType":   exchangeOrderType(req.Type),
		"size":        req.Size.String(),
		"clientOid":   req.ClientOID,
	}
	if req.TradeSide != "" {
		body["tradeSide"] = string(req.TradeSide)
	}
	order := core.Order{
		ClientID:  req.ClientOID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		TradeSide: req.TradeSide,
		Type:      req.Type,
		Size:      req.Size,
		Status:    core.OrderLive,
	}
	switch exchangeOrderType(req.Type) {
	case "limit":
		if req.Price.Cmp(decimal.Zero) <= 0 {
			return core.Order{}, fmt.Errorf("%w: limit order requires price", ErrInvalidRequest)
		}
		order.Price = core.RoundToTick(req.Price, tick)
		body["price"] = order.Price.String()
		body["force"] = "gtc"
	case "profit_stop":
		if req.TriggerPrice.Cmp(decimal.Zero) <= 0 {
			return core.Order{}, fmt.Errorf("%w: stop order requires trigger price", ErrInvalidRequest)
		}
		order.TriggerPrice = core.RoundToTick(req.TriggerPrice, tick)
		body["triggerPrice"] = order.TriggerPrice.String()
		body["holdSide"] = string(stopHoldSide(req.Side))
	}

	data, err := c.doRequest(ctx, "place_order", http.MethodPost, pathPlaceOrder, nil, body, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp placeOrderResponse
	if err := c.decode("place_order", data, &resp); err != nil {
		return core.Order{}, err
	}
	order, err = order.WithID(resp.OrderID)
	if err != nil {
		return core.Order{}, err
	}
	if resp.ClientOid != "" {
		order.ClientID = resp.ClientOid
	}
	order.CreatedAt = c.now()
	c.log.WithFields(logrus.Fields{
		"symbol":    order.Symbol,
		"order_id":  order.ID,
		"client_id": order.ClientID,
		"side":      order.Side,
		"type":      body["orderType"],
		"size":      order.Size.String(),
	}).Info("order_placed")
	return order, nil
}

// PlaceTPSLOrder attaches a take-profit or stop-loss plan to an open position and returns the plan order id.
func (c *Client) PlaceTPSLOrder(ctx context.Context, req TPSLRequest) (string, error) {
	if req.Symbol == "" || req.PlanType == "" || req.HoldSide == "" {
		return "", fmt.Errorf("%w: symbol, plan type and hold side required", ErrInvalidRequest)
	}
	if req.TriggerPrice.Cmp(decimal.Zero) <= 0 {
		return "", fmt.Errorf("%w: trigger price must be > 0", ErrInvalidRequest)
	}
	tick := c.priceTick(ctx, req.Symbol)
	execute := "0"
	if req.ExecutePrice.Cmp(decimal.Zero) > 0 {
		execute = core.RoundToTick(req.ExecutePrice, tick).String()
	}
	body := map[string]string{
		"symbol":       req.Symbol,
		"marginCoin":   c.marginCoin,
		"productType":  c.productType,
		"planType":     string(req.PlanType),
		"triggerPrice": core.RoundToTick(req.TriggerPrice, tick).String(),
		"triggerType":  "mark_price",
		"executePrice": execute,
		"holdSide":     string(req.HoldSide),
	}
	if req.Size.Cmp(decimal.Zero) > 0 {
		body["size"] = req.Size.String()
	}
	data, err := c.doRequest(ctx, "place_tpsl_order", http.MethodPost, pathPlaceTPSLOrder, nil, body, AuthSigned)
	if err != nil {
		return "", err
	}
	var resp placeOrderResponse
	if err := c.decode("place_tpsl_order", data, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// ClosePosition market-closes every open side on symbol.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (CloseResult, error) {
	if symbol == "" {
		return CloseResult{}, fmt.Errorf("%w: symbol required", ErrInvalidRequest)
	}
	body := map[string]string{
		"symbol":      symbol,
		"marginCoin":  c.marginCoin,
		"productType": c.productType,
	}
	data, err := c.doRequest(ctx, "close_position", http.MethodPost, pathClosePositions, nil, body, AuthSigned)
	if err != nil {
		return CloseResult{}, err
	}
	var resp struct {
		SuccessList []placeOrderResponse `json:"successList"`
		FailureList []struct {
			OrderID   string `json:"orderId"`
			ErrorCode string `json:"errorCode"`
			ErrorMsg  string `json:"errorMsg"`
		} `json:"failureList"`
	}
	if err := c.decode("close_position", data, &resp); err != nil {
		return CloseResult{}, err
	}
	out := CloseResult{}
	for _, s := range resp.SuccessList {
		out.OrderIDs = append(out.OrderIDs, s.OrderID)
	}
	for _, f := range resp.FailureList {
		out.Failures = append(out.Failures, CloseFailure{OrderID: f.OrderID, Code: f.ErrorCode, Msg: f.ErrorMsg})
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (string, error) {
	if symbol == "" || orderID == "" {
		return "", fmt.Errorf("%w: symbol and order id required", ErrInvalidRequest)
	}
	body := map[string]string{
		"symbol":      symbol,
		"productType": c.productType,
		"marginCoin":  c.marginCoin,
		"orderId":     orderID,
	}
	data, err := c.doRequest(ctx, "cancel_order", http.MethodPost, pathCancelOrder, nil, body, AuthSigned)
	if err != nil {
		return "", err
	}
	var resp placeOrderResponse
	if err := c.decode("cancel_order", data, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		resp.OrderID = orderID
	}
	return resp.OrderID, nil
}

func (c *Client) OrderDetail(ctx context.Context, symbol, orderID string) (core.Order, error) {
	if symbol == "" || orderID == "" {
		return core.Order{}, fmt.Errorf("%w: symbol and order id required", ErrInvalidRequest)
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("productType", c.productType)
	query.Set("orderId", orderID)
	data, err := c.doRequest(ctx, "order_detail", http.MethodGet, pathOrderDetail, query, nil, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderDetailResponse
	if err := c.decode("order_detail", data, &resp); err != nil {
		return core.Order{}, err
	}
	if resp.OrderID == "" {
		resp.OrderID = orderID
	}
	return orderFromDetail(resp), nil
}

func (c *Client) PendingOrders(ctx context.Context, q PendingQuery) ([]core.Order, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{}
	query.Set("productType", c.productType)
	query.Set("limit", strconv.Itoa(limit))
	if q.Symbol != "" {
		query.Set("symbol", q.Symbol)
	}
	if q.Status != "" {
		query.Set("status", q.Status)
	}
	data, err := c.doRequest(ctx, "pending_orders", http.MethodGet, pathOrdersPending, query, nil, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp pendingOrdersResponse
	if err := c.decode("pending_orders", data, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp.EntrustedList))
	for _, raw := range resp.EntrustedList {
		if raw.OrderID == "" {
			continue
		}
		orders = append(orders, orderFromDetail(raw))
	}
	return orders, nil
}

// Position reads the single-position endpoint. ok is false when the account is flat on symbol.
func (c *Client) Position(ctx context.Context, symbol string) (core.Position, bool, error) {
	if symbol == "" {
		return core.Position{}, false, fmt.Errorf("%w: symbol required", ErrInvalidRequest)
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("productType", c.productType)
	query.Set("marginCoin", c.marginCoin)
	data, err := c.doRequest(ctx, "position", http.MethodGet, pathSinglePosition, query, nil, AuthSigned)
	if err != nil {
		return core.Position{}, false, err
	}
	var list []positionResponse
	if err := c.decode("position", data, &list); err != nil {
		return core.Position{}, false, err
	}
	if len(list) == 0 {
		return core.Position{}, false, nil
	}
	pos := positionFromResponse(symbol, list[0], c.now())
	if pos.Size.Cmp(decimal.Zero) <= 0 {
		return core.Position{}, false, nil
	}
	return pos, true, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if symbol == "" || leverage < 1 {
		return fmt.Errorf("%w: symbol and leverage >= 1 required", ErrInvalidRequest)
	}
	body := map[string]string{
		"symbol":      symbol,
		"productType": c.productType,
		"marginCoin":  c.marginCoin,
		"leverage":    strconv.Itoa(leverage),
	}
	_, err := c.doRequest(ctx, "set_leverage", http.MethodPost, pathSetLeverage, nil, body, AuthSigned)
	return err
}

func (c *Client) AccountBalance(ctx context.Context) (core.AccountBalance, error) {
	query := url.Values{}
	query.Set("productType", c.productType)
	data, err := c.doRequest(ctx, "account_balance", http.MethodGet, pathAccounts, query, nil, AuthSigned)
	if err != nil {
		return core.AccountBalance{}, err
	}
	var list []accountResponse
	if err := c.decode("account_balance", data, &list); err != nil {
		return core.AccountBalance{}, err
	}
	for _, acct := range list {
		if acct.MarginCoin != c.marginCoin {
			continue
		}
		return core.AccountBalance{
			MarginCoin:   acct.MarginCoin,
			Available:    parseDecimal(acct.Available),
			Locked:       parseDecimal(acct.Locked),
			Equity:       parseDecimal(acct.AccountEquity),
			UnrealizedPL: parseDecimal(acct.UnrealizedPL),
		}, nil
	}
	return core.AccountBalance{MarginCoin: c.marginCoin}, nil
}

func orderFromDetail(raw orderDetailResponse) core.Order {
	status := raw.State
	if status == "" {
		status = raw.Status
	}
	order := core.Order{
		ID:           raw.OrderID,
		ClientID:     raw.ClientOid,
		Symbol:       raw.Symbol,
		Side:         core.Side(raw.Side),
		TradeSide:    core.TradeSide(raw.TradeSide),
		Type:         core.OrderType(raw.OrderType),
		Size:         parseDecimal(raw.Size),
		FilledSize:   parseDecimal(raw.BaseVolume),
		Price:        parseDecimal(raw.Price),
		TriggerPrice: parseDecimal(raw.TriggerPrice),
		AvgPrice:     parseDecimal(raw.PriceAvg),
		Status:       core.ParseOrderStatus(status),
		CreatedAt:    parseMillis(raw.CTime),
		UpdatedAt:    parseMillis(raw.UTime),
	}
	return order
}

func positionFromResponse(symbol string, raw positionResponse, now time.Time) core.Position {
	side := core.Short
	if raw.HoldSide == "long" {
		side = core.Long
	}
	leverage, err := strconv.Atoi(raw.Leverage)
	if err != nil || leverage < 1 {
		leverage = 1
	}
	marginMode := raw.MarginMode
	if marginMode == "" {
		marginMode = "crossed"
	}
	updated := parseMillis(raw.UTime)
	if updated.IsZero() {
		updated = now
	}
	return core.Position{
		Symbol:           symbol,
		Side:             side,
		Size:             parseDecimal(raw.Total),
		EntryPrice:       parseDecimal(raw.OpenPriceAvg),
		Leverage:         leverage,
		MarginMode:       marginMode,
		MarginSize:       parseDecimal(raw.MarginSize),
		MarginRatio:      parseDecimal(raw.MarginRatio),
		UnrealizedPL:     parseDecimal(raw.UnrealizedPL),
		AchievedProfits:  parseDecimal(raw.AchievedProfits),
		TotalFee:         parseDecimal(raw.TotalFee),
		BreakEvenPrice:   parseDecimal(raw.BreakEvenPrice),
		LiquidationPrice: parseDecimal(raw.LiquidationPrice),
		MarkPrice:        parseDecimal(raw.MarkPrice),
		Available:        parseDecimal(raw.Available),
		Locked:           parseDecimal(raw.Locked),
		UpdatedAt:        updated,
	}
}
