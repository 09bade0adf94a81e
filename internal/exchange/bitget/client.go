package bitget

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bitget-futures/internal/config"
	"bitget-futures/internal/core"
	"bitget-futures/internal/logging"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthSigned
)

// Client is the REST gateway for the v2 mix (futures) API.
type Client struct {
	signer      *Signer
	baseURL     string
	productType string
	marginCoin  string
	marginMode  string
	defaultTick decimal.Decimal
	demo        bool

	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Entry
	now        func() time.Time

	mu        sync.Mutex
	ruleCache map[string]core.Rules
}

type Options struct {
	RestBaseURL      string
	ProductType      string
	MarginCoin       string
	MarginMode       string
	DefaultPriceTick decimal.Decimal
	Demo             bool
	HTTPTimeoutSec   int64
	RequestsPerSec   int
	HTTPClient       *http.Client
	Logger           logrus.FieldLogger
	Now              func() time.Time
}

func NewClient(cfg config.Config, logger logrus.FieldLogger) (*Client, error) {
	signer, err := NewSigner(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Passphrase)
	if err != nil {
		return nil, err
	}
	signer = signer.WithScheme(SignScheme(cfg.Exchange.SignScheme))
	return NewClientWithOptions(signer, Options{
		RestBaseURL:      cfg.Exchange.RestBaseURL,
		ProductType:      cfg.Exchange.ProductType,
		MarginCoin:       cfg.Exchange.MarginCoin,
		MarginMode:       cfg.Exchange.MarginMode,
		DefaultPriceTick: cfg.Exchange.DefaultPriceTick.Decimal,
		Demo:             cfg.Mode == config.ModeDemo,
		HTTPTimeoutSec:   cfg.Exchange.HTTPTimeoutSec,
		RequestsPerSec:   cfg.Exchange.RequestsPerSec,
		Logger:           logger,
	}), nil
}

func NewClientWithOptions(signer *Signer, opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	tick := opts.DefaultPriceTick
	if tick.Cmp(decimal.Zero) <= 0 {
		tick = decimal.RequireFromString("0.1")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		signer:      signer,
		baseURL:     strings.TrimRight(opts.RestBaseURL, "/"),
		productType: defaultString(opts.ProductType, "USDT-FUTURES"),
		marginCoin:  defaultString(opts.MarginCoin, "USDT"),
		marginMode:  defaultString(opts.MarginMode, "crossed"),
		defaultTick: tick,
		demo:        opts.Demo,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		log:         logging.Component(opts.Logger, "bitget_rest"),
		now:         now,
		ruleCache:   make(map[string]core.Rules),
	}
}

func (c *Client) Name() string { return "bitget" }

func (c *Client) ProductType() string { return c.productType }

// Signer is shared with the private stream so both sign with the same credentials.
func (c *Client) Signer() *Signer { return c.signer }

func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values, body map[string]string, auth AuthType) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.fail(&RequestError{Kind: KindTransport, Op: op, Err: err})
	}

	encodedQuery := ""
	if len(query) > 0 {
		encodedQuery = query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, c.fail(&RequestError{Kind: KindDecode, Op: op, Err: err})
		}
	}

	urlStr := c.baseURL + path
	if encodedQuery != "" {
		urlStr += "?" + encodedQuery
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, c.fail(&RequestError{Kind: KindTransport, Op: op, Err: err})
	}
	if auth == AuthSigned {
		headers := c.signer.Headers(c.now().UnixMilli(), SignedRequest{
			Method: method,
			Path:   path,
			Query:  encodedQuery,
			Body:   string(payload),
			Params: flattenParams(query, body),
		})
		for k, v := range headers {
			req.Header[k] = v
		}
	} else {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("locale", "en-US")
	}
	if c.demo {
		req.Header.Set("paptrading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fail(&RequestError{Kind: KindTransport, Op: op, Err: err})
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(&RequestError{Kind: KindTransport, Op: op, Status: resp.StatusCode, Err: err})
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode/100 != 2 {
		if decodeErr == nil && env.Code != "" {
			return nil, c.fail(&RequestError{Kind: KindProtocol, Op: op, Status: resp.StatusCode, Code: env.Code, Msg: env.Msg})
		}
		return nil, c.fail(&RequestError{
			Kind:   KindTransport,
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 256)),
		})
	}
	if decodeErr != nil {
		return nil, c.fail(&RequestError{Kind: KindDecode, Op: op, Status: resp.StatusCode, Err: decodeErr})
	}
	if env.Code != apiCodeOK {
		return nil, c.fail(&RequestError{Kind: KindProtocol, Op: op, Status: resp.StatusCode, Code: env.Code, Msg: env.Msg})
	}
	return env.Data, nil
}

// fail logs the request error once and returns it classified against the core sentinels.
func (c *Client) fail(reqErr *RequestError) error {
	fields := logrus.Fields{
		"op":   reqErr.Op,
		"kind": string(reqErr.Kind),
	}
	if reqErr.Status != 0 {
		fields["status"] = reqErr.Status
	}
	if reqErr.Code != "" {
		fields["code"] = reqErr.Code
		fields["msg"] = reqErr.Msg
	}
	if reqErr.Err != nil {
		fields["error"] = reqErr.Err.Error()
	}
	c.log.WithFields(fields).Warn("request_failed")
	return classify(reqErr)
}

func (c *Client) decode(op string, data json.RawMessage, dst interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return c.fail(&RequestError{Kind: KindDecode, Op: op, Err: err})
	}
	return nil
}

func flattenParams(query url.Values, body map[string]string) map[string]string {
	out := make(map[string]string, len(query)+len(body))
	for k, v := range query {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	for k, v := range body {
		out[k] = v
	}
	return out
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.Sign() <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.IntPart())
}
