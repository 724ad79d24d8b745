// Package bybit implements the venue gateway against the Bybit v5 REST API.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"signal-core/pkg/exchanges/common"
)

const venueName = "bybit"

// Config holds Bybit credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	Category   string
}

// Client is a Bybit v5 gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	base := "https://api.bybit.com"
	if cfg.Testnet {
		base = "https://api-testnet.bybit.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Category == "" {
		cfg.Category = "spot"
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SubmitOrder places an entry order. Bybit v5 accepts takeProfit and
// stopLoss on the create call, so no second request is needed.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("bybit: API key/secret required")
	}

	payload := map[string]any{
		"category": c.cfg.Category,
		"symbol":   req.Symbol,
		"side":     sideOf(req.Side),
		"qty":      formatFloat(req.Qty),
	}
	if req.Price > 0 {
		payload["orderType"] = "Limit"
		payload["price"] = formatFloat(req.Price)
		payload["timeInForce"] = "GTC"
	} else {
		payload["orderType"] = "Market"
	}
	if req.ClientID != "" {
		payload["orderLinkId"] = req.ClientID
	}
	if !req.ReduceOnly {
		if req.TakeProfit > 0 {
			payload["takeProfit"] = formatFloat(req.TakeProfit)
		}
		if req.StopLoss > 0 {
			payload["stopLoss"] = formatFloat(req.StopLoss)
		}
	} else {
		payload["reduceOnly"] = true
	}

	var resp struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.doPost(ctx, "/v5/order/create", payload, &resp); err != nil {
		return common.OrderResult{}, err
	}

	// The create ack carries no fill data; read back the order state.
	result, err := c.QueryOrderByClientID(ctx, req.Symbol, resp.OrderLinkID)
	if err != nil {
		return common.OrderResult{
			ExchangeOrderID: resp.OrderID,
			ClientID:        resp.OrderLinkID,
			Status:          common.StatusNew,
		}, nil
	}
	return result, nil
}

// QueryOrderByClientID looks up an order by orderLinkId, falling back to
// order history for orders already off the realtime book.
func (c *Client) QueryOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("bybit: API key/secret required")
	}
	params := url.Values{}
	params.Set("category", c.cfg.Category)
	params.Set("symbol", symbol)
	params.Set("orderLinkId", clientID)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var resp struct {
			List []orderEntry `json:"list"`
		}
		if err := c.doGet(ctx, path, params, &resp); err != nil {
			return common.OrderResult{}, err
		}
		if len(resp.List) > 0 {
			return resp.List[0].toResult(), nil
		}
	}
	return common.OrderResult{}, common.ErrOrderNotFound
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("bybit: API key/secret required")
	}
	payload := map[string]any{
		"category": c.cfg.Category,
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}
	var resp struct{}
	return c.doPost(ctx, "/v5/order/cancel", payload, &resp)
}

// Balance returns the unified-account USDT balance.
func (c *Client) Balance(ctx context.Context) (common.Balance, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.Balance{}, errors.New("bybit: API key/secret required")
	}
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", "USDT")

	var resp struct {
		List []struct {
			Coin []struct {
				Coin      string `json:"coin"`
				Equity    string `json:"equity"`
				Available string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.doGet(ctx, "/v5/account/wallet-balance", params, &resp); err != nil {
		return common.Balance{}, err
	}
	for _, acct := range resp.List {
		for _, coin := range acct.Coin {
			if coin.Coin != "USDT" {
				continue
			}
			total, _ := strconv.ParseFloat(coin.Equity, 64)
			avail, _ := strconv.ParseFloat(coin.Available, 64)
			return common.Balance{Asset: "USDT", Total: total, Available: avail}, nil
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

// envelope is the common v5 response wrapper; retCode 0 means success.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values, out any) error {
	query := params.Encode()
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	c.signHeaders(req, timestamp, query)
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signHeaders(req, timestamp, string(body))
	return c.do(req, out)
}

// signHeaders signs timestamp + apiKey + recvWindow + payload per the v5
// authentication scheme.
func (c *Client) signHeaders(req *http.Request, timestamp, payload string) {
	recvWindow := strconv.FormatInt(c.cfg.RecvWindow, 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(timestamp + c.cfg.APIKey + recvWindow + payload))

	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.NewTransient(venueName, 0, err.Error())
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return common.ClassifyHTTP(venueName, res.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.RetCode != 0 {
		return classifyRetCode(env.RetCode, env.RetMsg)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// classifyRetCode maps v5 application error codes onto the retry taxonomy.
func classifyRetCode(code int, msg string) error {
	switch code {
	case 10002, 10006, 10016: // timestamp drift, rate limit, internal error
		return common.NewTransient(venueName, code, msg)
	default:
		return common.NewTerminal(venueName, code, msg)
	}
}

type orderEntry struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (e orderEntry) toResult() common.OrderResult {
	filled, _ := strconv.ParseFloat(e.CumExecQty, 64)
	avg, _ := strconv.ParseFloat(e.AvgPrice, 64)
	return common.OrderResult{
		ExchangeOrderID: e.OrderID,
		ClientID:        e.OrderLinkID,
		Status:          mapStatus(e.OrderStatus),
		FilledQty:       filled,
		AvgPrice:        avg,
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToLower(s) {
	case "new", "created", "untriggered":
		return common.StatusNew
	case "partiallyfilled":
		return common.StatusPartial
	case "filled":
		return common.StatusFilled
	case "cancelled", "deactivated", "partiallyfilledcanceled":
		return common.StatusCanceled
	case "rejected":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func sideOf(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
