// Package binance implements the venue gateway against the Binance spot REST API.
package binance

import (
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
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-core/pkg/exchanges/common"
)

const venueName = "binance"

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a Binance spot gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client

	mu         sync.RWMutex
	timeOffset int64 // server - local, ms
	lastSync   time.Time
}

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SubmitOrder places a market entry and, for non-reduce orders, attaches the
// mandatory TP/SL pair as an OCO order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("binance: API key/secret required")
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	if req.Price > 0 {
		params.Set("type", "LIMIT")
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	} else {
		params.Set("type", "MARKET")
	}
	params.Set("quantity", formatFloat(req.Qty))
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("newOrderRespType", "RESULT")
	c.stamp(params)

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	result := resp.toResult()

	if !req.ReduceOnly && req.TakeProfit > 0 && req.StopLoss > 0 {
		if err := c.attachOCO(ctx, req); err != nil {
			// Entry is live; surface the protection failure to the caller.
			return result, fmt.Errorf("attach TP/SL: %w", err)
		}
	}

	return result, nil
}

// ocoListID derives a list id from the order's client id. listClientOrderId
// is capped at 36 characters, the length of the client id itself, so a
// suffixed id would be rejected.
func ocoListID(clientID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(clientID+"|oco")).String()
}

// attachOCO places the opposite-side OCO protecting the entry.
func (c *Client) attachOCO(ctx context.Context, req common.OrderRequest) error {
	exitSide := common.SideSell
	if req.Side == common.SideSell {
		exitSide = common.SideBuy
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(exitSide))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("price", formatFloat(req.TakeProfit))
	params.Set("stopPrice", formatFloat(req.StopLoss))
	if req.ClientID != "" {
		params.Set("listClientOrderId", ocoListID(req.ClientID))
	}
	c.stamp(params)

	_, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order/oco", params)
	return err
}

// QueryOrderByClientID looks up an order by origClientOrderId.
func (c *Client) QueryOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	c.stamp(params)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		var ve *common.VenueError
		// Binance answers 400 with code -2013 for unknown orders.
		if errors.As(err, &ve) && strings.Contains(ve.Msg, "-2013") {
			return common.OrderResult{}, common.ErrOrderNotFound
		}
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order query: %w", err)
	}
	return resp.toResult(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	c.stamp(params)

	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// Balance returns the USDT balance used for pre-trade verification.
func (c *Client) Balance(ctx context.Context) (common.Balance, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.Balance{}, errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	c.stamp(params)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", params)
	if err != nil {
		return common.Balance{}, err
	}

	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return common.Balance{}, fmt.Errorf("decode account info: %w", err)
	}
	for _, b := range info.Balances {
		if b.Asset != "USDT" {
			continue
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		return common.Balance{Asset: b.Asset, Total: free + locked, Available: free}, nil
	}
	return common.Balance{Asset: "USDT"}, nil
}

// stamp sets timestamp and recvWindow using the synchronized server clock.
func (c *Client) stamp(params url.Values) {
	c.mu.RLock()
	offset := c.timeOffset
	c.mu.RUnlock()
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()+offset, 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
}

// SyncTime refreshes the server-time offset; stale offsets cause -1021 errors.
func (c *Client) SyncTime(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/time", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// Assume symmetric network latency.
	local := localBefore + (localAfter-localBefore)/2
	c.mu.Lock()
	c.timeOffset = res.ServerTime - local
	c.lastSync = time.Now()
	c.mu.Unlock()
	return nil
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	encoded := params.Encode()
	endpoint := c.baseURL + path

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		// Binance expects signed params in the query string for GET/DELETE.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewTransient(venueName, 0, err.Error())
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, common.ClassifyHTTP(venueName, res.StatusCode, string(body))
	}
	return body, nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
}

func (r orderResponse) toResult() common.OrderResult {
	filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	var avg float64
	if quote, err := strconv.ParseFloat(r.CumQuoteQty, 64); err == nil && filled > 0 {
		avg = quote / filled
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Status:          mapStatus(r.Status),
		FilledQty:       filled,
		AvgPrice:        avg,
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "EXPIRED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
