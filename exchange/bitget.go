package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/types"
)

// RestClient talks to a Bitget-style futures API. It implements Client; the
// reconciler never sees past this boundary.
type RestClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	passphrase string
	http       *http.Client
}

func NewRestClient(baseURL, apiKey, apiSecret, passphrase string) *RestClient {
	return &RestClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// request signs and performs one call. Auth-shaped response codes are wrapped
// in ErrAuth so the health monitor can count them.
func (c *RestClient) request(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	prehash := timestamp + method + requestPath + string(payload)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(prehash))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ACCESS-KEY", c.apiKey)
	req.Header.Set("ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", c.passphrase)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("exchange %s %s: %w", method, path, err)
	}
	if envelope.Code != "00000" && envelope.Code != "0" {
		if strings.HasPrefix(envelope.Code, "401") || strings.HasPrefix(envelope.Code, "400172") {
			return nil, fmt.Errorf("%w: code %s %s", ErrAuth, envelope.Code, envelope.Msg)
		}
		return nil, fmt.Errorf("exchange %s %s: code %s %s", method, path, envelope.Code, envelope.Msg)
	}
	return envelope.Data, nil
}

func (c *RestClient) GetOpenPositions(ctx context.Context) ([]Position, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/mix/v1/position/allPosition", url.Values{"productType": {"umcbl"}}, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol           string `json:"symbol"`
		HoldSide         string `json:"holdSide"`
		Total            string `json:"total"`
		AverageOpenPrice string `json:"averageOpenPrice"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}

	var out []Position
	for _, row := range rows {
		volume := parseDec(row.Total)
		if volume.IsZero() {
			continue
		}
		dir := types.Long
		if row.HoldSide == "short" {
			dir = types.Short
		}
		out = append(out, Position{
			Symbol:           row.Symbol,
			Direction:        dir,
			Volume:           volume,
			EntryPrice:       parseDec(row.AverageOpenPrice),
			Leverage:         parseDec(row.Leverage),
			LiquidationPrice: parseDec(row.LiquidationPrice),
		})
	}
	return out, nil
}

func (c *RestClient) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/mix/v1/market/ticker", url.Values{"symbol": {symbol}}, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var row struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(row.Last)
}

func (c *RestClient) SetStopLoss(ctx context.Context, symbol string, dir types.Direction, price, volume decimal.Decimal) (StopOrderResult, error) {
	holdSide := "long"
	if dir == types.Short {
		holdSide = "short"
	}
	body := map[string]string{
		"symbol":       symbol,
		"marginCoin":   "USDT",
		"planType":     "pos_loss",
		"holdSide":     holdSide,
		"triggerPrice": price.String(),
		"size":         volume.String(),
	}
	data, err := c.request(ctx, http.MethodPost, "/api/mix/v1/plan/placeTPSL", nil, body)
	if err != nil {
		return StopOrderResult{}, err
	}
	var row struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return StopOrderResult{}, err
	}
	return StopOrderResult{Success: true, OrderID: row.OrderID}, nil
}

func (c *RestClient) CancelAllPlanOrders(ctx context.Context, symbol string) error {
	body := map[string]string{
		"symbol":     symbol,
		"marginCoin": "USDT",
		"planType":   "loss_plan",
	}
	_, err := c.request(ctx, http.MethodPost, "/api/mix/v1/plan/cancelSymbolPlan", nil, body)
	return err
}

func (c *RestClient) GetPlanOrders(ctx context.Context, symbol string) ([]PlanOrder, error) {
	query := url.Values{"symbol": {symbol}, "isPlan": {"profit_loss"}}
	data, err := c.request(ctx, http.MethodGet, "/api/mix/v1/plan/currentPlan", query, nil)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		OrderID      string `json:"orderId"`
		Symbol       string `json:"symbol"`
		TriggerPrice string `json:"triggerPrice"`
		CTime        string `json:"cTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	out := make([]PlanOrder, 0, len(rows))
	for _, row := range rows {
		out = append(out, PlanOrder{
			OrderID:      row.OrderID,
			Symbol:       row.Symbol,
			TriggerPrice: parseDec(row.TriggerPrice),
			CreatedAt:    parseMillis(row.CTime),
		})
	}
	return out, nil
}

func (c *RestClient) GetOrderHistory(ctx context.Context, symbol string, page, size int) ([]Fill, error) {
	end := time.Now()
	start := end.Add(-7 * 24 * time.Hour)
	query := url.Values{
		"symbol":    {symbol},
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
		"pageSize":  {strconv.Itoa(size)},
	}
	data, err := c.request(ctx, http.MethodGet, "/api/mix/v1/order/history", query, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		OrderList []struct {
			TotalProfits string `json:"totalProfits"`
			PriceAvg     string `json:"priceAvg"`
			TradeSide    string `json:"tradeSide"`
			CTime        string `json:"cTime"`
			UTime        string `json:"uTime"`
		} `json:"orderList"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	out := make([]Fill, 0, len(payload.OrderList))
	for _, row := range payload.OrderList {
		out = append(out, Fill{
			Profit:       parseDec(row.TotalProfits),
			AvgFillPrice: parseDec(row.PriceAvg),
			OrderType:    row.TradeSide,
			CreatedAt:    parseMillis(row.CTime),
			FilledAt:     parseMillis(row.UTime),
		})
	}
	return out, nil
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
