package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/obelisk/execution-engine/internal/model"
)

// HTTPConfig configures a JSON-over-HTTP venue.
type HTTPConfig struct {
	Name              string
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64 // client-side pacing; 0 disables
	Burst             int
	Timeout           time.Duration
}

// HTTPExecutor submits orders to a REST venue:
//
//	POST   {base}/orders          -> orderResponse
//	DELETE {base}/orders/{txID}
//
// HTTP 429 maps to CodeRateLimited, 5xx and transport errors to
// CodeUnavailable, other non-2xx to CodeRejected.
type HTTPExecutor struct {
	cfg        HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPExecutor creates a venue client.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	e := &HTTPExecutor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

func (e *HTTPExecutor) Name() string { return e.cfg.Name }

type orderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          model.Side      `json:"side"`
	Type          model.OrderType `json:"type"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Leverage      decimal.Decimal `json:"leverage"`
	Slippage      decimal.Decimal `json:"slippage"`
	ReduceOnly    bool            `json:"reduce_only"`
}

type orderResponse struct {
	Status    string          `json:"status"` // "filled" or "accepted"
	OrderID   string          `json:"order_id"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Fee       decimal.Decimal `json:"fee"`
	Simulated bool            `json:"simulated"`
	Fills     []struct {
		Price decimal.Decimal `json:"price"`
		Size  decimal.Decimal `json:"size"`
		Fee   decimal.Decimal `json:"fee"`
	} `json:"fills"`
	Error string `json:"error"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, order model.Order) (*Result, error) {
	body, err := json.Marshal(orderRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Size:          order.Size,
		Price:         order.Price,
		Leverage:      order.Leverage,
		Slippage:      order.Slippage,
		ReduceOnly:    order.Type == model.OrderTypeClose,
	})
	if err != nil {
		return nil, NewError(e.cfg.Name, CodeRejected, "encode order: %v", err)
	}

	raw, err := e.do(ctx, http.MethodPost, e.cfg.BaseURL+"/orders", body)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, NewError(e.cfg.Name, CodeUnavailable, "decode order response: %v", err)
	}

	now := time.Now().UTC()
	res := &Result{
		Venue:     e.cfg.Name,
		Status:    StatusFilled,
		TxID:      resp.OrderID,
		AvgPrice:  resp.AvgPrice,
		Fee:       resp.Fee,
		Simulated: resp.Simulated,
	}
	switch strings.ToLower(resp.Status) {
	case "filled", "":
	case "accepted", "new", "open":
		res.Status = StatusAccepted
	default:
		return nil, NewError(e.cfg.Name, CodeRejected, "order %s: %s", resp.Status, resp.Error)
	}
	for _, f := range resp.Fills {
		res.Fills = append(res.Fills, model.Fill{
			Price:     f.Price,
			Size:      f.Size,
			Fee:       f.Fee,
			TxID:      resp.OrderID,
			Timestamp: now,
		})
	}
	if res.Status == StatusFilled && len(res.Fills) == 0 {
		res.Fills = []model.Fill{{Price: resp.AvgPrice, Size: order.Size, Fee: resp.Fee, TxID: resp.OrderID, Timestamp: now}}
	}
	return res, nil
}

// Cancel cancels a resting order by its venue order ID.
func (e *HTTPExecutor) Cancel(ctx context.Context, order model.Order) error {
	if order.TxID == "" {
		return NewError(e.cfg.Name, CodeRejected, "order %s has no venue id", order.ID)
	}
	_, err := e.do(ctx, http.MethodDelete, e.cfg.BaseURL+"/orders/"+url.PathEscape(order.TxID), nil)
	return err
}

func (e *HTTPExecutor) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, &Error{Venue: e.cfg.Name, Code: CodeRateLimited, Message: "client-side rate limit", Err: err}
		}
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return nil, NewError(e.cfg.Name, CodeRejected, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", e.cfg.APIKey)
	}

	res, err := e.httpClient.Do(req)
	if err != nil {
		code := CodeUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = CodeTimeout
		}
		return nil, &Error{Venue: e.cfg.Name, Code: code, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &Error{Venue: e.cfg.Name, Code: CodeUnavailable, Err: err}
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, NewError(e.cfg.Name, CodeRateLimited, "status %d: %s", res.StatusCode, string(raw))
	case res.StatusCode >= 500:
		return nil, NewError(e.cfg.Name, CodeUnavailable, "status %d: %s", res.StatusCode, string(raw))
	case res.StatusCode >= 300:
		return nil, NewError(e.cfg.Name, CodeRejected, "status %d: %s", res.StatusCode, string(raw))
	}
	return raw, nil
}
