// Package broker implements the equities broker REST and WebSocket clients.
//
// The REST client (Client) covers order management and account state:
//   - SubmitOrder:  POST   /v2/orders            — place one order
//   - GetOrder:     GET    /v2/orders:by_client_order_id — lookup by client id
//   - ListOrders:   GET    /v2/orders            — closed+open orders since a time
//   - CancelOrder:  DELETE /v2/orders/{id}       — cancel by broker id
//   - ListPositions: GET   /v2/positions         — current holdings
//   - GetBars:      GET    /v2/stocks/{symbol}/bars — daily OHLCV history
//
// Every request is rate-limited via per-category TokenBuckets and retried on
// transport errors and 5xx responses, up to the configured retry budget. In
// dry-run mode mutating methods return fake success without touching the
// network.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// Client is the broker REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and key/secret header auth.
type Client struct {
	http   *resty.Client
	data   *resty.Client // data API host (bars); same auth headers
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry. Retry count
// and backoff come from gateway.submit_retries / gateway.submit_backoff.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	newREST := func(baseURL string) *resty.Client {
		c := resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(cfg.Gateway.SubmitRetries).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json").
			SetHeader("APCA-API-KEY-ID", cfg.Broker.APIKey).
			SetHeader("APCA-API-SECRET-KEY", cfg.Broker.APISecret)
		if backoff := cfg.Gateway.SubmitBackoff; backoff > 0 {
			c.SetRetryWaitTime(backoff).SetRetryMaxWaitTime(10 * backoff)
		}
		return c
	}

	dataURL := cfg.Broker.DataURL
	if dataURL == "" {
		dataURL = cfg.Broker.BaseURL
	}

	return &Client{
		http:   newREST(cfg.Broker.BaseURL),
		data:   newREST(dataURL),
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "broker"),
	}
}

// SubmitOrder places a single order. The broker deduplicates on
// client_order_id, so replaying the same request is safe.
func (c *Client) SubmitOrder(ctx context.Context, req types.BrokerOrderRequest) (*types.BrokerOrder, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order",
			"symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "client_order_id", req.ClientOrderID)
		now := time.Now().UTC()
		return &types.BrokerOrder{
			ID:            "dry-run-" + uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			TimeInForce:   req.TimeInForce,
			Qty:           req.Qty,
			FilledQty:     "0",
			LimitPrice:    req.LimitPrice,
			Status:        "accepted",
			CreatedAt:     now,
			UpdatedAt:     now,
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BrokerOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return &result, nil
	case http.StatusUnprocessableEntity, http.StatusForbidden:
		return nil, &RejectError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
}

// GetOrderByClientID looks up an order by its client_order_id.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.BrokerOrder, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BrokerOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("client_order_id", clientOrderID).
		SetResult(&result).
		Get("/v2/orders:by_client_order_id")
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// ListOrders returns all orders (open and closed) updated after the given
// time. The reconciliation engine pages through this with its high-water mark.
func (c *Client) ListOrders(ctx context.Context, after time.Time) ([]types.BrokerOrder, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.BrokerOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"status": "all",
			"after":  after.UTC().Format(time.RFC3339),
			"limit":  "500",
		}).
		SetResult(&result).
		Get("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// CancelOrder cancels an order by broker id.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "broker_order_id", brokerOrderID)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v2/orders/" + brokerOrderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// ListPositions returns all current holdings at the broker.
func (c *Client) ListPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.BrokerPosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/positions")
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetBars fetches up to limit daily bars for a symbol ending at the given
// date. Bars come back oldest first.
func (c *Client) GetBars(ctx context.Context, symbol string, end time.Time, limit int) ([]types.Bar, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Bars []types.Bar `json:"bars"`
	}
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"timeframe": "1Day",
			"end":       end.UTC().Format(time.RFC3339),
			"limit":     strconv.Itoa(limit),
			"adjustment": "all",
		}).
		SetResult(&result).
		Get("/v2/stocks/" + symbol + "/bars")
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get bars: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Bars, nil
}
