// Package orchestrator turns model signals into gateway orders: it calls the
// signal service, sizes each target weight against available capital, and
// submits the batch one order at a time with partial-failure semantics.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// SignalClient calls the signal service.
type SignalClient struct {
	http *resty.Client
}

// NewSignalClient builds a client for the signal service base URL.
func NewSignalClient(cfg config.OrchestratorConfig) *SignalClient {
	return &SignalClient{http: newREST(cfg.SignalURL, cfg.RequestTimeout)}
}

// Generate requests a signal batch.
func (c *SignalClient) Generate(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	var result types.GenerateResponse
	var apiErr types.APIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&apiErr).
		Post("/api/v1/signals/generate")
	if err != nil {
		return nil, fmt.Errorf("generate signals: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("generate signals: status %d: %s", resp.StatusCode(), apiErr.Message)
	}
	return &result, nil
}

// GatewayClient calls the execution gateway.
type GatewayClient struct {
	http *resty.Client
}

// NewGatewayClient builds a client for the gateway base URL.
func NewGatewayClient(cfg config.OrchestratorConfig) *GatewayClient {
	return &GatewayClient{http: newREST(cfg.GatewayURL, cfg.RequestTimeout)}
}

// SubmitResult separates gateway business rejections (the order is dead,
// code says why) from transport failures (unknown outcome).
type SubmitResult struct {
	Ack      *types.OrderAck
	Rejected *types.APIError
}

// SubmitOrder posts one order. A 422 response is a rejection, not an error;
// 5xx and transport failures return err for the caller's retry policy.
func (c *GatewayClient) SubmitOrder(ctx context.Context, req types.OrderRequest) (*SubmitResult, error) {
	var ack types.OrderAck
	var apiErr types.APIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ack).
		SetError(&apiErr).
		Post("/api/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusCreated, http.StatusOK:
		return &SubmitResult{Ack: &ack}, nil
	case http.StatusUnprocessableEntity:
		return &SubmitResult{Rejected: &apiErr}, nil
	}
	return nil, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), apiErr.Message)
}

// Positions fetches the gateway's reconciled position snapshot.
func (c *GatewayClient) Positions(ctx context.Context) ([]types.Position, error) {
	var result []types.Position
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v1/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d", resp.StatusCode())
	}
	return result, nil
}

func newREST(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
}
