// Package gateway implements the execution gateway: the single entry point
// for orders, the owner of the order ledger, and the enforcement point for
// every pre-trade risk control.
//
// The submit pipeline runs the gates in a fixed order and is fail-closed: any
// error reading risk state rejects the order rather than assuming the
// permissive answer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/broker"
	"quantdesk/internal/config"
	"quantdesk/internal/ledger"
	"quantdesk/internal/risk"
	"quantdesk/pkg/types"
)

// GateError is a submit rejection with a stable machine code and the HTTP
// status the handler should return.
type GateError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *GateError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func reject(code, message string) *GateError {
	return &GateError{Code: code, Message: message, HTTPStatus: http.StatusUnprocessableEntity}
}

func failClosed(err error) *GateError {
	return &GateError{
		Code:       types.CodeFailClosed,
		Message:    fmt.Sprintf("risk state unavailable: %v", err),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Service wires the ledger, risk store, and broker client behind the gateway
// API.
type Service struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	risk   *risk.Store
	broker *broker.Client
	logger *slog.Logger

	// startupComplete flips to true after the first successful
	// reconciliation cycle. Until then every submit returns 503.
	startupComplete atomic.Bool

	sessionTZ *time.Location
	now       func() time.Time // injectable clock for tests
}

// NewService constructs the gateway service. Config must already be
// validated.
func NewService(cfg *config.Config, l *ledger.Ledger, r *risk.Store, b *broker.Client, logger *slog.Logger) (*Service, error) {
	loc, err := time.LoadLocation(cfg.Gateway.SessionTZ)
	if err != nil {
		return nil, fmt.Errorf("session timezone: %w", err)
	}
	return &Service{
		cfg:       cfg,
		ledger:    l,
		risk:      r,
		broker:    b,
		logger:    logger.With("component", "gateway"),
		sessionTZ: loc,
		now:       time.Now,
	}, nil
}

// MarkStartupComplete opens the gateway for submits. Called by the
// reconciliation engine after its first successful cycle.
func (s *Service) MarkStartupComplete() {
	if s.startupComplete.CompareAndSwap(false, true) {
		s.logger.Info("startup reconciliation complete, accepting orders")
	}
}

// StartupComplete reports whether the startup gate has opened.
func (s *Service) StartupComplete() bool { return s.startupComplete.Load() }

// TradeDate returns the current session date (YYYY-MM-DD) in the configured
// timezone. It is part of the order identity: the same parameters tomorrow
// are a different order.
func (s *Service) TradeDate() string {
	return s.now().In(s.sessionTZ).Format("2006-01-02")
}

// SubmitOrder runs the full pre-trade pipeline for one order:
//
//  1. validate the request
//  2. idempotency: an existing ledger row short-circuits to its current state
//  3. startup gate, kill switch, circuit breaker, reconciliation gate
//  4. symbol quarantine (position-increasing orders only)
//  5. atomic reservation + position limit
//  6. fat-finger bands
//  7. persist pending, then submit to the broker (or mark dry_run)
//
// A *GateError return carries the rejection code; any other error is an
// internal failure.
func (s *Service) SubmitOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	clientOrderID := ClientOrderID(req, s.TradeDate())
	log := s.logger.With("client_order_id", clientOrderID, "symbol", req.Symbol)

	// Idempotency first: a replay must succeed even while gates are shut.
	if existing, err := s.ledger.GetOrder(ctx, clientOrderID); err == nil {
		log.Info("duplicate submission, returning existing order", "status", existing.Status)
		return ackFor(existing), nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}

	if !s.startupComplete.Load() {
		return nil, &GateError{
			Code:       types.CodeStartupGate,
			Message:    "startup reconciliation has not completed",
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}

	if err := s.checkRiskGates(ctx, req); err != nil {
		return nil, err
	}

	// Reserve capacity before persisting anything. The reservation is the
	// only thing standing between two concurrent submits and a combined
	// breach of the position limit.
	signedQty := req.Qty * req.Side.Signed()
	release, err := s.reserveWithinLimit(ctx, req.Symbol, signedQty)
	if err != nil {
		return nil, err
	}

	if err := s.checkFatFinger(ctx, req, log); err != nil {
		release()
		return nil, err
	}

	order := types.Order{
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		OrderType:     req.OrderType,
		LimitPrice:    req.LimitPrice,
		TimeInForce:   orDefault(req.TimeInForce),
		Status:        types.StatusPending,
		StrategyID:    req.StrategyID,
		CreatedAt:     s.now().UTC(),
		UpdatedAt:     s.now().UTC(),
		StatusSource:  types.SourceInternal,
	}
	if err := s.ledger.InsertPending(ctx, order); err != nil {
		release()
		if errors.Is(err, ledger.ErrDuplicateOrder) {
			existing, gerr := s.ledger.GetOrder(ctx, clientOrderID)
			if gerr != nil {
				return nil, gerr
			}
			return ackFor(existing), nil
		}
		return nil, err
	}

	return s.dispatch(ctx, order, release, log)
}

// dispatch sends a persisted pending order to the broker, or marks it
// dry_run. Shared by the submit path and the TWAP slice dispatcher.
func (s *Service) dispatch(ctx context.Context, order types.Order, release func(), log *slog.Logger) (*types.OrderAck, error) {
	if s.cfg.DryRun {
		updated, err := s.ledger.ApplyTransition(ctx, ledger.Transition{
			ClientOrderID: order.ClientOrderID,
			NewStatus:     types.StatusDryRun,
			Source:        types.SourceInternal,
		})
		if err != nil {
			return nil, err
		}
		log.Info("order recorded in dry-run mode")
		return ackFor(updated), nil
	}

	brokerReq := types.BrokerOrderRequest{
		Symbol:        order.Symbol,
		Qty:           fmt.Sprintf("%d", order.Qty),
		Side:          string(order.Side),
		Type:          string(order.OrderType),
		TimeInForce:   string(order.TimeInForce),
		ClientOrderID: order.ClientOrderID,
	}
	if order.LimitPrice != nil {
		brokerReq.LimitPrice = order.LimitPrice.String()
	}

	brokerOrder, err := s.broker.SubmitOrder(ctx, brokerReq)
	if err != nil {
		if broker.IsReject(err) {
			// Business rejection: broker is healthy, order is dead.
			release()
			if _, terr := s.ledger.ApplyTransition(ctx, ledger.Transition{
				ClientOrderID: order.ClientOrderID,
				NewStatus:     types.StatusRejected,
				Source:        types.SourceInternal,
			}); terr != nil {
				log.Error("record broker rejection", "error", terr)
			}
			if rerr := s.risk.ResetBrokerErrors(ctx); rerr != nil {
				log.Warn("reset error streak", "error", rerr)
			}
			log.Warn("broker rejected order", "error", err)
			return nil, reject(types.CodeBrokerRejected, err.Error())
		}

		// Transport failure: the broker may or may not have the order.
		// Leave it pending for reconciliation to resolve, count the
		// failure toward the breaker.
		s.countBrokerError(ctx, log)
		log.Error("broker submit failed", "error", err)
		return nil, &GateError{
			Code:       types.CodeInternal,
			Message:    "broker unreachable, order pending reconciliation",
			HTTPStatus: http.StatusBadGateway,
		}
	}

	if err := s.risk.ResetBrokerErrors(ctx); err != nil {
		log.Warn("reset error streak", "error", err)
	}

	updated, err := s.ledger.ApplyTransition(ctx, ledger.Transition{
		ClientOrderID: order.ClientOrderID,
		NewStatus:     brokerOrder.LedgerStatus(),
		Source:        types.SourceInternal,
		BrokerOrderID: brokerOrder.ID,
	})
	if err != nil && !errors.Is(err, ledger.ErrIllegalTransition) {
		return nil, err
	}
	// An illegal transition here means a webhook beat us to a later state;
	// the surviving row is correct either way.
	log.Info("order submitted", "broker_order_id", brokerOrder.ID, "status", updated.Status)
	return ackFor(updated), nil
}

func (s *Service) checkRiskGates(ctx context.Context, req types.OrderRequest) error {
	engaged, err := s.risk.KillSwitchEngaged(ctx)
	if err != nil {
		return failClosed(err)
	}
	if engaged {
		return reject(types.CodeKillSwitch, "kill switch is engaged")
	}

	state, err := s.risk.BreakerState(ctx)
	if err != nil {
		return failClosed(err)
	}
	if state != types.BreakerOpen {
		return reject(types.CodeBreakerTripped, fmt.Sprintf("circuit breaker is %s", state))
	}

	gate, err := s.risk.GateState(ctx)
	if err != nil {
		return failClosed(err)
	}
	switch gate {
	case types.GateOpen:
	case types.GateReduceOnly:
		reducing, err := s.isReducing(ctx, req)
		if err != nil {
			return failClosed(err)
		}
		if !reducing {
			return reject(types.CodeReduceOnly, "reconciliation gate allows position-reducing orders only")
		}
	default:
		return reject(types.CodeGateClosed, "reconciliation gate is closed")
	}

	quarantined, err := s.risk.Quarantined(ctx, req.Symbol)
	if err != nil {
		return failClosed(err)
	}
	if quarantined {
		// Quarantine stops the position from growing; reducing it stays
		// possible so the symbol can be exited.
		reducing, err := s.isReducing(ctx, req)
		if err != nil {
			return failClosed(err)
		}
		if !reducing {
			return reject(types.CodeQuarantine, fmt.Sprintf("symbol %s is quarantined", req.Symbol))
		}
	}
	return nil
}

// isReducing reports whether the order shrinks the absolute position.
func (s *Service) isReducing(ctx context.Context, req types.OrderRequest) (bool, error) {
	pos, err := s.ledger.GetPosition(ctx, req.Symbol)
	if err != nil {
		return false, err
	}
	if pos.Qty == 0 {
		return false, nil
	}
	signed := req.Qty * req.Side.Signed()
	after := pos.Qty + signed
	return abs(after) < abs(pos.Qty), nil
}

// reserveWithinLimit atomically reserves capacity and verifies the combined
// position + in-flight total stays within the symbol's limit. Returns the
// release function the caller must invoke on any later rejection.
func (s *Service) reserveWithinLimit(ctx context.Context, symbol string, signedQty int64) (func(), error) {
	reserved, err := s.risk.Reserve(ctx, symbol, signedQty)
	if err != nil {
		return nil, failClosed(err)
	}
	release := func() {
		if rerr := s.risk.Release(context.WithoutCancel(ctx), symbol, signedQty); rerr != nil {
			s.logger.Error("release reservation", "symbol", symbol, "error", rerr)
		}
	}

	pos, err := s.ledger.GetPosition(ctx, symbol)
	if err != nil {
		release()
		return nil, err
	}
	limit := s.cfg.Risk.PositionLimit(symbol)
	if abs(pos.Qty+reserved) > limit {
		release()
		return nil, reject(types.CodePositionLimit,
			fmt.Sprintf("position %d + in-flight %d exceeds limit %d for %s", pos.Qty, reserved, limit, symbol))
	}
	return release, nil
}

// checkFatFinger applies the notional and quantity sanity bands. Warn bands
// log and proceed; reject bands refuse the order. Market orders without a
// cached price skip the notional check (quantity band still applies).
func (s *Service) checkFatFinger(ctx context.Context, req types.OrderRequest, log *slog.Logger) error {
	r := s.cfg.Risk
	if r.MaxOrderQtyReject > 0 && req.Qty > r.MaxOrderQtyReject {
		return reject(types.CodeFatFinger,
			fmt.Sprintf("qty %d exceeds maximum %d", req.Qty, r.MaxOrderQtyReject))
	}
	if r.MaxOrderQtyWarn > 0 && req.Qty > r.MaxOrderQtyWarn {
		log.Warn("order quantity above warn band", "qty", req.Qty, "warn_band", r.MaxOrderQtyWarn)
	}

	price := req.LimitPrice
	if price == nil {
		quote, err := s.risk.GetQuote(ctx, req.Symbol)
		if err != nil {
			return failClosed(err)
		}
		if quote == nil {
			return nil
		}
		price = &quote.Price
	}
	notional := price.Mul(decimal.NewFromInt(req.Qty)).Abs()
	if r.MaxOrderNotionalReject > 0 && notional.GreaterThan(decimal.NewFromFloat(r.MaxOrderNotionalReject)) {
		return reject(types.CodeFatFinger,
			fmt.Sprintf("notional %s exceeds maximum %.2f", notional, r.MaxOrderNotionalReject))
	}
	if r.MaxOrderNotionalWarn > 0 && notional.GreaterThan(decimal.NewFromFloat(r.MaxOrderNotionalWarn)) {
		log.Warn("order notional above warn band", "notional", notional.String(), "warn_band", r.MaxOrderNotionalWarn)
	}
	return nil
}

// countBrokerError bumps the consecutive failure streak and trips the
// breaker when it crosses the configured limit.
func (s *Service) countBrokerError(ctx context.Context, log *slog.Logger) {
	streak, err := s.risk.RecordBrokerError(ctx)
	if err != nil {
		log.Error("record broker error", "error", err)
		return
	}
	if streak >= s.cfg.Risk.ConsecutiveErrorLimit {
		if err := s.risk.TripBreaker(ctx, fmt.Sprintf("%d consecutive broker errors", streak)); err != nil {
			log.Error("trip breaker", "error", err)
		}
	}
}

// GetOrder returns one ledger row with its fills.
func (s *Service) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, []types.Fill, error) {
	order, err := s.ledger.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, nil, err
	}
	fills, err := s.ledger.ListFills(ctx, clientOrderID)
	if err != nil {
		return nil, nil, err
	}
	return order, fills, nil
}

// ListOrders returns orders filtered by optional symbol and status. An
// unknown status is a validation error; an empty one lists open orders.
func (s *Service) ListOrders(ctx context.Context, symbol string, status types.OrderStatus) ([]types.Order, error) {
	if status != "" && !status.Valid() {
		return nil, reject(types.CodeValidation, fmt.Sprintf("unknown status %q", status))
	}
	return s.ledger.FilterOrders(ctx, symbol, status)
}

// CancelOrder asks the broker to cancel and records the intent. The
// authoritative canceled status arrives by webhook or reconciliation.
func (s *Service) CancelOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	order, err := s.ledger.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, reject(types.CodeConflict, fmt.Sprintf("order is already %s", order.Status))
	}

	switch order.Status {
	case types.StatusDryRun, types.StatusPending:
		// Never reached the broker; cancel locally and release capacity.
		updated, err := s.ledger.ApplyTransition(ctx, ledger.Transition{
			ClientOrderID: clientOrderID,
			NewStatus:     types.StatusCanceled,
			Source:        types.SourceInternal,
		})
		if err != nil {
			return nil, err
		}
		if rerr := s.risk.Release(ctx, order.Symbol, order.RemainingQty()*order.Side.Signed()); rerr != nil {
			s.logger.Error("release reservation on cancel", "symbol", order.Symbol, "error", rerr)
		}
		return updated, nil
	}

	if err := s.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			// Broker already discarded it; reconciliation will settle
			// the final status.
			return order, nil
		}
		return nil, fmt.Errorf("broker cancel: %w", err)
	}
	return order, nil
}

// Positions returns the ledger's position snapshot.
func (s *Service) Positions(ctx context.Context) ([]types.Position, error) {
	return s.ledger.ListPositions(ctx)
}

// PositionPnL is one row of the realtime PnL report.
type PositionPnL struct {
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarkPrice     *decimal.Decimal `json:"mark_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// PnL marks every position against the price cache. Positions without a
// fresh quote report quantity only.
func (s *Service) PnL(ctx context.Context) ([]PositionPnL, error) {
	positions, err := s.ledger.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	report := make([]PositionPnL, 0, len(positions))
	for _, p := range positions {
		row := PositionPnL{Symbol: p.Symbol, Qty: p.Qty, AvgEntryPrice: p.AvgEntryPrice}
		quote, err := s.risk.GetQuote(ctx, p.Symbol)
		if err != nil {
			return nil, err
		}
		if quote != nil {
			mark := quote.Price
			pnl := mark.Sub(p.AvgEntryPrice).Mul(decimal.NewFromInt(p.Qty))
			row.MarkPrice = &mark
			row.UnrealizedPnL = &pnl
		}
		report = append(report, row)
	}
	return report, nil
}

func validateRequest(req types.OrderRequest) error {
	switch {
	case req.Symbol == "":
		return reject(types.CodeValidation, "symbol is required")
	case !req.Side.Valid():
		return reject(types.CodeValidation, "side must be buy or sell")
	case req.Qty <= 0:
		return reject(types.CodeValidation, "qty must be positive")
	case !req.OrderType.Valid():
		return reject(types.CodeValidation, "order_type must be market or limit")
	case req.OrderType == types.Limit && req.LimitPrice == nil:
		return reject(types.CodeValidation, "limit orders require limit_price")
	case req.LimitPrice != nil && !req.LimitPrice.IsPositive():
		return reject(types.CodeValidation, "limit_price must be positive")
	}
	return nil
}

func ackFor(o *types.Order) *types.OrderAck {
	return &types.OrderAck{
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		BrokerOrderID: o.BrokerOrderID,
	}
}

func orDefault(tif types.TimeInForce) types.TimeInForce {
	if tif == "" {
		return types.Day
	}
	return tif
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
