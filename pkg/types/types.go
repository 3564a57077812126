// Package types defines shared data structures used across all services.
//
// This package is the common vocabulary of the platform — order and fill
// records, signal payloads, risk state enums, and the wire types the three
// HTTP services exchange. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Signed returns +1 for buy, -1 for sell.
func (s Side) Signed() int64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderType enumerates supported order types.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool { return t == Market || t == Limit }

// TimeInForce enumerates supported time-in-force values.
type TimeInForce string

const (
	Day TimeInForce = "day"
	GTC TimeInForce = "gtc"
	IOC TimeInForce = "ioc"
)

// OrderStatus is the ledger's order state machine.
//
// pending → submitted → {partially_filled → filled | canceled | rejected | error}
// pending → dry_run → canceled
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusDryRun          OrderStatus = "dry_run"
	StatusError           OrderStatus = "error"
)

// Valid reports whether the status is one of the ledger's known values.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusPartiallyFilled, StatusFilled,
		StatusCanceled, StatusRejected, StatusDryRun, StatusError:
		return true
	}
	return false
}

// Terminal reports whether the status is final. Terminal orders are immutable
// except for reconciliation-originated corrections.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusError:
		return true
	}
	return false
}

// rank orders statuses along the state machine so that transitions can only
// move forward. Statuses at the same rank are alternatives, not a sequence.
func (s OrderStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSubmitted, StatusDryRun:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusFilled, StatusCanceled, StatusRejected, StatusError:
		return 3
	}
	return -1
}

// CanTransition reports whether the state machine permits moving from s to
// next. Repeated partial fills (same status, growing filled_qty) are allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == StatusDryRun {
		return next == StatusCanceled
	}
	if next == StatusDryRun {
		return s == StatusPending
	}
	if s == next {
		return s == StatusPartiallyFilled
	}
	return next.rank() > s.rank()
}

// StatusSource identifies which updater wrote an order's current status.
// A fixed priority table breaks ties between concurrent updaters.
type StatusSource string

const (
	SourceWebhook        StatusSource = "webhook"
	SourceReconciliation StatusSource = "reconciliation"
	SourceInternal       StatusSource = "internal"
)

// Priority returns the tie-breaking rank: webhook > reconciliation > internal.
func (s StatusSource) Priority() int {
	switch s {
	case SourceWebhook:
		return 3
	case SourceReconciliation:
		return 2
	case SourceInternal:
		return 1
	}
	return 0
}

// ————————————————————————————————————————————————————————————————————————
// Ledger records
// ————————————————————————————————————————————————————————————————————————

// Order is a row in the gateway's order ledger. ClientOrderID is the primary
// key and is deterministic in (symbol, side, qty, limit_price, strategy_id,
// trade_date), which is what makes re-submission free.
type Order struct {
	ClientOrderID  string           `json:"client_order_id"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Qty            int64            `json:"qty"`
	OrderType      OrderType        `json:"order_type"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce    TimeInForce      `json:"time_in_force"`
	Status         OrderStatus      `json:"status"`
	FilledQty      int64            `json:"filled_qty"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	StrategyID     string           `json:"strategy_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	StatusSource   StatusSource     `json:"status_source"`
	StatusSequence int64            `json:"status_sequence"`
}

// RemainingQty is the quantity not yet filled.
func (o Order) RemainingQty() int64 { return o.Qty - o.FilledQty }

// Fill is an append-only child of an order. BrokerEventID makes duplicate
// webhook deliveries idempotent.
type Fill struct {
	FillID        string          `json:"fill_id"`
	ClientOrderID string          `json:"client_order_id"`
	BrokerEventID string          `json:"broker_event_id"`
	Qty           int64           `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Position is a snapshot of a symbol's holding. Qty is signed (negative =
// short). After a successful reconcile it equals broker truth.
type Position struct {
	Symbol           string          `json:"symbol"`
	Qty              int64           `json:"qty"`
	AvgEntryPrice    decimal.Decimal `json:"avg_entry_price"`
	LastReconciledAt time.Time       `json:"last_reconciled_at"`
}

// ModelStatus enumerates registry lifecycle states for a model version.
type ModelStatus string

const (
	ModelActive   ModelStatus = "active"
	ModelInactive ModelStatus = "inactive"
	ModelTesting  ModelStatus = "testing"
	ModelFailed   ModelStatus = "failed"
)

// ModelMetadata is a row in the model registry. At most one row per
// strategy_name may be active at any instant.
type ModelMetadata struct {
	ID                 int64              `json:"id"`
	StrategyName       string             `json:"strategy_name"`
	Version            string             `json:"version"`
	ModelPath          string             `json:"model_path"`
	Status             ModelStatus        `json:"status"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
	Config             map[string]string  `json:"config,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	ActivatedAt        *time.Time         `json:"activated_at,omitempty"`
	DeactivatedAt      *time.Time         `json:"deactivated_at,omitempty"`
}

// Signal is one symbol's model output for a generation request. Rank 1 is the
// highest predicted return. Long weights sum to +1, short weights to -1.
type Signal struct {
	Symbol          string  `json:"symbol"`
	PredictedReturn float64 `json:"predicted_return"`
	Rank            int     `json:"rank"`
	TargetWeight    float64 `json:"target_weight"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk state
// ————————————————————————————————————————————————————————————————————————

// BreakerState is the circuit breaker's three-state machine.
type BreakerState string

const (
	BreakerOpen        BreakerState = "open"
	BreakerTripped     BreakerState = "tripped"
	BreakerQuietPeriod BreakerState = "quiet_period"
)

// GateState is the reconciliation gate consulted before every submit.
type GateState string

const (
	GateClosed     GateState = "closed"
	GateOpen       GateState = "open"
	GateReduceOnly GateState = "reduce_only"
)

// Quote is a cached market data point, stored under price:<symbol> with TTL.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Wire types — Execution Gateway API
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the body of POST /api/v1/orders.
type OrderRequest struct {
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	Qty         int64            `json:"qty"`
	OrderType   OrderType        `json:"order_type"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce TimeInForce      `json:"time_in_force,omitempty"`
	StrategyID  string           `json:"strategy_id,omitempty"`
}

// OrderAck is the gateway's response to a submit.
type OrderAck struct {
	ClientOrderID string      `json:"client_order_id"`
	Status        OrderStatus `json:"status"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
}

// TwapPlan is the body of POST /api/v1/orders/slice.
type TwapPlan struct {
	ParentClientOrderID string    `json:"parent_client_order_id,omitempty"`
	Symbol              string    `json:"symbol"`
	Side                Side      `json:"side"`
	TotalQty            int64     `json:"total_qty"`
	NumSlices           int       `json:"num_slices"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
}

// TwapAck lists the deterministic child order ids of an accepted plan.
type TwapAck struct {
	ParentClientOrderID string   `json:"parent_client_order_id"`
	Slices              []string `json:"slices"`
}

// APIError is the machine-readable error body every service returns.
// Clients depend on Code, never on Message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stable error codes for risk violations and fail-closed rejections.
const (
	CodeValidation         = "validation"
	CodeKillSwitch         = "kill_switch_engaged"
	CodeBreakerTripped     = "circuit_breaker_tripped"
	CodeGateClosed         = "reconciliation_gate_closed"
	CodeReduceOnly         = "reduce_only"
	CodeQuarantine         = "quarantine"
	CodePositionLimit      = "position_limit"
	CodeFatFinger          = "fat_finger"
	CodeFailClosed         = "fail_closed"
	CodeStartupGate        = "startup_gate"
	CodeBrokerRejected     = "broker_rejected"
	CodeConflict           = "conflict"
	CodeNotFound           = "not_found"
	CodeInternal           = "internal"
	CodeNoActiveModel      = "no_active_model"
	CodeModelNotLoaded     = "model_not_loaded"
	CodeGatewayUnreachable = "gateway_unreachable"
)

// HealthResponse is GET /health on the gateway.
type HealthResponse struct {
	Status                      string    `json:"status"`
	DryRun                      bool      `json:"dry_run"`
	StartupGate                 string    `json:"startup_gate"`
	ReconciliationHighWaterMark time.Time `json:"reconciliation_high_water_mark"`
}

// ————————————————————————————————————————————————————————————————————————
// Wire types — Signal Service API
// ————————————————————————————————————————————————————————————————————————

// GenerateRequest is the body of POST /api/v1/signals/generate.
type GenerateRequest struct {
	Symbols  []string `json:"symbols"`
	Strategy string   `json:"strategy"`
	AsOfDate string   `json:"as_of_date,omitempty"` // YYYY-MM-DD, default today
}

// GenerateResponse carries the ranked signals plus model metadata.
type GenerateResponse struct {
	Signals  []Signal     `json:"signals"`
	Metadata GenerateMeta `json:"metadata"`
}

// GenerateMeta describes the model that produced a batch of signals.
type GenerateMeta struct {
	Strategy     string    `json:"strategy"`
	ModelVersion string    `json:"model_version"`
	AsOfDate     string    `json:"as_of_date"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// ModelInfo is GET /api/v1/model/info.
type ModelInfo struct {
	Strategy    string     `json:"strategy"`
	Version     string     `json:"version"`
	LoadedAt    time.Time  `json:"loaded_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	Features    []string   `json:"features"`
}

// ————————————————————————————————————————————————————————————————————————
// Wire types — Orchestrator API
// ————————————————————————————————————————————————————————————————————————

// RunRequest is the body of POST /api/v1/orchestration/run.
type RunRequest struct {
	Symbols         []string        `json:"symbols"`
	Capital         decimal.Decimal `json:"capital"`
	MaxPositionSize decimal.Decimal `json:"max_position_size"`
	Strategy        string          `json:"strategy,omitempty"`
	AsOfDate        string          `json:"as_of_date,omitempty"`
}

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// OrderMapping records how one signal became (or failed to become) an order.
type OrderMapping struct {
	Symbol        string          `json:"symbol"`
	OrderQty      int64           `json:"order_qty"`
	OrderPrice    decimal.Decimal `json:"order_price"`
	Side          Side            `json:"side,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	SkipReason    string          `json:"skip_reason,omitempty"`
}

// RunResult is the orchestrator's response and its persisted run record.
type RunResult struct {
	RunID              string         `json:"run_id"`
	Status             RunStatus      `json:"status"`
	NumSignals         int            `json:"num_signals"`
	NumOrdersSubmitted int            `json:"num_orders_submitted"`
	NumOrdersAccepted  int            `json:"num_orders_accepted"`
	NumOrdersRejected  int            `json:"num_orders_rejected"`
	NumSkipped         int            `json:"num_skipped"`
	Mappings           []OrderMapping `json:"mappings"`
	DurationSeconds    float64        `json:"duration_seconds"`
	StartedAt          time.Time      `json:"started_at"`
}
