package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Broker REST payloads
// ————————————————————————————————————————————————————————————————————————

// BrokerOrderRequest is the body POSTed to the broker's /v2/orders endpoint.
// Quantities and prices travel as strings, matching the broker's JSON schema.
type BrokerOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

// BrokerOrder is the broker's representation of an order, returned by submit,
// get, and list calls and embedded in webhook events.
type BrokerOrder struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	TimeInForce    string    `json:"time_in_force"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price,omitempty"`
	LimitPrice     string    `json:"limit_price,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LedgerStatus maps the broker's order status vocabulary onto the ledger's
// state machine. Unknown statuses map to submitted (the broker has the order;
// its fate will be resolved by webhook or reconciliation).
func (o BrokerOrder) LedgerStatus() OrderStatus {
	switch o.Status {
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return StatusSubmitted
	case "partially_filled":
		return StatusPartiallyFilled
	case "filled":
		return StatusFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return StatusCanceled
	case "rejected", "stopped", "suspended":
		return StatusRejected
	}
	return StatusSubmitted
}

// BrokerPosition is one row of the broker's /v2/positions response.
type BrokerPosition struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	Side           string `json:"side"` // long or short
	AvgEntryPrice  string `json:"avg_entry_price"`
	MarketValue    string `json:"market_value,omitempty"`
	UnrealizedPnL  string `json:"unrealized_pl,omitempty"`
	CurrentPrice   string `json:"current_price,omitempty"`
}

// Bar is one OHLCV bar from the broker's data API, used by the feature
// pipeline. Bars are adjusted for splits and dividends upstream.
type Bar struct {
	Timestamp time.Time       `json:"t"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    int64           `json:"v"`
}

// ————————————————————————————————————————————————————————————————————————
// Broker webhook payload
// ————————————————————————————————————————————————————————————————————————

// BrokerOrderEvent is the body of a broker order-update webhook delivery.
// EventID is unique per delivery attempt of a distinct event; redeliveries
// reuse the same id, which is what makes webhook processing idempotent.
type BrokerOrderEvent struct {
	EventID   string      `json:"event_id"`
	Event     string      `json:"event"` // new, fill, partial_fill, canceled, rejected, expired
	Timestamp time.Time   `json:"timestamp"`
	Order     BrokerOrder `json:"order"`
	// Set on fill and partial_fill events.
	FillQty   string `json:"qty,omitempty"`
	FillPrice string `json:"price,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Broker market-data stream payloads
// ————————————————————————————————————————————————————————————————————————

// StreamMessage is the envelope of every market-data stream frame.
type StreamMessage struct {
	Type   string `json:"T"` // "q" quote, "t" trade, "success", "error", "subscription"
	Symbol string `json:"S,omitempty"`
	Msg    string `json:"msg,omitempty"`
}

// StreamQuote is a real-time NBBO quote frame.
type StreamQuote struct {
	Type      string          `json:"T"`
	Symbol    string          `json:"S"`
	BidPrice  decimal.Decimal `json:"bp"`
	AskPrice  decimal.Decimal `json:"ap"`
	BidSize   int64           `json:"bs"`
	AskSize   int64           `json:"as"`
	Timestamp time.Time       `json:"t"`
}

// Mid returns the quote midpoint, or the one-sided price when the other side
// is empty.
func (q StreamQuote) Mid() decimal.Decimal {
	if q.BidPrice.IsZero() {
		return q.AskPrice
	}
	if q.AskPrice.IsZero() {
		return q.BidPrice
	}
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}
