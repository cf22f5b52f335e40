package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/types"
)

// ErrAuth marks authentication and session failures (expired cookie, bad
// signature). Concrete clients wrap their venue's auth responses with it so
// the health monitor can count them.
var ErrAuth = errors.New("exchange: authentication failed")

// Position is a live position as the venue reports it.
type Position struct {
	Symbol           string
	Direction        types.Direction
	Volume           decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// StopOrderResult is the venue's answer to a stop placement.
type StopOrderResult struct {
	Success bool
	OrderID string
}

// PlanOrder is a conditional order resting on the venue.
type PlanOrder struct {
	OrderID      string
	Symbol       string
	TriggerPrice decimal.Decimal
	CreatedAt    time.Time
}

// Fill is one entry from the venue's order history.
type Fill struct {
	Profit       decimal.Decimal
	AvgFillPrice decimal.Decimal
	OrderType    string // e.g. "close_long", "close_short", "burst_close_long"
	CreatedAt    time.Time
	FilledAt     time.Time
}

// Client is the RPC boundary to the venue. Every call can fail; callers must
// treat failure as "state unknown", never as an implicit close.
type Client interface {
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetStopLoss(ctx context.Context, symbol string, dir types.Direction, price, volume decimal.Decimal) (StopOrderResult, error)
	CancelAllPlanOrders(ctx context.Context, symbol string) error
	GetPlanOrders(ctx context.Context, symbol string) ([]PlanOrder, error)
	GetOrderHistory(ctx context.Context, symbol string, page, size int) ([]Fill, error)
}

// TrackedStore is the slice of the persistence contract the reconciler needs.
type TrackedStore interface {
	SaveTrackedPosition(symbol string, state *types.TrackedExchangePosition) error
	LoadTrackedPositions() ([]*types.TrackedExchangePosition, error)
	DeleteTrackedPosition(symbol string) error
}
