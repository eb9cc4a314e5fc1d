package market

import (
	"time"

	"github.com/google/uuid"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind distinguishes market orders from limit orders.
// A market order's submitted price still acts as its matching threshold;
// what differs is the handling of any unfilled remainder (see engine.MarketOrderPolicy).
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
)

func (k OrderKind) Valid() bool {
	return k == KindMarket || k == KindLimit
}

// Status is the lifecycle state of an order. Forward-only:
// pending → completed | cancelled | failed. Terminal states never revert.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CanTransitionTo enforces the forward-only order state machine.
func (s Status) CanTransitionTo(next Status) bool {
	if s != StatusPending {
		return false
	}
	return next == StatusCompleted || next == StatusCancelled || next == StatusFailed
}

// Order is a buy/sell order against one option of a poll. It is called a
// trade once executed — the record is the same either way.
//
// Identity fields (PollID..Price) are immutable after creation. Fill fields
// and Status are mutated only by the matching engine until the order is
// terminal; the settlement fields (Eligible, PayoutAmount, Claimed) are set
// only on orders already in the terminal completed state.
//
// Invariants: FilledAmount + RemainingAmount == Amount at all times;
// 0 <= Price <= fpmath.MaxPrice; RemainingAmount >= 0.
type Order struct {
	ID          uuid.UUID
	PollID      uuid.UUID
	UserID      uuid.UUID
	Side        Side
	OptionIndex int
	Kind        OrderKind
	Amount      int64 // micro-shares, immutable
	Price       int64 // micro-probability in [0, 1_000_000]

	Status          Status
	FilledAmount    int64
	RemainingAmount int64
	TotalValue      int64 // Amount * Price in quote units

	// EscrowRemaining is the escrow still held against this order. Nonzero
	// only for buys; consumed per fill and drained to zero when the order
	// reaches a terminal state, so consumption plus release always equals
	// the amount reserved at submission.
	EscrowRemaining int64

	// Post-resolution settlement fields
	Eligible     bool
	PayoutAmount int64
	Claimed      bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fill is one execution: a unit of a resting (maker) order consumed by an
// incoming (taker) order at the maker's price.
type Fill struct {
	ID           uuid.UUID
	PollID       uuid.UUID
	OptionIndex  int
	TakerOrderID uuid.UUID
	MakerOrderID uuid.UUID
	TakerUserID  uuid.UUID
	MakerUserID  uuid.UUID
	TakerSide    Side
	Amount       int64 // micro-shares
	Price        int64 // maker price
	Notional     int64 // Amount * Price in quote units
	CreatedAt    time.Time
}

// BookLevel is one resting order as exposed by the order-book read model.
type BookLevel struct {
	OrderID   uuid.UUID
	UserID    uuid.UUID
	Price     int64
	Remaining int64
	CreatedAt time.Time
}

// OrderBook is the top of the resting book for one poll option.
type OrderBook struct {
	PollID      uuid.UUID
	OptionIndex int
	Bids        []BookLevel // resting buys, best (highest) price first
	Asks        []BookLevel // resting sells, best (lowest) price first
}
