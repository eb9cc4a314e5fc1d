package store

import (
	"context"
	"errors"

	"pollmarket/internal/market"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores for unknown records. Callers translate
// it into the domain's NotFoundError with entity context.
var ErrNotFound = errors.New("record not found")

// OrderStore owns order/trade records. The engine never assumes
// multi-record transactional atomicity beyond the single-record
// compare-and-set operations exposed here; cross-record ordering is
// provided by the engine's per-(poll, option) lanes.
type OrderStore interface {
	InsertOrder(ctx context.Context, o *market.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*market.Order, error)

	// RestingOrders returns pending orders of the given side for
	// poll+option whose price crosses priceLimit: resting sells with
	// price <= priceLimit (ascending), resting buys with
	// price >= priceLimit (descending). Ties break by earliest CreatedAt.
	RestingOrders(ctx context.Context, pollID uuid.UUID, optionIndex int, side market.Side, priceLimit int64) ([]*market.Order, error)

	// ApplyFill moves qty from remaining to filled, consumes escrowDelta
	// from the order's remaining escrow, and transitions the order to
	// completed when remaining reaches zero.
	ApplyFill(ctx context.Context, orderID uuid.UUID, qty, escrowDelta int64) error

	// DrainEscrow zeroes the order's remaining escrow and returns the
	// drained amount. Called when an order reaches a terminal state.
	DrainEscrow(ctx context.Context, orderID uuid.UUID) (int64, error)

	// TransitionStatus performs a compare-and-set status change. Returns
	// false (without error) when the order is no longer in from.
	TransitionStatus(ctx context.Context, orderID uuid.UUID, from, to market.Status) (bool, error)

	CompletedOrdersByPoll(ctx context.Context, pollID uuid.UUID) ([]*market.Order, error)
	SetSettlement(ctx context.Context, orderID uuid.UUID, eligible bool, payout int64) error

	HasClaimed(ctx context.Context, pollID, userID uuid.UUID) (bool, error)

	UserOrders(ctx context.Context, userID uuid.UUID, status *market.Status, page market.Page) ([]*market.Order, int, error)
}

// ClaimStore settles payout claims. Marking every eligible unclaimed
// completed trade claimed and crediting the payout sum plus the
// successful-trade count happen as one atomic unit, so a crash can never
// leave trades claimed but unpaid. Returns zero trades when nothing is
// claimable.
type ClaimStore interface {
	ClaimEligible(ctx context.Context, pollID, userID uuid.UUID) (paid int64, trades int, err error)
}

// FillStore owns execution records.
type FillStore interface {
	InsertFill(ctx context.Context, f *market.Fill) error
	FillsByPoll(ctx context.Context, pollID uuid.UUID) ([]*market.Fill, error)
	FillsByPollNewest(ctx context.Context, pollID uuid.UUID, page market.Page) ([]*market.Fill, int, error)
}

// PollStore owns polls and their option projections.
type PollStore interface {
	InsertPoll(ctx context.Context, p *market.Poll) error
	GetPoll(ctx context.Context, id uuid.UUID) (*market.Poll, error)

	// ResolvePoll is a one-way compare-and-set: active+unresolved →
	// resolved with the winning option recorded. Returns false when the
	// poll was already resolved.
	ResolvePoll(ctx context.Context, pollID uuid.UUID, winningOption int) (bool, error)

	UpdateStats(ctx context.Context, pollID uuid.UUID, stats *market.PollStats) error
}

// UserStore owns user balance records. All balance mutations are atomic
// increments relative to current values, never snapshot overwrites.
type UserStore interface {
	InsertUser(ctx context.Context, u *market.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*market.User, error)

	// AdjustBalances applies the given deltas atomically.
	AdjustBalances(ctx context.Context, userID uuid.UUID, balanceDelta, reservedDelta, totalTradesDelta, successfulTradesDelta int64) error
}

// Store aggregates all record stores behind one backend.
type Store interface {
	OrderStore
	ClaimStore
	FillStore
	PollStore
	UserStore
}
