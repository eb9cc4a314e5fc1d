package market

import (
	"pollmarket/internal/fpmath"

	"github.com/google/uuid"
)

// SubmitRequest is the order-intake contract from the routing collaborator.
type SubmitRequest struct {
	PollID      uuid.UUID
	UserID      uuid.UUID
	Side        Side
	OptionIndex int
	Amount      int64 // micro-shares
	Price       int64 // micro-probability
	Kind        OrderKind
}

// Validate checks the poll-independent preconditions. Poll existence,
// option range and affordability are checked by the engine against live
// state — strictly before any mutation either way.
func (r *SubmitRequest) Validate() error {
	if r.PollID == uuid.Nil {
		return &ValidationError{Field: "pollId", Reason: "required"}
	}
	if r.UserID == uuid.Nil {
		return &ValidationError{Field: "userId", Reason: "required"}
	}
	if !r.Side.Valid() {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !r.Kind.Valid() {
		return &ValidationError{Field: "orderType", Reason: "must be market or limit"}
	}
	if r.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if r.Price < 0 || r.Price > fpmath.MaxPrice {
		return &ValidationError{Field: "price", Reason: "must be within [0, 1]"}
	}
	return nil
}

// CancelRequest asks to cancel a resting order.
type CancelRequest struct {
	OrderID     uuid.UUID
	RequesterID uuid.UUID
}

// ResolveRequest is the administrative poll-resolution contract.
type ResolveRequest struct {
	PollID        uuid.UUID
	WinningOption int
}

// ClaimRequest is the user payout-claim contract.
type ClaimRequest struct {
	PollID uuid.UUID
	UserID uuid.UUID
}

// DepositRequest credits external funding to a user's spendable balance.
type DepositRequest struct {
	UserID uuid.UUID
	Amount int64
}

// SubmitResult is returned from a successful order submission.
type SubmitResult struct {
	Order *Order
	Fills []*Fill
}

// ClaimResult reports the total credited by a claim.
type ClaimResult struct {
	AmountPaid int64
	TradesPaid int
}

// Page bounds a query-by-filter read.
type Page struct {
	Offset int
	Limit  int
}
