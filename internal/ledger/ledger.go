package ledger

import (
	"context"
	"errors"
	"fmt"

	"pollmarket/internal/lane"
	"pollmarket/internal/market"
	"pollmarket/internal/observability"
	"pollmarket/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Ledger owns user balances. All mutations are atomic increments executed
// inside a per-user lane, so a check-then-mutate sequence (the reserve path)
// can never interleave with another mutation for the same user. Callers
// never touch balances directly.
//
// Balance model: Balance is spendable; Reserved is escrow locked by open
// buy orders. A buy submission moves notional from Balance to Reserved;
// fills consume Reserved; cancellation and price-improvement slack move
// Reserved back to Balance. Sells escrow nothing.
type Ledger struct {
	backend Backend
	lanes   *lane.Registry
	metrics *observability.Metrics
	log     zerolog.Logger
}

// Backend is the persistence surface the ledger drives: user balance
// records plus the atomic claim-settlement operation.
type Backend interface {
	store.UserStore
	store.ClaimStore
}

func New(backend Backend, metrics *observability.Metrics, log zerolog.Logger) *Ledger {
	return &Ledger{
		backend: backend,
		lanes:   lane.NewRegistry(),
		metrics: metrics,
		log:     log,
	}
}

// CheckAffordable reports whether the user's spendable balance covers
// notional. Read-only — NOT a reservation. The engine uses Reserve for the
// actual precondition; this exists for callers that want a cheap pre-check.
func (l *Ledger) CheckAffordable(ctx context.Context, userID uuid.UUID, notional int64) (bool, error) {
	u, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Balance >= notional, nil
}

// Reserve moves amount from spendable balance into escrow. Fails with
// InsufficientBalanceError when the spendable balance does not cover it.
// The check and the move run inside the user's lane, closing the
// check-then-deduct race.
func (l *Ledger) Reserve(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("reserve amount must be non-negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}

	unlock := l.lanes.Lock(userID.String())
	defer unlock()

	u, err := l.getUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.Balance < amount {
		return &market.InsufficientBalanceError{Need: amount, Have: u.Balance}
	}

	if err := l.backend.AdjustBalances(ctx, userID, -amount, amount, 0, 0); err != nil {
		return &market.PersistenceError{Op: "ledger.reserve", Err: err}
	}

	if l.metrics != nil {
		l.metrics.BalanceReserved.Add(float64(amount))
	}
	l.log.Debug().Str("user", userID.String()).Int64("amount", amount).Msg("reserved")
	return nil
}

// SettleFill settles one side of a fill: a buy consumes escrowed notional,
// a sell credits spendable balance. Either way the user's total-trade
// counter increments.
func (l *Ledger) SettleFill(ctx context.Context, userID uuid.UUID, side market.Side, notional int64) error {
	unlock := l.lanes.Lock(userID.String())
	defer unlock()

	if side == market.SideBuy {
		u, err := l.getUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.Reserved < notional {
			return fmt.Errorf("escrow underflow for user %s: reserved=%d, settling=%d", userID, u.Reserved, notional)
		}
		if err := l.backend.AdjustBalances(ctx, userID, 0, -notional, 1, 0); err != nil {
			return &market.PersistenceError{Op: "ledger.settle_buy", Err: err}
		}
	} else {
		if err := l.backend.AdjustBalances(ctx, userID, notional, 0, 1, 0); err != nil {
			return &market.PersistenceError{Op: "ledger.settle_sell", Err: err}
		}
	}

	if l.metrics != nil {
		l.metrics.BalanceSettled.Add(float64(notional))
	}
	return nil
}

// Refund releases escrowed funds back to spendable balance. Used for the
// unfilled notional of a cancelled buy, the price-improvement slack of a
// fill executed below the buyer's limit, and a rejected market remainder.
// Sell-side cancellations trigger no refund — no stake was escrowed.
func (l *Ledger) Refund(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return nil
	}

	unlock := l.lanes.Lock(userID.String())
	defer unlock()

	u, err := l.getUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.Reserved < amount {
		return fmt.Errorf("escrow underflow for user %s: reserved=%d, releasing=%d", userID, u.Reserved, amount)
	}

	if err := l.backend.AdjustBalances(ctx, userID, amount, -amount, 0, 0); err != nil {
		return &market.PersistenceError{Op: "ledger.refund", Err: err}
	}

	if l.metrics != nil {
		l.metrics.BalanceReleased.Add(float64(amount))
	}
	l.log.Debug().Str("user", userID.String()).Int64("amount", amount).Msg("escrow released")
	return nil
}

// ClaimPayouts marks every eligible unclaimed completed trade for the
// (poll, user) pair claimed and credits the payout sum. Marking and crediting
// are one backend operation, so a crash can never leave trades claimed but
// unpaid. Returns the amount credited and the number of trades paid; both
// zero when nothing was claimable.
func (l *Ledger) ClaimPayouts(ctx context.Context, pollID, userID uuid.UUID) (int64, int, error) {
	unlock := l.lanes.Lock(userID.String())
	defer unlock()

	paid, trades, err := l.backend.ClaimEligible(ctx, pollID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, 0, &market.NotFoundError{Entity: "user", ID: userID.String()}
		}
		return 0, 0, &market.PersistenceError{Op: "ledger.claim_payouts", Err: err}
	}

	if trades > 0 {
		l.log.Info().Str("user", userID.String()).Int64("amount", paid).Int("trades", trades).Msg("payout credited")
	}
	return paid, trades, nil
}

// Deposit credits spendable balance directly. Funding arrives from an
// external collaborator (the blockchain proxy); the engine only records it.
func (l *Ledger) Deposit(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return &market.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	unlock := l.lanes.Lock(userID.String())
	defer unlock()

	if _, err := l.getUser(ctx, userID); err != nil {
		return err
	}
	if err := l.backend.AdjustBalances(ctx, userID, amount, 0, 0, 0); err != nil {
		return &market.PersistenceError{Op: "ledger.deposit", Err: err}
	}

	l.log.Info().Str("user", userID.String()).Int64("amount", amount).Msg("deposit credited")
	return nil
}

func (l *Ledger) getUser(ctx context.Context, userID uuid.UUID) (*market.User, error) {
	u, err := l.backend.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &market.NotFoundError{Entity: "user", ID: userID.String()}
		}
		return nil, &market.PersistenceError{Op: "ledger.get_user", Err: err}
	}
	return u, nil
}
