// Package engine implements the order matching engine: a continuous double
// auction with price-time priority and maker-price execution, one poll
// option at a time.
package engine

import (
	"context"
	"errors"
	"time"

	"pollmarket/internal/fpmath"
	"pollmarket/internal/lane"
	"pollmarket/internal/ledger"
	"pollmarket/internal/market"
	"pollmarket/internal/notify"
	"pollmarket/internal/observability"
	"pollmarket/internal/stats"
	"pollmarket/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MarketOrderPolicy decides what happens to the unfilled remainder of a
// market order. The historical behavior silently rested the remainder as a
// limit order; that is now an explicit configuration choice.
type MarketOrderPolicy string

const (
	// MarketOrderConvert rests the unfilled remainder as a limit order.
	MarketOrderConvert MarketOrderPolicy = "convert"
	// MarketOrderReject cancels the unfilled remainder and releases its
	// escrow. Fills already executed stay settled.
	MarketOrderReject MarketOrderPolicy = "reject"
)

// Config carries the engine's tunables.
type Config struct {
	MarketOrderPolicy MarketOrderPolicy
}

func DefaultConfig() Config {
	return Config{MarketOrderPolicy: MarketOrderConvert}
}

// Engine consumes incoming orders, matches them against the resting book
// and settles every fill through the ledger.
//
// All matching for one (poll, option) runs inside that key's lane, so two
// concurrent submissions can never both consume the same unit of a resting
// order's remaining amount. The lane registry is shared with the settlement
// service: resolution holds every option lane of a poll, so an order that
// passed the activity check either completes its fills before the tagging
// scan or is rejected by the in-lane re-check below. Validation and the
// buy-side reservation happen strictly before any book mutation.
type Engine struct {
	st      store.Store
	ledger  *ledger.Ledger
	stats   *stats.Aggregator
	sink    notify.Sink
	lanes   *lane.Registry
	metrics *observability.Metrics
	log     zerolog.Logger
	cfg     Config
}

func New(st store.Store, lg *ledger.Ledger, agg *stats.Aggregator, sink notify.Sink, lanes *lane.Registry, metrics *observability.Metrics, log zerolog.Logger, cfg Config) *Engine {
	if cfg.MarketOrderPolicy == "" {
		cfg.MarketOrderPolicy = MarketOrderConvert
	}
	return &Engine{
		st:      st,
		ledger:  lg,
		stats:   agg,
		sink:    sink,
		lanes:   lanes,
		metrics: metrics,
		log:     log,
		cfg:     cfg,
	}
}

// Submit validates an incoming order, matches it against resting orders of
// the opposite side and returns the accepted order plus its fills. For a
// buy, the full notional (amount * price) is escrowed before matching and
// tracked on the order; fills consume it, and whatever rounding leaves
// behind is released when the order reaches a terminal state.
func (e *Engine) Submit(ctx context.Context, req *market.SubmitRequest) (*market.SubmitResult, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		e.reject("validation")
		return nil, err
	}

	poll, err := e.st.GetPoll(ctx, req.PollID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.reject("poll_not_found")
			return nil, &market.NotFoundError{Entity: "poll", ID: req.PollID.String()}
		}
		return nil, &market.PersistenceError{Op: "engine.get_poll", Err: err}
	}
	if poll.Resolved || !poll.Active {
		e.reject("poll_inactive")
		return nil, &market.StateError{Reason: "poll is not active"}
	}
	if !poll.OptionInRange(req.OptionIndex) {
		e.reject("validation")
		return nil, &market.ValidationError{Field: "optionIndex", Reason: "out of range"}
	}

	notional := fpmath.Notional(req.Amount, req.Price)

	var escrow int64
	if req.Side == market.SideBuy {
		if err := e.ledger.Reserve(ctx, req.UserID, notional); err != nil {
			var insufficient *market.InsufficientBalanceError
			if errors.As(err, &insufficient) {
				e.reject("insufficient_balance")
			}
			return nil, err
		}
		escrow = notional
	} else {
		// Sells escrow nothing, but the user must exist.
		if _, err := e.st.GetUser(ctx, req.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				e.reject("user_not_found")
				return nil, &market.NotFoundError{Entity: "user", ID: req.UserID.String()}
			}
			return nil, &market.PersistenceError{Op: "engine.get_user", Err: err}
		}
	}

	now := time.Now()
	order := &market.Order{
		ID:              uuid.New(),
		PollID:          req.PollID,
		UserID:          req.UserID,
		Side:            req.Side,
		OptionIndex:     req.OptionIndex,
		Kind:            req.Kind,
		Amount:          req.Amount,
		Price:           req.Price,
		Status:          market.StatusPending,
		FilledAmount:    0,
		RemainingAmount: req.Amount,
		TotalValue:      notional,
		EscrowRemaining: escrow,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	unlock := e.lanes.Lock(lane.PollOptionKey(req.PollID, req.OptionIndex))
	defer unlock()

	// Resolution may have landed between the pre-check and lane entry.
	// Resolution holds this lane too, so this re-read is authoritative.
	poll, err = e.st.GetPoll(ctx, req.PollID)
	if err != nil {
		e.releaseSubmitEscrow(ctx, req.Side, req.UserID, notional)
		return nil, &market.PersistenceError{Op: "engine.get_poll", Err: err}
	}
	if poll.Resolved || !poll.Active {
		e.releaseSubmitEscrow(ctx, req.Side, req.UserID, notional)
		e.reject("poll_inactive")
		return nil, &market.StateError{Reason: "poll is not active"}
	}

	if err := e.st.InsertOrder(ctx, order); err != nil {
		// Nothing matched yet — undo the escrow and fail the submission.
		e.releaseSubmitEscrow(ctx, req.Side, req.UserID, notional)
		return nil, &market.PersistenceError{Op: "engine.insert_order", Err: err}
	}

	fills, err := e.match(ctx, order)
	if err != nil {
		// Mid-matching failures are not globally rolled back; fills that
		// committed stay committed (see the lane discipline notes).
		return nil, err
	}

	final, err := e.st.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, &market.PersistenceError{Op: "engine.reload_order", Err: err}
	}

	if final.Status == market.StatusPending && final.Kind == market.KindMarket && e.cfg.MarketOrderPolicy == MarketOrderReject {
		final, err = e.rejectRemainder(ctx, final)
		if err != nil {
			return nil, err
		}
	}

	if e.metrics != nil {
		e.metrics.OrdersSubmitted.WithLabelValues(string(req.Side), string(req.Kind)).Inc()
		if final.Status == market.StatusPending {
			e.metrics.OrdersResting.Inc()
		}
		e.metrics.MatchDuration.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	}

	e.log.Info().
		Str("order", final.ID.String()).
		Str("poll", final.PollID.String()).
		Str("side", string(final.Side)).
		Int("option", final.OptionIndex).
		Int64("amount", final.Amount).
		Int64("price", final.Price).
		Int("fills", len(fills)).
		Str("status", string(final.Status)).
		Msg("order submitted")

	e.sink.TradeUpdated(ctx, final.PollID, map[string]interface{}{
		"order_id": final.ID.String(),
		"status":   string(final.Status),
		"filled":   final.FilledAmount,
		"fills":    len(fills),
	})

	return &market.SubmitResult{Order: final, Fills: fills}, nil
}

// match greedily consumes crossing resting orders, best price first, FIFO
// at equal price. Every fill executes at the resting (maker) price, settles
// both counterparties and triggers the statistics projection.
//
// The rounded per-fill notionals need not sum to the whole order's reserve
// (half-even rounding goes either way), so each fill settles against the
// buy order's tracked escrow instead: the buyer is debited
// min(notional, escrow left), the seller is credited the same amount, and
// the residue the rounding leaves behind is released when the order
// completes. Consumed plus released therefore equals the reserve exactly.
func (e *Engine) match(ctx context.Context, taker *market.Order) ([]*market.Fill, error) {
	candidates, err := e.st.RestingOrders(ctx, taker.PollID, taker.OptionIndex, taker.Side.Opposite(), taker.Price)
	if err != nil {
		return nil, &market.PersistenceError{Op: "engine.resting_orders", Err: err}
	}

	remaining := taker.RemainingAmount
	escrowLeft := taker.EscrowRemaining
	var fills []*market.Fill

	for _, maker := range candidates {
		if remaining == 0 {
			break
		}

		qty := min(remaining, maker.RemainingAmount)
		notional := fpmath.Notional(qty, maker.Price)

		var settleAmt, slack, takerConsume, makerConsume int64
		if taker.Side == market.SideBuy {
			settleAmt = min(notional, escrowLeft)
			if taker.Price > maker.Price {
				// Price-improvement slack escrowed above the execution
				// price, capped so consumption never exceeds the escrow.
				slack = min(fpmath.Notional(qty, taker.Price)-notional, escrowLeft-settleAmt)
			}
			takerConsume = settleAmt + slack
		} else {
			settleAmt = min(notional, maker.EscrowRemaining)
			makerConsume = settleAmt
		}

		if err := e.st.ApplyFill(ctx, maker.ID, qty, makerConsume); err != nil {
			return fills, &market.PersistenceError{Op: "engine.fill_maker", Err: err}
		}
		if err := e.st.ApplyFill(ctx, taker.ID, qty, takerConsume); err != nil {
			return fills, &market.PersistenceError{Op: "engine.fill_taker", Err: err}
		}

		fill := &market.Fill{
			ID:           uuid.New(),
			PollID:       taker.PollID,
			OptionIndex:  taker.OptionIndex,
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			TakerUserID:  taker.UserID,
			MakerUserID:  maker.UserID,
			TakerSide:    taker.Side,
			Amount:       qty,
			Price:        maker.Price,
			Notional:     notional,
			CreatedAt:    time.Now(),
		}
		if err := e.st.InsertFill(ctx, fill); err != nil {
			return fills, &market.PersistenceError{Op: "engine.insert_fill", Err: err}
		}

		if err := e.settleFill(ctx, taker, maker, settleAmt, slack); err != nil {
			return fills, err
		}

		remaining -= qty
		escrowLeft -= takerConsume
		maker.RemainingAmount -= qty
		maker.EscrowRemaining -= makerConsume

		if maker.RemainingAmount == 0 && maker.Side == market.SideBuy {
			if err := e.releaseOrderEscrow(ctx, maker.ID, maker.UserID); err != nil {
				return fills, err
			}
		}

		fills = append(fills, fill)

		if e.metrics != nil {
			e.metrics.FillsExecuted.Inc()
			e.metrics.FillVolume.Add(float64(qty))
		}

		if err := e.stats.RefreshPollStats(ctx, taker.PollID); err != nil {
			return fills, err
		}
	}

	if remaining == 0 && taker.Side == market.SideBuy {
		if err := e.releaseOrderEscrow(ctx, taker.ID, taker.UserID); err != nil {
			return fills, err
		}
	}

	return fills, nil
}

// settleFill moves the escrow-capped settle amount between the two
// counterparties and releases the buyer's price-improvement slack. Debit
// and credit use the same amount, so every fill conserves the total across
// both accounts exactly.
func (e *Engine) settleFill(ctx context.Context, taker, maker *market.Order, settleAmt, slack int64) error {
	buyerID, sellerID := taker.UserID, maker.UserID
	if taker.Side == market.SideSell {
		buyerID, sellerID = maker.UserID, taker.UserID
	}

	if err := e.ledger.SettleFill(ctx, buyerID, market.SideBuy, settleAmt); err != nil {
		return err
	}
	if err := e.ledger.SettleFill(ctx, sellerID, market.SideSell, settleAmt); err != nil {
		return err
	}

	if slack > 0 {
		if err := e.ledger.Refund(ctx, buyerID, slack); err != nil {
			return err
		}
	}

	return nil
}

// releaseOrderEscrow drains the order's residual escrow and returns it to
// the owner's spendable balance. Runs whenever a buy order reaches a
// terminal state, closing out the reservation made at submission.
func (e *Engine) releaseOrderEscrow(ctx context.Context, orderID, userID uuid.UUID) error {
	drained, err := e.st.DrainEscrow(ctx, orderID)
	if err != nil {
		return &market.PersistenceError{Op: "engine.drain_escrow", Err: err}
	}
	return e.ledger.Refund(ctx, userID, drained)
}

// releaseSubmitEscrow undoes the submission reservation when the order is
// rejected before any book mutation.
func (e *Engine) releaseSubmitEscrow(ctx context.Context, side market.Side, userID uuid.UUID, notional int64) {
	if side != market.SideBuy {
		return
	}
	if err := e.ledger.Refund(ctx, userID, notional); err != nil {
		e.log.Error().Err(err).Str("user", userID.String()).Msg("escrow release after rejected submission")
	}
}

// rejectRemainder cancels the unfilled remainder of a market order under
// the reject policy and releases its escrow. The order ends cancelled;
// filledAmount + remainingAmount == amount still holds.
func (e *Engine) rejectRemainder(ctx context.Context, o *market.Order) (*market.Order, error) {
	ok, err := e.st.TransitionStatus(ctx, o.ID, market.StatusPending, market.StatusCancelled)
	if err != nil {
		return nil, &market.PersistenceError{Op: "engine.reject_remainder", Err: err}
	}
	if !ok {
		// Lost the transition — the order left pending some other way.
		return e.reloadOrder(ctx, o.ID)
	}

	if o.Side == market.SideBuy {
		if err := e.releaseOrderEscrow(ctx, o.ID, o.UserID); err != nil {
			return nil, err
		}
	}

	if e.metrics != nil {
		e.metrics.OrdersCancelled.Inc()
	}
	e.log.Info().Str("order", o.ID.String()).Int64("remaining", o.RemainingAmount).Msg("market remainder rejected")

	return e.reloadOrder(ctx, o.ID)
}

// Cancel transitions a resting order pending→cancelled. Only the owner may
// cancel; a delayed cancel against an order the engine has meanwhile filled
// is rejected by the compare-and-set, not by a racy read. A cancelled buy
// gets its remaining escrow released; sells escrowed nothing, so nothing is
// refunded.
func (e *Engine) Cancel(ctx context.Context, req *market.CancelRequest) error {
	o, err := e.st.GetOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &market.NotFoundError{Entity: "order", ID: req.OrderID.String()}
		}
		return &market.PersistenceError{Op: "engine.get_order", Err: err}
	}
	if o.UserID != req.RequesterID {
		return &market.AuthorizationError{Reason: "not the order owner"}
	}

	unlock := e.lanes.Lock(lane.PollOptionKey(o.PollID, o.OptionIndex))
	defer unlock()

	ok, err := e.st.TransitionStatus(ctx, o.ID, market.StatusPending, market.StatusCancelled)
	if err != nil {
		return &market.PersistenceError{Op: "engine.cancel_order", Err: err}
	}
	if !ok {
		return &market.StateError{Reason: "order cannot be cancelled"}
	}

	if o.Side == market.SideBuy {
		if err := e.releaseOrderEscrow(ctx, o.ID, o.UserID); err != nil {
			return err
		}
	}

	if e.metrics != nil {
		e.metrics.OrdersCancelled.Inc()
	}
	e.log.Info().Str("order", o.ID.String()).Str("user", o.UserID.String()).Msg("order cancelled")

	e.sink.TradeUpdated(ctx, o.PollID, map[string]interface{}{
		"order_id": o.ID.String(),
		"status":   string(market.StatusCancelled),
	})

	return nil
}

func (e *Engine) reloadOrder(ctx context.Context, id uuid.UUID) (*market.Order, error) {
	o, err := e.st.GetOrder(ctx, id)
	if err != nil {
		return nil, &market.PersistenceError{Op: "engine.reload_order", Err: err}
	}
	return o, nil
}

func (e *Engine) reject(reason string) {
	if e.metrics != nil {
		e.metrics.OrdersRejected.WithLabelValues(reason).Inc()
	}
}
