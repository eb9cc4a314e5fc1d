// Package query exposes the read models: poll snapshots, order books,
// trade history and user views. Reads never mutate state — the statistics
// projection is refreshed by writes only.
package query

import (
	"context"
	"errors"

	"pollmarket/internal/fpmath"
	"pollmarket/internal/market"
	"pollmarket/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBookDepth bounds an order-book read when the caller passes no
// explicit depth.
const DefaultBookDepth = 10

type Service struct {
	st  store.Store
	log zerolog.Logger
}

func NewService(st store.Store, log zerolog.Logger) *Service {
	return &Service{st: st, log: log}
}

// Poll returns the poll with its current aggregate projection.
func (s *Service) Poll(ctx context.Context, pollID uuid.UUID) (*market.Poll, error) {
	p, err := s.st.GetPoll(ctx, pollID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &market.NotFoundError{Entity: "poll", ID: pollID.String()}
		}
		return nil, &market.PersistenceError{Op: "query.get_poll", Err: err}
	}
	return p, nil
}

// User returns the user's balances and trade counters.
func (s *Service) User(ctx context.Context, userID uuid.UUID) (*market.User, error) {
	u, err := s.st.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &market.NotFoundError{Entity: "user", ID: userID.String()}
		}
		return nil, &market.PersistenceError{Op: "query.get_user", Err: err}
	}
	return u, nil
}

// OrderBook returns up to depth resting orders per side for one poll
// option, bids best (highest) price first and asks best (lowest) first.
func (s *Service) OrderBook(ctx context.Context, pollID uuid.UUID, optionIndex int, depth int) (*market.OrderBook, error) {
	if depth <= 0 {
		depth = DefaultBookDepth
	}

	poll, err := s.Poll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if !poll.OptionInRange(optionIndex) {
		return nil, &market.ValidationError{Field: "optionIndex", Reason: "out of range"}
	}

	// A zero price limit crosses every resting buy; the maximum price
	// crosses every resting sell.
	bids, err := s.st.RestingOrders(ctx, pollID, optionIndex, market.SideBuy, 0)
	if err != nil {
		return nil, &market.PersistenceError{Op: "query.resting_bids", Err: err}
	}
	asks, err := s.st.RestingOrders(ctx, pollID, optionIndex, market.SideSell, fpmath.MaxPrice)
	if err != nil {
		return nil, &market.PersistenceError{Op: "query.resting_asks", Err: err}
	}

	return &market.OrderBook{
		PollID:      pollID,
		OptionIndex: optionIndex,
		Bids:        levels(bids, depth),
		Asks:        levels(asks, depth),
	}, nil
}

// TradeHistory returns the poll's executions newest first, with the total
// count for pagination.
func (s *Service) TradeHistory(ctx context.Context, pollID uuid.UUID, page market.Page) ([]*market.Fill, int, error) {
	fills, total, err := s.st.FillsByPollNewest(ctx, pollID, page)
	if err != nil {
		return nil, 0, &market.PersistenceError{Op: "query.trade_history", Err: err}
	}
	return fills, total, nil
}

// UserOrders returns the user's orders, optionally filtered by status, with
// the total count for pagination.
func (s *Service) UserOrders(ctx context.Context, userID uuid.UUID, status *market.Status, page market.Page) ([]*market.Order, int, error) {
	orders, total, err := s.st.UserOrders(ctx, userID, status, page)
	if err != nil {
		return nil, 0, &market.PersistenceError{Op: "query.user_orders", Err: err}
	}
	return orders, total, nil
}

// HasClaimed reports whether the user has already claimed any payout on the
// poll.
func (s *Service) HasClaimed(ctx context.Context, pollID, userID uuid.UUID) (bool, error) {
	claimed, err := s.st.HasClaimed(ctx, pollID, userID)
	if err != nil {
		return false, &market.PersistenceError{Op: "query.has_claimed", Err: err}
	}
	return claimed, nil
}

func levels(orders []*market.Order, depth int) []market.BookLevel {
	if len(orders) > depth {
		orders = orders[:depth]
	}
	out := make([]market.BookLevel, len(orders))
	for i, o := range orders {
		out[i] = market.BookLevel{
			OrderID:   o.ID,
			UserID:    o.UserID,
			Price:     o.Price,
			Remaining: o.RemainingAmount,
			CreatedAt: o.CreatedAt,
		}
	}
	return out
}
