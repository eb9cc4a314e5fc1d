package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pollmarket/internal/market"
	"pollmarket/internal/query"
	"pollmarket/internal/store"
	"pollmarket/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newService(t *testing.T) (*query.Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return query.NewService(st, zerolog.Nop()), st
}

func resting(pollID, userID uuid.UUID, side market.Side, price, remaining int64, createdAt time.Time) *market.Order {
	return &market.Order{
		ID:              uuid.New(),
		PollID:          pollID,
		UserID:          userID,
		Side:            side,
		OptionIndex:     0,
		Kind:            market.KindLimit,
		Amount:          remaining,
		Price:           price,
		Status:          market.StatusPending,
		RemainingAmount: remaining,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

// ============================================================================
// Test: OrderBook
// ============================================================================

func TestOrderBook_SortedSides(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	poll := testutil.NewPoll(t, st, "yes", "no")
	u := uuid.New()
	now := time.Now()

	st.InsertOrder(ctx, resting(poll.ID, u, market.SideBuy, 300_000, 1_000_000, now))
	st.InsertOrder(ctx, resting(poll.ID, u, market.SideBuy, 450_000, 1_000_000, now))
	st.InsertOrder(ctx, resting(poll.ID, u, market.SideSell, 600_000, 1_000_000, now))
	st.InsertOrder(ctx, resting(poll.ID, u, market.SideSell, 550_000, 1_000_000, now))

	book, err := svc.OrderBook(ctx, poll.ID, 0, 0)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}

	if len(book.Bids) != 2 || book.Bids[0].Price != 450_000 {
		t.Errorf("bids: %+v, want best (highest) first", book.Bids)
	}
	if len(book.Asks) != 2 || book.Asks[0].Price != 550_000 {
		t.Errorf("asks: %+v, want best (lowest) first", book.Asks)
	}
}

func TestOrderBook_DepthCapped(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	poll := testutil.NewPoll(t, st, "yes", "no")
	u := uuid.New()

	for i := 0; i < 5; i++ {
		st.InsertOrder(ctx, resting(poll.ID, u, market.SideSell, int64(100_000*(i+1)), 1_000_000, time.Now()))
	}

	book, err := svc.OrderBook(ctx, poll.ID, 0, 3)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(book.Asks) != 3 {
		t.Errorf("asks = %d, want depth 3", len(book.Asks))
	}
}

func TestOrderBook_OptionOutOfRange(t *testing.T) {
	svc, st := newService(t)
	poll := testutil.NewPoll(t, st, "yes", "no")

	_, err := svc.OrderBook(context.Background(), poll.ID, 5, 0)
	var validation *market.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

// ============================================================================
// Test: entity reads
// ============================================================================

func TestPoll_NotFound(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Poll(context.Background(), uuid.New())
	var notFound *market.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestUserOrders_StatusFilter(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	poll := testutil.NewPoll(t, st, "yes", "no")
	userID := uuid.New()
	now := time.Now()

	open := resting(poll.ID, userID, market.SideBuy, 500_000, 1_000_000, now)
	st.InsertOrder(ctx, open)

	done := resting(poll.ID, userID, market.SideBuy, 500_000, 1_000_000, now.Add(time.Second))
	done.Status = market.StatusCompleted
	st.InsertOrder(ctx, done)

	pending := market.StatusPending
	got, total, err := svc.UserOrders(ctx, userID, &pending, market.Page{})
	if err != nil {
		t.Fatalf("user orders: %v", err)
	}
	if total != 1 || len(got) != 1 || got[0].ID != open.ID {
		t.Errorf("got %d orders, total=%d", len(got), total)
	}
}

func TestTradeHistory_NewestFirst(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	poll := testutil.NewPoll(t, st, "yes", "no")
	base := time.Now()

	for i := 0; i < 3; i++ {
		st.InsertFill(ctx, &market.Fill{
			ID:        uuid.New(),
			PollID:    poll.ID,
			Amount:    int64(i + 1),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	got, total, err := svc.TradeHistory(ctx, poll.ID, market.Page{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 3 || got[0].Amount != 3 {
		t.Errorf("total=%d first amount=%d, want 3/3", total, got[0].Amount)
	}
}

func TestHasClaimed(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	poll := testutil.NewPoll(t, st, "yes", "no")
	userID := uuid.New()

	o := resting(poll.ID, userID, market.SideBuy, 500_000, 1_000_000, time.Now())
	o.Status = market.StatusCompleted
	o.Eligible = true
	o.Claimed = true
	st.InsertOrder(ctx, o)

	claimed, err := svc.HasClaimed(ctx, poll.ID, userID)
	if err != nil {
		t.Fatalf("has claimed: %v", err)
	}
	if !claimed {
		t.Error("want claimed = true")
	}

	claimed, _ = svc.HasClaimed(ctx, poll.ID, uuid.New())
	if claimed {
		t.Error("other user should not have claimed")
	}
}
