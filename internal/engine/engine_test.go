package engine_test

import (
	"context"
	"errors"
	"testing"

	"pollmarket/internal/engine"
	"pollmarket/internal/fpmath"
	"pollmarket/internal/lane"
	"pollmarket/internal/ledger"
	"pollmarket/internal/market"
	"pollmarket/internal/notify"
	"pollmarket/internal/stats"
	"pollmarket/internal/store"
	"pollmarket/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func shares(n int64) int64 { return n * 1_000_000 }

func newEngine(t *testing.T, policy engine.MarketOrderPolicy) (*engine.Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	lg := ledger.New(st, nil, zerolog.Nop())
	agg := stats.NewAggregator(st, st, nil, zerolog.Nop())
	eng := engine.New(st, lg, agg, notify.Nop{}, lane.NewRegistry(), nil, zerolog.Nop(), engine.Config{MarketOrderPolicy: policy})
	return eng, st
}

func mustSubmit(t *testing.T, eng *engine.Engine, req *market.SubmitRequest) *market.SubmitResult {
	t.Helper()
	res, err := eng.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

// ============================================================================
// Test: Submit preconditions
// ============================================================================

func TestSubmit_InvalidSide(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	u := testutil.NewUser(t, st, shares(100))

	req := testutil.Submit(poll.ID, u.ID, "hold", 0, shares(1), 500_000)
	_, err := eng.Submit(context.Background(), req)

	var validation *market.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestSubmit_UnknownPoll(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	u := testutil.NewUser(t, st, shares(100))

	req := testutil.Submit(uuid.New(), u.ID, market.SideBuy, 0, shares(1), 500_000)
	_, err := eng.Submit(context.Background(), req)

	var notFound *market.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestSubmit_ResolvedPoll(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	u := testutil.NewUser(t, st, shares(100))

	if _, err := st.ResolvePoll(context.Background(), poll.ID, 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	req := testutil.Submit(poll.ID, u.ID, market.SideBuy, 0, shares(1), 500_000)
	_, err := eng.Submit(context.Background(), req)

	var state *market.StateError
	if !errors.As(err, &state) {
		t.Fatalf("want StateError, got %v", err)
	}
}

func TestSubmit_OptionOutOfRange(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	u := testutil.NewUser(t, st, shares(100))

	req := testutil.Submit(poll.ID, u.ID, market.SideBuy, 2, shares(1), 500_000)
	_, err := eng.Submit(context.Background(), req)

	var validation *market.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestSubmit_BuyInsufficientBalance(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	u := testutil.NewUser(t, st, 4_999_999) // needs 5_000_000 for 10 @ 0.5

	req := testutil.Submit(poll.ID, u.ID, market.SideBuy, 0, shares(10), 500_000)
	_, err := eng.Submit(context.Background(), req)

	var insufficient *market.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("want InsufficientBalanceError, got %v", err)
	}

	// Nothing was escrowed and nothing hit the book
	after, _ := st.GetUser(context.Background(), u.ID)
	if after.Balance != 4_999_999 || after.Reserved != 0 {
		t.Errorf("rejected submit mutated balances: %+v", after)
	}
	resting, _ := st.RestingOrders(context.Background(), poll.ID, 0, market.SideBuy, 0)
	if len(resting) != 0 {
		t.Errorf("rejected submit left %d resting orders", len(resting))
	}
}

func TestSubmit_SellNeedsNoBalance(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	u := testutil.NewUser(t, st, 0)

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, u.ID, market.SideSell, 0, shares(10), 500_000))
	if res.Order.Status != market.StatusPending {
		t.Errorf("status = %s, want pending", res.Order.Status)
	}
}

// ============================================================================
// Test: matching
// ============================================================================

func TestSubmit_EmptyBookRests(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	u := testutil.NewUser(t, st, shares(100))

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, u.ID, market.SideBuy, 0, shares(10), 500_000))

	if res.Order.Status != market.StatusPending {
		t.Errorf("status = %s, want pending", res.Order.Status)
	}
	if len(res.Fills) != 0 {
		t.Errorf("fills = %d, want 0", len(res.Fills))
	}
	if res.Order.RemainingAmount != shares(10) || res.Order.FilledAmount != 0 {
		t.Errorf("remaining/filled = %d/%d", res.Order.RemainingAmount, res.Order.FilledAmount)
	}

	// Full notional escrowed while resting
	after, _ := st.GetUser(context.Background(), u.ID)
	if after.Reserved != 5_000_000 {
		t.Errorf("reserved = %d, want 5000000", after.Reserved)
	}
}

func TestSubmit_ExactMatch(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))
	ctx := context.Background()

	sellRes := mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 0, shares(10), 500_000))
	buyRes := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	if buyRes.Order.Status != market.StatusCompleted {
		t.Errorf("taker status = %s, want completed", buyRes.Order.Status)
	}
	if len(buyRes.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(buyRes.Fills))
	}
	f := buyRes.Fills[0]
	if f.Amount != shares(10) || f.Price != 500_000 {
		t.Errorf("fill = %d @ %d", f.Amount, f.Price)
	}

	maker, _ := st.GetOrder(ctx, sellRes.Order.ID)
	if maker.Status != market.StatusCompleted {
		t.Errorf("maker status = %s, want completed", maker.Status)
	}
	if maker.FilledAmount+maker.RemainingAmount != maker.Amount {
		t.Errorf("fill invariant broken: %d + %d != %d",
			maker.FilledAmount, maker.RemainingAmount, maker.Amount)
	}

	// 5 currency units moved buyer → seller
	b, _ := st.GetUser(ctx, buyer.ID)
	s, _ := st.GetUser(ctx, seller.ID)
	if b.Balance != shares(100)-5_000_000 || b.Reserved != 0 {
		t.Errorf("buyer balance=%d reserved=%d", b.Balance, b.Reserved)
	}
	if s.Balance != 5_000_000 {
		t.Errorf("seller balance=%d, want 5000000", s.Balance)
	}

	// Statistics updated by the write
	p, _ := st.GetPoll(ctx, poll.ID)
	if p.TotalVolume != shares(10) || p.TotalTrades != 1 || p.UniqueTraders != 2 {
		t.Errorf("stats: volume=%d trades=%d traders=%d", p.TotalVolume, p.TotalTrades, p.UniqueTraders)
	}
	if p.Options[0].Percentage != 100 {
		t.Errorf("option 0 percentage = %d, want 100", p.Options[0].Percentage)
	}
}

func TestSubmit_PricePriority(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	sellerHigh := testutil.NewUser(t, st, 0)
	sellerLow := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))

	// The 0.5 ask arrives first, the 0.4 ask second — the cheaper ask must
	// still fill first.
	mustSubmit(t, eng, testutil.Submit(poll.ID, sellerHigh.ID, market.SideSell, 0, shares(10), 500_000))
	mustSubmit(t, eng, testutil.Submit(poll.ID, sellerLow.ID, market.SideSell, 0, shares(10), 400_000))

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	if len(res.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(res.Fills))
	}
	if res.Fills[0].Price != 400_000 {
		t.Errorf("executed at %d, want maker price 400000", res.Fills[0].Price)
	}
	if res.Fills[0].MakerUserID != sellerLow.ID {
		t.Error("filled against the wrong maker")
	}
}

func TestSubmit_PriceImprovementRefundsSlack(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, 10_000_000)
	ctx := context.Background()

	mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 0, shares(10), 400_000))
	mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	// Escrowed 5.0 at the limit, paid 4.0 at the maker price, 1.0 released
	b, _ := st.GetUser(ctx, buyer.ID)
	if b.Balance != 6_000_000 {
		t.Errorf("buyer balance = %d, want 6000000", b.Balance)
	}
	if b.Reserved != 0 {
		t.Errorf("buyer reserved = %d, want 0", b.Reserved)
	}
	s, _ := st.GetUser(ctx, seller.ID)
	if s.Balance != 4_000_000 {
		t.Errorf("seller balance = %d, want 4000000", s.Balance)
	}
}

func TestSubmit_PartialFillRests(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))
	ctx := context.Background()

	mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 0, shares(4), 500_000))
	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	if res.Order.Status != market.StatusPending {
		t.Errorf("status = %s, want pending", res.Order.Status)
	}
	if res.Order.FilledAmount != shares(4) || res.Order.RemainingAmount != shares(6) {
		t.Errorf("filled/remaining = %d/%d, want 4/6 shares",
			res.Order.FilledAmount, res.Order.RemainingAmount)
	}

	// Escrow holds exactly the unfilled notional
	b, _ := st.GetUser(ctx, buyer.ID)
	if b.Reserved != fpmath.Notional(shares(6), 500_000) {
		t.Errorf("reserved = %d, want %d", b.Reserved, fpmath.Notional(shares(6), 500_000))
	}
}

func TestSubmit_SweepsMultipleMakers(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	s1 := testutil.NewUser(t, st, 0)
	s2 := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))

	mustSubmit(t, eng, testutil.Submit(poll.ID, s1.ID, market.SideSell, 0, shares(4), 400_000))
	mustSubmit(t, eng, testutil.Submit(poll.ID, s2.ID, market.SideSell, 0, shares(6), 500_000))

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	if res.Order.Status != market.StatusCompleted {
		t.Errorf("status = %s, want completed", res.Order.Status)
	}
	if len(res.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(res.Fills))
	}
	if res.Fills[0].Price != 400_000 || res.Fills[1].Price != 500_000 {
		t.Errorf("fill prices %d, %d — cheaper maker should fill first",
			res.Fills[0].Price, res.Fills[1].Price)
	}

	p, _ := st.GetPoll(context.Background(), poll.ID)
	if p.TotalTrades != 2 || p.TotalVolume != shares(10) {
		t.Errorf("stats: trades=%d volume=%d", p.TotalTrades, p.TotalVolume)
	}
}

func TestSubmit_NoCrossBelowAsk(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))

	mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 0, shares(10), 600_000))
	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	if len(res.Fills) != 0 {
		t.Errorf("bid below best ask should not fill, got %d fills", len(res.Fills))
	}
}

func TestSubmit_OptionsMatchIndependently(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))

	mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 1, shares(10), 500_000))
	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	if len(res.Fills) != 0 {
		t.Errorf("orders on different options must never match, got %d fills", len(res.Fills))
	}
}

// ============================================================================
// Test: market-order remainder policy
// ============================================================================

func TestSubmit_MarketRemainderConverts(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))

	mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 0, shares(4), 500_000))

	req := testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000)
	req.Kind = market.KindMarket
	res := mustSubmit(t, eng, req)

	if res.Order.Status != market.StatusPending {
		t.Errorf("status = %s, want pending under convert policy", res.Order.Status)
	}
	if res.Order.RemainingAmount != shares(6) {
		t.Errorf("remaining = %d, want 6 shares", res.Order.RemainingAmount)
	}
}

func TestSubmit_MarketRemainderRejects(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderReject)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))
	ctx := context.Background()

	mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 0, shares(4), 500_000))

	req := testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000)
	req.Kind = market.KindMarket
	res := mustSubmit(t, eng, req)

	if res.Order.Status != market.StatusCancelled {
		t.Errorf("status = %s, want cancelled under reject policy", res.Order.Status)
	}
	// Fills that executed stay settled; only the remainder's escrow is freed
	if res.Order.FilledAmount != shares(4) {
		t.Errorf("filled = %d, want 4 shares", res.Order.FilledAmount)
	}
	b, _ := st.GetUser(ctx, buyer.ID)
	if b.Reserved != 0 {
		t.Errorf("reserved = %d after rejected remainder, want 0", b.Reserved)
	}
	if b.Balance != shares(100)-fpmath.Notional(shares(4), 500_000) {
		t.Errorf("balance = %d", b.Balance)
	}
}

func TestSubmit_LimitRemainderAlwaysRests(t *testing.T) {
	// Reject policy applies to market orders only
	eng, st := newEngine(t, engine.MarketOrderReject)
	poll := testutil.NewPoll(t, st, "yes", "no")
	buyer := testutil.NewUser(t, st, shares(100))

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))
	if res.Order.Status != market.StatusPending {
		t.Errorf("limit order status = %s, want pending", res.Order.Status)
	}
}

// ============================================================================
// Test: Cancel
// ============================================================================

func TestCancel_RefundsBuyEscrow(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	buyer := testutil.NewUser(t, st, shares(100))
	ctx := context.Background()

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	err := eng.Cancel(ctx, &market.CancelRequest{OrderID: res.Order.ID, RequesterID: buyer.ID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	o, _ := st.GetOrder(ctx, res.Order.ID)
	if o.Status != market.StatusCancelled {
		t.Errorf("status = %s, want cancelled", o.Status)
	}
	b, _ := st.GetUser(ctx, buyer.ID)
	if b.Balance != shares(100) || b.Reserved != 0 {
		t.Errorf("escrow not refunded: balance=%d reserved=%d", b.Balance, b.Reserved)
	}
}

func TestCancel_NotOwner(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	buyer := testutil.NewUser(t, st, shares(100))
	other := testutil.NewUser(t, st, 0)

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	err := eng.Cancel(context.Background(), &market.CancelRequest{OrderID: res.Order.ID, RequesterID: other.ID})
	var auth *market.AuthorizationError
	if !errors.As(err, &auth) {
		t.Fatalf("want AuthorizationError, got %v", err)
	}
}

func TestCancel_CompletedOrder(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))

	mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 0, shares(10), 500_000))
	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	err := eng.Cancel(context.Background(), &market.CancelRequest{OrderID: res.Order.ID, RequesterID: buyer.ID})
	var state *market.StateError
	if !errors.As(err, &state) {
		t.Fatalf("want StateError, got %v", err)
	}
}

func TestCancel_UnknownOrder(t *testing.T) {
	eng, _ := newEngine(t, engine.MarketOrderConvert)

	err := eng.Cancel(context.Background(), &market.CancelRequest{OrderID: uuid.New(), RequesterID: uuid.New()})
	var notFound *market.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestCancel_PartiallyFilledRefundsRemainder(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	seller := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, shares(100))
	ctx := context.Background()

	mustSubmit(t, eng, testutil.Submit(poll.ID, seller.ID, market.SideSell, 0, shares(4), 500_000))
	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))

	if err := eng.Cancel(ctx, &market.CancelRequest{OrderID: res.Order.ID, RequesterID: buyer.ID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	b, _ := st.GetUser(ctx, buyer.ID)
	// Paid for 4 shares, got back escrow for the other 6
	if b.Balance != shares(100)-fpmath.Notional(shares(4), 500_000) {
		t.Errorf("balance = %d", b.Balance)
	}
	if b.Reserved != 0 {
		t.Errorf("reserved = %d, want 0", b.Reserved)
	}
}

// ============================================================================
// Test: conservation
// ============================================================================

func TestMatching_ConservesFunds(t *testing.T) {
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	ctx := context.Background()

	users := []*market.User{
		testutil.NewUser(t, st, shares(50)),
		testutil.NewUser(t, st, shares(50)),
		testutil.NewUser(t, st, shares(50)),
	}

	mustSubmit(t, eng, testutil.Submit(poll.ID, users[0].ID, market.SideSell, 0, shares(8), 300_000))
	mustSubmit(t, eng, testutil.Submit(poll.ID, users[1].ID, market.SideSell, 1, shares(5), 700_000))
	mustSubmit(t, eng, testutil.Submit(poll.ID, users[2].ID, market.SideBuy, 0, shares(10), 400_000))
	mustSubmit(t, eng, testutil.Submit(poll.ID, users[0].ID, market.SideBuy, 1, shares(5), 700_000))

	var total int64
	for _, u := range users {
		after, _ := st.GetUser(ctx, u.ID)
		total += after.Balance + after.Reserved
	}
	if total != 3*shares(50) {
		t.Errorf("funds not conserved: total = %d, want %d", total, 3*shares(50))
	}
}

func TestMatching_RoundedFillsSettleWithinEscrow(t *testing.T) {
	// 6 micro-shares at 0.5 escrow 3 micro-units, but each 3-share fill
	// rounds to 2 half-even. Settling must stay within the tracked escrow
	// instead of underflowing on the second fill.
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	s1 := testutil.NewUser(t, st, 0)
	s2 := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, 10)
	ctx := context.Background()

	mustSubmit(t, eng, testutil.Submit(poll.ID, s1.ID, market.SideSell, 0, 3, 500_000))
	mustSubmit(t, eng, testutil.Submit(poll.ID, s2.ID, market.SideSell, 0, 3, 500_000))

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, 6, 500_000))
	if res.Order.Status != market.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Order.Status)
	}
	if len(res.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(res.Fills))
	}

	// Debits sum to the 3 micro-units reserved, nothing stays locked
	b, _ := st.GetUser(ctx, buyer.ID)
	if b.Balance != 7 || b.Reserved != 0 {
		t.Errorf("buyer balance=%d reserved=%d, want 7/0", b.Balance, b.Reserved)
	}

	// Sellers together receive exactly what the buyer paid
	u1, _ := st.GetUser(ctx, s1.ID)
	u2, _ := st.GetUser(ctx, s2.ID)
	if u1.Balance+u2.Balance != 3 {
		t.Errorf("sellers received %d, want 3", u1.Balance+u2.Balance)
	}
}

func TestMatching_EscrowResidueReleasedOnCompletion(t *testing.T) {
	// Each 1-share fill at 0.5 rounds to zero notional, so the whole
	// 1 micro-unit reserve survives matching and must come back when the
	// order completes instead of staying locked forever.
	eng, st := newEngine(t, engine.MarketOrderConvert)
	poll := testutil.NewPoll(t, st, "yes", "no")
	s1 := testutil.NewUser(t, st, 0)
	s2 := testutil.NewUser(t, st, 0)
	buyer := testutil.NewUser(t, st, 10)
	ctx := context.Background()

	mustSubmit(t, eng, testutil.Submit(poll.ID, s1.ID, market.SideSell, 0, 1, 500_000))
	mustSubmit(t, eng, testutil.Submit(poll.ID, s2.ID, market.SideSell, 0, 1, 500_000))

	res := mustSubmit(t, eng, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, 2, 500_000))
	if res.Order.Status != market.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Order.Status)
	}

	b, _ := st.GetUser(ctx, buyer.ID)
	if b.Reserved != 0 {
		t.Errorf("reserved = %d after completion, want 0", b.Reserved)
	}
	if b.Balance != 10 {
		t.Errorf("balance = %d, want 10 (zero-notional fills cost nothing)", b.Balance)
	}

	o, _ := st.GetOrder(ctx, res.Order.ID)
	if o.EscrowRemaining != 0 {
		t.Errorf("order escrow = %d after completion, want 0", o.EscrowRemaining)
	}
}

// ============================================================================
// Test: resolution racing a submission
// ============================================================================

// resolvingStore resolves the poll between the engine's pre-check and its
// in-lane re-read, standing in for a resolution that wins the lane first.
type resolvingStore struct {
	*store.Memory
	pollID uuid.UUID
	reads  int
}

func (s *resolvingStore) GetPoll(ctx context.Context, id uuid.UUID) (*market.Poll, error) {
	s.reads++
	if s.reads == 2 && id == s.pollID {
		s.Memory.ResolvePoll(ctx, id, 0)
	}
	return s.Memory.GetPoll(ctx, id)
}

func TestSubmit_ResolvedWhileEnteringLane(t *testing.T) {
	mem := store.NewMemory()
	wrapped := &resolvingStore{Memory: mem}
	lg := ledger.New(mem, nil, zerolog.Nop())
	agg := stats.NewAggregator(mem, mem, nil, zerolog.Nop())
	eng := engine.New(wrapped, lg, agg, notify.Nop{}, lane.NewRegistry(), nil, zerolog.Nop(), engine.DefaultConfig())

	poll := testutil.NewPoll(t, mem, "yes", "no")
	wrapped.pollID = poll.ID
	buyer := testutil.NewUser(t, mem, shares(100))
	ctx := context.Background()

	_, err := eng.Submit(ctx, testutil.Submit(poll.ID, buyer.ID, market.SideBuy, 0, shares(10), 500_000))
	var state *market.StateError
	if !errors.As(err, &state) {
		t.Fatalf("want StateError, got %v", err)
	}

	// The reservation was undone and nothing reached the book
	b, _ := mem.GetUser(ctx, buyer.ID)
	if b.Balance != shares(100) || b.Reserved != 0 {
		t.Errorf("balance=%d reserved=%d after rejected submit", b.Balance, b.Reserved)
	}
	resting, _ := mem.RestingOrders(ctx, poll.ID, 0, market.SideBuy, 0)
	if len(resting) != 0 {
		t.Errorf("rejected submit left %d resting orders", len(resting))
	}
}
