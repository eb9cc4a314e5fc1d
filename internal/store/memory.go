package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pollmarket/internal/market"

	"github.com/google/uuid"
)

// Memory is the in-process Store backend. Every read returns a copy so no
// caller ever holds an aliased reference into store-owned state.
type Memory struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*market.Order
	fills  map[uuid.UUID]*market.Fill
	polls  map[uuid.UUID]*market.Poll
	users  map[uuid.UUID]*market.User
}

func NewMemory() *Memory {
	return &Memory{
		orders: make(map[uuid.UUID]*market.Order),
		fills:  make(map[uuid.UUID]*market.Fill),
		polls:  make(map[uuid.UUID]*market.Poll),
		users:  make(map[uuid.UUID]*market.User),
	}
}

// --- OrderStore ---

func (m *Memory) InsertOrder(ctx context.Context, o *market.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id uuid.UUID) (*market.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) RestingOrders(ctx context.Context, pollID uuid.UUID, optionIndex int, side market.Side, priceLimit int64) ([]*market.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*market.Order
	for _, o := range m.orders {
		if o.PollID != pollID || o.OptionIndex != optionIndex {
			continue
		}
		if o.Side != side || o.Status != market.StatusPending {
			continue
		}
		if side == market.SideSell && o.Price > priceLimit {
			continue
		}
		if side == market.SideBuy && o.Price < priceLimit {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}

	// Best price first, FIFO at equal price
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			if side == market.SideSell {
				return out[i].Price < out[j].Price
			}
			return out[i].Price > out[j].Price
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (m *Memory) ApplyFill(ctx context.Context, orderID uuid.UUID, qty, escrowDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if qty <= 0 || qty > o.RemainingAmount {
		return fmt.Errorf("fill qty %d out of range for order %s (remaining %d)", qty, orderID, o.RemainingAmount)
	}
	if escrowDelta < 0 || escrowDelta > o.EscrowRemaining {
		return fmt.Errorf("escrow delta %d out of range for order %s (escrow %d)", escrowDelta, orderID, o.EscrowRemaining)
	}

	o.FilledAmount += qty
	o.RemainingAmount -= qty
	o.EscrowRemaining -= escrowDelta
	if o.RemainingAmount == 0 {
		o.Status = market.StatusCompleted
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DrainEscrow(ctx context.Context, orderID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return 0, ErrNotFound
	}
	drained := o.EscrowRemaining
	if drained > 0 {
		o.EscrowRemaining = 0
		o.UpdatedAt = time.Now()
	}
	return drained, nil
}

func (m *Memory) TransitionStatus(ctx context.Context, orderID uuid.UUID, from, to market.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != from || !from.CanTransitionTo(to) {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) CompletedOrdersByPoll(ctx context.Context, pollID uuid.UUID) ([]*market.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*market.Order
	for _, o := range m.orders {
		if o.PollID == pollID && o.Status == market.StatusCompleted {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) SetSettlement(ctx context.Context, orderID uuid.UUID, eligible bool, payout int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.Eligible = eligible
	o.PayoutAmount = payout
	o.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ClaimEligible(ctx context.Context, pollID, userID uuid.UUID) (int64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return 0, 0, ErrNotFound
	}

	var paid int64
	var trades int
	now := time.Now()
	for _, o := range m.orders {
		if o.PollID != pollID || o.UserID != userID {
			continue
		}
		if o.Status != market.StatusCompleted || !o.Eligible || o.Claimed {
			continue
		}
		o.Claimed = true
		o.UpdatedAt = now
		paid += o.PayoutAmount
		trades++
	}
	if trades == 0 {
		return 0, 0, nil
	}

	u.Balance += paid
	u.SuccessfulTrades += int64(trades)
	return paid, trades, nil
}

func (m *Memory) HasClaimed(ctx context.Context, pollID, userID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.PollID == pollID && o.UserID == userID && o.Claimed {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) UserOrders(ctx context.Context, userID uuid.UUID, status *market.Status, page market.Page) ([]*market.Order, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*market.Order
	for _, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		if status != nil && o.Status != *status {
			continue
		}
		cp := *o
		all = append(all, &cp)
	}
	// Newest first
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	return paginate(all, page)
}

// --- FillStore ---

func (m *Memory) InsertFill(ctx context.Context, f *market.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.fills[f.ID]; exists {
		return fmt.Errorf("fill %s already exists", f.ID)
	}
	cp := *f
	m.fills[f.ID] = &cp
	return nil
}

func (m *Memory) FillsByPoll(ctx context.Context, pollID uuid.UUID) ([]*market.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*market.Fill
	for _, f := range m.fills {
		if f.PollID == pollID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) FillsByPollNewest(ctx context.Context, pollID uuid.UUID, page market.Page) ([]*market.Fill, int, error) {
	fills, err := m.FillsByPoll(ctx, pollID)
	if err != nil {
		return nil, 0, err
	}
	// Reverse chronological for history reads
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}
	return paginate(fills, page)
}

// --- PollStore ---

func (m *Memory) InsertPoll(ctx context.Context, p *market.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.polls[p.ID]; exists {
		return fmt.Errorf("poll %s already exists", p.ID)
	}
	m.polls[p.ID] = copyPoll(p)
	return nil
}

func (m *Memory) GetPoll(ctx context.Context, id uuid.UUID) (*market.Poll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.polls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPoll(p), nil
}

func (m *Memory) ResolvePoll(ctx context.Context, pollID uuid.UUID, winningOption int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.polls[pollID]
	if !ok {
		return false, ErrNotFound
	}
	if p.Resolved {
		return false, nil
	}
	winning := winningOption
	p.Resolved = true
	p.Active = false
	p.WinningOption = &winning
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) UpdateStats(ctx context.Context, pollID uuid.UUID, stats *market.PollStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.polls[pollID]
	if !ok {
		return ErrNotFound
	}
	p.Options = append([]market.Option(nil), stats.Options...)
	p.TotalVolume = stats.TotalVolume
	p.TotalTrades = stats.TotalTrades
	p.UniqueTraders = stats.UniqueTraders
	p.UpdatedAt = time.Now()
	return nil
}

// --- UserStore ---

func (m *Memory) InsertUser(ctx context.Context, u *market.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.ID]; exists {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id uuid.UUID) (*market.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) AdjustBalances(ctx context.Context, userID uuid.UUID, balanceDelta, reservedDelta, totalTradesDelta, successfulTradesDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Balance += balanceDelta
	u.Reserved += reservedDelta
	u.TotalTrades += totalTradesDelta
	u.SuccessfulTrades += successfulTradesDelta
	return nil
}

// --- helpers ---

func copyPoll(p *market.Poll) *market.Poll {
	cp := *p
	cp.Options = append([]market.Option(nil), p.Options...)
	if p.WinningOption != nil {
		w := *p.WinningOption
		cp.WinningOption = &w
	}
	return &cp
}

func paginate[T any](all []T, page market.Page) ([]T, int, error) {
	total := len(all)
	if page.Limit <= 0 {
		return all, total, nil
	}
	if page.Offset >= total {
		return nil, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return all[page.Offset:end], total, nil
}
