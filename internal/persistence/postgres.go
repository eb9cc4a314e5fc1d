// Package persistence provides the Postgres-backed Store and the schema
// migrator.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pollmarket/internal/market"
	"pollmarket/internal/store"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Postgres implements store.Store over database/sql with lib/pq.
//
// Mutations are single statements wherever possible: increments are
// expressed relative to stored values and state transitions carry their
// precondition in the WHERE clause. The one exception is ClaimEligible,
// which wraps the mark-claimed flips and the payout credit in a transaction
// so they commit or fail together. Cross-record ordering comes from the
// engine's lanes.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const orderColumns = `id, poll_id, user_id, side, option_index, kind, amount, price,
	status, filled_amount, remaining_amount, total_value, escrow_remaining,
	eligible, payout_amount, claimed, created_at, updated_at`

// --- OrderStore ---

func (p *Postgres) InsertOrder(ctx context.Context, o *market.Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, o.ID, o.PollID, o.UserID, o.Side, o.OptionIndex, o.Kind, o.Amount, o.Price,
		o.Status, o.FilledAmount, o.RemainingAmount, o.TotalValue, o.EscrowRemaining,
		o.Eligible, o.PayoutAmount, o.Claimed, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (p *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*market.Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (p *Postgres) RestingOrders(ctx context.Context, pollID uuid.UUID, optionIndex int, side market.Side, priceLimit int64) ([]*market.Order, error) {
	// Sells cross at price <= limit, best (lowest) first; buys cross at
	// price >= limit, best (highest) first. FIFO at equal price.
	query := `
		SELECT ` + orderColumns + ` FROM orders
		WHERE poll_id = $1 AND option_index = $2 AND side = $3
		  AND status = 'pending' AND price <= $4
		ORDER BY price ASC, created_at ASC`
	if side == market.SideBuy {
		query = `
		SELECT ` + orderColumns + ` FROM orders
		WHERE poll_id = $1 AND option_index = $2 AND side = $3
		  AND status = 'pending' AND price >= $4
		ORDER BY price DESC, created_at ASC`
	}

	rows, err := p.db.QueryContext(ctx, query, pollID, optionIndex, side, priceLimit)
	if err != nil {
		return nil, fmt.Errorf("resting orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (p *Postgres) ApplyFill(ctx context.Context, orderID uuid.UUID, qty, escrowDelta int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET filled_amount    = filled_amount + $2,
		    remaining_amount = remaining_amount - $2,
		    escrow_remaining = escrow_remaining - $3,
		    status           = CASE WHEN remaining_amount - $2 = 0 THEN 'completed' ELSE status END,
		    updated_at       = NOW()
		WHERE id = $1 AND status = 'pending' AND remaining_amount >= $2 AND $2 > 0
		  AND escrow_remaining >= $3 AND $3 >= 0
	`, orderID, qty, escrowDelta)
	if err != nil {
		return fmt.Errorf("apply fill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fill qty %d (escrow %d) not applicable to order %s", qty, escrowDelta, orderID)
	}
	return nil
}

func (p *Postgres) DrainEscrow(ctx context.Context, orderID uuid.UUID) (int64, error) {
	var drained int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE orders o
		SET escrow_remaining = 0, updated_at = NOW()
		FROM (SELECT escrow_remaining FROM orders WHERE id = $1 FOR UPDATE) prev
		WHERE o.id = $1
		RETURNING prev.escrow_remaining
	`, orderID).Scan(&drained)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("drain escrow: %w", err)
	}
	return drained, nil
}

func (p *Postgres) TransitionStatus(ctx context.Context, orderID uuid.UUID, from, to market.Status) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, nil
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, orderID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) CompletedOrdersByPoll(ctx context.Context, pollID uuid.UUID) ([]*market.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE poll_id = $1 AND status = 'completed'
		ORDER BY created_at ASC
	`, pollID)
	if err != nil {
		return nil, fmt.Errorf("completed orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (p *Postgres) SetSettlement(ctx context.Context, orderID uuid.UUID, eligible bool, payout int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET eligible = $2, payout_amount = $3, updated_at = NOW()
		WHERE id = $1
	`, orderID, eligible, payout)
	if err != nil {
		return fmt.Errorf("set settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClaimEligible marks every eligible unclaimed completed trade for the
// (poll, user) pair claimed and credits the payout sum in the same
// transaction. A crash between the two statements rolls both back, so no
// trade can end up claimed but unpaid.
func (p *Postgres) ClaimEligible(ctx context.Context, pollID, userID uuid.UUID) (int64, int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE orders SET claimed = TRUE, updated_at = NOW()
		WHERE poll_id = $1 AND user_id = $2
		  AND status = 'completed' AND eligible AND NOT claimed
		RETURNING payout_amount
	`, pollID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("claim eligible: %w", err)
	}

	var paid int64
	var trades int
	for rows.Next() {
		var payout int64
		if err := rows.Scan(&payout); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan payout: %w", err)
		}
		paid += payout
		trades++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, err
	}
	rows.Close()

	if trades == 0 {
		// The user check still runs so unknown users fail the same way as
		// in the credited path.
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return 0, 0, fmt.Errorf("claim user check: %w", err)
		}
		if !exists {
			return 0, 0, store.ErrNotFound
		}
		return 0, 0, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET balance           = balance + $2,
		    successful_trades = successful_trades + $3
		WHERE id = $1
	`, userID, paid, trades)
	if err != nil {
		return 0, 0, fmt.Errorf("claim credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	if n == 0 {
		return 0, 0, store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit claim: %w", err)
	}
	return paid, trades, nil
}

func (p *Postgres) HasClaimed(ctx context.Context, pollID, userID uuid.UUID) (bool, error) {
	var claimed bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE poll_id = $1 AND user_id = $2 AND claimed
		)
	`, pollID, userID).Scan(&claimed)
	if err != nil {
		return false, fmt.Errorf("has claimed: %w", err)
	}
	return claimed, nil
}

func (p *Postgres) UserOrders(ctx context.Context, userID uuid.UUID, status *market.Status, page market.Page) ([]*market.Order, int, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1 << 30
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`, COUNT(*) OVER() AS total FROM orders
		WHERE user_id = $1 AND ($2::TEXT IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, statusArg(status), limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("user orders: %w", err)
	}
	defer rows.Close()

	var out []*market.Order
	var total int
	for rows.Next() {
		o := &market.Order{}
		if err := rows.Scan(
			&o.ID, &o.PollID, &o.UserID, &o.Side, &o.OptionIndex, &o.Kind, &o.Amount, &o.Price,
			&o.Status, &o.FilledAmount, &o.RemainingAmount, &o.TotalValue, &o.EscrowRemaining,
			&o.Eligible, &o.PayoutAmount, &o.Claimed, &o.CreatedAt, &o.UpdatedAt,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan user order: %w", err)
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

// --- FillStore ---

const fillColumns = `id, poll_id, option_index, taker_order_id, maker_order_id,
	taker_user_id, maker_user_id, taker_side, amount, price, notional, created_at`

func (p *Postgres) InsertFill(ctx context.Context, f *market.Fill) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fills (`+fillColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, f.ID, f.PollID, f.OptionIndex, f.TakerOrderID, f.MakerOrderID,
		f.TakerUserID, f.MakerUserID, f.TakerSide, f.Amount, f.Price, f.Notional, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (p *Postgres) FillsByPoll(ctx context.Context, pollID uuid.UUID) ([]*market.Fill, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fillColumns+` FROM fills
		WHERE poll_id = $1
		ORDER BY created_at ASC
	`, pollID)
	if err != nil {
		return nil, fmt.Errorf("fills by poll: %w", err)
	}
	defer rows.Close()

	var out []*market.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) FillsByPollNewest(ctx context.Context, pollID uuid.UUID, page market.Page) ([]*market.Fill, int, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1 << 30
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fillColumns+`, COUNT(*) OVER() AS total FROM fills
		WHERE poll_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, pollID, limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("fills newest: %w", err)
	}
	defer rows.Close()

	var out []*market.Fill
	var total int
	for rows.Next() {
		f := &market.Fill{}
		if err := rows.Scan(
			&f.ID, &f.PollID, &f.OptionIndex, &f.TakerOrderID, &f.MakerOrderID,
			&f.TakerUserID, &f.MakerUserID, &f.TakerSide, &f.Amount, &f.Price, &f.Notional, &f.CreatedAt,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

// --- PollStore ---

func (p *Postgres) InsertPoll(ctx context.Context, poll *market.Poll) error {
	options, err := json.Marshal(poll.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO polls (id, title, options, active, resolved, winning_option,
			total_volume, total_trades, unique_traders, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, poll.ID, poll.Title, options, poll.Active, poll.Resolved, poll.WinningOption,
		poll.TotalVolume, poll.TotalTrades, poll.UniqueTraders, poll.CreatedAt, poll.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}
	return nil
}

func (p *Postgres) GetPoll(ctx context.Context, id uuid.UUID) (*market.Poll, error) {
	poll := &market.Poll{}
	var options []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, title, options, active, resolved, winning_option,
			total_volume, total_trades, unique_traders, created_at, updated_at
		FROM polls WHERE id = $1
	`, id).Scan(
		&poll.ID, &poll.Title, &options, &poll.Active, &poll.Resolved, &poll.WinningOption,
		&poll.TotalVolume, &poll.TotalTrades, &poll.UniqueTraders, &poll.CreatedAt, &poll.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get poll: %w", err)
	}
	if err := json.Unmarshal(options, &poll.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return poll, nil
}

func (p *Postgres) ResolvePoll(ctx context.Context, pollID uuid.UUID, winningOption int) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE polls
		SET resolved = TRUE, active = FALSE, winning_option = $2, updated_at = NOW()
		WHERE id = $1 AND NOT resolved
	`, pollID, winningOption)
	if err != nil {
		return false, fmt.Errorf("resolve poll: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) UpdateStats(ctx context.Context, pollID uuid.UUID, stats *market.PollStats) error {
	options, err := json.Marshal(stats.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE polls
		SET options = $2, total_volume = $3, total_trades = $4, unique_traders = $5, updated_at = NOW()
		WHERE id = $1
	`, pollID, options, stats.TotalVolume, stats.TotalTrades, stats.UniqueTraders)
	if err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- UserStore ---

func (p *Postgres) InsertUser(ctx context.Context, u *market.User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, balance, reserved, total_trades, successful_trades, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Balance, u.Reserved, u.TotalTrades, u.SuccessfulTrades, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*market.User, error) {
	u := &market.User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, balance, reserved, total_trades, successful_trades, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Balance, &u.Reserved, &u.TotalTrades, &u.SuccessfulTrades, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (p *Postgres) AdjustBalances(ctx context.Context, userID uuid.UUID, balanceDelta, reservedDelta, totalTradesDelta, successfulTradesDelta int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users
		SET balance           = balance + $2,
		    reserved          = reserved + $3,
		    total_trades      = total_trades + $4,
		    successful_trades = successful_trades + $5
		WHERE id = $1
	`, userID, balanceDelta, reservedDelta, totalTradesDelta, successfulTradesDelta)
	if err != nil {
		return fmt.Errorf("adjust balances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*market.Order, error) {
	o := &market.Order{}
	err := row.Scan(
		&o.ID, &o.PollID, &o.UserID, &o.Side, &o.OptionIndex, &o.Kind, &o.Amount, &o.Price,
		&o.Status, &o.FilledAmount, &o.RemainingAmount, &o.TotalValue, &o.EscrowRemaining,
		&o.Eligible, &o.PayoutAmount, &o.Claimed, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*market.Order, error) {
	var out []*market.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanFill(rows *sql.Rows) (*market.Fill, error) {
	f := &market.Fill{}
	if err := rows.Scan(
		&f.ID, &f.PollID, &f.OptionIndex, &f.TakerOrderID, &f.MakerOrderID,
		&f.TakerUserID, &f.MakerUserID, &f.TakerSide, &f.Amount, &f.Price, &f.Notional, &f.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan fill: %w", err)
	}
	return f, nil
}

func statusArg(status *market.Status) interface{} {
	if status == nil {
		return nil
	}
	return string(*status)
}
