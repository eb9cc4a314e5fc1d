package market

import (
	"time"

	"github.com/google/uuid"
)

// Option is one of the mutually exclusive outcomes of a poll.
// Volume, Trades and Percentage are projection values maintained by the
// statistics aggregator — never mutated by reads.
type Option struct {
	Label      string `json:"label"`
	Volume     int64  `json:"volume"` // cumulative filled micro-shares
	Trades     int64  `json:"trades"` // cumulative fill count
	Percentage int64  `json:"percentage"`
}

// Poll is a prediction-market poll. Resolution is one-way: once Resolved is
// set and WinningOption assigned, the poll never reverts to active.
type Poll struct {
	ID      uuid.UUID
	Title   string
	Options []Option

	Active        bool
	Resolved      bool
	WinningOption *int // nil until resolved

	TotalVolume   int64
	TotalTrades   int64
	UniqueTraders int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OptionInRange reports whether idx addresses an existing option.
func (p *Poll) OptionInRange(idx int) bool {
	return idx >= 0 && idx < len(p.Options)
}

// PollStats is the recomputed projection written back by the aggregator.
type PollStats struct {
	Options       []Option
	TotalVolume   int64
	TotalTrades   int64
	UniqueTraders int64
}

// User carries the ledger-owned balance buckets and trade counters.
// Balance is the spendable amount; Reserved is escrow locked by open buy
// orders. Both are mutated only through ledger operations, never directly.
type User struct {
	ID               uuid.UUID
	Balance          int64 // available, quote units
	Reserved         int64 // escrowed for open buys, quote units
	TotalTrades      int64
	SuccessfulTrades int64
	CreatedAt        time.Time
}
