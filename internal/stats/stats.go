// Package stats maintains the per-poll aggregate projection: option
// volumes, trade counts, percentages and the distinct-trader count.
//
// The projection is write-triggered: it recomputes after fills and after
// resolution, never as a side effect of a read. Recomputation is a full
// scan over the poll's executions — self-correcting at the cost of work
// proportional to trade history size.
package stats

import (
	"context"
	"errors"
	"time"

	"pollmarket/internal/fpmath"
	"pollmarket/internal/market"
	"pollmarket/internal/observability"
	"pollmarket/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Aggregator struct {
	polls   store.PollStore
	fills   store.FillStore
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewAggregator(polls store.PollStore, fills store.FillStore, metrics *observability.Metrics, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		polls:   polls,
		fills:   fills,
		metrics: metrics,
		log:     log,
	}
}

// RefreshPollStats recomputes the poll's aggregates from its executions
// and writes the projection back. Percentage per option is
// round(100 * optionVolume / totalVolume); with zero total volume every
// option gets the rounded equal split.
func (a *Aggregator) RefreshPollStats(ctx context.Context, pollID uuid.UUID) error {
	start := time.Now()

	poll, err := a.polls.GetPoll(ctx, pollID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &market.NotFoundError{Entity: "poll", ID: pollID.String()}
		}
		return a.storeErr("stats.get_poll", err)
	}

	fills, err := a.fills.FillsByPoll(ctx, pollID)
	if err != nil {
		return a.storeErr("stats.fills_by_poll", err)
	}

	computed := Compute(poll, fills)

	if err := a.polls.UpdateStats(ctx, pollID, computed); err != nil {
		return a.storeErr("stats.update", err)
	}

	if a.metrics != nil {
		a.metrics.StatsRefreshes.Inc()
		a.metrics.StatsRefreshSeconds.Observe(time.Since(start).Seconds())
	}
	a.log.Debug().
		Str("poll", pollID.String()).
		Int64("total_volume", computed.TotalVolume).
		Int64("total_trades", computed.TotalTrades).
		Msg("poll stats refreshed")
	return nil
}

// Compute derives the aggregate projection for a poll from its executions.
// Pure — exported for direct use in tests and read models.
func Compute(poll *market.Poll, fills []*market.Fill) *market.PollStats {
	options := make([]market.Option, len(poll.Options))
	for i, opt := range poll.Options {
		options[i] = market.Option{Label: opt.Label}
	}

	traders := make(map[uuid.UUID]struct{})
	var totalVolume, totalTrades int64

	for _, f := range fills {
		if f.OptionIndex < 0 || f.OptionIndex >= len(options) {
			continue
		}
		options[f.OptionIndex].Volume += f.Amount
		options[f.OptionIndex].Trades++
		totalVolume += f.Amount
		totalTrades++
		traders[f.TakerUserID] = struct{}{}
		traders[f.MakerUserID] = struct{}{}
	}

	for i := range options {
		if totalVolume > 0 {
			options[i].Percentage = fpmath.Percent(options[i].Volume, totalVolume)
		} else {
			options[i].Percentage = fpmath.EqualSplitPercent(len(options))
		}
	}

	return &market.PollStats{
		Options:       options,
		TotalVolume:   totalVolume,
		TotalTrades:   totalTrades,
		UniqueTraders: int64(len(traders)),
	}
}

func (a *Aggregator) storeErr(op string, err error) error {
	if a.metrics != nil {
		a.metrics.StatsRefreshErrors.Inc()
	}
	return &market.PersistenceError{Op: op, Err: err}
}
