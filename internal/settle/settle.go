// Package settle implements poll resolution and payout claims.
//
// Resolution is a one-way transition: once a winning option is recorded no
// further resolution or trading is accepted for the poll. Claims pay each
// eligible completed trade at most once: marking the trades claimed and
// crediting the payout happen as one atomic store operation.
package settle

import (
	"context"
	"errors"
	"time"

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

type Service struct {
	st      store.Store
	ledger  *ledger.Ledger
	stats   *stats.Aggregator
	sink    notify.Sink
	lanes   *lane.Registry
	metrics *observability.Metrics
	log     zerolog.Logger
}

// New builds the settlement service. lanes must be the registry the
// matching engine locks through, so resolution and matching serialize on
// the same per-(poll, option) keys.
func New(st store.Store, lg *ledger.Ledger, agg *stats.Aggregator, sink notify.Sink, lanes *lane.Registry, metrics *observability.Metrics, log zerolog.Logger) *Service {
	return &Service{
		st:      st,
		ledger:  lg,
		stats:   agg,
		sink:    sink,
		lanes:   lanes,
		metrics: metrics,
		log:     log,
	}
}

// Resolve declares the winning option and tags every completed trade for
// payout: trades on the winning option become eligible with payout equal to
// their share amount, all others become ineligible with zero payout.
// Resolving an already-resolved poll is a StateError.
//
// All of the poll's option lanes are held across the transition and the
// tagging scan. A submission in flight either finishes its fills before the
// scan starts (and gets tagged) or re-checks the poll inside its lane and
// is rejected; no completed trade can slip past the scan untagged.
func (s *Service) Resolve(ctx context.Context, req *market.ResolveRequest) error {
	poll, err := s.st.GetPoll(ctx, req.PollID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &market.NotFoundError{Entity: "poll", ID: req.PollID.String()}
		}
		return &market.PersistenceError{Op: "settle.get_poll", Err: err}
	}
	if !poll.OptionInRange(req.WinningOption) {
		return &market.ValidationError{Field: "winningOption", Reason: "out of range"}
	}

	// Option lanes in index order; every locker takes them the same way.
	for i := range poll.Options {
		unlock := s.lanes.Lock(lane.PollOptionKey(req.PollID, i))
		defer unlock()
	}

	ok, err := s.st.ResolvePoll(ctx, req.PollID, req.WinningOption)
	if err != nil {
		return &market.PersistenceError{Op: "settle.resolve_poll", Err: err}
	}
	if !ok {
		return &market.StateError{Reason: "poll already resolved"}
	}

	completed, err := s.st.CompletedOrdersByPoll(ctx, req.PollID)
	if err != nil {
		return &market.PersistenceError{Op: "settle.completed_orders", Err: err}
	}

	var tagged, eligible int
	for _, o := range completed {
		isWinner := o.OptionIndex == req.WinningOption
		payout := int64(0)
		if isWinner {
			payout = o.Amount
		}
		if err := s.st.SetSettlement(ctx, o.ID, isWinner, payout); err != nil {
			return &market.PersistenceError{Op: "settle.tag_order", Err: err}
		}
		tagged++
		if isWinner {
			eligible++
		}
	}

	if err := s.stats.RefreshPollStats(ctx, req.PollID); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.PollsResolved.Inc()
		s.metrics.TradesTagged.Add(float64(tagged))
	}
	s.log.Info().
		Str("poll", req.PollID.String()).
		Int("winning_option", req.WinningOption).
		Int("trades_tagged", tagged).
		Int("trades_eligible", eligible).
		Msg("poll resolved")

	s.sink.PollResolved(ctx, req.PollID, map[string]interface{}{
		"winning_option": req.WinningOption,
		"trades_tagged":  tagged,
	})

	return nil
}

// Claim pays out every eligible unclaimed completed trade the user holds on
// the poll. The mark-claimed flips and the balance credit commit together,
// so a duplicate or concurrent claim pays nothing twice and a crash can
// never leave trades claimed but unpaid. A claim that finds no eligible
// unclaimed trades is a StateError.
func (s *Service) Claim(ctx context.Context, req *market.ClaimRequest) (*market.ClaimResult, error) {
	poll, err := s.st.GetPoll(ctx, req.PollID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &market.NotFoundError{Entity: "poll", ID: req.PollID.String()}
		}
		return nil, &market.PersistenceError{Op: "settle.get_poll", Err: err}
	}
	if !poll.Resolved {
		s.rejectClaim("poll_unresolved")
		return nil, &market.StateError{Reason: "poll is not resolved"}
	}

	total, paid, err := s.ledger.ClaimPayouts(ctx, req.PollID, req.UserID)
	if err != nil {
		return nil, err
	}
	if paid == 0 {
		s.rejectClaim("nothing_to_claim")
		return nil, &market.StateError{Reason: "no eligible rewards to claim"}
	}

	if s.metrics != nil {
		s.metrics.ClaimsPaid.Inc()
		s.metrics.PayoutVolume.Add(float64(total))
	}
	s.log.Info().
		Str("poll", req.PollID.String()).
		Str("user", req.UserID.String()).
		Int64("amount", total).
		Int("trades", paid).
		Msg("claim paid")

	return &market.ClaimResult{AmountPaid: total, TradesPaid: paid}, nil
}

func (s *Service) rejectClaim(reason string) {
	if s.metrics != nil {
		s.metrics.ClaimsRejected.WithLabelValues(reason).Inc()
	}
}

// CreatePoll registers a new poll with zeroed statistics. Options must be
// at least two.
func (s *Service) CreatePoll(ctx context.Context, title string, optionLabels []string) (*market.Poll, error) {
	if len(optionLabels) < 2 {
		return nil, &market.ValidationError{Field: "options", Reason: "at least two options required"}
	}

	options := make([]market.Option, len(optionLabels))
	for i, label := range optionLabels {
		options[i] = market.Option{Label: label}
	}

	now := time.Now()
	p := &market.Poll{
		ID:        uuid.New(),
		Title:     title,
		Options:   options,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.st.InsertPoll(ctx, p); err != nil {
		return nil, &market.PersistenceError{Op: "settle.insert_poll", Err: err}
	}

	s.log.Info().Str("poll", p.ID.String()).Int("options", len(options)).Msg("poll created")
	return p, nil
}
