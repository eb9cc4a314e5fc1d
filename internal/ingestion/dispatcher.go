package ingestion

import (
	"context"
	"errors"

	"pollmarket/internal/engine"
	"pollmarket/internal/ledger"
	"pollmarket/internal/market"
	"pollmarket/internal/observability"
	"pollmarket/internal/settle"

	"github.com/rs/zerolog"
)

// Dispatcher drains the request channel, parses each payload and invokes
// the engine. Domain rejections (validation, state, authorization, balance,
// not-found) are terminal: the message is ACKed and the rejection logged.
// Persistence failures NAK for redelivery.
type Dispatcher struct {
	engine      *engine.Engine
	settlement  *settle.Service
	ledger      *ledger.Ledger
	requestChan <-chan RawRequest
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func NewDispatcher(eng *engine.Engine, svc *settle.Service, lg *ledger.Ledger, requestChan <-chan RawRequest, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine:      eng,
		settlement:  svc,
		ledger:      lg,
		requestChan: requestChan,
		metrics:     metrics,
		log:         log,
	}
}

// Run processes requests until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-d.requestChan:
			if !ok {
				return
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawRequest) {
	req, err := ParseRequest(raw, raw.Operation)
	if err != nil {
		// Malformed payloads never become parseable on redelivery.
		if d.metrics != nil {
			d.metrics.IntakeParseErrors.WithLabelValues(string(raw.Operation)).Inc()
		}
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable intake payload")
		raw.AckFunc()
		return
	}

	switch r := req.(type) {
	case *market.SubmitRequest:
		_, err = d.engine.Submit(ctx, r)
	case *market.CancelRequest:
		err = d.engine.Cancel(ctx, r)
	case *market.ResolveRequest:
		err = d.settlement.Resolve(ctx, r)
	case *market.ClaimRequest:
		_, err = d.settlement.Claim(ctx, r)
	case *market.DepositRequest:
		err = d.ledger.Deposit(ctx, r.UserID, r.Amount)
	}

	switch {
	case err == nil:
		d.count(raw.Operation, "ok")
		raw.AckFunc()
	case isTerminal(err):
		d.count(raw.Operation, "rejected")
		d.log.Info().Err(err).Str("subject", raw.Subject).Str("operation", string(raw.Operation)).Msg("request rejected")
		raw.AckFunc()
	default:
		d.count(raw.Operation, "retry")
		d.log.Error().Err(err).Str("subject", raw.Subject).Str("operation", string(raw.Operation)).Msg("request failed, redelivering")
		raw.NakFunc()
	}
}

// isTerminal reports whether the error is a domain rejection that no
// redelivery can fix.
func isTerminal(err error) bool {
	var (
		validation   *market.ValidationError
		notFound     *market.NotFoundError
		state        *market.StateError
		auth         *market.AuthorizationError
		insufficient *market.InsufficientBalanceError
	)
	return errors.As(err, &validation) ||
		errors.As(err, &notFound) ||
		errors.As(err, &state) ||
		errors.As(err, &auth) ||
		errors.As(err, &insufficient)
}

func (d *Dispatcher) count(op Operation, outcome string) {
	if d.metrics != nil {
		d.metrics.IntakeRequests.WithLabelValues(string(op), outcome).Inc()
	}
}
