package ingestion

import (
	"context"
	"encoding/json"
	"time"

	"pollmarket/internal/market"
	"pollmarket/internal/query"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Query subjects, served over core NATS request-reply. Reads never mutate
// state, so they bypass JetStream: no redelivery, no durable consumers.
const (
	SubjectQueryPoll      = "market.queries.poll"
	SubjectQueryUser      = "market.queries.user"
	SubjectQueryOrderBook = "market.queries.orderbook"
	SubjectQueryTrades    = "market.queries.trades"
	SubjectQueryOrders    = "market.queries.orders"
	SubjectQueryClaimed   = "market.queries.claimed"
)

const queryTimeout = 5 * time.Second

// QueryResponder serves the read models over NATS request-reply.
type QueryResponder struct {
	nc   *nats.Conn
	svc  *query.Service
	subs []*nats.Subscription
	log  zerolog.Logger
}

func NewQueryResponder(nc *nats.Conn, svc *query.Service, log zerolog.Logger) *QueryResponder {
	return &QueryResponder{
		nc:  nc,
		svc: svc,
		log: log,
	}
}

type queryResponse struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

type pollQuery struct {
	PollID uuid.UUID `json:"poll_id"`
}

type userQuery struct {
	UserID uuid.UUID `json:"user_id"`
}

type orderBookQuery struct {
	PollID      uuid.UUID `json:"poll_id"`
	OptionIndex int       `json:"option_index"`
	Depth       int       `json:"depth"`
}

type tradesQuery struct {
	PollID uuid.UUID `json:"poll_id"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
}

type ordersQuery struct {
	UserID uuid.UUID `json:"user_id"`
	Status string    `json:"status"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
}

type claimedQuery struct {
	PollID uuid.UUID `json:"poll_id"`
	UserID uuid.UUID `json:"user_id"`
}

type pagedResult struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}

// Start subscribes to all query subjects.
func (qr *QueryResponder) Start() error {
	handlers := map[string]func(context.Context, []byte) (interface{}, error){
		SubjectQueryPoll:      qr.handlePoll,
		SubjectQueryUser:      qr.handleUser,
		SubjectQueryOrderBook: qr.handleOrderBook,
		SubjectQueryTrades:    qr.handleTrades,
		SubjectQueryOrders:    qr.handleOrders,
		SubjectQueryClaimed:   qr.handleClaimed,
	}

	for subject, handler := range handlers {
		handler := handler
		sub, err := qr.nc.Subscribe(subject, func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
			defer cancel()

			data, err := handler(ctx, msg.Data)
			resp := queryResponse{OK: err == nil, Data: data}
			if err != nil {
				resp.Error = err.Error()
			}

			out, merr := json.Marshal(resp)
			if merr != nil {
				qr.log.Error().Err(merr).Str("subject", msg.Subject).Msg("encode query response")
				return
			}
			if rerr := msg.Respond(out); rerr != nil {
				qr.log.Warn().Err(rerr).Str("subject", msg.Subject).Msg("query reply dropped")
			}
		})
		if err != nil {
			return err
		}
		qr.subs = append(qr.subs, sub)
		qr.log.Info().Str("subject", subject).Msg("query responder subscribed")
	}

	return nil
}

// Stop unsubscribes all query subjects.
func (qr *QueryResponder) Stop() {
	for _, sub := range qr.subs {
		sub.Unsubscribe()
	}
	qr.log.Info().Msg("query responder stopped")
}

func (qr *QueryResponder) handlePoll(ctx context.Context, data []byte) (interface{}, error) {
	var req pollQuery
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &market.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return qr.svc.Poll(ctx, req.PollID)
}

func (qr *QueryResponder) handleUser(ctx context.Context, data []byte) (interface{}, error) {
	var req userQuery
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &market.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return qr.svc.User(ctx, req.UserID)
}

func (qr *QueryResponder) handleOrderBook(ctx context.Context, data []byte) (interface{}, error) {
	var req orderBookQuery
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &market.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return qr.svc.OrderBook(ctx, req.PollID, req.OptionIndex, req.Depth)
}

func (qr *QueryResponder) handleTrades(ctx context.Context, data []byte) (interface{}, error) {
	var req tradesQuery
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &market.ValidationError{Field: "payload", Reason: err.Error()}
	}
	fills, total, err := qr.svc.TradeHistory(ctx, req.PollID, market.Page{Offset: req.Offset, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return pagedResult{Items: fills, Total: total}, nil
}

func (qr *QueryResponder) handleOrders(ctx context.Context, data []byte) (interface{}, error) {
	var req ordersQuery
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &market.ValidationError{Field: "payload", Reason: err.Error()}
	}

	var status *market.Status
	if req.Status != "" {
		s := market.Status(req.Status)
		switch s {
		case market.StatusPending, market.StatusCompleted, market.StatusCancelled, market.StatusFailed:
			status = &s
		default:
			return nil, &market.ValidationError{Field: "status", Reason: "unknown status"}
		}
	}

	orders, total, err := qr.svc.UserOrders(ctx, req.UserID, status, market.Page{Offset: req.Offset, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return pagedResult{Items: orders, Total: total}, nil
}

func (qr *QueryResponder) handleClaimed(ctx context.Context, data []byte) (interface{}, error) {
	var req claimedQuery
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &market.ValidationError{Field: "payload", Reason: err.Error()}
	}
	claimed, err := qr.svc.HasClaimed(ctx, req.PollID, req.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"claimed": claimed}, nil
}
