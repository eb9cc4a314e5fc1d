package ingestion

import (
	"encoding/json"
	"fmt"

	"pollmarket/internal/market"

	"github.com/google/uuid"
)

// Operation names the engine call a subject carries.
type Operation string

const (
	OpSubmitOrder  Operation = "SubmitOrder"
	OpCancelOrder  Operation = "CancelOrder"
	OpResolvePoll  Operation = "ResolvePoll"
	OpClaimRewards Operation = "ClaimRewards"
	OpDeposit      Operation = "Deposit"
)

// ParseRequest converts a raw intake payload into the typed request for its
// operation. Field names use snake_case to match upstream producers.
func ParseRequest(raw RawRequest, op Operation) (interface{}, error) {
	switch op {
	case OpSubmitOrder:
		return parseSubmitOrder(raw.Data)
	case OpCancelOrder:
		return parseCancelOrder(raw.Data)
	case OpResolvePoll:
		return parseResolvePoll(raw.Data)
	case OpClaimRewards:
		return parseClaimRewards(raw.Data)
	case OpDeposit:
		return parseDeposit(raw.Data)
	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}
}

type submitOrderJSON struct {
	PollID      string `json:"poll_id"`
	UserID      string `json:"user_id"`
	Side        string `json:"side"` // "buy" or "sell"
	OptionIndex int    `json:"option_index"`
	Amount      int64  `json:"amount"`
	Price       int64  `json:"price"`
	OrderType   string `json:"order_type"` // "market" or "limit"
}

func parseSubmitOrder(data []byte) (*market.SubmitRequest, error) {
	var j submitOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SubmitOrder: %w", err)
	}

	pollID, err := uuid.Parse(j.PollID)
	if err != nil {
		return nil, fmt.Errorf("parse poll_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	return &market.SubmitRequest{
		PollID:      pollID,
		UserID:      userID,
		Side:        market.Side(j.Side),
		OptionIndex: j.OptionIndex,
		Amount:      j.Amount,
		Price:       j.Price,
		Kind:        market.OrderKind(j.OrderType),
	}, nil
}

type cancelOrderJSON struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

func parseCancelOrder(data []byte) (*market.CancelRequest, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}

	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	return &market.CancelRequest{OrderID: orderID, RequesterID: userID}, nil
}

type resolvePollJSON struct {
	PollID        string `json:"poll_id"`
	WinningOption int    `json:"winning_option"`
}

func parseResolvePoll(data []byte) (*market.ResolveRequest, error) {
	var j resolvePollJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ResolvePoll: %w", err)
	}

	pollID, err := uuid.Parse(j.PollID)
	if err != nil {
		return nil, fmt.Errorf("parse poll_id: %w", err)
	}

	return &market.ResolveRequest{PollID: pollID, WinningOption: j.WinningOption}, nil
}

type claimRewardsJSON struct {
	PollID string `json:"poll_id"`
	UserID string `json:"user_id"`
}

func parseClaimRewards(data []byte) (*market.ClaimRequest, error) {
	var j claimRewardsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimRewards: %w", err)
	}

	pollID, err := uuid.Parse(j.PollID)
	if err != nil {
		return nil, fmt.Errorf("parse poll_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	return &market.ClaimRequest{PollID: pollID, UserID: userID}, nil
}

type depositJSON struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func parseDeposit(data []byte) (*market.DepositRequest, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}

	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	return &market.DepositRequest{UserID: userID, Amount: j.Amount}, nil
}
