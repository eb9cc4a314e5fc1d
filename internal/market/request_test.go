package market_test

import (
	"errors"
	"testing"

	"pollmarket/internal/fpmath"
	"pollmarket/internal/market"

	"github.com/google/uuid"
)

func validSubmit() *market.SubmitRequest {
	return &market.SubmitRequest{
		PollID:      uuid.New(),
		UserID:      uuid.New(),
		Side:        market.SideBuy,
		OptionIndex: 0,
		Amount:      1_000_000,
		Price:       500_000,
		Kind:        market.KindLimit,
	}
}

// ============================================================================
// Test: SubmitRequest.Validate
// ============================================================================

func TestValidate_OK(t *testing.T) {
	if err := validSubmit().Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*market.SubmitRequest)
	}{
		{"nil poll", func(r *market.SubmitRequest) { r.PollID = uuid.Nil }},
		{"nil user", func(r *market.SubmitRequest) { r.UserID = uuid.Nil }},
		{"bad side", func(r *market.SubmitRequest) { r.Side = "hold" }},
		{"bad kind", func(r *market.SubmitRequest) { r.Kind = "stop" }},
		{"zero amount", func(r *market.SubmitRequest) { r.Amount = 0 }},
		{"negative amount", func(r *market.SubmitRequest) { r.Amount = -1 }},
		{"negative price", func(r *market.SubmitRequest) { r.Price = -1 }},
		{"price above one", func(r *market.SubmitRequest) { r.Price = fpmath.MaxPrice + 1 }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := validSubmit()
			c.mutate(req)
			err := req.Validate()
			var validation *market.ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("want ValidationError, got %v", err)
			}
		})
	}
}

func TestValidate_BoundaryPrices(t *testing.T) {
	req := validSubmit()
	req.Price = 0
	if err := req.Validate(); err != nil {
		t.Errorf("price 0 is valid: %v", err)
	}
	req.Price = fpmath.MaxPrice
	if err := req.Validate(); err != nil {
		t.Errorf("price 1.0 is valid: %v", err)
	}
}

// ============================================================================
// Test: status machine
// ============================================================================

func TestStatus_Transitions(t *testing.T) {
	if !market.StatusPending.CanTransitionTo(market.StatusCompleted) {
		t.Error("pending → completed should be allowed")
	}
	if !market.StatusPending.CanTransitionTo(market.StatusCancelled) {
		t.Error("pending → cancelled should be allowed")
	}
	if market.StatusCompleted.CanTransitionTo(market.StatusCancelled) {
		t.Error("completed is terminal")
	}
	if market.StatusCancelled.CanTransitionTo(market.StatusPending) {
		t.Error("terminal states never revert")
	}
}

func TestSide_Opposite(t *testing.T) {
	if market.SideBuy.Opposite() != market.SideSell || market.SideSell.Opposite() != market.SideBuy {
		t.Error("opposite sides wrong")
	}
}
