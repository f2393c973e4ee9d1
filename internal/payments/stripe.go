package payments

import (
	"context"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// Gateway authorizes, captures and refunds ride payments. The dispatch core
// only records the status strings that come out of these calls.
type Gateway interface {
	// Hold authorizes amount without capturing it. rideID is attached as
	// metadata so the intent can be traced back to the ride.
	Hold(ctx context.Context, amount decimal.Decimal, currency, rideID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	// Refund cancels an uncaptured hold or refunds a captured payment.
	Refund(ctx context.Context, paymentIntentID string, captured bool) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	intents *paymentintent.Client
	refunds *refund.Client
}

// NewStripeClient uses the default API backend.
func NewStripeClient(key string) *StripeClient {
	return NewStripeClientWithBackend(key, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeClientWithBackend(key string, b stripe.Backend) *StripeClient {
	return &StripeClient{
		intents: &paymentintent.Client{B: b, Key: key},
		refunds: &refund.Client{B: b, Key: key},
	}
}

// ToMinorUnits converts a fare to cents, rounding half up.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount decimal.Decimal, currency, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToMinorUnits(amount)),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if rideID != "" {
		params.AddMetadata("ride_id", rideID)
	}
	pi, err := s.intents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.intents.Capture(paymentIntentID, params)
	return err
}

func (s *StripeClient) Refund(ctx context.Context, paymentIntentID string, captured bool) error {
	if !captured {
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		_, err := s.intents.Cancel(paymentIntentID, params)
		return err
	}
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	_, err := s.refunds.New(params)
	return err
}
