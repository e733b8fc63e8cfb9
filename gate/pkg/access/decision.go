package access

import (
	"context"
	"net/http"

	"github.com/malbeclabs/stakegate/gate/pkg/identity"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
	"github.com/malbeclabs/stakegate/gate/pkg/ratelimit"
	"github.com/malbeclabs/stakegate/gate/pkg/tier"
)

// Outcome is the terminal result of evaluating a request. Every request gets exactly one.
type Outcome string

const (
	OutcomeAllow            Outcome = "allow"
	OutcomeUnauthenticated  Outcome = "unauthenticated"
	OutcomePaymentRequired  Outcome = "payment_required"
	OutcomePaymentInvalid   Outcome = "payment_invalid"
	OutcomeInsufficientTier Outcome = "insufficient_tier"
	OutcomeRateLimited      Outcome = "rate_limited"
)

// Status is the HTTP status the outcome renders as.
func (o Outcome) Status() int {
	switch o {
	case OutcomeAllow:
		return http.StatusOK
	case OutcomeUnauthenticated:
		return http.StatusUnauthorized
	case OutcomePaymentRequired, OutcomePaymentInvalid:
		return http.StatusPaymentRequired
	case OutcomeInsufficientTier:
		return http.StatusForbidden
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Via names what admitted an allowed request.
type Via string

const (
	ViaPayment Via = "payment"
	ViaWallet  Via = "wallet"
	ViaIP      Via = "ip"
)

// Decision is the gate's verdict on one request.
type Decision struct {
	Outcome  Outcome
	Via      Via
	Identity identity.Identity
	Policy   EndpointPolicy
	Tier     tier.Info
	// Metered reports whether the rate limiter was consulted; RateLimit is zero otherwise.
	Metered   bool
	RateLimit ratelimit.Result
	// Challenge is set whenever the caller may pay instead.
	Challenge *payment.Challenge
	// Transfer is the payment that admitted the request.
	Transfer *payment.Transfer
	// PaymentErr is why a presented payment was rejected.
	PaymentErr error
}

func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

func (d Decision) Status() int {
	return d.Outcome.Status()
}

type decisionKey struct{}

// WithDecision attaches d to ctx for downstream handlers.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the decision that admitted the current request.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}
