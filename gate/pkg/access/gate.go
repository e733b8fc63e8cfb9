// Package access decides, per request, whether a caller is admitted. It composes the tier
// resolver, the rate limiter and the payment verifier into one decision tree:
//
//   - A payment proof on an endpoint that accepts payment is verified and, if valid, admits the
//     request at FREE regardless of quota. An invalid proof is a 402 payment_invalid.
//   - Without a wallet the caller is anonymous. Endpoints requiring auth answer 401. Endpoints
//     above FREE answer a 402 challenge if they accept payment, else 401. Otherwise the caller is
//     limited by IP at the FREE ceiling; when exhausted the answer is a 402 challenge if the
//     endpoint accepts payment, else 429.
//   - A wallet is resolved to a tier. Below the endpoint minimum the answer is a 402 challenge or
//     403. Otherwise it is limited by wallet at the tier's ceiling; when exhausted the answer is
//     429, carrying a challenge if the endpoint accepts payment.
package access

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/stakegate/gate/pkg/identity"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
	"github.com/malbeclabs/stakegate/gate/pkg/ratelimit"
	"github.com/malbeclabs/stakegate/gate/pkg/tier"
	"github.com/malbeclabs/stakegate/gate/pkg/tracking"
)

type TierResolver interface {
	Resolve(ctx context.Context, wallet string) tier.Info
}

type RateLimiter interface {
	Check(ctx context.Context, key string, limit int) ratelimit.Result
}

type PaymentVerifier interface {
	Verify(ctx context.Context, hash, resource string) (payment.Transfer, error)
	Challenge(resource, header string) payment.Challenge
}

type CallRecorder interface {
	Record(c tracking.Call)
}

type GateConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Resolver TierResolver
	Limiter  RateLimiter
	// Payments is optional; without it no endpoint accepts payment.
	Payments PaymentVerifier
	// Tracker is optional.
	Tracker  CallRecorder
	Policies Policies
}

func (cfg *GateConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.Limiter == nil {
		return errors.New("limiter is required")
	}
	if err := cfg.Policies.Validate(); err != nil {
		return err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Gate struct {
	log *slog.Logger
	cfg GateConfig
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{log: cfg.Logger, cfg: cfg}, nil
}

// Request is the part of an inbound call the decision depends on.
type Request struct {
	Identity identity.Identity
	// Endpoint selects the policy, normally the route pattern.
	Endpoint string
	// Resource is the concrete path, quoted in payment challenges.
	Resource string
}

// Policy returns the policy that applies to endpoint.
func (g *Gate) Policy(endpoint string) EndpointPolicy {
	return g.cfg.Policies.For(endpoint)
}

// Evaluate decides req. It never fails: collaborator errors degrade into one of the outcomes.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	start := g.cfg.Clock.Now()
	d := g.evaluate(ctx, req)

	DecisionsTotal.WithLabelValues(string(d.Outcome), string(d.Via), d.Tier.Tier.String()).Inc()
	DecisionDuration.WithLabelValues(string(d.Outcome)).Observe(g.cfg.Clock.Since(start).Seconds())
	if !d.Allowed() {
		g.log.Debug("access: denied", "endpoint", req.Endpoint, "outcome", d.Outcome,
			"identity", req.Identity.RateLimitKey(), "tier", d.Tier.Tier.String())
	}
	return d
}

func (g *Gate) evaluate(ctx context.Context, req Request) Decision {
	id := req.Identity
	policy := g.Policy(req.Endpoint)
	canPay := policy.AllowPayment && g.cfg.Payments != nil

	d := Decision{Identity: id, Policy: policy}

	if id.HasPayment() && canPay {
		d.Tier = g.cfg.Resolver.Resolve(ctx, "")
		transfer, err := g.cfg.Payments.Verify(ctx, id.PaymentTxHash, req.Resource)
		if err != nil {
			d.Outcome = OutcomePaymentInvalid
			d.PaymentErr = err
			d.Challenge = g.challenge(req.Resource, string(OutcomePaymentInvalid), payment.Reason(err), 0)
			return d
		}
		d.Outcome = OutcomeAllow
		d.Via = ViaPayment
		d.Transfer = &transfer
		return d
	}

	if !id.HasWallet() {
		d.Via = ViaIP
		d.Tier = g.cfg.Resolver.Resolve(ctx, "")
		if policy.RequireAuth {
			d.Outcome = OutcomeUnauthenticated
			return d
		}
		if policy.MinTier > tier.Free {
			if canPay {
				d.Outcome = OutcomePaymentRequired
				d.Challenge = g.challenge(req.Resource, string(OutcomePaymentRequired), string(OutcomeInsufficientTier), 0)
			} else {
				d.Outcome = OutcomeUnauthenticated
			}
			return d
		}
		d.RateLimit = g.cfg.Limiter.Check(ctx, id.RateLimitKey(), d.Tier.RateLimit)
		d.Metered = true
		switch {
		case d.RateLimit.Allowed:
			d.Outcome = OutcomeAllow
		case canPay:
			d.Outcome = OutcomePaymentRequired
			d.Challenge = g.challenge(req.Resource, string(OutcomePaymentRequired), string(OutcomeRateLimited), d.RateLimit.ResetInSeconds())
		default:
			d.Outcome = OutcomeRateLimited
		}
		return d
	}

	d.Via = ViaWallet
	d.Tier = g.cfg.Resolver.Resolve(ctx, id.Wallet)
	if !d.Tier.Tier.AtLeast(policy.MinTier) {
		if canPay {
			d.Outcome = OutcomePaymentRequired
			d.Challenge = g.challenge(req.Resource, string(OutcomePaymentRequired), string(OutcomeInsufficientTier), 0)
		} else {
			d.Outcome = OutcomeInsufficientTier
		}
		return d
	}

	d.RateLimit = g.cfg.Limiter.Check(ctx, id.RateLimitKey(), d.Tier.RateLimit)
	d.Metered = true
	if d.RateLimit.Allowed {
		d.Outcome = OutcomeAllow
		return d
	}
	d.Outcome = OutcomeRateLimited
	if canPay {
		d.Challenge = g.challenge(req.Resource, string(OutcomeRateLimited), string(OutcomeRateLimited), d.RateLimit.ResetInSeconds())
	}
	return d
}

func (g *Gate) challenge(resource, code, reason string, retryAfter int) *payment.Challenge {
	ch := g.cfg.Payments.Challenge(resource, identity.HeaderPaymentTxHash)
	ch.Error = code
	ch.Reason = reason
	ch.RetryAfter = retryAfter
	return &ch
}
