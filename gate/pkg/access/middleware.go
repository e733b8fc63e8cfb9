package access

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/malbeclabs/stakegate/gate/pkg/identity"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
	"github.com/malbeclabs/stakegate/gate/pkg/tracking"
)

const (
	HeaderAccessTier         = "X-Access-Tier"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderWalletVerified     = "X-Wallet-Verified"
	HeaderPaymentVerified    = "X-Payment-Verified"
)

// ErrorResponse is the body of 401 and 403 denials. Error is the human-readable text clients
// match on; Code is the outcome.
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Required string `json:"required,omitempty"`
	Current  string `json:"current,omitempty"`
}

// RateLimitedResponse is the body of a 429. When the endpoint accepts payment it also carries
// the x402 payment options.
type RateLimitedResponse struct {
	Error       string           `json:"error"`
	Message     string           `json:"message"`
	ResetIn     int              `json:"resetIn"`
	Limit       int              `json:"limit"`
	X402Version int              `json:"x402Version,omitempty"`
	Accepts     []payment.Accept `json:"accepts,omitempty"`
}

// Middleware gates the wrapped handler. Mount it per route (chi's With or inside a Route group)
// so the route pattern is known when it runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.cfg.Clock.Now()
		endpoint := routePattern(r)

		d := g.Evaluate(r.Context(), Request{
			Identity: identity.FromRequest(r),
			Endpoint: endpoint,
			Resource: r.URL.Path,
		})

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if d.Allowed() {
			writeAllowHeaders(ww, d)
			next.ServeHTTP(ww, r.WithContext(WithDecision(r.Context(), d)))
		} else {
			writeDenial(ww, d)
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		g.track(r, endpoint, d, status, g.cfg.Clock.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// track hands the call to the tracker once the response is rendered. A panicking tracker is
// logged and swallowed.
func (g *Gate) track(r *http.Request, endpoint string, d Decision, status int, latency time.Duration) {
	if g.cfg.Tracker == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			TrackingPanicsTotal.Inc()
			g.log.Error("access: call tracking panicked", "endpoint", endpoint, "panic", rec)
		}
	}()

	c := tracking.Call{
		Method:       r.Method,
		Endpoint:     endpoint,
		IdentityKind: string(d.Identity.Kind()),
		Identity:     d.Identity.Value(),
		Tier:         d.Tier.Tier.String(),
		Status:       status,
		Outcome:      string(d.Outcome),
		Latency:      latency,
		IP:           d.Identity.IP,
	}
	if d.Via == ViaPayment || d.Outcome == OutcomePaymentInvalid {
		c.PaymentTxHash = d.Identity.PaymentTxHash
	}
	g.cfg.Tracker.Record(c)
}

func writeAllowHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set(HeaderAccessTier, d.Tier.Tier.String())
	if d.Metered {
		writeRateLimitHeaders(w, d)
	}
	switch d.Via {
	case ViaWallet:
		h.Set(HeaderWalletVerified, "true")
	case ViaPayment:
		h.Set(HeaderPaymentVerified, "true")
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	res := d.RateLimit
	if res.Unlimited() {
		return
	}
	h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderRateLimitReset, strconv.Itoa(res.ResetInSeconds()))
}

func writeDenial(w http.ResponseWriter, d Decision) {
	switch d.Outcome {
	case OutcomeUnauthenticated:
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error: "Wallet authentication required",
			Code:  string(OutcomeUnauthenticated),
		})

	case OutcomeInsufficientTier:
		w.Header().Set(HeaderAccessTier, d.Tier.Tier.String())
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:    "Insufficient tier",
			Code:     string(OutcomeInsufficientTier),
			Required: d.Policy.MinTier.String(),
			Current:  d.Tier.Tier.String(),
		})

	case OutcomeRateLimited:
		w.Header().Set(HeaderAccessTier, d.Tier.Tier.String())
		writeRateLimitHeaders(w, d)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter(d)))
		body := RateLimitedResponse{
			Error:   string(OutcomeRateLimited),
			Message: "Rate limit exceeded",
			ResetIn: d.RateLimit.ResetInSeconds(),
			Limit:   d.RateLimit.Limit,
		}
		if d.Challenge != nil {
			body.X402Version = d.Challenge.X402Version
			body.Accepts = d.Challenge.Accepts
		}
		writeJSON(w, http.StatusTooManyRequests, body)

	case OutcomePaymentRequired:
		ch := *d.Challenge
		switch ch.Reason {
		case string(OutcomeRateLimited):
			ch.Message = "Rate limit exceeded; pay per call to continue"
			writeRateLimitHeaders(w, d)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter(d)))
		case string(OutcomeInsufficientTier):
			ch.Message = fmt.Sprintf("Endpoint requires %s tier, current tier is %s; pay per call to continue",
				d.Policy.MinTier, d.Tier.Tier)
		default:
			ch.Message = "Payment required"
		}
		writeJSON(w, http.StatusPaymentRequired, ch)

	case OutcomePaymentInvalid:
		ch := *d.Challenge
		ch.Message = "Payment proof rejected"
		if d.PaymentErr != nil {
			ch.Message += ": " + d.PaymentErr.Error()
		}
		writeJSON(w, http.StatusPaymentRequired, ch)

	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Internal server error",
			Code:  "internal_error",
		})
	}
}

// retryAfter is the time to reset in whole seconds, at least 1.
func retryAfter(d Decision) int {
	if s := d.RateLimit.ResetInSeconds(); s > 0 {
		return s
	}
	return 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
