package access

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/stakegate/gate/pkg/identity"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
	"github.com/malbeclabs/stakegate/gate/pkg/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(env *testEnv) http.Handler {
	r := chi.NewRouter()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := DecisionFromContext(r.Context())
		if !ok {
			http.Error(w, "no decision", http.StatusInternalServerError)
			return
		}
		env.clock.Advance(25 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"via": string(d.Via), "tier": d.Tier.Tier.String()})
	})
	r.With(env.gate.Middleware).Get("/api/open/{id}", handler)
	r.With(env.gate.Middleware).Get(endpointAuth, handler)
	r.With(env.gate.Middleware).Get(endpointPayable, handler)
	r.With(env.gate.Middleware).Get(endpointBuilder, handler)
	return r
}

func doRequest(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = testIP + ":51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestStakeGate_Access_Middleware_Allow(t *testing.T) {
	t.Parallel()

	t.Run("wallet", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		h := newTestRouter(env)

		rec := doRequest(t, h, "/api/open/1", map[string]string{identity.HeaderWalletAddress: walletPro})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "PRO", rec.Header().Get(HeaderAccessTier))
		assert.Equal(t, "300", rec.Header().Get(HeaderRateLimitLimit))
		assert.Equal(t, "299", rec.Header().Get(HeaderRateLimitRemaining))
		assert.Equal(t, "60", rec.Header().Get(HeaderRateLimitReset))
		assert.Equal(t, "true", rec.Header().Get(HeaderWalletVerified))
		assert.Empty(t, rec.Header().Get(HeaderPaymentVerified))

		body := decodeBody[map[string]string](t, rec)
		assert.Equal(t, "wallet", body["via"])
	})

	t.Run("bearer wallet", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		rec := doRequest(t, newTestRouter(env), "/api/open/1", map[string]string{"Authorization": "Bearer " + walletBuilder + ":sig"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "BUILDER", rec.Header().Get(HeaderAccessTier))
	})

	t.Run("unlimited omits remaining", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		rec := doRequest(t, newTestRouter(env), "/api/open/1", map[string]string{identity.HeaderWalletAddress: walletElite})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ELITE", rec.Header().Get(HeaderAccessTier))
		assert.Empty(t, rec.Header().Get(HeaderRateLimitRemaining))
		assert.Empty(t, rec.Header().Get(HeaderRateLimitLimit))
	})

	t.Run("payment", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		rec := doRequest(t, newTestRouter(env), endpointPayable, map[string]string{identity.HeaderPaymentTxHash: validPayment})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "true", rec.Header().Get(HeaderPaymentVerified))
		assert.Empty(t, rec.Header().Get(HeaderWalletVerified))
		assert.Empty(t, rec.Header().Get(HeaderRateLimitRemaining))
		assert.Equal(t, "FREE", rec.Header().Get(HeaderAccessTier))
	})
}

func TestStakeGate_Access_Middleware_Denials(t *testing.T) {
	t.Parallel()

	t.Run("401", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		rec := doRequest(t, newTestRouter(env), endpointAuth, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		body := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, "Wallet authentication required", body.Error)
		assert.Equal(t, "unauthenticated", body.Code)
	})

	t.Run("403", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		rec := doRequest(t, newTestRouter(env), endpointBuilder, map[string]string{identity.HeaderWalletAddress: walletFree})
		require.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, "Insufficient tier", body.Error)
		assert.Equal(t, "insufficient_tier", body.Code)
		assert.Equal(t, "BUILDER", body.Required)
		assert.Equal(t, "FREE", body.Current)
	})

	t.Run("429", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		h := newTestRouter(env)
		for range 10 {
			require.Equal(t, http.StatusOK, doRequest(t, h, "/api/open/1", nil).Code)
		}
		rec := doRequest(t, h, "/api/open/2", nil)
		require.Equal(t, http.StatusTooManyRequests, rec.Code, "buckets are per caller, not per path")
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		assert.Equal(t, "0", rec.Header().Get(HeaderRateLimitRemaining))
		body := decodeBody[RateLimitedResponse](t, rec)
		assert.Equal(t, "rate_limited", body.Error)
		assert.Equal(t, 60, body.ResetIn)
		assert.Equal(t, 10, body.Limit)
		assert.Empty(t, body.Accepts)
	})

	t.Run("402 challenge", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		h := newTestRouter(env)
		for range 10 {
			require.Equal(t, http.StatusOK, doRequest(t, h, endpointPayable, nil).Code)
		}
		rec := doRequest(t, h, endpointPayable, nil)
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		body := decodeBody[payment.Challenge](t, rec)
		assert.Equal(t, "payment_required", body.Error)
		assert.Equal(t, "rate_limited", body.Reason)
		assert.Equal(t, 60, body.RetryAfter)
		require.Len(t, body.Accepts, 1)
		assert.Equal(t, "0x00000000000000000000000000000000000000aa", body.Accepts[0].PayTo)
		assert.Equal(t, "10000", body.Accepts[0].MaxAmountRequired)
		assert.Equal(t, "USDC", body.Accepts[0].Currency)
		assert.Equal(t, endpointPayable, body.Accepts[0].Resource)
	})

	t.Run("402 payment invalid", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		rec := doRequest(t, newTestRouter(env), endpointPayable, map[string]string{identity.HeaderPaymentTxHash: "0xnope"})
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Empty(t, rec.Header().Get("Retry-After"))
		body := decodeBody[payment.Challenge](t, rec)
		assert.Equal(t, "payment_invalid", body.Error)
		assert.Equal(t, "not_found", body.Reason)
		assert.Contains(t, body.Message, "transaction not found")
	})
}

func TestStakeGate_Access_Middleware_Tracking(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	h := newTestRouter(env)

	doRequest(t, h, "/api/open/7", map[string]string{identity.HeaderWalletAddress: walletPro})
	doRequest(t, h, endpointAuth, nil)
	doRequest(t, h, endpointPayable, map[string]string{identity.HeaderPaymentTxHash: validPayment})

	calls := env.recorder.snapshot()
	require.Len(t, calls, 3)

	assert.Equal(t, "/api/open/{id}", calls[0].Endpoint, "route pattern, not path")
	assert.Equal(t, http.MethodGet, calls[0].Method)
	assert.Equal(t, "wallet", calls[0].IdentityKind)
	assert.Equal(t, walletPro, calls[0].Identity)
	assert.Equal(t, "PRO", calls[0].Tier)
	assert.Equal(t, http.StatusOK, calls[0].Status)
	assert.Equal(t, "allow", calls[0].Outcome)
	assert.Equal(t, 25*time.Millisecond, calls[0].Latency)
	assert.Equal(t, testIP, calls[0].IP)
	assert.Empty(t, calls[0].PaymentTxHash)

	assert.Equal(t, "ip", calls[1].IdentityKind)
	assert.Equal(t, testIP, calls[1].Identity)
	assert.Equal(t, http.StatusUnauthorized, calls[1].Status)
	assert.Equal(t, "unauthenticated", calls[1].Outcome)

	assert.Equal(t, validPayment, calls[2].PaymentTxHash)
	assert.Equal(t, "FREE", calls[2].Tier)
}

func TestStakeGate_Access_Middleware_TrackerPanicDoesNotAlterResponse(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.recorder.recordFunc = func(tracking.Call) { panic("tracker exploded") }
	h := newTestRouter(env)

	rec := doRequest(t, h, "/api/open/1", map[string]string{identity.HeaderWalletAddress: walletPro})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "PRO", rec.Header().Get(HeaderAccessTier))

	rec = doRequest(t, h, endpointAuth, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
