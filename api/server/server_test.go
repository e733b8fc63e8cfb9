package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/api/handlers"
	"github.com/malbeclabs/stakegate/api/server"
	"github.com/malbeclabs/stakegate/gate/pkg/access"
	"github.com/malbeclabs/stakegate/gate/pkg/ratelimit"
	"github.com/malbeclabs/stakegate/gate/pkg/tier"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
	stakegatetesting "github.com/malbeclabs/stakegate/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x8ba1f109551bd432803012645ac136ddd64dba72"

type stubLedger struct{}

func (stubLedger) GetRewardState(_ context.Context, wallet string) (rewards.LedgerSnapshot, rewards.UserAccount, error) {
	return rewards.LedgerSnapshot{}, rewards.UserAccount{Wallet: wallet}, nil
}

func (stubLedger) GetStakePositions(context.Context, string) ([]rewards.StakePosition, error) {
	panic("positions exploded")
}

type stubResolver struct{ policy tier.Policy }

func (s stubResolver) Resolve(context.Context, string) tier.Info {
	return tier.Info{Tier: tier.Free, Stake: new(uint256.Int), RateLimit: s.policy.Ceiling(tier.Free)}
}

func (s stubResolver) Policy() tier.Policy { return s.policy }

// recordingGate records the route pattern seen by the gate and always allows.
type recordingGate struct {
	mu       sync.Mutex
	patterns []string
}

func (g *recordingGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.patterns = append(g.patterns, chi.RouteContext(r.Context()).RoutePattern())
		g.mu.Unlock()
		if r.URL.Query().Get("written") == "1" {
			w.WriteHeader(http.StatusAccepted)
			panic("after write")
		}
		w.Header().Set(access.HeaderAccessTier, "FREE")
		next.ServeHTTP(w, r)
	})
}

func (g *recordingGate) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.patterns...)
}

func newTestServer(t *testing.T) (*server.Server, *recordingGate) {
	t.Helper()

	log := stakegatetesting.NewLogger()
	policy, err := tier.DefaultPolicy(9)
	require.NoError(t, err)
	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{Logger: log})
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	h, err := handlers.New(handlers.Config{
		Logger:   log,
		Ledger:   stubLedger{},
		Resolver: stubResolver{policy: policy},
		Quota:    limiter,
	})
	require.NoError(t, err)

	gate := &recordingGate{}
	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: "127.0.0.1:0",
		Handlers:   h,
		Gate:       gate,
	})
	require.NoError(t, err)
	return srv, gate
}

func serve(t *testing.T, srv *server.Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStakeGate_Server_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.Config{})
	require.EqualError(t, err, "logger is required")
	_, err = server.New(server.Config{Logger: stakegatetesting.NewLogger()})
	require.EqualError(t, err, "listen addr is required")
	_, err = server.New(server.Config{Logger: stakegatetesting.NewLogger(), ListenAddr: ":0"})
	require.EqualError(t, err, "handlers are required")
}

func TestStakeGate_Server_Routes(t *testing.T) {
	t.Parallel()

	srv, gate := newTestServer(t)

	for _, path := range []string{"/healthz", "/version", "/api/tiers", "/api/quota"} {
		rec := serve(t, srv, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Empty(t, rec.Header().Get(access.HeaderAccessTier), "%s is not gated", path)
	}
	assert.Empty(t, gate.seen())

	rec := serve(t, srv, httptest.NewRequest(http.MethodGet, "/api/tier/"+testWallet, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FREE", rec.Header().Get(access.HeaderAccessTier))

	rec = serve(t, srv, httptest.NewRequest(http.MethodGet, "/api/rewards/"+testWallet, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"/api/tier/{wallet}", "/api/rewards/{wallet}"}, gate.seen(), "the gate sees full route patterns")
}

func TestStakeGate_Server_NotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := serve(t, srv, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not_found"}`, rec.Body.String())

	rec = serve(t, srv, httptest.NewRequest(http.MethodPost, "/api/tiers", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStakeGate_Server_PanicBecomesInternalError(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	rec := serve(t, srv, httptest.NewRequest(http.MethodGet, "/api/staking/"+testWallet+"/positions", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"error": "internal_error"}, body)

	rec = serve(t, srv, httptest.NewRequest(http.MethodGet, "/api/tier/"+testWallet+"?written=1", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, "a started response is left alone")
	assert.Empty(t, rec.Body.String())

	rec = serve(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "server keeps serving")
}

func TestStakeGate_Server_CORS(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/tier/"+testWallet, nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "X-Wallet-Address")
	rec := serve(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.EqualFold(rec.Header().Get("Access-Control-Allow-Headers"), "X-Wallet-Address"))

	req = httptest.NewRequest(http.MethodGet, "/api/tiers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = serve(t, srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), access.HeaderRateLimitRemaining)
}

func TestStakeGate_Server_RunAndShutdown(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
