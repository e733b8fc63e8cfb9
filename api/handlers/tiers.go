package handlers

import (
	"net/http"

	"github.com/malbeclabs/stakegate/gate/pkg/identity"
	"github.com/malbeclabs/stakegate/gate/pkg/tier"
	"github.com/malbeclabs/stakegate/staking/pkg/fixedpoint"
)

// TierEntry is one access tier. RateLimit is -1 when unlimited.
type TierEntry struct {
	Tier           string `json:"tier"`
	MinStake       string `json:"minStake"`
	MinStakeTokens string `json:"minStakeTokens"`
	RateLimit      int    `json:"rateLimit"`
}

type LockTierEntry struct {
	Index           int    `json:"index"`
	DurationSeconds int64  `json:"durationSeconds"`
	Multiplier      string `json:"multiplier"`
}

type PaymentInfo struct {
	Network  string `json:"network"`
	PayTo    string `json:"payTo"`
	Asset    string `json:"asset,omitempty"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type TiersResponse struct {
	WindowSeconds int             `json:"windowSeconds"`
	Tiers         []TierEntry     `json:"tiers"`
	LockTiers     []LockTierEntry `json:"lockTiers"`
	Payment       *PaymentInfo    `json:"payment,omitempty"`
}

// GetTiers returns the public tier table.
func (h *Handlers) GetTiers(w http.ResponseWriter, r *http.Request) {
	policy := h.cfg.Resolver.Policy()
	resp := TiersResponse{
		WindowSeconds: int(h.cfg.Quota.Window().Seconds()),
		Tiers:         make([]TierEntry, 0, len(tier.All())),
		LockTiers:     make([]LockTierEntry, 0, h.cfg.LockTiers.Len()),
	}
	for _, t := range tier.All() {
		min := policy.Threshold(t)
		resp.Tiers = append(resp.Tiers, TierEntry{
			Tier:           t.String(),
			MinStake:       min.Dec(),
			MinStakeTokens: fixedpoint.ToTokens(min, h.cfg.Decimals).String(),
			RateLimit:      policy.Ceiling(t),
		})
	}
	for _, lt := range h.cfg.LockTiers.Tiers() {
		resp.LockTiers = append(resp.LockTiers, LockTierEntry{
			Index:           lt.Index,
			DurationSeconds: lt.DurationSeconds(),
			Multiplier:      lt.Multiplier.String(),
		})
	}
	if h.cfg.Payments != nil {
		req := h.cfg.Payments.Requirements()
		resp.Payment = &PaymentInfo{
			Network:  req.Network,
			PayTo:    req.PayTo,
			Asset:    req.Asset,
			Currency: req.Currency,
			Amount:   fixedpoint.ToTokens(req.Amount, req.Decimals).String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type WalletTierResponse struct {
	Wallet      string `json:"wallet"`
	Tier        string `json:"tier"`
	Stake       string `json:"stake"`
	StakeTokens string `json:"stakeTokens"`
	RateLimit   int    `json:"rateLimit"`
	// Degraded is set when the ledger could not be read and FREE was assumed.
	Degraded        bool   `json:"degraded,omitempty"`
	NextTier        string `json:"nextTier,omitempty"`
	NextMinStake    string `json:"nextMinStake,omitempty"`
	StakeToNextTier string `json:"stakeToNextTier,omitempty"`
}

// GetTier resolves the tier of the wallet in the path.
func (h *Handlers) GetTier(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r)
	if !ok {
		return
	}

	info := h.cfg.Resolver.Resolve(r.Context(), wallet)
	resp := WalletTierResponse{
		Wallet:      wallet,
		Tier:        info.Tier.String(),
		Stake:       info.Stake.Dec(),
		StakeTokens: fixedpoint.ToTokens(info.Stake, h.cfg.Decimals).String(),
		RateLimit:   info.RateLimit,
		Degraded:    info.Degraded,
	}
	if info.Tier < tier.Elite && !info.Degraded {
		next := info.Tier + 1
		threshold := h.cfg.Resolver.Policy().Threshold(next)
		resp.NextTier = next.String()
		resp.NextMinStake = threshold.Dec()
		resp.StakeToNextTier = fixedpoint.SaturatingSub(threshold, info.Stake).Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

type QuotaResponse struct {
	IdentityKind string `json:"identityKind"`
	Identity     string `json:"identity"`
	Tier         string `json:"tier"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	ResetIn      int    `json:"resetIn"`
	Unlimited    bool   `json:"unlimited"`
}

// GetQuota reports the caller's rate-limit standing. It does not consume a request.
func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	id := identity.FromRequest(r)
	policy := h.cfg.Resolver.Policy()

	t := tier.Free
	limit := policy.Ceiling(tier.Free)
	if id.HasWallet() {
		info := h.cfg.Resolver.Resolve(r.Context(), id.Wallet)
		t, limit = info.Tier, info.RateLimit
	}

	res := h.cfg.Quota.Peek(r.Context(), id.RateLimitKey(), limit)
	resp := QuotaResponse{
		IdentityKind: string(id.Kind()),
		Identity:     id.Value(),
		Tier:         t.String(),
		Limit:        res.Limit,
		Remaining:    res.Remaining,
		ResetIn:      res.ResetInSeconds(),
		Unlimited:    res.Unlimited(),
	}
	writeJSON(w, http.StatusOK, resp)
}
