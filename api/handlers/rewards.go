package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/api/metrics"
	"github.com/malbeclabs/stakegate/gate/pkg/identity"
	"github.com/malbeclabs/stakegate/staking/pkg/fixedpoint"
	"github.com/malbeclabs/stakegate/staking/pkg/ledger"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
)

type PendingRewardEntry struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type RewardsResponse struct {
	Wallet             string               `json:"wallet"`
	TotalWeightedStake string               `json:"totalWeightedStake"`
	PoolWeightedStake  string               `json:"poolWeightedStake"`
	Rewards            []PendingRewardEntry `json:"rewards"`
	AsOf               time.Time            `json:"asOf"`
}

// walletParam normalizes the {wallet} path parameter, writing a 400 when it is not an address.
func walletParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	wallet, ok := identity.NormalizeWallet(chi.URLParam(r, "wallet"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_wallet", "Invalid wallet address")
	}
	return wallet, ok
}

func (h *Handlers) writeLedgerError(w http.ResponseWriter, wallet string, err error) {
	if errors.Is(err, ledger.ErrUnsupportedAddress) {
		writeError(w, http.StatusBadRequest, "unsupported_wallet", "No ledger is configured for this wallet's chain")
		return
	}
	h.log.Warn("handlers: ledger read failed", "wallet", wallet, "error", err)
	writeError(w, http.StatusServiceUnavailable, "ledger_unavailable", "Staking ledger is temporarily unavailable")
}

// GetPendingRewards returns the wallet's claimable amount of every reward token, computed from
// one consistent read of the pool snapshot and the account.
func (h *Handlers) GetPendingRewards(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r)
	if !ok {
		return
	}

	start := time.Now()
	snapshot, account, err := h.cfg.Ledger.GetRewardState(r.Context(), wallet)
	metrics.RecordLedgerRead("reward_state", time.Since(start), err)
	if err != nil {
		h.writeLedgerError(w, wallet, err)
		return
	}

	pending, err := rewards.ComputeAllPending(account, snapshot)
	if err != nil {
		h.log.Error("handlers: failed to compute pending rewards", "wallet", wallet, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to compute pending rewards")
		return
	}

	resp := RewardsResponse{
		Wallet:             wallet,
		TotalWeightedStake: decOrZero(account.TotalWeightedStake),
		PoolWeightedStake:  decOrZero(snapshot.TotalWeightedStake),
		Rewards:            make([]PendingRewardEntry, 0, len(pending)),
		AsOf:               h.cfg.Clock.Now().UTC(),
	}
	for _, p := range pending {
		resp.Rewards = append(resp.Rewards, PendingRewardEntry{Token: string(p.Token), Amount: p.Amount.Dec()})
	}
	writeJSON(w, http.StatusOK, resp)
}

type PositionEntry struct {
	ID                   uint64    `json:"id"`
	Amount               string    `json:"amount"`
	AmountTokens         string    `json:"amountTokens"`
	WeightedAmount       string    `json:"weightedAmount"`
	LockTier             int       `json:"lockTier"`
	Multiplier           string    `json:"multiplier,omitempty"`
	StakedAt             time.Time `json:"stakedAt"`
	UnlockAt             time.Time `json:"unlockAt"`
	Unlocked             bool      `json:"unlocked"`
	LockSecondsRemaining int64     `json:"lockSecondsRemaining"`
	Active               bool      `json:"active"`
}

type PositionsResponse struct {
	Wallet         string          `json:"wallet"`
	Positions      []PositionEntry `json:"positions"`
	ActiveWeighted string          `json:"activeWeighted"`
}

// GetStakePositions lists the wallet's positions with their unlock status.
func (h *Handlers) GetStakePositions(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r)
	if !ok {
		return
	}

	start := time.Now()
	positions, err := h.cfg.Ledger.GetStakePositions(r.Context(), wallet)
	metrics.RecordLedgerRead("positions", time.Since(start), err)
	if err != nil {
		h.writeLedgerError(w, wallet, err)
		return
	}

	weighted, err := rewards.SumWeighted(positions)
	if err != nil {
		h.log.Error("handlers: failed to sum weighted stake", "wallet", wallet, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to sum positions")
		return
	}

	now := h.cfg.Clock.Now()
	resp := PositionsResponse{
		Wallet:         wallet,
		Positions:      make([]PositionEntry, 0, len(positions)),
		ActiveWeighted: weighted.Dec(),
	}
	for _, p := range positions {
		entry := PositionEntry{
			ID:                   p.ID,
			Amount:               decOrZero(p.Amount),
			AmountTokens:         fixedpoint.ToTokens(orZero(p.Amount), h.cfg.Decimals).String(),
			WeightedAmount:       decOrZero(p.WeightedAmount),
			LockTier:             p.LockTierIndex,
			StakedAt:             p.StakedAt.UTC(),
			UnlockAt:             p.UnlockAt.UTC(),
			Unlocked:             rewards.IsUnlocked(p, now),
			LockSecondsRemaining: ceilSeconds(rewards.TimeRemaining(p, now)),
			Active:               p.Active,
		}
		if lt, err := h.cfg.LockTiers.Tier(p.LockTierIndex); err == nil {
			entry.Multiplier = lt.Multiplier.String()
		}
		resp.Positions = append(resp.Positions, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func decOrZero(v *uint256.Int) string {
	return orZero(v).Dec()
}
