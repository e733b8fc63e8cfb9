package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
)

type PaymentStatusResponse struct {
	TxHash      string               `json:"txHash"`
	Consumed    bool                 `json:"consumed"`
	Consumption *payment.Consumption `json:"consumption,omitempty"`
}

// GetPaymentStatus reports whether a payment proof has been used. It never consumes the hash.
func (h *Handlers) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Payments == nil {
		writeError(w, http.StatusNotFound, "payments_disabled", "Pay-per-call is not enabled")
		return
	}

	hash := chi.URLParam(r, "txHash")
	c, consumed, err := h.cfg.Payments.Status(r.Context(), hash)
	switch {
	case errors.Is(err, payment.ErrInvalidTxHash):
		writeError(w, http.StatusBadRequest, "invalid_tx_hash", "Invalid transaction hash")
		return
	case err != nil:
		h.log.Warn("handlers: payment status lookup failed", "tx_hash", hash, "error", err)
		writeError(w, http.StatusServiceUnavailable, "payments_unavailable", "Payment store is temporarily unavailable")
		return
	}

	resp := PaymentStatusResponse{TxHash: hash, Consumed: consumed}
	if consumed {
		resp.TxHash = c.TxHash
		resp.Consumption = &c
	}
	writeJSON(w, http.StatusOK, resp)
}
