package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/metrics"
)

func (h *Handler) listRevoked(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"revoked": kr.Trust().List()})
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	fpr := chi.URLParam(r, "fingerprint")
	err := kr.PseudoRevoke(r.Context(), fpr)
	metrics.ObserveOp("pseudo_revoke", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unrevoke(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	fpr := chi.URLParam(r, "fingerprint")
	err := kr.PseudoUnrevoke(r.Context(), fpr)
	metrics.ObserveOp("pseudo_unrevoke", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
