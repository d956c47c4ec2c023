package handlers

import (
	"net/http"
	"strings"
	"time"

	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/metrics"
)

func (h *Handler) getPrimary(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	k, err := kr.PrimaryKey(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, detailsOf(k, time.Now()))
}

func (h *Handler) setPrimary(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		Fingerprint string `json:"fingerprint"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Fingerprint) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_fingerprint", "fingerprint es requerido", 2427)
		return
	}
	err := kr.SetPrimary(r.Context(), body.Fingerprint)
	metrics.ObserveOp("set_primary", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
