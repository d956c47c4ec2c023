package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/metrics"
)

func (h *Handler) listKeyrings(w http.ResponseWriter, r *http.Request) {
	items, err := h.Manager.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"keyrings": items})
}

func (h *Handler) createKeyring(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string `json:"id"`
		Backend string `json:"backend"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	kr, err := h.Manager.Create(r.Context(), strings.TrimSpace(body.ID), strings.TrimSpace(body.Backend))
	metrics.ObserveOp("create_keyring", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	info, err := kr.Info(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, info)
}

func (h *Handler) keyringInfo(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	info, err := kr.Info(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, info)
}

func (h *Handler) deleteKeyring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "keyringID")
	err := h.Manager.Delete(r.Context(), id)
	metrics.ObserveOp("delete_keyring", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
