package handlers

import (
	"errors"
	"net/http"

	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/metrics"
)

// syncMessage empaqueta el change log pendiente en un payload cifrado y
// firmado. El transporte hacia los otros dispositivos es problema del
// caller; acá solo se produce el mensaje.
func (h *Handler) syncMessage(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		Passphrase string `json:"passphrase"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	armored, err := kr.SyncOutbound(r.Context(), h.unlocker(body.Passphrase))
	metrics.ObserveOp("sync_outbound", err)
	if err != nil {
		if errors.Is(err, keyring.ErrNoChanges) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeDomainError(w, err)
		return
	}
	metrics.SyncPayloadBytes.Observe(float64(len(armored)))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"armored": armored})
}

// syncMerge aplica el payload de un peer. Falla de firma es fatal: nada se
// aplica parcialmente.
func (h *Handler) syncMerge(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		Armored    string `json:"armored"`
		Passphrase string `json:"passphrase"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	if body.Armored == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_armored", "armored es requerido", 2425)
		return
	}
	metrics.SyncPayloadBytes.Observe(float64(len(body.Armored)))
	report, err := kr.SyncInbound(r.Context(), body.Armored, h.unlocker(body.Passphrase))
	metrics.ObserveOp("sync_inbound", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.SyncMergeActions.WithLabelValues("applied").Add(float64(report.Applied))
	metrics.SyncMergeActions.WithLabelValues("unchanged").Add(float64(report.Unchanged))
	metrics.SyncMergeActions.WithLabelValues("removed").Add(float64(report.Removed))
	metrics.SyncMergeActions.WithLabelValues("skipped").Add(float64(report.Skipped))
	metrics.SyncMergeActions.WithLabelValues("error").Add(float64(len(report.Errors)))
	httpx.WriteJSON(w, http.StatusOK, report)
}
