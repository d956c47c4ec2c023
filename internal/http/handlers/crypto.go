package handlers

import (
	"net/http"

	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/metrics"
)

func (h *Handler) encrypt(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		Data       string   `json:"data"`
		Recipients []string `json:"recipients"` // fingerprints
		Addresses  []string `json:"addresses"`  // emails, resueltos contra el keyring
		Sign       bool     `json:"sign"`
		Passphrase string   `json:"passphrase"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	if body.Data == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_data", "data es requerido", 2424)
		return
	}
	armored, err := kr.Encrypt(r.Context(), keyring.EncryptOptions{
		Data:           []byte(body.Data),
		RecipientFprs:  body.Recipients,
		RecipientAddrs: body.Addresses,
		Sign:           body.Sign,
		Unlock:         h.unlocker(body.Passphrase),
	})
	metrics.ObserveOp("encrypt", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"armored": armored})
}

func (h *Handler) decrypt(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		Armored            string `json:"armored"`
		Passphrase         string `json:"passphrase"`
		RememberPassphrase bool   `json:"rememberPassphrase"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	if body.Armored == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_armored", "armored es requerido", 2425)
		return
	}

	// anotamos qué clave destrabó para cachear la passphrase recién cuando
	// la operación terminó bien
	var unlockedFpr string
	unlock := trackUnlock(h.unlocker(body.Passphrase), &unlockedFpr)
	res, err := kr.Decrypt(r.Context(), body.Armored, unlock)
	metrics.ObserveOp("decrypt", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if body.RememberPassphrase && body.Passphrase != "" && unlockedFpr != "" {
		h.Pass.Put(unlockedFpr, []byte(body.Passphrase))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       string(res.Data),
		"signatures": res.Signatures,
	})
}

func (h *Handler) sign(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		Data       string `json:"data"`
		Passphrase string `json:"passphrase"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	if body.Data == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_data", "data es requerido", 2424)
		return
	}
	armored, err := kr.Sign(r.Context(), []byte(body.Data), h.unlocker(body.Passphrase))
	metrics.ObserveOp("sign", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"armored": armored})
}
