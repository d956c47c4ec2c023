package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/metrics"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

// keyDetails es la vista JSON de una clave. Nunca incluye material privado.
type keyDetails struct {
	Fingerprint string       `json:"fingerprint"`
	KeyID       string       `json:"keyId"`
	Kind        pgp.Kind     `json:"kind"`
	UserIDs     []pgp.UserID `json:"userIds"`
	Algorithm   string       `json:"algorithm"`
	BitLength   int          `json:"bitLength,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
	Valid       bool         `json:"valid"`
	CanEncrypt  bool         `json:"canEncrypt"`
	CanSign     bool         `json:"canSign"`
}

func detailsOf(k *pgp.Key, now time.Time) keyDetails {
	d := keyDetails{
		Fingerprint: k.Fingerprint(),
		KeyID:       k.KeyID(),
		Kind:        k.Kind(),
		UserIDs:     k.UserIDs(),
		Algorithm:   k.Algorithm(),
		BitLength:   k.BitLength(),
		CreatedAt:   k.CreatedAt().UTC(),
		Valid:       k.IsValid(now),
		CanEncrypt:  k.CanEncrypt(now),
		CanSign:     k.CanSign(now),
	}
	if exp, ok := k.ExpiresAt(); ok {
		e := exp.UTC()
		d.ExpiresAt = &e
	}
	return d
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	now := time.Now()
	keys := kr.Keys()
	if id := strings.TrimSpace(r.URL.Query().Get("keyId")); id != "" {
		keys = kr.KeysByID(id)
	}
	out := make([]keyDetails, 0, len(keys))
	for _, k := range keys {
		out = append(out, detailsOf(k, now))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (h *Handler) importKeys(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var cands []keyring.ImportCandidate
	if !httpx.ReadJSON(w, r, &cands) {
		return
	}
	if len(cands) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "empty_batch", "no hay candidatos para importar", 2420)
		return
	}
	results, err := kr.Import(r.Context(), cands)
	metrics.ObserveOp("import", err)
	for _, res := range results {
		if res.Kind == "" {
			continue // entrada agregada de conteo de fallas
		}
		metrics.KeysImported.WithLabelValues(string(res.Kind), res.Status).Inc()
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) generateKey(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		UserIDs    []pgp.UserID `json:"userIds"`
		Algorithm  string       `json:"algorithm"`
		RSABits    int          `json:"rsaBits"`
		ExpireDays int          `json:"expireDays"`
		Passphrase string       `json:"passphrase"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	if len(body.UserIDs) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "missing_user_ids", "al menos un user id es requerido", 2421)
		return
	}
	req := backend.GenerateRequest{
		UserIDs:   body.UserIDs,
		Algorithm: body.Algorithm,
		RSABits:   body.RSABits,
	}
	if body.ExpireDays > 0 {
		req.Lifetime = time.Duration(body.ExpireDays) * 24 * time.Hour
	}
	if body.Passphrase != "" {
		req.Passphrase = []byte(body.Passphrase)
	}
	k, err := kr.Generate(r.Context(), req)
	metrics.ObserveOp("generate", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if body.Passphrase != "" {
		h.Pass.Put(k.Fingerprint(), []byte(body.Passphrase))
	}
	httpx.WriteJSON(w, http.StatusCreated, detailsOf(k, time.Now()))
}

func (h *Handler) exportKey(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	fpr := strings.ToLower(chi.URLParam(r, "fingerprint"))
	k := kr.Key(fpr)
	if k == nil {
		writeDomainError(w, keyring.ErrKeyNotFound)
		return
	}
	// siempre la proyección pública; el material privado solo sale por backup
	pub := k
	if k.IsPrivate() {
		var err error
		pub, err = k.Public()
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	armored, err := pub.Armored()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"fingerprint": k.Fingerprint(),
		"armored":     armored,
	})
}

func (h *Handler) removeKey(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	fpr := chi.URLParam(r, "fingerprint")
	kind := pgp.Kind(r.URL.Query().Get("kind"))
	switch kind {
	case pgp.KindPublic, pgp.KindPrivate:
	default:
		httpx.WriteError(w, http.StatusBadRequest, "invalid_kind", "kind debe ser public o private", 2423)
		return
	}
	err := kr.Remove(r.Context(), fpr, kind)
	metrics.ObserveOp("remove", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Pass.Delete(strings.ToLower(fpr))
	w.WriteHeader(http.StatusNoContent)
}
