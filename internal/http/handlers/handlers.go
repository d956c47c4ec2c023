// Package handlers expone las operaciones de keyring por REST. Cada handler
// traduce request/response y delega la política al keyring; acá no vive
// lógica de dominio, solo mapeo de errores, passphrases y DTOs.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/backup"
	"github.com/dropDatabas3/ringkeeper/internal/email"
	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/passcache"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
)

// Handler agrupa las dependencias de la API de keyrings.
type Handler struct {
	Manager *keyring.Manager
	Pass    *passcache.Cache
	// Mail es opcional: nil desactiva el envío de hojas de recuperación.
	Mail email.Sender
	// SendBackups habilita el mail de backup cuando el request trae email.
	SendBackups bool
}

func New(m *keyring.Manager, pc *passcache.Cache) *Handler {
	return &Handler{Manager: m, Pass: pc}
}

// Register monta las rutas bajo /v1. Cumple httpx.RouteRegistrar.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1/keyrings", func(r chi.Router) {
		r.Get("/", h.listKeyrings)
		r.Post("/", h.createKeyring)

		r.Route("/{keyringID}", func(r chi.Router) {
			r.Get("/", h.keyringInfo)
			r.Delete("/", h.deleteKeyring)

			r.Get("/keys", h.listKeys)
			r.Post("/keys/import", h.importKeys)
			r.Post("/keys/generate", h.generateKey)
			r.Get("/keys/{fingerprint}", h.exportKey)
			r.Delete("/keys/{fingerprint}", h.removeKey)

			r.Get("/primary", h.getPrimary)
			r.Put("/primary", h.setPrimary)

			r.Post("/encrypt", h.encrypt)
			r.Post("/decrypt", h.decrypt)
			r.Post("/sign", h.sign)

			r.Post("/sync/message", h.syncMessage)
			r.Post("/sync/merge", h.syncMerge)

			r.Get("/revoked", h.listRevoked)
			r.Put("/revoked/{fingerprint}", h.revoke)
			r.Delete("/revoked/{fingerprint}", h.unrevoke)

			r.Post("/backup", h.createBackup)
			r.Post("/restore", h.restoreBackup)
		})
	})
}

// ring resuelve el keyring del path o responde el error. Retorna nil si ya
// respondió.
func (h *Handler) ring(w http.ResponseWriter, r *http.Request) *keyring.Keyring {
	id := chi.URLParam(r, "keyringID")
	kr, err := h.Manager.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil
	}
	return kr
}

// writeDomainError mapea los sentinels del dominio al envelope HTTP. El
// default es 500 sin detalle interno.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "keyring_not_found", err.Error(), 2404)
	case errors.Is(err, keyring.ErrExists):
		httpx.WriteError(w, http.StatusConflict, "keyring_exists", err.Error(), 2409)
	case errors.Is(err, keyring.ErrKeyNotFound):
		httpx.WriteError(w, http.StatusNotFound, "key_not_found", err.Error(), 2414)
	case errors.Is(err, keyring.ErrStructuralConflict):
		httpx.WriteError(w, http.StatusConflict, "structural_conflict", err.Error(), 2419)
	case errors.Is(err, keyring.ErrNoPrimaryKey):
		httpx.WriteError(w, http.StatusConflict, "no_primary_key", err.Error(), 2422)
	case errors.Is(err, keyring.ErrSyncSignature):
		httpx.WriteError(w, http.StatusBadRequest, "sync_signature_invalid", err.Error(), 2430)
	case errors.Is(err, backend.ErrUnsupported):
		httpx.WriteError(w, http.StatusNotImplemented, "backend_unsupported", err.Error(), 2501)
	case errors.Is(err, backend.ErrPassphraseRequired):
		httpx.WriteError(w, http.StatusUnauthorized, "passphrase_required", err.Error(), 2441)
	case errors.Is(err, backend.ErrWrongPassphrase):
		httpx.WriteError(w, http.StatusUnauthorized, "wrong_passphrase", err.Error(), 2442)
	case errors.Is(err, backend.ErrNoKeyFound):
		httpx.WriteError(w, http.StatusNotFound, "no_key_found", err.Error(), 2444)
	case errors.Is(err, backend.ErrEncrypt):
		httpx.WriteError(w, http.StatusBadRequest, "encrypt_error", err.Error(), 2450)
	case errors.Is(err, pgp.ErrArmorParse), errors.Is(err, pgp.ErrBinaryParse):
		httpx.WriteError(w, http.StatusBadRequest, "parse_error", err.Error(), 2460)
	case errors.Is(err, backup.ErrMalformedBackup):
		httpx.WriteError(w, http.StatusBadRequest, "malformed_backup", err.Error(), 2470)
	case errors.Is(err, backup.ErrWrongRestoreCode):
		httpx.WriteError(w, http.StatusBadRequest, "wrong_restore_code", err.Error(), 2471)
	case errors.Is(err, storage.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error(), 2405)
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "operación fallida", 2500)
	}
}

// unlocker arma el UnlockFunc de una operación. Una passphrase explícita en
// el request gana siempre (si el cache quedó stale, el retry del usuario no
// puede quedar tapado); sin passphrase se consulta el cache y recién ahí
// ErrPassphraseRequired.
func (h *Handler) unlocker(passphrase string) backend.UnlockFunc {
	if fn := requestUnlock(passphrase); fn != nil {
		return fn
	}
	return h.Pass.Resolver(nil)
}

func requestUnlock(passphrase string) backend.UnlockFunc {
	if passphrase == "" {
		return nil
	}
	pw := []byte(passphrase)
	return func(_ context.Context, _ *pgp.Key) ([]byte, error) {
		return pw, nil
	}
}

// trackUnlock envuelve un UnlockFunc y anota el fingerprint de la última
// clave que entregó una passphrase, para decidir qué cachear después.
func trackUnlock(inner backend.UnlockFunc, fpr *string) backend.UnlockFunc {
	return func(ctx context.Context, k *pgp.Key) ([]byte, error) {
		pw, err := inner(ctx, k)
		if err == nil && k != nil {
			*fpr = k.Fingerprint()
		}
		return pw, err
	}
}
