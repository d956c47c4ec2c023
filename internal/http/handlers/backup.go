package handlers

import (
	"net/http"
	"strings"

	"github.com/dropDatabas3/ringkeeper/internal/backup"
	"github.com/dropDatabas3/ringkeeper/internal/email"
	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/metrics"
	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

// createBackup arma el blob de backup de una clave privada. El código se
// retorna una única vez; si el request trae email y el envío está habilitado,
// el mensaje (nunca el código) viaja también por mail.
func (h *Handler) createBackup(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		Fingerprint string `json:"fingerprint"`
		Passphrase  string `json:"passphrase"`
		Email       string `json:"email"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}

	var key *pgp.Key
	if f := strings.ToLower(strings.TrimSpace(body.Fingerprint)); f != "" {
		key = kr.Key(f)
		if key == nil {
			writeDomainError(w, keyring.ErrKeyNotFound)
			return
		}
	} else {
		var err error
		key, err = kr.PrimaryKey(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}

	res, err := backup.Create(key, body.Passphrase)
	if err != nil {
		metrics.BackupOps.WithLabelValues("create", "error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.BackupOps.WithLabelValues("create", "ok").Inc()

	mailed := false
	if h.SendBackups && h.Mail != nil && strings.TrimSpace(body.Email) != "" {
		if err := email.SendBackupSheet(h.Mail, body.Email, key.Fingerprint(), res.Message); err != nil {
			// el backup ya existe y el código va en la respuesta: el mail
			// fallido no anula la operación
			logger.Named("handlers").Warn("backup mail failed",
				logger.KeyringID(kr.ID), logger.Err(err))
		} else {
			mailed = true
		}
	}

	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"fingerprint": key.Fingerprint(),
		"backupCode":  res.Code,
		"message":     res.Message,
		"mailed":      mailed,
	})
}

// restoreBackup deshace el blob y reimporta la clave recuperada por el camino
// normal de import (validación estructural incluida).
func (h *Handler) restoreBackup(w http.ResponseWriter, r *http.Request) {
	kr := h.ring(w, r)
	if kr == nil {
		return
	}
	var body struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if !httpx.ReadJSON(w, r, &body) {
		return
	}
	if body.Message == "" || body.Code == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_fields", "message y code son requeridos", 2426)
		return
	}

	restored, err := backup.Restore(body.Message, body.Code)
	if err != nil {
		metrics.BackupOps.WithLabelValues("restore", "error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.BackupOps.WithLabelValues("restore", "ok").Inc()

	armored, err := restored.Key.ArmoredPrivate()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	results, err := kr.Import(r.Context(), []keyring.ImportCandidate{
		{Armored: armored, Kind: pgp.KindPrivate},
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// la passphrase recuperada queda caliente para la próxima operación
	h.Pass.Put(restored.Key.Fingerprint(), []byte(restored.Passphrase))

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"fingerprint": restored.Key.Fingerprint(),
		"passphrase":  restored.Passphrase,
		"results":     results,
	})
}
