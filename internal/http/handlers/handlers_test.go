package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/backend/engine"
	httpx "github.com/dropDatabas3/ringkeeper/internal/http"
	"github.com/dropDatabas3/ringkeeper/internal/http/handlers"
	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/passcache"
	storagefs "github.com/dropDatabas3/ringkeeper/internal/storage/fs"
)

func newAPI(t *testing.T) http.Handler {
	t.Helper()
	p, err := storagefs.New(t.TempDir())
	require.NoError(t, err)
	mgr, err := keyring.NewManager(p, map[string]backend.Backend{"engine": engine.New()}, "engine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	h := handlers.New(mgr, passcache.New(time.Minute))
	return httpx.NewRouter(httpx.RouterConfig{}, h)
}

func do(t *testing.T, api http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func createRing(t *testing.T, api http.Handler, id string) {
	t.Helper()
	rec := do(t, api, http.MethodPost, "/v1/keyrings", map[string]string{"id": id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func generateKey(t *testing.T, api http.Handler, ring, email string) string {
	t.Helper()
	rec := do(t, api, http.MethodPost, "/v1/keyrings/"+ring+"/keys/generate", map[string]any{
		"userIds": []map[string]string{{"name": "Test", "email": email}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Fingerprint string `json:"fingerprint"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Fingerprint, 40)
	return out.Fingerprint
}

func exportPublic(t *testing.T, api http.Handler, ring, fpr string) string {
	t.Helper()
	rec := do(t, api, http.MethodGet, "/v1/keyrings/"+ring+"/keys/"+fpr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Armored string `json:"armored"`
	}
	decode(t, rec, &out)
	return out.Armored
}

func TestKeyringLifecycle(t *testing.T) {
	api := newAPI(t)

	rec := do(t, api, http.MethodGet, "/v1/keyrings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	createRing(t, api, "main")
	fpr := generateKey(t, api, "main", "owner@example.com")

	// la primera clave generada queda como primaria
	rec = do(t, api, http.MethodGet, "/v1/keyrings/main/primary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var primary struct {
		Fingerprint string `json:"fingerprint"`
	}
	decode(t, rec, &primary)
	require.Equal(t, fpr, primary.Fingerprint)

	rec = do(t, api, http.MethodGet, "/v1/keyrings/main/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Keys []struct {
			Fingerprint string `json:"fingerprint"`
			Kind        string `json:"kind"`
		} `json:"keys"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Keys, 1)
	require.Equal(t, "private", list.Keys[0].Kind)

	rec = do(t, api, http.MethodDelete, "/v1/keyrings/main", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, api, http.MethodGet, "/v1/keyrings/main", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportBatchKeepsGoingOnBadBlock(t *testing.T) {
	api := newAPI(t)
	createRing(t, api, "donor")
	createRing(t, api, "main")

	fprA := generateKey(t, api, "donor", "a@example.com")
	fprB := generateKey(t, api, "donor", "b@example.com")
	pubA := exportPublic(t, api, "donor", fprA)
	pubB := exportPublic(t, api, "donor", fprB)

	rec := do(t, api, http.MethodPost, "/v1/keyrings/main/keys/import", []map[string]string{
		{"armored": pubA, "kind": "public"},
		{"armored": "not a key at all", "kind": "public"},
		{"armored": pubB, "kind": "public"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Results []struct {
			Status      string `json:"status"`
			Fingerprint string `json:"fingerprint"`
		} `json:"results"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Results, 3)

	statuses := map[string]int{}
	for _, r := range out.Results {
		statuses[r.Status]++
	}
	require.Equal(t, 2, statuses["success"])
	require.Equal(t, 1, statuses["error"])

	rec = do(t, api, http.MethodGet, "/v1/keyrings/main/keys", nil)
	var list struct {
		Keys []struct {
			Fingerprint string `json:"fingerprint"`
		} `json:"keys"`
	}
	decode(t, rec, &list)
	got := map[string]bool{}
	for _, k := range list.Keys {
		got[k.Fingerprint] = true
	}
	require.True(t, got[fprA])
	require.True(t, got[fprB])
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	api := newAPI(t)
	createRing(t, api, "main")
	fpr := generateKey(t, api, "main", "owner@example.com")

	rec := do(t, api, http.MethodPost, "/v1/keyrings/main/encrypt", map[string]any{
		"data":       "hola mundo",
		"recipients": []string{fpr},
		"sign":       true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var enc struct {
		Armored string `json:"armored"`
	}
	decode(t, rec, &enc)
	require.Contains(t, enc.Armored, "BEGIN PGP MESSAGE")

	rec = do(t, api, http.MethodPost, "/v1/keyrings/main/decrypt", map[string]any{
		"armored": enc.Armored,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dec struct {
		Data       string `json:"data"`
		Signatures []struct {
			Fingerprint string `json:"fingerprint"`
			Valid       bool   `json:"valid"`
		} `json:"signatures"`
	}
	decode(t, rec, &dec)
	require.Equal(t, "hola mundo", dec.Data)
	require.NotEmpty(t, dec.Signatures)
	require.True(t, dec.Signatures[0].Valid)
	require.Equal(t, fpr, dec.Signatures[0].Fingerprint)
}

func TestEncryptRejectsPseudoRevokedRecipient(t *testing.T) {
	api := newAPI(t)
	createRing(t, api, "main")
	fpr := generateKey(t, api, "main", "owner@example.com")

	rec := do(t, api, http.MethodPut, "/v1/keyrings/main/revoked/"+fpr, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, api, http.MethodGet, "/v1/keyrings/main/revoked", nil)
	var revoked struct {
		Revoked []string `json:"revoked"`
	}
	decode(t, rec, &revoked)
	require.Equal(t, []string{fpr}, revoked.Revoked)

	rec = do(t, api, http.MethodPost, "/v1/keyrings/main/encrypt", map[string]any{
		"data":       "secreto",
		"recipients": []string{fpr},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "encrypt_error")

	// desmarcar la rehabilita
	rec = do(t, api, http.MethodDelete, "/v1/keyrings/main/revoked/"+fpr, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, api, http.MethodPost, "/v1/keyrings/main/encrypt", map[string]any{
		"data":       "secreto",
		"recipients": []string{fpr},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestBackupRestoreViaAPI(t *testing.T) {
	api := newAPI(t)
	createRing(t, api, "main")
	fpr := generateKey(t, api, "main", "owner@example.com")

	rec := do(t, api, http.MethodPost, "/v1/keyrings/main/backup", map[string]any{
		"fingerprint": fpr,
		"passphrase":  "hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bk struct {
		BackupCode string `json:"backupCode"`
		Message    string `json:"message"`
	}
	decode(t, rec, &bk)
	require.Len(t, bk.BackupCode, 26)
	require.Contains(t, bk.Message, "BEGIN PGP MESSAGE")

	// código equivocado de la misma longitud: wrong_restore_code, no malformed
	wrong := strings.Repeat("A", 26)
	if wrong == bk.BackupCode {
		wrong = strings.Repeat("B", 26)
	}
	rec = do(t, api, http.MethodPost, "/v1/keyrings/main/restore", map[string]any{
		"message": bk.Message,
		"code":    wrong,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "wrong_restore_code")

	// restore contra otro keyring recupera la clave y la passphrase original
	createRing(t, api, "other")
	rec = do(t, api, http.MethodPost, "/v1/keyrings/other/restore", map[string]any{
		"message": bk.Message,
		"code":    bk.BackupCode,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var restored struct {
		Fingerprint string `json:"fingerprint"`
		Passphrase  string `json:"passphrase"`
	}
	decode(t, rec, &restored)
	require.Equal(t, fpr, restored.Fingerprint)
	require.Equal(t, "hunter2", restored.Passphrase)

	rec = do(t, api, http.MethodGet, "/v1/keyrings/other/keys", nil)
	var list struct {
		Keys []struct {
			Fingerprint string `json:"fingerprint"`
			Kind        string `json:"kind"`
		} `json:"keys"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Keys, 1)
	require.Equal(t, fpr, list.Keys[0].Fingerprint)
	require.Equal(t, "private", list.Keys[0].Kind)
}

func TestSyncMessageMergeIsIdempotent(t *testing.T) {
	api := newAPI(t)
	createRing(t, api, "laptop")
	createRing(t, api, "desktop")

	// misma identidad en los dos dispositivos: backup+restore de la primaria
	generateKey(t, api, "laptop", "owner@example.com")
	rec := do(t, api, http.MethodPost, "/v1/keyrings/laptop/backup", map[string]any{
		"passphrase": "pw",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bk struct {
		BackupCode string `json:"backupCode"`
		Message    string `json:"message"`
	}
	decode(t, rec, &bk)
	rec = do(t, api, http.MethodPost, "/v1/keyrings/desktop/restore", map[string]any{
		"message": bk.Message,
		"code":    bk.BackupCode,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// un contacto nuevo en laptop entra al change log
	createRing(t, api, "donor")
	contact := generateKey(t, api, "donor", "friend@example.com")
	pub := exportPublic(t, api, "donor", contact)
	rec = do(t, api, http.MethodPost, "/v1/keyrings/laptop/keys/import", []map[string]string{
		{"armored": pub, "kind": "public"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, api, http.MethodPost, "/v1/keyrings/laptop/sync/message", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var msg struct {
		Armored string `json:"armored"`
	}
	decode(t, rec, &msg)
	require.Contains(t, msg.Armored, "BEGIN PGP MESSAGE")

	// sin cambios pendientes, el próximo mensaje es 204
	rec = do(t, api, http.MethodPost, "/v1/keyrings/laptop/sync/message", map[string]any{})
	require.Equal(t, http.StatusNoContent, rec.Code)

	merge := func() (applied, unchanged int) {
		rec := do(t, api, http.MethodPost, "/v1/keyrings/desktop/sync/merge", map[string]any{
			"armored": msg.Armored,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var rep struct {
			Applied   int `json:"applied"`
			Unchanged int `json:"unchanged"`
		}
		decode(t, rec, &rep)
		return rep.Applied, rep.Unchanged
	}

	// primer merge: el contacto entra; la primaria ya estaba (unchanged)
	applied, _ := merge()
	require.Equal(t, 1, applied)

	rec = do(t, api, http.MethodGet, fmt.Sprintf("/v1/keyrings/desktop/keys/%s", contact), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// aplicar el mismo payload otra vez no cambia nada
	applied, unchanged := merge()
	require.Equal(t, 0, applied)
	require.Equal(t, 2, unchanged)
}

func TestRemoveUnknownKindRejected(t *testing.T) {
	api := newAPI(t)
	createRing(t, api, "main")
	fpr := generateKey(t, api, "main", "owner@example.com")

	rec := do(t, api, http.MethodDelete, "/v1/keyrings/main/keys/"+fpr+"?kind=weird", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, api, http.MethodDelete, "/v1/keyrings/main/keys/"+fpr+"?kind=private", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// sin claves privadas no queda primaria
	rec = do(t, api, http.MethodGet, "/v1/keyrings/main/primary", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "no_primary_key")
}

func TestListKeysFilterByKeyID(t *testing.T) {
	api := newAPI(t)
	createRing(t, api, "main")
	fpr := generateKey(t, api, "main", "owner@example.com")
	other := generateKey(t, api, "main", "second@example.com")
	require.NotEqual(t, fpr, other)

	var list struct {
		Keys []struct {
			Fingerprint string `json:"fingerprint"`
			KeyID       string `json:"keyId"`
		} `json:"keys"`
	}
	rec := do(t, api, http.MethodGet, "/v1/keyrings/main/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Len(t, list.Keys, 2)
	var keyID string
	for _, k := range list.Keys {
		if k.Fingerprint == fpr {
			keyID = k.KeyID
		}
	}
	require.Len(t, keyID, 16)

	rec = do(t, api, http.MethodGet, "/v1/keyrings/main/keys?keyId="+keyID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list.Keys = nil
	decode(t, rec, &list)
	require.Len(t, list.Keys, 1)
	require.Equal(t, fpr, list.Keys[0].Fingerprint)

	// un id desconocido filtra a vacío, no es error
	rec = do(t, api, http.MethodGet, "/v1/keyrings/main/keys?keyId=00000000deadbeef", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list.Keys = nil
	decode(t, rec, &list)
	require.Empty(t, list.Keys)
}
