// Package backend define el contrato criptográfico de un keyring. El keyring
// orquesta (resolución de claves, trust overlay, change-log) y delega toda la
// criptografía en un Backend: el engine in-process o un trust agent externo.
// Las diferencias de capacidades se declaran en Caps, nunca con type switches
// sobre la implementación.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

var (
	// ErrNoKeyFound: ninguna clave privada del keyring puede descifrar el mensaje.
	ErrNoKeyFound = errors.New("no key found")
	// ErrEncrypt: un destinatario no tiene clave de cifrado utilizable.
	ErrEncrypt = errors.New("encrypt error")
	// ErrUnsupported: la operación no existe en este backend (p.ej. remover
	// claves privadas cuando las custodia un agente externo).
	ErrUnsupported = errors.New("operation not supported by backend")
	// ErrPassphraseRequired: hay una clave protegida y no llegó passphrase
	// ni por request ni por cache.
	ErrPassphraseRequired = errors.New("passphrase required")
	// ErrWrongPassphrase: la passphrase provista no destraba la clave.
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// Caps declara qué puede hacer un backend. El keyring consulta esto en vez
// de conocer implementaciones.
type Caps struct {
	// RemovePrivateKeys: el backend permite eliminar material privado.
	RemovePrivateKeys bool
	// StorePrivateLocally: el material privado vive en el KeyStore local.
	// Si es false, el backend custodia los secretos y el keyring solo
	// guarda proyecciones públicas.
	StorePrivateLocally bool
}

// KeySource da acceso de solo lectura a las claves vivas del keyring.
type KeySource interface {
	AllKeys() []*pgp.Key
	PrivateKeys() []*pgp.Key
	KeyByFingerprint(fpr string) *pgp.Key
}

// UnlockFunc resuelve la passphrase de una clave privada protegida. Se llama
// a demanda, una sola vez por clave y operación.
type UnlockFunc func(ctx context.Context, k *pgp.Key) ([]byte, error)

// SignatureStatus describe una firma encontrada al descifrar.
type SignatureStatus struct {
	KeyID       string     `json:"keyId"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Valid       bool       `json:"valid"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

type DecryptRequest struct {
	Armored string
	Source  KeySource
	Unlock  UnlockFunc
}

type DecryptResult struct {
	Data       []byte
	Signatures []SignatureStatus
}

// EncryptRequest lleva destinatarios ya resueltos por el keyring (el trust
// overlay se aplica antes de llegar acá).
type EncryptRequest struct {
	Data       []byte
	Source     KeySource
	Unlock     UnlockFunc
	Recipients []*pgp.Key
	Signer     *pgp.Key // nil = mensaje sin firmar
}

type SignRequest struct {
	Data   []byte
	Source KeySource
	Unlock UnlockFunc
	Signer *pgp.Key
}

type GenerateRequest struct {
	UserIDs    []pgp.UserID
	Algorithm  string // "eddsa" (default) | "rsa"
	RSABits    int
	Lifetime   time.Duration // 0 = sin expiración
	Passphrase []byte        // opcional; protege el material generado
}

// ImportReport resume un import procesado por el backend.
type ImportReport struct {
	Considered int      `json:"considered"`
	Imported   []string `json:"imported"` // fingerprints aceptados
}

// Backend ejecuta las primitivas OpenPGP de un keyring.
type Backend interface {
	Name() string
	Caps() Caps
	Decrypt(ctx context.Context, req DecryptRequest) (*DecryptResult, error)
	Encrypt(ctx context.Context, req EncryptRequest) (string, error)
	Sign(ctx context.Context, req SignRequest) (string, error)
	Generate(ctx context.Context, req GenerateRequest) (*pgp.Key, error)
	Import(ctx context.Context, armored string) (*ImportReport, error)
}
