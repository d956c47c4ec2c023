package keyring

import "errors"

// ===== Sentinels del dominio keyring =====
// Envolver siempre con %w para que errors.Is funcione a través de capas.

var (
	// ErrNotFound: el keyring no existe en el storage.
	ErrNotFound = errors.New("keyring not found")

	// ErrExists: create sobre un keyring id ya tomado.
	ErrExists = errors.New("keyring already exists")

	// ErrKeyNotFound: fingerprint ausente de la colección pedida.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStructuralConflict: el key-id del candidato colisiona con una clave
	// de fingerprint primario distinto. Fatal para ese candidato.
	ErrStructuralConflict = errors.New("key id collides with a different primary key")

	// ErrNoPrimaryKey: se pidió firmar o sincronizar sin una clave privada
	// primaria usable.
	ErrNoPrimaryKey = errors.New("no usable primary key")

	// ErrSyncSignature: el payload de sync no está firmado por la clave
	// primaria esperada. Siempre fatal, nunca se aplica parcialmente.
	ErrSyncSignature = errors.New("sync payload signature invalid")

	// ErrNoChanges: no hay entries pendientes para empaquetar en un sync
	// saliente.
	ErrNoChanges = errors.New("no pending changes to sync")
)
