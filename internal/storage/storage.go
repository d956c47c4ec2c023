// Package storage define el contrato de persistencia de keyrings. Cada
// keyring es un grupo de records con nombre; el contenido es opaco para el
// provider (bloques armored, YAML de atributos, JSON del change-log).
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Nombres de records por keyring.
const (
	RecordPublicKeys  = "public-keys"
	RecordPrivateKeys = "private-keys"
	RecordAttributes  = "attributes"
	RecordChangeLog   = "changelog"
)

var (
	// ErrNotFound aplica tanto a records como a keyrings inexistentes.
	ErrNotFound = errors.New("record not found")
)

// Provider persiste los records de cada keyring.
//
// Reglas para las implementaciones:
//   - ReadRecord de un record inexistente retorna ErrNotFound (el caller
//     decide si eso significa "keyring vacío" o error real).
//   - WriteRecord debe ser atómico a nivel record: nunca dejar un record a
//     medio escribir.
//   - DeleteKeyring de un keyring inexistente retorna ErrNotFound.
type Provider interface {
	ReadRecord(ctx context.Context, keyringID, name string) ([]byte, error)
	WriteRecord(ctx context.Context, keyringID, name string, data []byte) error
	DeleteKeyring(ctx context.Context, keyringID string) error
	ListKeyrings(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateID valida un keyring id antes de usarlo en paths o claves.
func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("invalid keyring id %q", id)
	}
	return nil
}

// KnownRecord indica si name es uno de los records definidos.
func KnownRecord(name string) bool {
	switch name {
	case RecordPublicKeys, RecordPrivateKeys, RecordAttributes, RecordChangeLog:
		return true
	}
	return false
}
