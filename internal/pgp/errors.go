package pgp

import "errors"

var (
	// ErrArmorParse indica texto armored inválido o de tipo inesperado.
	ErrArmorParse = errors.New("armor parse error")
	// ErrBinaryParse indica packets OpenPGP ilegibles dentro de un bloque válido.
	ErrBinaryParse = errors.New("binary parse error")
)
