// Package pgp define el modelo de clave OpenPGP del servicio: un value
// object inmutable sobre una entity parseada. Toda actualización pasa por
// Merge, que produce un valor nuevo; el fingerprint es la identidad canónica
// y el key-id corto solo un alias de visualización (puede colisionar).
package pgp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Kind distingue el material de una clave.
type Kind string

const (
	KindPublic  Kind = "public"
	KindPrivate Kind = "private"
)

// UserID es un user id parseado de la clave, en orden estable.
type UserID struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Comment string `json:"comment,omitempty"`
	Raw     string `json:"raw"`
	Primary bool   `json:"primary"`
}

// Key envuelve una entity OpenPGP. No mutar la entity por fuera del paquete;
// los updates se hacen con Merge.
type Key struct {
	entity      *openpgp.Entity
	fingerprint string
	keyID       string
}

// FromEntity construye un Key desde una entity ya parseada.
func FromEntity(e *openpgp.Entity) (*Key, error) {
	if e == nil || e.PrimaryKey == nil {
		return nil, fmt.Errorf("%w: entity without primary key", ErrBinaryParse)
	}
	return &Key{
		entity:      e,
		fingerprint: hex.EncodeToString(e.PrimaryKey.Fingerprint),
		keyID:       fmt.Sprintf("%016x", e.PrimaryKey.KeyId),
	}, nil
}

// Entity expone la entity subyacente para los backends criptográficos.
func (k *Key) Entity() *openpgp.Entity { return k.entity }

// Fingerprint retorna el fingerprint hex lowercase (identidad canónica).
func (k *Key) Fingerprint() string { return k.fingerprint }

// KeyID retorna el key-id corto (16 hex lowercase). No es único.
func (k *Key) KeyID() string { return k.keyID }

// Kind clasifica la clave según su material.
func (k *Key) Kind() Kind {
	if k.entity.PrivateKey != nil {
		return KindPrivate
	}
	return KindPublic
}

// IsPrivate es un shortcut para Kind() == KindPrivate.
func (k *Key) IsPrivate() bool { return k.entity.PrivateKey != nil }

// Locked indica si el material privado está protegido por passphrase.
func (k *Key) Locked() bool {
	return k.entity.PrivateKey != nil && k.entity.PrivateKey.Encrypted
}

// CreatedAt retorna la fecha de creación de la clave primaria.
func (k *Key) CreatedAt() time.Time { return k.entity.PrimaryKey.CreationTime }

// ExpiresAt retorna la expiración según el self-signature primario.
// ok=false si la clave no expira.
func (k *Key) ExpiresAt() (time.Time, bool) {
	ident := k.entity.PrimaryIdentity()
	if ident == nil || ident.SelfSignature == nil {
		return time.Time{}, false
	}
	sig := ident.SelfSignature
	if sig.KeyLifetimeSecs == nil || *sig.KeyLifetimeSecs == 0 {
		return time.Time{}, false
	}
	return k.CreatedAt().Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second), true
}

// IsValid evalúa revocación, expiración y presencia de un user id válido.
func (k *Key) IsValid(now time.Time) bool {
	if len(k.entity.Revocations) > 0 {
		return false
	}
	if exp, ok := k.ExpiresAt(); ok && now.After(exp) {
		return false
	}
	return k.entity.PrimaryIdentity() != nil
}

// CanEncrypt indica si hay una (sub)clave de cifrado usable en now.
func (k *Key) CanEncrypt(now time.Time) bool {
	_, ok := k.entity.EncryptionKey(now)
	return ok
}

// CanSign indica si hay una (sub)clave de firma usable en now.
func (k *Key) CanSign(now time.Time) bool {
	if k.entity.PrivateKey == nil {
		return false
	}
	_, ok := k.entity.SigningKey(now)
	return ok
}

// UserIDs retorna los user ids en orden estable: el primario primero,
// el resto ordenado alfabéticamente.
func (k *Key) UserIDs() []UserID {
	primary := k.entity.PrimaryIdentity()
	out := make([]UserID, 0, len(k.entity.Identities))
	for _, ident := range k.entity.Identities {
		if ident.UserId == nil {
			continue
		}
		out = append(out, UserID{
			Name:    ident.UserId.Name,
			Email:   strings.ToLower(ident.UserId.Email),
			Comment: ident.UserId.Comment,
			Raw:     ident.UserId.Id,
			Primary: primary != nil && primary.UserId != nil && primary.UserId.Id == ident.UserId.Id,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Primary != out[j].Primary {
			return out[i].Primary
		}
		return out[i].Raw < out[j].Raw
	})
	return out
}

// SubkeyIDs retorna los key-ids cortos de las subclaves.
func (k *Key) SubkeyIDs() []string {
	ids := make([]string, 0, len(k.entity.Subkeys))
	for i := range k.entity.Subkeys {
		sk := k.entity.Subkeys[i].PublicKey
		if sk == nil {
			continue
		}
		ids = append(ids, fmt.Sprintf("%016x", sk.KeyId))
	}
	return ids
}

// Algorithm retorna el nombre del algoritmo de la clave primaria.
func (k *Key) Algorithm() string {
	switch k.entity.PrimaryKey.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly, packet.PubKeyAlgoRSAEncryptOnly:
		return "rsa"
	case packet.PubKeyAlgoDSA:
		return "dsa"
	case packet.PubKeyAlgoECDSA:
		return "ecdsa"
	case packet.PubKeyAlgoEdDSA:
		return "eddsa"
	case packet.PubKeyAlgoECDH:
		return "ecdh"
	default:
		return fmt.Sprintf("algo-%d", int(k.entity.PrimaryKey.PubKeyAlgo))
	}
}

// BitLength retorna el tamaño de la clave primaria en bits (0 si no aplica).
func (k *Key) BitLength() int {
	n, err := k.entity.PrimaryKey.BitLength()
	if err != nil {
		return 0
	}
	return int(n)
}

// Armored serializa la parte pública como bloque armored.
func (k *Key) Armored() (string, error) {
	var body bytes.Buffer
	if err := k.entity.Serialize(&body); err != nil {
		return "", fmt.Errorf("serialize public key %s: %w", k.fingerprint, err)
	}
	return armorEncode(body.Bytes(), openpgp.PublicKeyType)
}

// ArmoredPrivate serializa la clave completa (incluye material privado).
// El material protegido por passphrase se serializa tal cual, cifrado.
func (k *Key) ArmoredPrivate() (string, error) {
	if k.entity.PrivateKey == nil {
		return "", fmt.Errorf("key %s has no private material", k.fingerprint)
	}
	var body bytes.Buffer
	if err := k.entity.SerializePrivateWithoutSigning(&body, nil); err != nil {
		return "", fmt.Errorf("serialize private key %s: %w", k.fingerprint, err)
	}
	return armorEncode(body.Bytes(), openpgp.PrivateKeyType)
}

// SerializePrivate escribe los packets privados crudos (sin armor).
// Lo usa el formato de backup.
func (k *Key) SerializePrivate(w *bytes.Buffer) error {
	if k.entity.PrivateKey == nil {
		return fmt.Errorf("key %s has no private material", k.fingerprint)
	}
	return k.entity.SerializePrivateWithoutSigning(w, nil)
}

// Public retorna la proyección pública de la clave (un valor nuevo).
// Para una clave ya pública retorna un clon.
func (k *Key) Public() (*Key, error) {
	var body bytes.Buffer
	if err := k.entity.Serialize(&body); err != nil {
		return nil, fmt.Errorf("serialize public key %s: %w", k.fingerprint, err)
	}
	keys, err := ParseBinary(body.Bytes())
	if err != nil {
		return nil, err
	}
	if len(keys) != 1 {
		return nil, fmt.Errorf("%w: public projection yielded %d keys", ErrBinaryParse, len(keys))
	}
	return keys[0], nil
}

// Clone produce una copia independiente (reserializa y reparsea).
func (k *Key) Clone() (*Key, error) {
	e, err := cloneEntity(k.entity)
	if err != nil {
		return nil, err
	}
	return FromEntity(e)
}
