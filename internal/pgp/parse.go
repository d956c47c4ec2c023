package pgp

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

const armorBegin = "-----BEGIN PGP "

// SplitArmoredBlocks separa un texto con varios bloques armored concatenados.
// Texto fuera de los bloques (headers de mail, comentarios) se descarta.
func SplitArmoredBlocks(s string) []string {
	var blocks []string
	for {
		i := strings.Index(s, armorBegin)
		if i < 0 {
			return blocks
		}
		s = s[i:]
		j := strings.Index(s, "-----END PGP ")
		if j < 0 {
			return blocks
		}
		end := len(s)
		if nl := strings.IndexByte(s[j:], '\n'); nl >= 0 {
			end = j + nl + 1
		}
		blocks = append(blocks, strings.TrimRight(s[:end], "\r\n")+"\n")
		s = s[end:]
	}
}

// ParseArmored lee un bloque armored de clave (pública o privada) y retorna
// las claves contenidas. Un bloque puede traer más de una entity.
func ParseArmored(blob string) ([]*Key, error) {
	block, err := armor.Decode(strings.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArmorParse, err)
	}
	if block.Type != openpgp.PublicKeyType && block.Type != openpgp.PrivateKeyType {
		return nil, fmt.Errorf("%w: unexpected block type %q", ErrArmorParse, block.Type)
	}
	body, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArmorParse, err)
	}
	return ParseBinary(body)
}

// ParseBinary lee packets OpenPGP crudos y retorna las claves contenidas.
func ParseBinary(data []byte) ([]*Key, error) {
	el, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBinaryParse, err)
	}
	if len(el) == 0 {
		return nil, fmt.Errorf("%w: no keys found", ErrBinaryParse)
	}
	keys := make([]*Key, 0, len(el))
	for _, e := range el {
		k, err := FromEntity(e)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// armorEncode envuelve body en un bloque armored del tipo dado.
func armorEncode(body []byte, blockType string) (string, error) {
	var out bytes.Buffer
	w, err := armor.Encode(&out, blockType, nil)
	if err != nil {
		return "", fmt.Errorf("armor encode: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return "", fmt.Errorf("armor write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("armor close: %w", err)
	}
	out.WriteString("\n")
	return out.String(), nil
}
