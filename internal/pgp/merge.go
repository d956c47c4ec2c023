package pgp

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Merge combina certificaciones, revocaciones y subclaves de in sobre base y
// produce un Key nuevo. Ninguno de los dos argumentos se muta. changed=false
// significa que in no aportó nada que base no tuviera ya (misma clave).
//
// El material privado nunca se degrada: si base es privada el resultado es
// privado; si base es pública y in trae material privado, el resultado lo
// adopta (promoción).
func Merge(base, in *Key) (merged *Key, changed bool, err error) {
	if base.Fingerprint() != in.Fingerprint() {
		return nil, false, fmt.Errorf("merge: fingerprint mismatch %s vs %s", base.Fingerprint(), in.Fingerprint())
	}

	out, err := cloneEntity(base.entity)
	if err != nil {
		return nil, false, err
	}
	src, err := cloneEntity(in.entity)
	if err != nil {
		return nil, false, err
	}

	// Revocaciones de la clave primaria: unión por bytes serializados.
	seen, err := sigSet(out.Revocations)
	if err != nil {
		return nil, false, err
	}
	for _, r := range src.Revocations {
		b, err := sigBytes(r)
		if err != nil {
			return nil, false, err
		}
		if !seen[b] {
			out.Revocations = append(out.Revocations, r)
			seen[b] = true
			changed = true
		}
	}

	// User ids: los nuevos se adoptan enteros; los existentes unen sus
	// certificaciones y prefieren el self-signature más reciente.
	for name, ident := range src.Identities {
		cur, ok := out.Identities[name]
		if !ok {
			out.Identities[name] = ident
			changed = true
			continue
		}
		have, err := sigSet(cur.Signatures)
		if err != nil {
			return nil, false, err
		}
		for _, s := range ident.Signatures {
			b, err := sigBytes(s)
			if err != nil {
				return nil, false, err
			}
			if !have[b] {
				cur.Signatures = append(cur.Signatures, s)
				have[b] = true
				changed = true
			}
		}
		if ident.SelfSignature != nil &&
			(cur.SelfSignature == nil || ident.SelfSignature.CreationTime.After(cur.SelfSignature.CreationTime)) {
			cur.SelfSignature = ident.SelfSignature
		}
	}

	// Subclaves por fingerprint. Una subclave nueva sin material privado no
	// se agrega a una entity privada: la serialización privada exige el
	// packet secreto de cada subclave.
	idx := make(map[string]int, len(out.Subkeys))
	for i := range out.Subkeys {
		idx[hex.EncodeToString(out.Subkeys[i].PublicKey.Fingerprint)] = i
	}
	for i := range src.Subkeys {
		sk := src.Subkeys[i]
		fp := hex.EncodeToString(sk.PublicKey.Fingerprint)
		j, ok := idx[fp]
		if !ok {
			if out.PrivateKey != nil && sk.PrivateKey == nil {
				continue
			}
			out.Subkeys = append(out.Subkeys, sk)
			idx[fp] = len(out.Subkeys) - 1
			changed = true
			continue
		}
		cur := &out.Subkeys[j]
		if sk.Sig != nil && (cur.Sig == nil || sk.Sig.CreationTime.After(cur.Sig.CreationTime)) {
			if !sameSig(cur.Sig, sk.Sig) {
				cur.Sig = sk.Sig
				changed = true
			}
		}
		if cur.PrivateKey == nil && sk.PrivateKey != nil {
			cur.PrivateKey = sk.PrivateKey
			changed = true
		}
	}

	// Promoción: base pública adopta el material privado de in.
	if out.PrivateKey == nil && src.PrivateKey != nil {
		out.PrivateKey = src.PrivateKey
		// Subclaves privadas de in rellenan las copias públicas.
		for i := range out.Subkeys {
			fp := hex.EncodeToString(out.Subkeys[i].PublicKey.Fingerprint)
			for j := range src.Subkeys {
				if hex.EncodeToString(src.Subkeys[j].PublicKey.Fingerprint) == fp && src.Subkeys[j].PrivateKey != nil {
					out.Subkeys[i].PrivateKey = src.Subkeys[j].PrivateKey
				}
			}
		}
		changed = true
	}

	if !changed {
		return base, false, nil
	}
	k, err := FromEntity(out)
	if err != nil {
		return nil, false, err
	}
	return k, true, nil
}

// cloneEntity copia una entity vía serialize + reparse para que el resultado
// no comparta estado mutable con la original.
func cloneEntity(e *openpgp.Entity) (*openpgp.Entity, error) {
	var buf bytes.Buffer
	var err error
	if e.PrivateKey != nil {
		err = e.SerializePrivateWithoutSigning(&buf, nil)
	} else {
		err = e.Serialize(&buf)
	}
	if err != nil {
		return nil, fmt.Errorf("clone serialize: %w", err)
	}
	el, err := openpgp.ReadKeyRing(&buf)
	if err != nil {
		return nil, fmt.Errorf("%w: clone reparse: %v", ErrBinaryParse, err)
	}
	if len(el) != 1 {
		return nil, fmt.Errorf("%w: clone yielded %d entities", ErrBinaryParse, len(el))
	}
	return el[0], nil
}

func sigBytes(s *packet.Signature) (string, error) {
	var buf bytes.Buffer
	if err := s.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize signature: %w", err)
	}
	return buf.String(), nil
}

func sigSet(sigs []*packet.Signature) (map[string]bool, error) {
	set := make(map[string]bool, len(sigs))
	for _, s := range sigs {
		b, err := sigBytes(s)
		if err != nil {
			return nil, err
		}
		set[b] = true
	}
	return set, nil
}

func sameSig(a, b *packet.Signature) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err1 := sigBytes(a)
	bb, err2 := sigBytes(b)
	return err1 == nil && err2 == nil && ab == bb
}
