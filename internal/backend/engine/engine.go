// Package engine implementa el backend criptográfico in-process sobre
// ProtonMail/go-crypto. Es el backend default: material privado en el
// KeyStore local y todas las capacidades habilitadas.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"go.uber.org/zap"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

const messageType = "PGP MESSAGE"

type Engine struct {
	log *zap.Logger
	now func() time.Time
}

func New() *Engine {
	return &Engine{log: logger.Named("backend.engine"), now: time.Now}
}

func (e *Engine) Name() string { return "engine" }

func (e *Engine) Caps() backend.Caps {
	return backend.Caps{RemovePrivateKeys: true, StorePrivateLocally: true}
}

func (e *Engine) config() *packet.Config {
	return &packet.Config{
		DefaultCipher: packet.CipherAES256,
		Time:          e.now,
	}
}

// Decrypt abre un mensaje armored con las claves privadas del keyring y
// reporta las firmas encontradas. Las claves protegidas se destraban sobre
// clones: el material del KeyStore nunca queda descifrado en memoria
// compartida.
func (e *Engine) Decrypt(ctx context.Context, req backend.DecryptRequest) (*backend.DecryptResult, error) {
	block, err := armor.Decode(strings.NewReader(req.Armored))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pgp.ErrArmorParse, err)
	}
	if block.Type != messageType {
		return nil, fmt.Errorf("%w: unexpected block type %q", pgp.ErrArmorParse, block.Type)
	}

	ring, byEntity, err := e.buildRing(req.Source)
	if err != nil {
		return nil, err
	}

	tried := map[string]bool{}
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if symmetric || req.Unlock == nil {
			return nil, backend.ErrPassphraseRequired
		}
		for _, k := range keys {
			src, ok := byEntity[k.Entity]
			if !ok || tried[src.Fingerprint()] {
				continue
			}
			tried[src.Fingerprint()] = true
			return req.Unlock(ctx, src)
		}
		return nil, backend.ErrWrongPassphrase
	}

	md, err := openpgp.ReadMessage(block.Body, ring, prompt, e.config())
	if err != nil {
		return nil, mapReadError(err)
	}
	data, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}

	res := &backend.DecryptResult{Data: data}
	if md.IsSigned {
		res.Signatures = append(res.Signatures, signatureStatus(md))
	}
	return res, nil
}

// Encrypt produce un mensaje armored para los destinatarios dados,
// opcionalmente firmado.
func (e *Engine) Encrypt(ctx context.Context, req backend.EncryptRequest) (string, error) {
	if len(req.Recipients) == 0 {
		return "", fmt.Errorf("%w: no recipients", backend.ErrEncrypt)
	}
	now := e.now()
	to := make([]*openpgp.Entity, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if !r.CanEncrypt(now) {
			return "", fmt.Errorf("%w: recipient %s has no encryption-capable key", backend.ErrEncrypt, r.Fingerprint())
		}
		to = append(to, r.Entity())
	}

	var signed *openpgp.Entity
	if req.Signer != nil {
		unlocked, err := e.unlockedClone(ctx, req.Signer, req.Unlock)
		if err != nil {
			return "", err
		}
		signed = unlocked
	}

	var out bytes.Buffer
	aw, err := armor.Encode(&out, messageType, nil)
	if err != nil {
		return "", fmt.Errorf("armor encode: %w", err)
	}
	pt, err := openpgp.Encrypt(aw, to, signed, nil, e.config())
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrEncrypt, err)
	}
	if _, err := pt.Write(req.Data); err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrEncrypt, err)
	}
	if err := pt.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrEncrypt, err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("armor close: %w", err)
	}
	out.WriteString("\n")
	return out.String(), nil
}

// Sign produce un mensaje clear-signed (texto legible + firma armored).
func (e *Engine) Sign(ctx context.Context, req backend.SignRequest) (string, error) {
	if req.Signer == nil {
		return "", fmt.Errorf("sign: nil signer")
	}
	unlocked, err := e.unlockedClone(ctx, req.Signer, req.Unlock)
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	w, err := clearsign.Encode(&out, unlocked.PrivateKey, e.config())
	if err != nil {
		return "", fmt.Errorf("clearsign: %w", err)
	}
	if _, err := w.Write(req.Data); err != nil {
		return "", fmt.Errorf("clearsign write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("clearsign close: %w", err)
	}
	out.WriteString("\n")
	return out.String(), nil
}

// Generate crea una clave nueva según la request. El default es EdDSA
// (Curve25519); RSA queda para interoperabilidad con deployments viejos.
func (e *Engine) Generate(ctx context.Context, req backend.GenerateRequest) (*pgp.Key, error) {
	if len(req.UserIDs) == 0 {
		return nil, fmt.Errorf("generate: at least one user id required")
	}
	cfg := e.config()
	if req.Lifetime > 0 {
		cfg.KeyLifetimeSecs = uint32(req.Lifetime / time.Second)
	}
	switch strings.ToLower(req.Algorithm) {
	case "", "eddsa", "ed25519":
		cfg.Algorithm = packet.PubKeyAlgoEdDSA
	case "rsa":
		bits := req.RSABits
		if bits == 0 {
			bits = 3072
		}
		if bits < 2048 {
			return nil, fmt.Errorf("generate: rsa bits %d below minimum 2048", bits)
		}
		cfg.Algorithm = packet.PubKeyAlgoRSA
		cfg.RSABits = bits
	default:
		return nil, fmt.Errorf("%w: algorithm %q", backend.ErrUnsupported, req.Algorithm)
	}

	first := req.UserIDs[0]
	ent, err := openpgp.NewEntity(first.Name, "", first.Email, cfg)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	for _, u := range req.UserIDs[1:] {
		if err := ent.AddUserId(u.Name, "", u.Email, cfg); err != nil {
			return nil, fmt.Errorf("generate: add user id %q: %w", u.Email, err)
		}
	}
	if len(req.Passphrase) > 0 {
		if err := ent.EncryptPrivateKeys(req.Passphrase, cfg); err != nil {
			return nil, fmt.Errorf("generate: lock private keys: %w", err)
		}
	}

	// Normalizar vía serialize+reparse para que el Key resultante sea
	// indistinguible de uno importado.
	var buf bytes.Buffer
	if err := ent.SerializePrivateWithoutSigning(&buf, nil); err != nil {
		return nil, fmt.Errorf("generate: serialize: %w", err)
	}
	keys, err := pgp.ParseBinary(buf.Bytes())
	if err != nil {
		return nil, err
	}
	e.log.Info("key generated",
		logger.Fingerprint(keys[0].Fingerprint()),
		logger.String("algorithm", keys[0].Algorithm()))
	return keys[0], nil
}

// Import solo valida y reporta: la inserción en el KeyStore es trabajo del
// keyring. Existe para que el contrato sea uniforme con el agente.
func (e *Engine) Import(ctx context.Context, armored string) (*backend.ImportReport, error) {
	keys, err := pgp.ParseArmored(armored)
	if err != nil {
		return nil, err
	}
	rep := &backend.ImportReport{Considered: len(keys)}
	for _, k := range keys {
		rep.Imported = append(rep.Imported, k.Fingerprint())
	}
	return rep, nil
}

// buildRing arma la EntityList para descifrar/verificar. Las claves privadas
// se clonan; el mapa permite volver del clon al Key original en el prompt.
func (e *Engine) buildRing(src backend.KeySource) (openpgp.EntityList, map[*openpgp.Entity]*pgp.Key, error) {
	if src == nil {
		return nil, nil, fmt.Errorf("%w: empty key source", backend.ErrNoKeyFound)
	}
	var ring openpgp.EntityList
	byEntity := make(map[*openpgp.Entity]*pgp.Key)
	for _, k := range src.AllKeys() {
		if !k.IsPrivate() {
			ring = append(ring, k.Entity())
			continue
		}
		clone, err := k.Clone()
		if err != nil {
			return nil, nil, err
		}
		ring = append(ring, clone.Entity())
		byEntity[clone.Entity()] = k
	}
	return ring, byEntity, nil
}

// unlockedClone clona la clave y destraba el material privado si hace falta.
func (e *Engine) unlockedClone(ctx context.Context, k *pgp.Key, unlock backend.UnlockFunc) (*openpgp.Entity, error) {
	if !k.IsPrivate() {
		return nil, fmt.Errorf("%w: key %s has no private material", backend.ErrNoKeyFound, k.Fingerprint())
	}
	clone, err := k.Clone()
	if err != nil {
		return nil, err
	}
	ent := clone.Entity()
	if ent.PrivateKey.Encrypted {
		if unlock == nil {
			return nil, fmt.Errorf("%w: key %s", backend.ErrPassphraseRequired, k.Fingerprint())
		}
		pass, err := unlock(ctx, k)
		if err != nil {
			return nil, err
		}
		if err := ent.DecryptPrivateKeys(pass); err != nil {
			return nil, fmt.Errorf("%w: key %s", backend.ErrWrongPassphrase, k.Fingerprint())
		}
	}
	return ent, nil
}

func mapReadError(err error) error {
	if err == pgperrors.ErrKeyIncorrect {
		return fmt.Errorf("%w: message is not addressed to any held key", backend.ErrNoKeyFound)
	}
	return fmt.Errorf("read message: %w", err)
}

func signatureStatus(md *openpgp.MessageDetails) backend.SignatureStatus {
	st := backend.SignatureStatus{KeyID: fmt.Sprintf("%016x", md.SignedByKeyId)}
	if md.SignedBy == nil {
		st.Reason = "signer key not in keyring"
		return st
	}
	st.Fingerprint = fmt.Sprintf("%x", md.SignedBy.PublicKey.Fingerprint)
	if md.SignatureError != nil {
		st.Reason = md.SignatureError.Error()
		return st
	}
	st.Valid = true
	if md.Signature != nil {
		t := md.Signature.CreationTime
		st.CreatedAt = &t
	}
	return st
}
