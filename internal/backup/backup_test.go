package backup_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/backend/engine"
	"github.com/dropDatabas3/ringkeeper/internal/backup"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

func genKey(t *testing.T, passphrase string) *pgp.Key {
	t.Helper()
	var pw []byte
	if passphrase != "" {
		pw = []byte(passphrase)
	}
	k, err := engine.New().Generate(context.Background(), backend.GenerateRequest{
		UserIDs:    []pgp.UserID{{Name: "Backup", Email: "backup@example.com"}},
		Passphrase: pw,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return k
}

func TestBackupRoundTrip(t *testing.T) {
	k := genKey(t, "hunter2")

	res, err := backup.Create(k, "hunter2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.Code) != 26 {
		t.Fatalf("code length = %d, want 26", len(res.Code))
	}
	for i := 0; i < len(res.Code); i++ {
		if res.Code[i] < 'A' || res.Code[i] > 'Z' {
			t.Fatalf("code %q contains non A-Z characters", res.Code)
		}
	}
	if !strings.Contains(res.Message, "BEGIN PGP MESSAGE") {
		t.Fatalf("message is not an armored pgp message")
	}

	got, err := backup.Restore(res.Message, res.Code)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got.Key.Fingerprint() != k.Fingerprint() {
		t.Fatalf("restored fingerprint %s, want %s", got.Key.Fingerprint(), k.Fingerprint())
	}
	if !got.Key.IsPrivate() || !got.Key.Locked() {
		t.Fatalf("restored key should be private and still passphrase-locked")
	}
	if got.Passphrase != "hunter2" {
		t.Fatalf("restored passphrase %q", got.Passphrase)
	}
}

func TestBackupRoundTripEmptyPassphrase(t *testing.T) {
	k := genKey(t, "")
	res, err := backup.Create(k, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := backup.Restore(res.Message, res.Code)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got.Passphrase != "" {
		t.Fatalf("expected empty passphrase, got %q", got.Passphrase)
	}
	if got.Key.Locked() {
		t.Fatalf("unprotected key should restore unlocked")
	}
}

func TestRestoreWrongCode(t *testing.T) {
	k := genKey(t, "pw")
	res, err := backup.Create(k, "pw")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// mismo largo, primera letra distinta
	flip := byte('A')
	if res.Code[0] == 'A' {
		flip = 'B'
	}
	wrong := string(flip) + res.Code[1:]

	_, err = backup.Restore(res.Message, wrong)
	if !errors.Is(err, backup.ErrWrongRestoreCode) {
		t.Fatalf("expected ErrWrongRestoreCode, got %v", err)
	}
	if errors.Is(err, backup.ErrMalformedBackup) {
		t.Fatalf("wrong code must not be reported as malformed")
	}
}

func TestRestoreRejectsBadCodeShape(t *testing.T) {
	k := genKey(t, "pw")
	res, err := backup.Create(k, "pw")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, code := range []string{"", "SHORT", strings.Repeat("a1", 13)} {
		if _, err := backup.Restore(res.Message, code); !errors.Is(err, backup.ErrWrongRestoreCode) {
			t.Fatalf("code %q: expected ErrWrongRestoreCode, got %v", code, err)
		}
	}
}

func TestRestoreRejectsPublicKeyEncryptedMessage(t *testing.T) {
	k := genKey(t, "")
	// un mensaje cifrado a destinatario: PKESK + SEIPD, no es un backup
	msg, err := engine.New().Encrypt(context.Background(), backend.EncryptRequest{
		Data:       []byte("whatever"),
		Recipients: []*pgp.Key{k},
	})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = backup.Restore(msg, strings.Repeat("A", 26))
	if !errors.Is(err, backup.ErrMalformedBackup) {
		t.Fatalf("expected ErrMalformedBackup, got %v", err)
	}
}

func TestRestoreRejectsWrongArmorType(t *testing.T) {
	k := genKey(t, "")
	armored, err := k.ArmoredPrivate()
	if err != nil {
		t.Fatalf("armor: %v", err)
	}
	_, err = backup.Restore(armored, strings.Repeat("A", 26))
	if !errors.Is(err, backup.ErrMalformedBackup) {
		t.Fatalf("expected ErrMalformedBackup for a key block, got %v", err)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	_, err := backup.Restore("definitely not armor", strings.Repeat("A", 26))
	if !errors.Is(err, backup.ErrMalformedBackup) {
		t.Fatalf("expected ErrMalformedBackup, got %v", err)
	}
}

func TestRestoreRejectsTamperedSessionKeyPacket(t *testing.T) {
	k := genKey(t, "pw")
	res, err := backup.Create(k, "pw")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// reconstruir el mensaje con un byte extra en el paquete de session key,
	// como si trajera una clave de sesión envuelta
	block, err := armor.Decode(strings.NewReader(res.Message))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	or := packet.NewOpaqueReader(block.Body)
	first, err := or.Next()
	if err != nil {
		t.Fatalf("first packet: %v", err)
	}
	second, err := or.Next()
	if err != nil {
		t.Fatalf("second packet: %v", err)
	}
	first.Contents = append(first.Contents, 0x00)

	var raw bytes.Buffer
	aw, err := armor.Encode(&raw, "PGP MESSAGE", nil)
	if err != nil {
		t.Fatalf("armor: %v", err)
	}
	if err := first.Serialize(aw); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := second.Serialize(aw); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = backup.Restore(raw.String(), res.Code)
	if !errors.Is(err, backup.ErrMalformedBackup) {
		t.Fatalf("expected ErrMalformedBackup, got %v", err)
	}
}

func TestCreateRequiresPrivateKey(t *testing.T) {
	k := genKey(t, "")
	pub, err := k.Public()
	if err != nil {
		t.Fatalf("public: %v", err)
	}
	if _, err := backup.Create(pub, ""); err == nil {
		t.Fatalf("public key should be rejected")
	}
	if _, err := backup.Create(nil, ""); err == nil {
		t.Fatalf("nil key should be rejected")
	}
}

func TestCreateRejectsMultilinePassphrase(t *testing.T) {
	k := genKey(t, "")
	if _, err := backup.Create(k, "line1\nline2"); err == nil {
		t.Fatalf("passphrase with line breaks should be rejected")
	}
}

func TestGenerateCodeShape(t *testing.T) {
	a, err := backup.GenerateCode()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := backup.GenerateCode()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Fatalf("two codes should differ")
	}
	for _, c := range []string{a, b} {
		if len(c) != 26 {
			t.Fatalf("code %q length %d", c, len(c))
		}
		for i := 0; i < len(c); i++ {
			if c[i] < 'A' || c[i] > 'Z' {
				t.Fatalf("code %q has invalid char at %d", c, i)
			}
		}
	}
}
