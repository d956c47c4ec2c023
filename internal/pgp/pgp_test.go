package pgp_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

// genKey genera una clave EdDSA de test (rápida, sin passphrase).
func genKey(t *testing.T, name, email string, lifetimeSecs uint32) *pgp.Key {
	t.Helper()
	cfg := &packet.Config{
		Algorithm:       packet.PubKeyAlgoEdDSA,
		KeyLifetimeSecs: lifetimeSecs,
	}
	e, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	k, err := pgp.FromEntity(e)
	if err != nil {
		t.Fatalf("FromEntity: %v", err)
	}
	return k
}

func TestArmoredRoundTrip(t *testing.T) {
	k := genKey(t, "Ana Prueba", "ana@example.com", 0)

	if k.Kind() != pgp.KindPrivate {
		t.Fatalf("generated key kind = %s, want private", k.Kind())
	}
	if len(k.Fingerprint()) != 40 {
		t.Fatalf("fingerprint length = %d, want 40", len(k.Fingerprint()))
	}
	if k.Fingerprint() != strings.ToLower(k.Fingerprint()) {
		t.Fatalf("fingerprint not lowercase: %s", k.Fingerprint())
	}

	pub, err := k.Armored()
	if err != nil {
		t.Fatalf("Armored: %v", err)
	}
	keys, err := pgp.ParseArmored(pub)
	if err != nil {
		t.Fatalf("ParseArmored(public): %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("parsed %d keys, want 1", len(keys))
	}
	if keys[0].Kind() != pgp.KindPublic {
		t.Fatalf("parsed kind = %s, want public", keys[0].Kind())
	}
	if keys[0].Fingerprint() != k.Fingerprint() {
		t.Fatalf("fingerprint changed across round trip")
	}

	priv, err := k.ArmoredPrivate()
	if err != nil {
		t.Fatalf("ArmoredPrivate: %v", err)
	}
	keys, err = pgp.ParseArmored(priv)
	if err != nil {
		t.Fatalf("ParseArmored(private): %v", err)
	}
	if keys[0].Kind() != pgp.KindPrivate {
		t.Fatalf("parsed private kind = %s", keys[0].Kind())
	}
}

func TestSplitArmoredBlocks(t *testing.T) {
	a, err := genKey(t, "A", "a@example.com", 0).Armored()
	if err != nil {
		t.Fatal(err)
	}
	b, err := genKey(t, "B", "b@example.com", 0).Armored()
	if err != nil {
		t.Fatal(err)
	}

	mixed := "texto basura antes\n" + a + "entre bloques\n" + b + "después\n"
	blocks := pgp.SplitArmoredBlocks(mixed)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	for i, blk := range blocks {
		if _, err := pgp.ParseArmored(blk); err != nil {
			t.Fatalf("block %d does not parse: %v", i, err)
		}
	}
}

func TestParseArmored_Garbage(t *testing.T) {
	_, err := pgp.ParseArmored("no es un bloque armored")
	if !errors.Is(err, pgp.ErrArmorParse) {
		t.Fatalf("err = %v, want ErrArmorParse", err)
	}
}

func TestParseArmored_WrongBlockType(t *testing.T) {
	blob := "-----BEGIN PGP MESSAGE-----\n\nxA0DAAoW\n=aaaa\n-----END PGP MESSAGE-----\n"
	_, err := pgp.ParseArmored(blob)
	if !errors.Is(err, pgp.ErrArmorParse) {
		t.Fatalf("err = %v, want ErrArmorParse", err)
	}
}

func TestMerge_AddsCertification(t *testing.T) {
	signer := genKey(t, "Firmante", "signer@example.com", 0)
	subject := genKey(t, "Sujeto", "subject@example.com", 0)

	pubArmored, err := subject.Armored()
	if err != nil {
		t.Fatal(err)
	}
	base, err := pgp.ParseArmored(pubArmored)
	if err != nil {
		t.Fatal(err)
	}

	// Copia certificada por un tercero.
	certified, err := pgp.ParseArmored(pubArmored)
	if err != nil {
		t.Fatal(err)
	}
	ident := certified[0].Entity().PrimaryIdentity()
	if ident == nil {
		t.Fatal("no primary identity")
	}
	if err := certified[0].Entity().SignIdentity(ident.Name, signer.Entity(), nil); err != nil {
		t.Fatalf("SignIdentity: %v", err)
	}

	merged, changed, err := pgp.Merge(base[0], certified[0])
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !changed {
		t.Fatal("merge reported no change after new certification")
	}

	got := len(merged.Entity().PrimaryIdentity().Signatures)
	want := len(base[0].Entity().PrimaryIdentity().Signatures) + 1
	if got != want {
		t.Fatalf("signature count = %d, want %d", got, want)
	}

	// Idempotencia: volver a aplicar la misma copia no cambia nada.
	again, changed, err := pgp.Merge(merged, certified[0])
	if err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	if changed {
		t.Fatal("second merge reported change")
	}
	if again.Fingerprint() != merged.Fingerprint() {
		t.Fatal("fingerprint drift on idempotent merge")
	}
}

func TestMerge_PromotesPublicToPrivate(t *testing.T) {
	priv := genKey(t, "Dueña", "owner@example.com", 0)
	pub, err := priv.Public()
	if err != nil {
		t.Fatalf("Public: %v", err)
	}
	if pub.IsPrivate() {
		t.Fatal("public projection still private")
	}

	merged, changed, err := pgp.Merge(pub, priv)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !changed || !merged.IsPrivate() {
		t.Fatalf("promotion failed: changed=%v private=%v", changed, merged.IsPrivate())
	}
	// La promoción debe dejar la clave serializable como privada completa.
	if _, err := merged.ArmoredPrivate(); err != nil {
		t.Fatalf("ArmoredPrivate after promotion: %v", err)
	}
}

func TestMerge_FingerprintMismatch(t *testing.T) {
	a := genKey(t, "A", "a@example.com", 0)
	b := genKey(t, "B", "b@example.com", 0)
	if _, _, err := pgp.Merge(a, b); err == nil {
		t.Fatal("expected error merging different keys")
	}
}

func TestExpiryAndValidity(t *testing.T) {
	day := uint32(24 * 3600)
	k := genKey(t, "Efímera", "short@example.com", day)

	exp, ok := k.ExpiresAt()
	if !ok {
		t.Fatal("expected expiry")
	}
	now := time.Now()
	if exp.Before(now.Add(23*time.Hour)) || exp.After(now.Add(25*time.Hour)) {
		t.Fatalf("expiry out of range: %v", exp)
	}
	if !k.IsValid(now) {
		t.Fatal("fresh key should be valid")
	}
	if k.IsValid(now.Add(48 * time.Hour)) {
		t.Fatal("expired key should be invalid")
	}

	forever := genKey(t, "Eterna", "long@example.com", 0)
	if _, ok := forever.ExpiresAt(); ok {
		t.Fatal("key without lifetime should not expire")
	}
}

func TestUserIDsOrder(t *testing.T) {
	k := genKey(t, "Zulema Última", "z@example.com", 0)
	if err := k.Entity().AddUserId("Alba Primera", "", "a@example.com", nil); err != nil {
		t.Fatalf("AddUserId: %v", err)
	}
	uids := k.UserIDs()
	if len(uids) != 2 {
		t.Fatalf("got %d user ids, want 2", len(uids))
	}
	if !uids[0].Primary {
		t.Fatal("first user id should be the primary one")
	}
	for _, u := range uids {
		if u.Email != strings.ToLower(u.Email) {
			t.Fatalf("email not normalized: %s", u.Email)
		}
	}
}
