package keyring_test

import (
	"errors"
	"testing"

	"github.com/dropDatabas3/ringkeeper/internal/keyring"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

func newStore(t *testing.T, keys ...*pgp.Key) *keyring.KeyStore {
	t.Helper()
	s := keyring.NewKeyStore(newProvider(t), "store-test")
	for _, k := range keys {
		if err := s.SetKey(k); err != nil {
			t.Fatalf("set key %s: %v", k.Fingerprint(), err)
		}
	}
	return s
}

// grafta una subkey ajena sobre la proyección pública de una clave fresca:
// dos primarias distintas terminan reclamando el mismo key-id. Solo sirve en
// memoria (el binding signature no verifica contra la nueva primaria).
func keyWithStolenSubkey(t *testing.T, donor *pgp.Key, email string) *pgp.Key {
	t.Helper()
	thief, err := genKey(t, email).Public()
	if err != nil {
		t.Fatalf("public projection: %v", err)
	}
	ent := thief.Entity()
	ent.Subkeys = append(ent.Subkeys, donor.Entity().Subkeys[0])
	k, err := pgp.FromEntity(ent)
	if err != nil {
		t.Fatalf("wrap grafted entity: %v", err)
	}
	return k
}

func TestCheckKeyIDRejectsSubkeyCollision(t *testing.T) {
	a := genKey(t, "alice@example.com")
	s := newStore(t, a)

	b := keyWithStolenSubkey(t, a, "bob@example.com")
	err := s.CheckKeyID(b)
	if !errors.Is(err, keyring.ErrStructuralConflict) {
		t.Fatalf("CheckKeyID = %v, want ErrStructuralConflict", err)
	}

	// una clave sin ids compartidos pasa
	if err := s.CheckKeyID(genKey(t, "carol@example.com")); err != nil {
		t.Fatalf("CheckKeyID clean key: %v", err)
	}
	// re-chequear la misma clave contra sí misma no es colisión
	if err := s.CheckKeyID(a); err != nil {
		t.Fatalf("CheckKeyID self: %v", err)
	}
}

func TestAddPublicKeysRejectsKeyIDCollision(t *testing.T) {
	a := genKey(t, "alice@example.com")
	s := newStore(t, a)

	b := keyWithStolenSubkey(t, a, "bob@example.com")
	if _, err := s.AddPublicKeys([]*pgp.Key{b}); !errors.Is(err, keyring.ErrStructuralConflict) {
		t.Fatalf("AddPublicKeys = %v, want ErrStructuralConflict", err)
	}
	if k := s.KeyByFingerprint(b.Fingerprint()); k != nil {
		t.Fatalf("colliding key must not be stored")
	}
}

func TestGetKeysForIDPrimaryAndSubkeys(t *testing.T) {
	a := genKey(t, "alice@example.com")
	c := genKey(t, "carol@example.com")
	s := newStore(t, a, c)

	if got := s.GetKeysForID(a.KeyID(), false); len(got) != 1 || got[0].Fingerprint() != a.Fingerprint() {
		t.Fatalf("lookup by primary id = %v", got)
	}

	subs := a.SubkeyIDs()
	if len(subs) == 0 {
		t.Fatal("generated key has no subkeys")
	}
	if got := s.GetKeysForID(subs[0], false); len(got) != 0 {
		t.Fatalf("subkey id must not match with withSubkeys=false, got %v", got)
	}
	if got := s.GetKeysForID(subs[0], true); len(got) != 1 || got[0].Fingerprint() != a.Fingerprint() {
		t.Fatalf("lookup by subkey id = %v", got)
	}

	if got := s.GetKeysForID("00000000deadbeef", true); len(got) != 0 {
		t.Fatalf("unknown id must not match, got %v", got)
	}
}
