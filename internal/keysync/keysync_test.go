package keysync_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/dropDatabas3/ringkeeper/internal/keysync"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

func genKey(t *testing.T, email string) *pgp.Key {
	t.Helper()
	ent, err := openpgp.NewEntity("Test", "", email, &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		t.Fatalf("new entity: %v", err)
	}
	k, err := pgp.FromEntity(ent)
	if err != nil {
		t.Fatalf("wrap entity: %v", err)
	}
	return k
}

func TestLogLastWriteWins(t *testing.T) {
	l := keysync.NewLog()
	l.Add("AABB", keysync.ChangeInsert)
	l.Add("aabb", keysync.ChangeDelete)

	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
	e, ok := l.Get("aabb")
	if !ok || e.Type != keysync.ChangeDelete {
		t.Fatalf("expected the later DELETE to win, got %+v", e)
	}
}

func TestLogRoundTrip(t *testing.T) {
	l := keysync.NewLog()
	l.AddAt("aaaa", keysync.ChangeInsert, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	l.AddAt("bbbb", keysync.ChangeDelete, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	raw, err := keysync.EncodeLog(l)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := keysync.DecodeLog(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", got.Len())
	}
	e, _ := got.Get("aaaa")
	if e.Type != keysync.ChangeInsert || !e.Time.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("entry mismatch after round trip: %+v", e)
	}

	empty, err := keysync.DecodeLog(nil)
	if err != nil || empty.Len() != 0 {
		t.Fatalf("nil data should decode to an empty log, got %v / %v", empty, err)
	}
}

func TestBuildPayload(t *testing.T) {
	a := genKey(t, "a@example.com")
	b := genKey(t, "b@example.com")
	d := genKey(t, "d@example.com")
	goneFpr := strings.Repeat("ab", 20)

	log := keysync.NewLog()
	log.Add(a.Fingerprint(), keysync.ChangeInsert)
	log.Add(goneFpr, keysync.ChangeDelete)
	log.Add(d.Fingerprint(), keysync.ChangeDelete) // stale: la clave sigue viva

	p, consumed, err := keysync.BuildPayload([]*pgp.Key{a, b, d}, log)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	if len(p.InsertedKeys) != 1 {
		t.Fatalf("insertedKeys = %d, want 1", len(p.InsertedKeys))
	}
	ins, ok := p.InsertedKeys[a.Fingerprint()]
	if !ok {
		t.Fatalf("key A missing from insertedKeys")
	}
	if !strings.Contains(ins.Armored, "BEGIN PGP PUBLIC KEY BLOCK") {
		t.Fatalf("sync payload must carry the public form, got:\n%s", ins.Armored)
	}

	if len(p.DeletedKeys) != 1 {
		t.Fatalf("deletedKeys = %d, want 1", len(p.DeletedKeys))
	}
	if _, ok := p.DeletedKeys[goneFpr]; !ok {
		t.Fatalf("gone fingerprint missing from deletedKeys")
	}
	if _, ok := p.DeletedKeys[d.Fingerprint()]; ok {
		t.Fatalf("stale DELETE for a live key must not be emitted")
	}

	if len(consumed) != 3 {
		t.Fatalf("all log entries should be consumed, got %v", consumed)
	}
}

func TestDecodePayloadValidation(t *testing.T) {
	fpr := strings.Repeat("ab", 20)

	// mismo fingerprint en ambos mapas
	raw := []byte(`{"insertedKeys":{"` + fpr + `":{"armored":"x","time":"2026-03-01T10:00:00Z"}},"deletedKeys":{"` + strings.ToUpper(fpr) + `":{"time":"2026-03-01T10:00:00Z"}}}`)
	if _, err := keysync.DecodePayload(raw); !errors.Is(err, keysync.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for duplicated fingerprint, got %v", err)
	}

	// fingerprint inválido
	raw = []byte(`{"insertedKeys":{"zz":{"armored":"x","time":"2026-03-01T10:00:00Z"}},"deletedKeys":{}}`)
	if _, err := keysync.DecodePayload(raw); !errors.Is(err, keysync.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for bad fingerprint, got %v", err)
	}

	// inserted sin material
	raw = []byte(`{"insertedKeys":{"` + fpr + `":{"armored":"","time":"2026-03-01T10:00:00Z"}},"deletedKeys":{}}`)
	if _, err := keysync.DecodePayload(raw); !errors.Is(err, keysync.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for empty armored, got %v", err)
	}

	// uppercase se normaliza
	raw = []byte(`{"insertedKeys":{"` + strings.ToUpper(fpr) + `":{"armored":"x","time":"2026-03-01T10:00:00Z"}},"deletedKeys":{}}`)
	p, err := keysync.DecodePayload(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := p.InsertedKeys[fpr]; !ok {
		t.Fatalf("uppercase fingerprint should normalize to lowercase")
	}
}

func TestWireTimeAcceptsEpochMillis(t *testing.T) {
	fpr := strings.Repeat("cd", 20)
	at := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	raw := []byte(`{"insertedKeys":{},"deletedKeys":{"` + fpr + `":{"time":` + jsonNumber(at.UnixMilli()) + `}}}`)

	p, err := keysync.DecodePayload(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := p.DeletedKeys[fpr].Time.Time
	if !got.Equal(at) {
		t.Fatalf("epoch millis decoded to %v, want %v", got, at)
	}

	// al re-encodar sale RFC3339
	out, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(out), `"2026-05-01T12:30:00Z"`) {
		t.Fatalf("re-encoded payload should use RFC3339, got %s", out)
	}
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestPlanMergeConflicts(t *testing.T) {
	older := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	fprA := strings.Repeat("aa", 20)
	fprB := strings.Repeat("bb", 20)
	fprC := strings.Repeat("cc", 20)
	fprD := strings.Repeat("dd", 20)

	p := keysync.NewPayload()
	p.InsertedKeys[fprA] = keysync.InsertedKey{Armored: "x", Time: keysync.WireTime{Time: older}}
	p.InsertedKeys[fprB] = keysync.InsertedKey{Armored: "x", Time: keysync.WireTime{Time: newer}}
	p.DeletedKeys[fprC] = keysync.DeletedKey{Time: keysync.WireTime{Time: older}}
	p.DeletedKeys[fprD] = keysync.DeletedKey{Time: keysync.WireTime{Time: newer}}

	pending := keysync.NewLog()
	pending.AddAt(fprA, keysync.ChangeDelete, newer)  // delete local más nuevo: gana
	pending.AddAt(fprB, keysync.ChangeDelete, older)  // insert remoto más nuevo: gana
	pending.AddAt(fprC, keysync.ChangeInsert, newer)  // insert local más nuevo: gana
	pending.AddAt(fprD, keysync.ChangeInsert, newer)  // empate: gana el delete

	exists := func(string) bool { return true }
	items := keysync.PlanMerge(p, exists, pending)

	if len(items) != 2 {
		t.Fatalf("expected 2 actions, got %+v", items)
	}
	if items[0].Fingerprint != fprB || items[0].Delete {
		t.Fatalf("first action should be the import of B, got %+v", items[0])
	}
	if items[1].Fingerprint != fprD || !items[1].Delete {
		t.Fatalf("second action should be the delete of D (tie favors delete), got %+v", items[1])
	}
}

func TestPlanMergeDeleteOfAbsentKeyIsNoop(t *testing.T) {
	fpr := strings.Repeat("ee", 20)
	p := keysync.NewPayload()
	p.DeletedKeys[fpr] = keysync.DeletedKey{Time: keysync.WireTime{Time: time.Now()}}

	items := keysync.PlanMerge(p, func(string) bool { return false }, keysync.NewLog())
	if len(items) != 0 {
		t.Fatalf("delete of an absent key should plan nothing, got %+v", items)
	}
}

func TestPlanMergeOrderIsStable(t *testing.T) {
	now := time.Now()
	p := keysync.NewPayload()
	p.InsertedKeys[strings.Repeat("bb", 20)] = keysync.InsertedKey{Armored: "x", Time: keysync.WireTime{Time: now}}
	p.InsertedKeys[strings.Repeat("aa", 20)] = keysync.InsertedKey{Armored: "x", Time: keysync.WireTime{Time: now}}
	p.DeletedKeys[strings.Repeat("cc", 20)] = keysync.DeletedKey{Time: keysync.WireTime{Time: now}}

	items := keysync.PlanMerge(p, func(string) bool { return true }, keysync.NewLog())
	if len(items) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(items))
	}
	if items[0].Fingerprint != strings.Repeat("aa", 20) || items[1].Fingerprint != strings.Repeat("bb", 20) {
		t.Fatalf("imports should come first sorted by fingerprint, got %+v", items)
	}
	if !items[2].Delete {
		t.Fatalf("deletes should come last, got %+v", items[2])
	}
}
