package fs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dropDatabas3/ringkeeper/internal/storage"
	"github.com/dropDatabas3/ringkeeper/internal/storage/fs"
)

func TestRecordRoundTrip(t *testing.T) {
	p, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := p.ReadRecord(ctx, "main", storage.RecordPublicKeys); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("read missing: err = %v, want ErrNotFound", err)
	}

	want := []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----\n...\n-----END PGP PUBLIC KEY BLOCK-----\n")
	if err := p.WriteRecord(ctx, "main", storage.RecordPublicKeys, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := p.ReadRecord(ctx, "main", storage.RecordPublicKeys)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("data mismatch: got %q", got)
	}
}

func TestUnknownRecordRejected(t *testing.T) {
	p, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.WriteRecord(context.Background(), "main", "passwords", []byte("x")); err == nil {
		t.Fatal("expected error for unknown record name")
	}
}

func TestInvalidKeyringID(t *testing.T) {
	p, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.WriteRecord(context.Background(), "../escape", storage.RecordAttributes, []byte("x")); err == nil {
		t.Fatal("expected error for path-like keyring id")
	}
}

func TestDeleteAndList(t *testing.T) {
	p, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta"} {
		if err := p.WriteRecord(ctx, id, storage.RecordAttributes, []byte("primary_key_fingerprint: \"\"\n")); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}

	ids, err := p.ListKeyrings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Fatalf("list = %v", ids)
	}

	if err := p.DeleteKeyring(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Soft delete: el keyring desaparece del listado y sus reads fallan.
	ids, err = p.ListKeyrings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "beta" {
		t.Fatalf("list after delete = %v", ids)
	}
	if _, err := p.ReadRecord(ctx, "alpha", storage.RecordAttributes); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("read deleted: err = %v, want ErrNotFound", err)
	}

	if err := p.DeleteKeyring(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete missing: err = %v, want ErrNotFound", err)
	}
}
