package secretbox

import (
	"encoding/base64"
	"os"
	"strings"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	raw := make([]byte, 32)
	for i := 0; i < 32; i++ {
		raw[i] = byte(i + 1)
	}
	if err := UnsafeSetMasterKeyForTests(raw); err != nil {
		t.Fatalf("set key: %v", err)
	}

	msg := "hola mundo ✓ — secreto"
	ct, err := Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	pt, err := Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt err: %v", err)
	}
	if pt != msg {
		t.Fatalf("plaintext mismatch: got %q want %q", pt, msg)
	}
}

func TestDecrypt_DetectsTamper(t *testing.T) {
	raw := make([]byte, 32)
	for i := 0; i < 32; i++ {
		raw[i] = byte(255 - i)
	}
	if err := UnsafeSetMasterKeyForTests(raw); err != nil {
		t.Fatalf("set key: %v", err)
	}

	ct, err := Encrypt("top secret")
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	parts := strings.Split(ct, "|")
	if len(parts) != 2 {
		t.Fatalf("unexpected ct format")
	}
	// corromper un byte del ciphertext (base64 -> bytes -> flip -> base64)
	bs, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	if len(bs) == 0 {
		t.Fatal("empty ct")
	}
	bs[0] ^= 0x01
	corrupted := parts[0] + "|" + base64.StdEncoding.EncodeToString(bs)

	if _, err := Decrypt(corrupted); err == nil {
		t.Fatalf("expected auth error, got nil")
	}
}

func TestDeriveFromPassword(t *testing.T) {
	UnsafeResetForTests()
	os.Unsetenv("RINGKEEPER_MASTER_KEY")
	os.Setenv("RINGKEEPER_MASTER_PASSWORD", "correct horse battery staple")
	defer os.Unsetenv("RINGKEEPER_MASTER_PASSWORD")

	ct, err := Encrypt("dsn secreto")
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}
	pt, err := Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt err: %v", err)
	}
	if pt != "dsn secreto" {
		t.Fatalf("plaintext mismatch: got %q", pt)
	}

	// La derivación es determinística: misma password, misma clave.
	k1, err := deriveKey("pw-1")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := deriveKey("pw-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(k1) != string(k2) {
		t.Fatalf("derivation not deterministic")
	}
}

func TestDecryptWithKey_AcceptsEncodings(t *testing.T) {
	raw := make([]byte, 32)
	for i := 0; i < 32; i++ {
		raw[i] = byte(i * 3)
	}
	if err := UnsafeSetMasterKeyForTests(raw); err != nil {
		t.Fatalf("set key: %v", err)
	}
	ct, err := Encrypt("valor")
	if err != nil {
		t.Fatalf("Encrypt err: %v", err)
	}

	b64 := base64.StdEncoding.EncodeToString(raw)
	if pt, err := DecryptWithKey(b64, ct); err != nil || pt != "valor" {
		t.Fatalf("base64 key: pt=%q err=%v", pt, err)
	}
	if pt, err := DecryptWithKey(string(raw), ct); err != nil || pt != "valor" {
		t.Fatalf("raw key: pt=%q err=%v", pt, err)
	}
}

func TestEncrypt_ErrorWhenNoKey(t *testing.T) {
	UnsafeResetForTests()
	os.Unsetenv("RINGKEEPER_MASTER_KEY")
	os.Unsetenv("RINGKEEPER_MASTER_PASSWORD")

	if _, err := Encrypt("x"); err == nil {
		t.Fatalf("expected error when key missing")
	}
}
