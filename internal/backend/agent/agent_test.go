package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/backend/agent"
	"github.com/dropDatabas3/ringkeeper/internal/backend/engine"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

func testKey(t *testing.T) *pgp.Key {
	t.Helper()
	k, err := engine.New().Generate(context.Background(), backend.GenerateRequest{
		UserIDs: []pgp.UserID{{Name: "Test", Email: "test@example.com"}},
	})
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return k
}

func TestSignForwardsTokenAndDecodes(t *testing.T) {
	signer := testKey(t)

	var gotAuth, gotPath, gotFpr string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var body struct {
			SignerFingerprint string `json:"signerFingerprint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotFpr = body.SignerFingerprint
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"armored": "-----BEGIN PGP SIGNED MESSAGE-----\n..."})
	}))
	defer srv.Close()

	c := agent.New(agent.Config{BaseURL: srv.URL, Token: "sekrit"})
	out, err := c.Sign(context.Background(), backend.SignRequest{
		Data:   []byte("payload"),
		Signer: signer,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if out == "" {
		t.Fatalf("empty armored response")
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("authorization = %q, want bearer token", gotAuth)
	}
	if gotPath != "/v1/sign" {
		t.Fatalf("path = %q, want /v1/sign", gotPath)
	}
	if gotFpr != signer.Fingerprint() {
		t.Fatalf("signerFingerprint = %q, want %q", gotFpr, signer.Fingerprint())
	}
}

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"no_key_found", backend.ErrNoKeyFound},
		{"passphrase_required", backend.ErrPassphraseRequired},
		{"wrong_passphrase", backend.ErrWrongPassphrase},
		{"unsupported", backend.ErrUnsupported},
		{"encrypt_failed", backend.ErrEncrypt},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             "bad_request",
				"error_description": "detail",
				"error_code":        tc.code,
			})
		}))
		c := agent.New(agent.Config{BaseURL: srv.URL})
		_, err := c.Import(context.Background(), "x")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %s: got %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestUnknownErrorKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := agent.New(agent.Config{BaseURL: srv.URL})
	_, err := c.Import(context.Background(), "x")
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
	for _, sentinel := range []error{backend.ErrNoKeyFound, backend.ErrWrongPassphrase, backend.ErrUnsupported} {
		if errors.Is(err, sentinel) {
			t.Fatalf("500 without error_code should not map to %v", sentinel)
		}
	}
}

func TestCapsAreRestricted(t *testing.T) {
	c := agent.New(agent.Config{BaseURL: "http://localhost:0"})
	caps := c.Caps()
	if caps.RemovePrivateKeys || caps.StorePrivateLocally {
		t.Fatalf("agent caps should be fully restricted, got %+v", caps)
	}
	if c.Name() != "agent" {
		t.Fatalf("name = %q", c.Name())
	}
}
