// Package agent implementa el backend delegado: las operaciones con material
// privado se tercerizan a un key-daemon externo vía HTTP+JSON. El daemon es
// dueño de las claves privadas; el keyring local solo guarda proyecciones
// públicas.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

type Config struct {
	// BaseURL del daemon (ej. http://127.0.0.1:7873). Ignorada si Socket
	// está seteado.
	BaseURL string
	// Socket unix opcional. Cuando está presente el transporte disca ahí
	// y la URL pasa a ser nominal.
	Socket  string
	Token   string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Socket != "" {
		hc.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", cfg.Socket)
			},
		}
		base = "http://agent"
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    hc,
		log:     logger.Named("backend.agent"),
	}
}

func (c *Client) Name() string { return "agent" }

// Caps: el daemon no permite borrar sus claves desde acá y el material
// privado nunca se persiste local.
func (c *Client) Caps() backend.Caps { return backend.Caps{} }

// ===== Wire DTOs =====

type decryptReq struct {
	Armored    string   `json:"armored"`
	VerifyKeys []string `json:"verifyKeys,omitempty"`
}

type decryptResp struct {
	Data       []byte                    `json:"data"`
	Signatures []backend.SignatureStatus `json:"signatures,omitempty"`
}

type encryptReq struct {
	Data              []byte   `json:"data"`
	Recipients        []string `json:"recipients"`
	SignerFingerprint string   `json:"signerFingerprint,omitempty"`
}

type armoredResp struct {
	Armored string `json:"armored"`
}

type signReq struct {
	Data              []byte `json:"data"`
	SignerFingerprint string `json:"signerFingerprint"`
}

type generateReq struct {
	UserIDs         []pgp.UserID `json:"userIds"`
	Algorithm       string       `json:"algorithm,omitempty"`
	RSABits         int          `json:"rsaBits,omitempty"`
	LifetimeSeconds int64        `json:"lifetimeSeconds,omitempty"`
}

type generateResp struct {
	PublicKeyArmored string `json:"publicKeyArmored"`
}

type importReq struct {
	Armored string `json:"armored"`
}

type errorResp struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	Code        string `json:"error_code"`
}

// ===== Operaciones =====

// Decrypt delega el descifrado al daemon. Las claves públicas del keyring
// viajan junto al mensaje para que el daemon pueda verificar firmas.
func (c *Client) Decrypt(ctx context.Context, req backend.DecryptRequest) (*backend.DecryptResult, error) {
	in := decryptReq{Armored: req.Armored}
	if req.Source != nil {
		for _, k := range req.Source.AllKeys() {
			armored, err := k.Armored()
			if err != nil {
				continue
			}
			in.VerifyKeys = append(in.VerifyKeys, armored)
		}
	}
	var out decryptResp
	if err := c.do(ctx, http.MethodPost, "/v1/decrypt", in, &out); err != nil {
		return nil, err
	}
	return &backend.DecryptResult{Data: out.Data, Signatures: out.Signatures}, nil
}

func (c *Client) Encrypt(ctx context.Context, req backend.EncryptRequest) (string, error) {
	if len(req.Recipients) == 0 {
		return "", fmt.Errorf("%w: no recipients", backend.ErrEncrypt)
	}
	in := encryptReq{Data: req.Data}
	for _, r := range req.Recipients {
		armored, err := r.Armored()
		if err != nil {
			return "", fmt.Errorf("%w: recipient %s: %v", backend.ErrEncrypt, r.Fingerprint(), err)
		}
		in.Recipients = append(in.Recipients, armored)
	}
	if req.Signer != nil {
		in.SignerFingerprint = req.Signer.Fingerprint()
	}
	var out armoredResp
	if err := c.do(ctx, http.MethodPost, "/v1/encrypt", in, &out); err != nil {
		return "", err
	}
	return out.Armored, nil
}

func (c *Client) Sign(ctx context.Context, req backend.SignRequest) (string, error) {
	if req.Signer == nil {
		return "", fmt.Errorf("sign: nil signer")
	}
	in := signReq{Data: req.Data, SignerFingerprint: req.Signer.Fingerprint()}
	var out armoredResp
	if err := c.do(ctx, http.MethodPost, "/v1/sign", in, &out); err != nil {
		return "", err
	}
	return out.Armored, nil
}

// Generate pide una clave nueva. El daemon retiene el material privado y
// devuelve solo la proyección pública.
func (c *Client) Generate(ctx context.Context, req backend.GenerateRequest) (*pgp.Key, error) {
	in := generateReq{
		UserIDs:   req.UserIDs,
		Algorithm: req.Algorithm,
		RSABits:   req.RSABits,
	}
	if req.Lifetime > 0 {
		in.LifetimeSeconds = int64(req.Lifetime / time.Second)
	}
	var out generateResp
	if err := c.do(ctx, http.MethodPost, "/v1/generate", in, &out); err != nil {
		return nil, err
	}
	keys, err := pgp.ParseArmored(out.PublicKeyArmored)
	if err != nil {
		return nil, fmt.Errorf("agent returned unparseable key: %w", err)
	}
	if len(keys) != 1 {
		return nil, fmt.Errorf("agent returned %d keys, want 1", len(keys))
	}
	c.log.Info("key generated by agent", logger.Fingerprint(keys[0].Fingerprint()))
	return keys[0], nil
}

func (c *Client) Import(ctx context.Context, armored string) (*backend.ImportReport, error) {
	var out backend.ImportReport
	if err := c.do(ctx, http.MethodPost, "/v1/import", importReq{Armored: armored}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ===== Transporte =====

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("agent: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode/100 != 2 {
		return c.mapError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("agent: decode response: %w", err)
	}
	return nil
}

// mapError traduce el envelope de error del daemon a los sentinels locales
// para que el resto del sistema no distinga entre backends.
func (c *Client) mapError(status int, raw []byte) error {
	var e errorResp
	if json.Unmarshal(raw, &e) == nil && e.Code != "" {
		switch e.Code {
		case "no_key_found":
			return fmt.Errorf("%w: %s", backend.ErrNoKeyFound, e.Description)
		case "encrypt_failed":
			return fmt.Errorf("%w: %s", backend.ErrEncrypt, e.Description)
		case "unsupported":
			return fmt.Errorf("%w: %s", backend.ErrUnsupported, e.Description)
		case "passphrase_required":
			return fmt.Errorf("%w: %s", backend.ErrPassphraseRequired, e.Description)
		case "wrong_passphrase":
			return fmt.Errorf("%w: %s", backend.ErrWrongPassphrase, e.Description)
		}
	}
	c.log.Warn("agent returned unexpected error",
		logger.Int("status", status),
		logger.String("body", string(raw)))
	return fmt.Errorf("agent: status=%d body=%s", status, string(raw))
}
