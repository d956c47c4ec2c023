// Package secretbox cifra valores de configuración en reposo (DSN, tokens
// del agente, password SMTP) con AES-256-GCM. El formato de salida es
// base64(nonce)|base64(ciphertext).
//
// La clave maestra sale de RINGKEEPER_MASTER_KEY (base64, 32 bytes) o, si no
// está seteada, se deriva de RINGKEEPER_MASTER_PASSWORD con scrypt.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	masterKeyEnvVar      = "RINGKEEPER_MASTER_KEY"
	masterPasswordEnvVar = "RINGKEEPER_MASTER_PASSWORD"
	nonceSizeGCM         = 12  // AES-GCM nonce recomendado (96 bits)
	requiredKeyLength    = 32  // 32 bytes => AES-256
	sep                  = "|" // nonce|ciphertext (ambos en base64)

	// Salt fijo para la derivación por password. Cambiarlo invalida todos
	// los valores *_enc existentes.
	derivationSalt = "ringkeeper/secretbox/v1"
)

var (
	masterKey     []byte
	masterKeyOnce sync.Once
	loadErr       error
	mu            sync.RWMutex
)

// ensureLoaded carga la clave maestra una sola vez.
func ensureLoaded() error {
	if IsReady() {
		return nil
	}
	masterKeyOnce.Do(func() {
		if kb64 := strings.TrimSpace(os.Getenv(masterKeyEnvVar)); kb64 != "" {
			k, err := base64.StdEncoding.DecodeString(kb64)
			if err != nil {
				loadErr = fmt.Errorf("decode %s: %w", masterKeyEnvVar, err)
				return
			}
			if len(k) != requiredKeyLength {
				loadErr = fmt.Errorf("%s debe decodificar a %d bytes, obtuvo %d", masterKeyEnvVar, requiredKeyLength, len(k))
				return
			}
			setKey(k)
			return
		}

		if pw := os.Getenv(masterPasswordEnvVar); pw != "" {
			k, err := deriveKey(pw)
			if err != nil {
				loadErr = fmt.Errorf("derive %s: %w", masterPasswordEnvVar, err)
				return
			}
			setKey(k)
			return
		}

		loadErr = fmt.Errorf("ni %s ni %s seteadas; genere una clave con: openssl rand -base64 32",
			masterKeyEnvVar, masterPasswordEnvVar)
	})
	return loadErr
}

func setKey(k []byte) {
	mu.Lock()
	masterKey = make([]byte, len(k))
	copy(masterKey, k)
	mu.Unlock()
}

// deriveKey deriva 32 bytes desde un password con scrypt.
// Parámetros interactivos estándar (N=2^15, r=8, p=1).
func deriveKey(password string) ([]byte, error) {
	return scrypt.Key([]byte(password), []byte(derivationSalt), 1<<15, 8, 1, requiredKeyLength)
}

// IsReady expone si la clave está cargada (para healthchecks/config print).
func IsReady() bool {
	mu.RLock()
	defer mu.RUnlock()
	return len(masterKey) == requiredKeyLength
}

// Encrypt cifra plainText y devuelve base64(nonce)|base64(ciphertext).
func Encrypt(plainText string) (string, error) {
	if err := ensureLoaded(); err != nil {
		return "", err
	}
	return encryptWith(currentKey(), plainText)
}

// Decrypt recibe base64(nonce)|base64(ciphertext) y devuelve el texto plano.
func Decrypt(cipherText string) (string, error) {
	if err := ensureLoaded(); err != nil {
		return "", err
	}
	return decryptWith(currentKey(), cipherText)
}

// DecryptWithKey descifra con una clave explícita (base64, hex o raw 32 bytes).
func DecryptWithKey(key string, cipherText string) (string, error) {
	kBytes, err := parseKey(key)
	if err != nil {
		return "", err
	}
	return decryptWith(kBytes, cipherText)
}

func currentKey() []byte {
	mu.RLock()
	defer mu.RUnlock()
	k := make([]byte, len(masterKey))
	copy(k, masterKey)
	return k
}

// parseKey acepta base64 (std o raw), hex de 64 chars, o los 32 bytes crudos.
func parseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(key); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if len(key) == 64 {
		if h, err := hex.DecodeString(key); err == nil && len(h) == requiredKeyLength {
			return h, nil
		}
	}
	if len(key) == requiredKeyLength {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("clave inválida: %d bytes (requiere %d)", len(key), requiredKeyLength)
}

func encryptWith(key []byte, plainText string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}

	ct := aesgcm.Seal(nil, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

func decryptWith(key []byte, cipherText string) (string, error) {
	parts := strings.Split(cipherText, sep)
	if len(parts) != 2 {
		return "", errors.New("formato inválido: esperado base64(nonce)|base64(ciphertext)")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != nonceSizeGCM {
		return "", fmt.Errorf("nonce inválido: esperado %d bytes, obtuvo %d", nonceSizeGCM, len(nonce))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	pt, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return string(pt), nil
}

// --- Helpers para tests ---

// UnsafeResetForTests borra estado interno. Usar sólo en tests.
func UnsafeResetForTests() {
	mu.Lock()
	masterKey = nil
	mu.Unlock()
	masterKeyOnce = sync.Once{}
	loadErr = nil
}

// UnsafeSetMasterKeyForTests permite setear una clave cruda (32 bytes) en tests.
func UnsafeSetMasterKeyForTests(k []byte) error {
	if len(k) != requiredKeyLength {
		return fmt.Errorf("clave inválida para test: se requieren %d bytes", requiredKeyLength)
	}
	UnsafeResetForTests()
	setKey(k)
	return nil
}
