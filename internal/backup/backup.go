// Package backup produce y restaura backups transcribibles de claves
// privadas: el material y su passphrase viajan cifrados simétricamente bajo
// un código de 26 letras que el usuario copia a mano.
package backup

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/ProtonMail/go-crypto/openpgp/s2k"

	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

var (
	// ErrMalformedBackup indica que el mensaje no tiene la estructura exacta
	// de un backup (dos paquetes: session key simétrica + datos con
	// integridad). Se detecta antes de intentar descifrar.
	ErrMalformedBackup = errors.New("malformed backup message")
	// ErrWrongRestoreCode indica estructura válida pero código incorrecto.
	ErrWrongRestoreCode = errors.New("wrong restore code")
)

const (
	messageType = "PGP MESSAGE"

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength   = 26

	formatVersion = "1"
	headerVersion = "Version"
	headerPwd     = "Pwd"
)

// GenerateCode retorna un código de backup de 26 letras A-Z uniformes
// (~122 bits de entropía). Muestreo con rechazo para no sesgar el módulo.
func GenerateCode() (string, error) {
	out := make([]byte, 0, codeLength)
	buf := make([]byte, 64)
	for len(out) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("backup: entropy: %w", err)
		}
		for _, b := range buf {
			if b >= 234 { // 234 = 26*9, el resto sesgaría
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}

// Result es lo que recibe el usuario: el código se muestra una única vez,
// el mensaje es transportable por cualquier canal.
type Result struct {
	Code    string `json:"backupCode"`
	Message string `json:"message"`
}

// Restored es el contenido recuperado de un backup.
type Restored struct {
	Key        *pgp.Key
	Passphrase string
}

// Create arma el backup de una clave privada: preámbulo de texto con la
// versión del formato y la passphrase de la clave, seguido de los paquetes
// crudos del material privado, todo cifrado bajo un código recién generado.
func Create(key *pgp.Key, passphrase string) (*Result, error) {
	if key == nil || !key.IsPrivate() {
		return nil, fmt.Errorf("backup: a private key is required")
	}
	if strings.ContainsAny(passphrase, "\r\n") {
		return nil, fmt.Errorf("backup: passphrase must not contain line breaks")
	}
	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}

	var payload bytes.Buffer
	fmt.Fprintf(&payload, "%s: %s\n", headerVersion, formatVersion)
	fmt.Fprintf(&payload, "%s: %s\n", headerPwd, passphrase)
	if err := key.SerializePrivate(&payload); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	aw, err := armor.Encode(&out, messageType, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: armor: %w", err)
	}
	pt, err := openpgp.SymmetricallyEncrypt(aw, []byte(code), nil, encConfig())
	if err != nil {
		return nil, fmt.Errorf("backup: encrypt: %w", err)
	}
	if _, err := pt.Write(payload.Bytes()); err != nil {
		return nil, fmt.Errorf("backup: encrypt: %w", err)
	}
	if err := pt.Close(); err != nil {
		return nil, fmt.Errorf("backup: encrypt: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("backup: armor: %w", err)
	}
	out.WriteString("\n")

	logger.Named("backup").Info("backup created", logger.Fingerprint(key.Fingerprint()))
	return &Result{Code: code, Message: out.String()}, nil
}

// Restore valida la estructura del mensaje ANTES de descifrar, recién después
// prueba el código. Así un mensaje adulterado nunca llega al descifrado y un
// código equivocado se distingue de un mensaje roto.
func Restore(armored, code string) (*Restored, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !validCode(code) {
		return nil, fmt.Errorf("%w: code must be %d letters A-Z", ErrWrongRestoreCode, codeLength)
	}

	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}
	if block.Type != messageType {
		return nil, fmt.Errorf("%w: unexpected armor type %q", ErrMalformedBackup, block.Type)
	}
	body, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}
	if err := validateStructure(body); err != nil {
		return nil, err
	}

	// El prompt se llama de nuevo cuando el quick-check del paquete de datos
	// rechaza la session key: código equivocado.
	calls := 0
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		calls++
		if calls > 1 {
			return nil, ErrWrongRestoreCode
		}
		return []byte(code), nil
	}
	md, err := openpgp.ReadMessage(bytes.NewReader(body), nil, prompt, &packet.Config{})
	if err != nil {
		if errors.Is(err, ErrWrongRestoreCode) {
			return nil, ErrWrongRestoreCode
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		// estructura ya validada: si el contenido no se deja leer, la clave
		// de sesión derivada estaba mal
		return nil, ErrWrongRestoreCode
	}

	pwd, rest, err := parsePreamble(plain)
	if err != nil {
		return nil, err
	}
	keys, err := pgp.ParseBinary(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}
	if len(keys) != 1 || !keys[0].IsPrivate() {
		return nil, fmt.Errorf("%w: expected exactly one private key", ErrMalformedBackup)
	}

	logger.Named("backup").Info("backup restored", logger.Fingerprint(keys[0].Fingerprint()))
	return &Restored{Key: keys[0], Passphrase: pwd}, nil
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

func encConfig() *packet.Config {
	return &packet.Config{
		DefaultCipher: packet.CipherAES256,
		S2KConfig: &s2k.Config{
			S2KMode:  s2k.IteratedSaltedS2K,
			Hash:     crypto.SHA256,
			S2KCount: 65536,
		},
	}
}

// Tags de paquete OpenPGP (RFC 4880 §4.3).
const (
	tagSymKeySessionKey  = 3
	tagSymEncIntegrityed = 18
)

// validateStructure exige exactamente dos paquetes: una session key simétrica
// v4 con AES-256 y sin clave de sesión envuelta (el s2k ES la clave), seguida
// de un paquete de datos con protección de integridad. Cualquier desvío es un
// backup malformado y no se intenta descifrar.
func validateStructure(body []byte) error {
	or := packet.NewOpaqueReader(bytes.NewReader(body))

	first, err := or.Next()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}
	if first.Tag != tagSymKeySessionKey {
		return fmt.Errorf("%w: leading packet tag %d", ErrMalformedBackup, first.Tag)
	}
	if err := checkSessionKeyPacket(first.Contents); err != nil {
		return err
	}

	second, err := or.Next()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}
	if second.Tag != tagSymEncIntegrityed {
		return fmt.Errorf("%w: data packet tag %d", ErrMalformedBackup, second.Tag)
	}

	if _, err := or.Next(); err != io.EOF {
		return fmt.Errorf("%w: trailing packets", ErrMalformedBackup)
	}
	return nil
}

func checkSessionKeyPacket(b []byte) error {
	// layout v4: version(1) + cipher(1) + especifier s2k
	if len(b) < 4 {
		return fmt.Errorf("%w: truncated session key packet", ErrMalformedBackup)
	}
	if b[0] != 4 {
		return fmt.Errorf("%w: session key packet version %d", ErrMalformedBackup, b[0])
	}
	if b[1] != 9 { // AES-256
		return fmt.Errorf("%w: cipher algo %d", ErrMalformedBackup, b[1])
	}
	var s2kLen int
	switch b[2] {
	case 0x00: // simple: tipo + hash
		s2kLen = 2
	case 0x01: // salted: tipo + hash + salt
		s2kLen = 10
	case 0x03: // iterated+salted: tipo + hash + salt + count
		s2kLen = 11
	default:
		return fmt.Errorf("%w: s2k type %d", ErrMalformedBackup, b[2])
	}
	// con clave de sesión envuelta el cuerpo sería más largo
	if len(b) != 2+s2kLen {
		return fmt.Errorf("%w: wrapped session key present", ErrMalformedBackup)
	}
	return nil
}

// parsePreamble separa las líneas `Clave: Valor` del material binario. El
// primer byte de un paquete OpenPGP siempre tiene el bit alto prendido, así
// que el corte es inequívoco.
func parsePreamble(plain []byte) (pwd string, rest []byte, err error) {
	headers := make(map[string]string)
	rest = plain
	for len(rest) > 0 && rest[0]&0x80 == 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			return "", nil, fmt.Errorf("%w: unterminated preamble line", ErrMalformedBackup)
		}
		k, v, ok := strings.Cut(string(rest[:i]), ": ")
		if !ok {
			return "", nil, fmt.Errorf("%w: bad preamble line", ErrMalformedBackup)
		}
		headers[k] = v
		rest = rest[i+1:]
	}
	if headers[headerVersion] != formatVersion {
		return "", nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedBackup, headers[headerVersion])
	}
	pwd, ok := headers[headerPwd]
	if !ok {
		return "", nil, fmt.Errorf("%w: missing %s header", ErrMalformedBackup, headerPwd)
	}
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("%w: no key material", ErrMalformedBackup)
	}
	return pwd, rest, nil
}
