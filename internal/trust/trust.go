// Package trust mantiene el overlay de pseudo-revocación por keyring: un set
// de fingerprints marcados como no confiables sin tocar el material de la
// clave. Sirve para bloquear localmente una clave comprometida sin esperar a
// que el dueño publique una revocación criptográfica.
package trust

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

// Overlay es el estado de trust de UN keyring. El ciclo de vida lo maneja el
// keyring dueño, que lo hidrata desde el record de atributos y persiste los
// cambios. Seguro para uso concurrente.
type Overlay struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

func New(fingerprints ...string) *Overlay {
	o := &Overlay{revoked: make(map[string]struct{}, len(fingerprints))}
	for _, f := range fingerprints {
		o.revoked[normalize(f)] = struct{}{}
	}
	return o
}

func normalize(fpr string) string { return strings.ToLower(strings.TrimSpace(fpr)) }

// Revoke marca el fingerprint como pseudo-revocado. Retorna false si ya lo
// estaba.
func (o *Overlay) Revoke(fpr string) bool {
	f := normalize(fpr)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.revoked[f]; ok {
		return false
	}
	o.revoked[f] = struct{}{}
	return true
}

// Unrevoke levanta la marca. Retorna false si no estaba marcada.
func (o *Overlay) Unrevoke(fpr string) bool {
	f := normalize(fpr)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.revoked[f]; !ok {
		return false
	}
	delete(o.revoked, f)
	return true
}

func (o *Overlay) IsRevoked(fpr string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.revoked[normalize(fpr)]
	return ok
}

// List retorna los fingerprints marcados, ordenados. Es lo que se persiste en
// el record de atributos.
func (o *Overlay) List() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.revoked))
	for f := range o.revoked {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Replace reemplaza el set completo (rehidratación tras releer atributos).
func (o *Overlay) Replace(fingerprints []string) {
	next := make(map[string]struct{}, len(fingerprints))
	for _, f := range fingerprints {
		next[normalize(f)] = struct{}{}
	}
	o.mu.Lock()
	o.revoked = next
	o.mu.Unlock()
}

// IsValidEncryptionKey decide si la clave puede seleccionarse como
// destinatario de cifrado: binding primario válido, subkey con capacidad de
// cifrado y fingerprint fuera del overlay.
func (o *Overlay) IsValidEncryptionKey(k *pgp.Key, now time.Time) bool {
	if k == nil {
		return false
	}
	if !k.IsValid(now) || !k.CanEncrypt(now) {
		return false
	}
	return !o.IsRevoked(k.Fingerprint())
}
