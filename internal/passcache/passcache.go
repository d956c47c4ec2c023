// Package passcache guarda passphrases de claves privadas por un rato, para
// no pedirlas en cada operación. Las entradas expiran solas y el material se
// pisa con ceros al salir del cache.
package passcache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

// DefaultTTL es la ventana de gracia estándar tras un unlock exitoso.
const DefaultTTL = 30 * time.Minute

type Cache struct {
	c   *gocache.Cache
	ttl time.Duration
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := gocache.New(ttl, time.Minute)
	c.OnEvicted(func(_ string, v interface{}) {
		if b, ok := v.([]byte); ok {
			for i := range b {
				b[i] = 0
			}
		}
	})
	return &Cache{c: c, ttl: ttl}
}

// Put cachea la passphrase de un fingerprint. Guarda una copia propia.
func (p *Cache) Put(fpr string, passphrase []byte) {
	cp := append([]byte(nil), passphrase...)
	p.c.Set(fpr, cp, p.ttl)
	logger.Named("passcache").Debug("passphrase cached", logger.Fingerprint(fpr))
}

// Get retorna una copia de la passphrase cacheada, si sigue viva.
func (p *Cache) Get(fpr string) ([]byte, bool) {
	v, ok := p.c.Get(fpr)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	return append([]byte(nil), b...), true
}

func (p *Cache) Delete(fpr string) { p.c.Delete(fpr) }

// Flush vacía el cache pisando cada entrada antes de soltarla.
func (p *Cache) Flush() {
	for _, item := range p.c.Items() {
		if b, ok := item.Object.([]byte); ok {
			for i := range b {
				b[i] = 0
			}
		}
	}
	p.c.Flush()
}

func (p *Cache) Len() int { return p.c.ItemCount() }

// Resolver arma el UnlockFunc que los backends consumen: primero el cache,
// después el resolutor de origen (el que trae la passphrase del request).
// Cachear respuestas correctas es responsabilidad del caller, que es quien
// sabe si la operación terminó bien.
func (p *Cache) Resolver(fallback backend.UnlockFunc) backend.UnlockFunc {
	return func(ctx context.Context, k *pgp.Key) ([]byte, error) {
		if pw, ok := p.Get(k.Fingerprint()); ok {
			return pw, nil
		}
		if fallback == nil {
			return nil, backend.ErrPassphraseRequired
		}
		return fallback(ctx, k)
	}
}
