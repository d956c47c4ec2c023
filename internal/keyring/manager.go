package keyring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
)

// Manager abre, crea y elimina keyrings sobre un Provider. Los keyrings
// abiertos se cachean por la vida del proceso: el slot de mutación vive en
// la instancia, así que todos los callers deben compartirla. El singleflight
// evita que dos requests concurrentes carguen el mismo keyring dos veces.
type Manager struct {
	provider storage.Provider
	backends map[string]backend.Backend
	def      string

	group singleflight.Group
	mu    sync.RWMutex
	open  map[string]*Keyring
	log   *zap.Logger
}

// Summary es el listado barato (sin abrir cada keyring).
type Summary struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
}

func NewManager(p storage.Provider, backends map[string]backend.Backend, defaultBackend string) (*Manager, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("manager: at least one backend required")
	}
	if defaultBackend == "" {
		defaultBackend = "engine"
	}
	if _, ok := backends[defaultBackend]; !ok {
		return nil, fmt.Errorf("manager: default backend %q not configured", defaultBackend)
	}
	return &Manager{
		provider: p,
		backends: backends,
		def:      defaultBackend,
		open:     make(map[string]*Keyring),
		log:      logger.Named("keyring.manager"),
	}, nil
}

func (m *Manager) backendFor(name string) (backend.Backend, error) {
	if name == "" {
		name = m.def
	}
	be, ok := m.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q not configured", name)
	}
	return be, nil
}

// Get retorna el keyring abierto, cargándolo del storage si hace falta.
func (m *Manager) Get(ctx context.Context, id string) (*Keyring, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	r := m.open[id]
	m.mu.RUnlock()
	if r != nil {
		return r, nil
	}

	v, err, _ := m.group.Do(id, func() (any, error) {
		m.mu.RLock()
		cached := m.open[id]
		m.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		loaded, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.open[id] = loaded
		m.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Keyring), nil
}

func (m *Manager) load(ctx context.Context, id string) (*Keyring, error) {
	attrs, found, err := loadAttributes(ctx, m.provider, id)
	if err != nil {
		return nil, err
	}
	if !found {
		// keyrings viejos pueden tener claves sin record de atributos
		ok, err := m.hasAnyRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	be, err := m.backendFor(attrs.Backend)
	if err != nil {
		return nil, fmt.Errorf("keyring %s: %w", id, err)
	}
	return Open(ctx, m.provider, id, be)
}

func (m *Manager) hasAnyRecord(ctx context.Context, id string) (bool, error) {
	for _, name := range []string{storage.RecordPublicKeys, storage.RecordPrivateKeys} {
		_, err := m.provider.ReadRecord(ctx, id, name)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
	}
	return false, nil
}

// Create registra un keyring nuevo. Con id vacío se asigna un UUID. El
// backend queda fijado en los atributos al momento de creación.
func (m *Manager) Create(ctx context.Context, id, backendName string) (*Keyring, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	be, err := m.backendFor(backendName)
	if err != nil {
		return nil, err
	}

	attrs, found, err := loadAttributes(ctx, m.provider, id)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	if ok, err := m.hasAnyRecord(ctx, id); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	attrs.Backend = be.Name()
	if err := attrs.save(ctx, m.provider, id); err != nil {
		return nil, err
	}
	r, err := Open(ctx, m.provider, id, be)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.open[id] = r
	m.mu.Unlock()
	m.log.Info("keyring created", logger.KeyringID(id), logger.Backend(be.Name()))
	return r, nil
}

// Delete borra el keyring del storage y lo saca del cache. ErrNotFound si no
// existe.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.open, id)
	m.mu.Unlock()

	if err := m.provider.DeleteKeyring(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	m.log.Info("keyring deleted", logger.KeyringID(id))
	return nil
}

// List enumera los keyrings con su backend, sin abrirlos.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	ids, err := m.provider.ListKeyrings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		attrs, _, err := loadAttributes(ctx, m.provider, id)
		if err != nil {
			m.log.Warn("skipping unreadable keyring in list", logger.KeyringID(id), logger.Err(err))
			continue
		}
		be := attrs.Backend
		if be == "" {
			be = m.def
		}
		out = append(out, Summary{ID: id, Backend: be})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Manager) Close() error { return m.provider.Close() }
