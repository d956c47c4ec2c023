package keyring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
)

// KeyStore es la colección de claves de UN keyring, particionada en público
// y privado. Invariantes:
//   - un fingerprint vive en una sola colección; material privado supersede
//     al público (la promoción borra la copia pública),
//   - ningún candidato entra si su key-id colisiona con una clave de
//     fingerprint primario distinto (CheckKeyID).
//
// Seguro para lectores concurrentes; las mutaciones las serializa el slot
// del keyring dueño.
type KeyStore struct {
	mu       sync.RWMutex
	id       string
	provider storage.Provider
	public   map[string]*pgp.Key
	private  map[string]*pgp.Key
	log      *zap.Logger
}

// AddResult describe qué pasó con cada clave en AddPublicKeys.
type AddResult struct {
	Fingerprint string
	Existed     bool // ya había clave con ese fingerprint (merge)
	Changed     bool // el material resultante difiere del previo
}

func NewKeyStore(p storage.Provider, id string) *KeyStore {
	return &KeyStore{
		id:       id,
		provider: p,
		public:   make(map[string]*pgp.Key),
		private:  make(map[string]*pgp.Key),
		log:      logger.Named("keyring.store").With(logger.KeyringID(id)),
	}
}

// ===== Persistencia =====

// Load puebla ambas colecciones desde los records armored. Un bloque que no
// parsea se descarta con warning: una clave corrupta no bloquea al resto.
// Record ausente equivale a colección vacía.
func (s *KeyStore) Load(ctx context.Context) error {
	pub, err := s.readRecord(ctx, storage.RecordPublicKeys)
	if err != nil {
		return err
	}
	priv, err := s.readRecord(ctx, storage.RecordPrivateKeys)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.public = make(map[string]*pgp.Key)
	s.private = make(map[string]*pgp.Key)
	s.loadBlocksLocked(pub, pgp.KindPublic)
	s.loadBlocksLocked(priv, pgp.KindPrivate)
	return nil
}

func (s *KeyStore) readRecord(ctx context.Context, name string) (string, error) {
	raw, err := s.provider.ReadRecord(ctx, s.id, name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s for %s: %w", name, s.id, err)
	}
	return string(raw), nil
}

func (s *KeyStore) loadBlocksLocked(text string, want pgp.Kind) {
	for _, block := range pgp.SplitArmoredBlocks(text) {
		keys, err := pgp.ParseArmored(block)
		if err != nil {
			s.log.Warn("dropping unparseable key block",
				logger.Record(string(want)),
				logger.Err(err))
			continue
		}
		for _, k := range keys {
			if k.Kind() != want {
				s.log.Warn("key material does not match its record",
					logger.Fingerprint(k.Fingerprint()),
					logger.Record(string(want)))
			}
			s.placeLocked(k)
		}
	}
}

// placeLocked inserta según el material real de la clave y mantiene la
// exclusividad por fingerprint. Duplicados dentro del mismo record se
// mergean.
func (s *KeyStore) placeLocked(k *pgp.Key) {
	fpr := k.Fingerprint()
	if k.IsPrivate() {
		if prev, ok := s.private[fpr]; ok {
			if merged, _, err := pgp.Merge(prev, k); err == nil {
				k = merged
			} else {
				s.log.Warn("merge of duplicate private key failed", logger.Fingerprint(fpr), logger.Err(err))
			}
		}
		delete(s.public, fpr)
		s.private[fpr] = k
		return
	}
	if twin, ok := s.private[fpr]; ok {
		if merged, _, err := pgp.Merge(twin, k); err == nil {
			s.private[fpr] = merged
		} else {
			s.log.Warn("merge into private twin failed", logger.Fingerprint(fpr), logger.Err(err))
		}
		return
	}
	if prev, ok := s.public[fpr]; ok {
		if merged, _, err := pgp.Merge(prev, k); err == nil {
			k = merged
		} else {
			s.log.Warn("merge of duplicate public key failed", logger.Fingerprint(fpr), logger.Err(err))
		}
	}
	s.public[fpr] = k
}

// Store serializa ambas colecciones y las persiste como dos records
// independientes. Si uno falla se intenta igual el otro y el error sale
// combinado: nunca perder silenciosamente la mitad.
func (s *KeyStore) Store(ctx context.Context) error {
	s.mu.RLock()
	pubText, pubErr := serializeCollection(s.public, false)
	privText, privErr := serializeCollection(s.private, true)
	s.mu.RUnlock()
	if pubErr != nil || privErr != nil {
		return errors.Join(pubErr, privErr)
	}

	var errs []error
	if err := s.provider.WriteRecord(ctx, s.id, storage.RecordPublicKeys, []byte(pubText)); err != nil {
		errs = append(errs, fmt.Errorf("write public keys for %s: %w", s.id, err))
	}
	if err := s.provider.WriteRecord(ctx, s.id, storage.RecordPrivateKeys, []byte(privText)); err != nil {
		errs = append(errs, fmt.Errorf("write private keys for %s: %w", s.id, err))
	}
	return errors.Join(errs...)
}

func serializeCollection(keys map[string]*pgp.Key, private bool) (string, error) {
	fprs := make([]string, 0, len(keys))
	for f := range keys {
		fprs = append(fprs, f)
	}
	sort.Strings(fprs)

	var b strings.Builder
	for _, f := range fprs {
		var armored string
		var err error
		if private {
			armored, err = keys[f].ArmoredPrivate()
		} else {
			armored, err = keys[f].Armored()
		}
		if err != nil {
			return "", fmt.Errorf("serialize key %s: %w", f, err)
		}
		b.WriteString(armored)
	}
	return b.String(), nil
}

// ===== Lecturas =====

// AllKeys retorna privadas y públicas, cada grupo ordenado por fingerprint.
func (s *KeyStore) AllKeys() []*pgp.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pgp.Key, 0, len(s.private)+len(s.public))
	out = append(out, sortedLocked(s.private)...)
	out = append(out, sortedLocked(s.public)...)
	return out
}

func (s *KeyStore) PrivateKeys() []*pgp.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedLocked(s.private)
}

func (s *KeyStore) PublicKeys() []*pgp.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedLocked(s.public)
}

func sortedLocked(m map[string]*pgp.Key) []*pgp.Key {
	fprs := make([]string, 0, len(m))
	for f := range m {
		fprs = append(fprs, f)
	}
	sort.Strings(fprs)
	out := make([]*pgp.Key, 0, len(m))
	for _, f := range fprs {
		out = append(out, m[f])
	}
	return out
}

// KeyByFingerprint busca en ambas colecciones; la privada gana.
func (s *KeyStore) KeyByFingerprint(fpr string) *pgp.Key {
	f := strings.ToLower(fpr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.private[f]; ok {
		return k
	}
	if k, ok := s.public[f]; ok {
		return k
	}
	return nil
}

// GetKeysForID retorna todas las claves cuyo key-id primario (u opcionalmente
// el de alguna subkey) coincide. Se usa para lookup de verificación de firmas
// y para la detección de colisiones. Nil si no hay ninguna.
func (s *KeyStore) GetKeysForID(keyID string, withSubkeys bool) []*pgp.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keysForIDLocked(strings.ToLower(keyID), withSubkeys, "")
}

// keysForIDLocked hace el scan real, privadas primero y cada grupo ordenado.
// exclude saltea un fingerprint: el propio candidato en la detección de
// colisiones.
func (s *KeyStore) keysForIDLocked(id string, withSubkeys bool, exclude string) []*pgp.Key {
	var out []*pgp.Key
	for _, group := range [][]*pgp.Key{sortedLocked(s.private), sortedLocked(s.public)} {
		for _, k := range group {
			if k.Fingerprint() == exclude {
				continue
			}
			if k.KeyID() == id {
				out = append(out, k)
				continue
			}
			if !withSubkeys {
				continue
			}
			for _, sub := range k.SubkeyIDs() {
				if sub == id {
					out = append(out, k)
					break
				}
			}
		}
	}
	return out
}

// KeysByEmail retorna las claves con un user id que matchea el email
// (case-insensitive), privadas primero.
func (s *KeyStore) KeysByEmail(email string) []*pgp.Key {
	needle := strings.ToLower(strings.TrimSpace(email))
	if needle == "" {
		return nil
	}
	var out []*pgp.Key
	for _, k := range s.AllKeys() {
		for _, uid := range k.UserIDs() {
			if uid.Email == needle {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

func (s *KeyStore) Counts() (public, private int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.public), len(s.private)
}

// ===== Mutaciones =====

// CheckKeyID valida que ningún key-id del candidato (primario ni subkeys)
// esté tomado por una clave de fingerprint primario distinto. La colisión es
// un error estructural fatal para ese candidato.
func (s *KeyStore) CheckKeyID(k *pgp.Key) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkKeyIDLocked(k)
}

// SetKey coloca la clave en la colección que corresponde a su material,
// manteniendo la exclusividad por fingerprint. No valida key-ids: eso es
// CheckKeyID antes de llegar acá.
func (s *KeyStore) SetKey(k *pgp.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fpr := k.Fingerprint()
	if k.IsPrivate() {
		delete(s.public, fpr)
		s.private[fpr] = k
		return nil
	}
	if twin, ok := s.private[fpr]; ok {
		merged, _, err := pgp.Merge(twin, k)
		if err != nil {
			return fmt.Errorf("merge public material into private key %s: %w", fpr, err)
		}
		s.private[fpr] = merged
		return nil
	}
	s.public[fpr] = k
	return nil
}

// AddPublicKeys agrega claves públicas: merge si el fingerprint ya existe
// (incluso contra la copia privada), inserción validada si es nuevo. Se usa
// tanto en el import normal como al aplicar claves recibidas por sync.
func (s *KeyStore) AddPublicKeys(keys []*pgp.Key) ([]AddResult, error) {
	results := make([]AddResult, 0, len(keys))
	for _, k := range keys {
		if k.IsPrivate() {
			return results, fmt.Errorf("AddPublicKeys received private material for %s", k.Fingerprint())
		}
		res, err := s.addPublicKey(k)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *KeyStore) addPublicKey(k *pgp.Key) (AddResult, error) {
	fpr := k.Fingerprint()

	s.mu.Lock()
	defer s.mu.Unlock()
	if twin, ok := s.private[fpr]; ok {
		merged, changed, err := pgp.Merge(twin, k)
		if err != nil {
			return AddResult{}, fmt.Errorf("merge into private key %s: %w", fpr, err)
		}
		s.private[fpr] = merged
		return AddResult{Fingerprint: fpr, Existed: true, Changed: changed}, nil
	}
	if prev, ok := s.public[fpr]; ok {
		merged, changed, err := pgp.Merge(prev, k)
		if err != nil {
			return AddResult{}, fmt.Errorf("merge public key %s: %w", fpr, err)
		}
		s.public[fpr] = merged
		return AddResult{Fingerprint: fpr, Existed: true, Changed: changed}, nil
	}
	if err := s.checkKeyIDLocked(k); err != nil {
		return AddResult{}, err
	}
	s.public[fpr] = k
	return AddResult{Fingerprint: fpr, Existed: false, Changed: true}, nil
}

func (s *KeyStore) checkKeyIDLocked(k *pgp.Key) error {
	ids := append([]string{k.KeyID()}, k.SubkeyIDs()...)
	for _, id := range ids {
		if holders := s.keysForIDLocked(id, true, k.Fingerprint()); len(holders) > 0 {
			return fmt.Errorf("%w: id %s already held by %s", ErrStructuralConflict, id, holders[0].Fingerprint())
		}
	}
	return nil
}

// RemoveKey saca la clave de la colección indicada y la retorna para el
// bookkeeping del caller (primary, change log). ErrKeyNotFound si no está.
func (s *KeyStore) RemoveKey(fpr string, kind pgp.Kind) (*pgp.Key, error) {
	f := strings.ToLower(fpr)
	s.mu.Lock()
	defer s.mu.Unlock()
	var coll map[string]*pgp.Key
	switch kind {
	case pgp.KindPrivate:
		coll = s.private
	case pgp.KindPublic:
		coll = s.public
	default:
		return nil, fmt.Errorf("unknown key kind %q", kind)
	}
	k, ok := coll[f]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrKeyNotFound, f, kind)
	}
	delete(coll, f)
	return k, nil
}
