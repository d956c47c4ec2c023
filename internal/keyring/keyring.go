// Package keyring implementa la orquestación central: el KeyStore por
// keyring, el import con validación estructural, la selección de clave
// primaria, la pseudo-revocación y el ciclo de sincronización por change
// log. El backend (engine local o agente externo) ejecuta las primitivas
// criptográficas; acá vive la política.
package keyring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dropDatabas3/ringkeeper/internal/backend"
	"github.com/dropDatabas3/ringkeeper/internal/keysync"
	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/pgp"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
	"github.com/dropDatabas3/ringkeeper/internal/trust"
)

// Keyring es un keyring abierto: colecciones de claves, backend, overlay de
// trust y change log pendiente.
//
// Modelo de concurrencia: las operaciones mutantes (import, remove,
// generate, sync) hacen read-modify-write sobre store+log+atributos sin
// check optimista, así que se serializan con un slot exclusivo por keyring.
// Las lecturas y las operaciones crypto puras corren concurrentes.
type Keyring struct {
	ID string

	store    *KeyStore
	backend  backend.Backend
	provider storage.Provider
	attrs    *Attributes
	trust    *trust.Overlay
	changes  *keysync.Log
	sem      *semaphore.Weighted
	log      *zap.Logger
	now      func() time.Time
}

// Open carga un keyring existente (o recién creado) desde el storage.
func Open(ctx context.Context, p storage.Provider, id string, be backend.Backend) (*Keyring, error) {
	attrs, _, err := loadAttributes(ctx, p, id)
	if err != nil {
		return nil, err
	}
	rawLog, err := p.ReadRecord(ctx, id, storage.RecordChangeLog)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read change log for %s: %w", id, err)
	}
	changes, err := keysync.DecodeLog(rawLog)
	if err != nil {
		return nil, err
	}
	ks := NewKeyStore(p, id)
	if err := ks.Load(ctx); err != nil {
		return nil, err
	}
	return &Keyring{
		ID:       id,
		store:    ks,
		backend:  be,
		provider: p,
		attrs:    attrs,
		trust:    trust.New(attrs.PseudoRevoked...),
		changes:  changes,
		sem:      semaphore.NewWeighted(1),
		log:      logger.Named("keyring").With(logger.KeyringID(id), logger.Backend(be.Name())),
		now:      time.Now,
	}, nil
}

func (r *Keyring) Backend() backend.Backend { return r.backend }
func (r *Keyring) Trust() *trust.Overlay    { return r.trust }

// Keys retorna todas las claves vivas, privadas primero.
func (r *Keyring) Keys() []*pgp.Key { return r.store.AllKeys() }

// Key busca por fingerprint en ambas colecciones.
func (r *Keyring) Key(fpr string) *pgp.Key { return r.store.KeyByFingerprint(fpr) }

// KeysByEmail resuelve claves por dirección (para selección de
// destinatarios).
func (r *Keyring) KeysByEmail(email string) []*pgp.Key { return r.store.KeysByEmail(email) }

// KeysByID resuelve claves por key-id de 16 hex, subkeys incluidas. Es el
// lookup que usa la UI para ubicar al firmante de un mensaje verificado.
func (r *Keyring) KeysByID(keyID string) []*pgp.Key { return r.store.GetKeysForID(keyID, true) }

// Info es el resumen que exponen la API y el CLI.
type Info struct {
	ID             string   `json:"id"`
	Backend        string   `json:"backend"`
	PublicKeys     int      `json:"publicKeys"`
	PrivateKeys    int      `json:"privateKeys"`
	PrimaryKey     string   `json:"primaryKeyFingerprint,omitempty"`
	PendingChanges int      `json:"pendingChanges"`
	PseudoRevoked  []string `json:"pseudoRevoked,omitempty"`
}

func (r *Keyring) Info(ctx context.Context) (Info, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Info{}, err
	}
	defer r.sem.Release(1)

	pub, priv := r.store.Counts()
	info := Info{
		ID:             r.ID,
		Backend:        r.backend.Name(),
		PublicKeys:     pub,
		PrivateKeys:    priv,
		PendingChanges: r.changes.Len(),
		PseudoRevoked:  r.trust.List(),
	}
	primary, err := r.primaryLocked(ctx)
	if err != nil && !errors.Is(err, ErrNoPrimaryKey) {
		return Info{}, err
	}
	if primary != nil {
		info.PrimaryKey = primary.Fingerprint()
	}
	return info, nil
}

// ===== Import =====

type ImportCandidate struct {
	Armored string   `json:"armored"`
	Kind    pgp.Kind `json:"kind"`
}

type ImportResult struct {
	Status      string   `json:"status"` // success | error
	Message     string   `json:"message"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Kind        pgp.Kind `json:"kind,omitempty"`
}

const (
	ImportSuccess = "success"
	ImportError   = "error"
)

type importOpts struct {
	// at fija el timestamp de los change-log entries; cero usa el reloj.
	at time.Time
	// recordUnchanged registra entry aunque el merge no haya cambiado nada
	// (import explícito del operador). El merge de sync no lo usa: solo
	// cambios reales entran al log.
	recordUnchanged bool
}

// Import procesa un batch de candidatos armored. Cada candidato se resuelve
// de forma aislada: un bloque malo nunca aborta el batch. Si al menos uno
// entró, el estado se persiste y el change log se commitea.
func (r *Keyring) Import(ctx context.Context, cands []ImportCandidate) ([]ImportResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	results, dirty := r.importLocked(ctx, cands, importOpts{recordUnchanged: true})
	if dirty {
		if err := r.persistLocked(ctx); err != nil {
			return results, err
		}
	}
	return results, nil
}

// importLocked asume el slot tomado. Procesa públicos antes que privados
// (una privada puede completar una entrada que hasta ahora era solo
// pública). Retorna si hubo mutaciones que ameriten persistir.
func (r *Keyring) importLocked(ctx context.Context, cands []ImportCandidate, opts importOpts) ([]ImportResult, bool) {
	ordered := make([]ImportCandidate, 0, len(cands))
	for _, c := range cands {
		if c.Kind != pgp.KindPrivate {
			ordered = append(ordered, c)
		}
	}
	for _, c := range cands {
		if c.Kind == pgp.KindPrivate {
			ordered = append(ordered, c)
		}
	}

	var results []ImportResult
	var newPrivates []string
	dirty := false
	failed := 0

	for _, c := range ordered {
		keys, err := pgp.ParseArmored(c.Armored)
		if err != nil {
			failed++
			results = append(results, ImportResult{
				Status:  ImportError,
				Message: fmt.Sprintf("unable to parse armored block: %v", err),
				Kind:    c.Kind,
			})
			continue
		}
		for _, k := range keys {
			res, d := r.importOneLocked(ctx, k, c.Kind, opts)
			res.Kind = c.Kind
			results = append(results, res)
			if res.Status == ImportError {
				failed++
				continue
			}
			dirty = dirty || d
			if c.Kind == pgp.KindPrivate {
				newPrivates = append(newPrivates, k.Fingerprint())
			}
		}
	}

	// primary lazy: el primer privado usable recién importado
	if r.attrs.PrimaryKeyFingerprint == "" && len(newPrivates) > 0 {
		now := r.now()
		for _, fpr := range newPrivates {
			if k := r.primaryCandidate(fpr); k != nil && r.usableAsPrimary(k, now) {
				r.attrs.PrimaryKeyFingerprint = fpr
				dirty = true
				r.log.Info("primary key adopted", logger.Fingerprint(fpr))
				break
			}
		}
	}

	if failed > 1 {
		results = append(results, ImportResult{
			Status:  ImportError,
			Message: fmt.Sprintf("%d of %d keys could not be imported", failed, len(cands)),
		})
	}
	return results, dirty
}

func (r *Keyring) importOneLocked(ctx context.Context, k *pgp.Key, kind pgp.Kind, opts importOpts) (ImportResult, bool) {
	fpr := k.Fingerprint()
	if k.IsPrivate() != (kind == pgp.KindPrivate) {
		return ImportResult{
			Status:      ImportError,
			Message:     fmt.Sprintf("key %s does not match the declared %s kind", fpr, kind),
			Fingerprint: fpr,
		}, false
	}
	at := opts.at
	if at.IsZero() {
		at = r.now().UTC()
	}

	if kind != pgp.KindPrivate {
		return r.importPublicLocked(k, at, opts.recordUnchanged)
	}
	if !r.backend.Caps().StorePrivateLocally {
		return r.importPrivateViaAgentLocked(ctx, k, at)
	}
	return r.importPrivateLocked(k, at, opts.recordUnchanged)
}

func (r *Keyring) importPublicLocked(k *pgp.Key, at time.Time, recordUnchanged bool) (ImportResult, bool) {
	fpr := k.Fingerprint()
	added, err := r.store.AddPublicKeys([]*pgp.Key{k})
	if err != nil {
		return ImportResult{Status: ImportError, Message: err.Error(), Fingerprint: fpr}, false
	}
	res := added[0]
	typ := keysync.ChangeInsert
	msg := fmt.Sprintf("public key %s imported", fpr)
	if res.Existed {
		typ = keysync.ChangeUpdate
		msg = fmt.Sprintf("public key %s merged", fpr)
	}
	dirty := false
	if recordUnchanged || res.Changed {
		r.changes.AddAt(fpr, typ, at)
		dirty = true
	}
	return ImportResult{Status: ImportSuccess, Message: msg, Fingerprint: fpr}, dirty
}

func (r *Keyring) importPrivateLocked(k *pgp.Key, at time.Time, recordUnchanged bool) (ImportResult, bool) {
	fpr := k.Fingerprint()
	existing := r.store.KeyByFingerprint(fpr)
	if existing == nil {
		if err := r.store.CheckKeyID(k); err != nil {
			return ImportResult{Status: ImportError, Message: err.Error(), Fingerprint: fpr}, false
		}
		if err := r.store.SetKey(k); err != nil {
			return ImportResult{Status: ImportError, Message: err.Error(), Fingerprint: fpr}, false
		}
		r.changes.AddAt(fpr, keysync.ChangeInsert, at)
		return ImportResult{
			Status:      ImportSuccess,
			Message:     fmt.Sprintf("private key %s imported", fpr),
			Fingerprint: fpr,
		}, true
	}

	promoted := !existing.IsPrivate()
	merged, changed, err := pgp.Merge(existing, k)
	if err != nil {
		return ImportResult{Status: ImportError, Message: err.Error(), Fingerprint: fpr}, false
	}
	if err := r.store.SetKey(merged); err != nil {
		return ImportResult{Status: ImportError, Message: err.Error(), Fingerprint: fpr}, false
	}
	msg := fmt.Sprintf("private key %s merged", fpr)
	if promoted {
		msg = fmt.Sprintf("key %s promoted to private", fpr)
	}
	dirty := false
	if recordUnchanged || changed {
		r.changes.AddAt(fpr, keysync.ChangeUpdate, at)
		dirty = true
	}
	return ImportResult{Status: ImportSuccess, Message: msg, Fingerprint: fpr}, dirty
}

// importPrivateViaAgentLocked: el secreto viaja al daemon, local queda la
// proyección pública y el fingerprint se anota en agent_keys.
func (r *Keyring) importPrivateViaAgentLocked(ctx context.Context, k *pgp.Key, at time.Time) (ImportResult, bool) {
	fpr := k.Fingerprint()
	armored, err := k.ArmoredPrivate()
	if err != nil {
		return ImportResult{Status: ImportError, Message: err.Error(), Fingerprint: fpr}, false
	}
	if _, err := r.backend.Import(ctx, armored); err != nil {
		return ImportResult{
			Status:      ImportError,
			Message:     fmt.Sprintf("agent rejected key %s: %v", fpr, err),
			Fingerprint: fpr,
		}, false
	}
	pub, err := k.Public()
	if err != nil {
		return ImportResult{Status: ImportError, Message: err.Error(), Fingerprint: fpr}, false
	}
	added, err := r.store.AddPublicKeys([]*pgp.Key{pub})
	if err != nil {
		return ImportResult{Status: ImportError, Message: err.Error(), Fingerprint: fpr}, false
	}
	r.attrs.addAgentKey(fpr)
	typ := keysync.ChangeInsert
	if added[0].Existed {
		typ = keysync.ChangeUpdate
	}
	r.changes.AddAt(fpr, typ, at)
	return ImportResult{
		Status:      ImportSuccess,
		Message:     fmt.Sprintf("private key %s delegated to agent", fpr),
		Fingerprint: fpr,
	}, true
}

// ===== Remove =====

// Remove elimina la clave de la colección indicada. En backends sin custodia
// local, borrar material privado (o una clave retenida por el agente) falla
// con ErrUnsupported en lugar de no-op silencioso.
func (r *Keyring) Remove(ctx context.Context, fpr string, kind pgp.Kind) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	f := strings.ToLower(fpr)
	if kind == pgp.KindPrivate || r.attrs.hasAgentKey(f) {
		if !r.backend.Caps().RemovePrivateKeys {
			return fmt.Errorf("%w: private key removal on %s backend", backend.ErrUnsupported, r.backend.Name())
		}
	}
	removed, err := r.store.RemoveKey(f, kind)
	if err != nil {
		return err
	}
	if r.attrs.PrimaryKeyFingerprint == f {
		r.attrs.PrimaryKeyFingerprint = ""
	}
	r.attrs.removeAgentKey(f)
	r.changes.Add(f, keysync.ChangeDelete)
	r.log.Info("key removed",
		logger.Fingerprint(f),
		logger.Kind(string(removed.Kind())))
	return r.persistLocked(ctx)
}

// ===== Generate =====

// Generate delega la creación al backend y adopta la clave nueva: entra al
// store (o como proyección pública si el agente la retiene), se registra el
// INSERT y, si no había primaria, queda como primaria.
func (r *Keyring) Generate(ctx context.Context, req backend.GenerateRequest) (*pgp.Key, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	k, err := r.backend.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	fpr := k.Fingerprint()
	if err := r.store.CheckKeyID(k); err != nil {
		return nil, err
	}
	if r.backend.Caps().StorePrivateLocally {
		if err := r.store.SetKey(k); err != nil {
			return nil, err
		}
	} else {
		if _, err := r.store.AddPublicKeys([]*pgp.Key{k}); err != nil {
			return nil, err
		}
		r.attrs.addAgentKey(fpr)
	}
	r.changes.Add(fpr, keysync.ChangeInsert)
	if r.attrs.PrimaryKeyFingerprint == "" {
		r.attrs.PrimaryKeyFingerprint = fpr
	}
	if err := r.persistLocked(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

// ===== Primary key =====

// PrimaryKey retorna la clave primaria vigente. El atributo persistido es
// cache: si la clave ya no existe o dejó de validar, se limpia y se elige la
// privada válida más nueva (desempate por fingerprint), persistiendo la
// elección.
func (r *Keyring) PrimaryKey(ctx context.Context) (*pgp.Key, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return r.primaryLocked(ctx)
}

func (r *Keyring) primaryLocked(ctx context.Context) (*pgp.Key, error) {
	now := r.now()
	dirty := false
	if f := r.attrs.PrimaryKeyFingerprint; f != "" {
		if k := r.primaryCandidate(f); k != nil && r.usableAsPrimary(k, now) {
			return k, nil
		}
		r.attrs.PrimaryKeyFingerprint = ""
		dirty = true
		r.log.Warn("stored primary key no longer usable, reselecting")
	}

	var best *pgp.Key
	for _, k := range r.primaryCandidates() {
		if !r.usableAsPrimary(k, now) {
			continue
		}
		if best == nil || newerPrimary(k, best) {
			best = k
		}
	}
	if best == nil {
		if dirty {
			if err := r.attrs.save(ctx, r.provider, r.ID); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: keyring %s", ErrNoPrimaryKey, r.ID)
	}
	r.attrs.PrimaryKeyFingerprint = best.Fingerprint()
	if err := r.attrs.save(ctx, r.provider, r.ID); err != nil {
		return nil, err
	}
	r.log.Info("primary key selected", logger.Fingerprint(best.Fingerprint()))
	return best, nil
}

// SetPrimary fija la primaria explícitamente. La clave tiene que ser
// elegible (privada local, o pública custodiada por el agente) y usable hoy;
// si no, el atributo no se toca.
func (r *Keyring) SetPrimary(ctx context.Context, fpr string) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	f := strings.ToLower(strings.TrimSpace(fpr))
	k := r.primaryCandidate(f)
	if k == nil {
		return fmt.Errorf("%w: no private key %s", ErrKeyNotFound, f)
	}
	if !r.usableAsPrimary(k, r.now()) {
		return fmt.Errorf("key %s is not usable as primary", f)
	}
	if r.attrs.PrimaryKeyFingerprint == f {
		return nil
	}
	r.attrs.PrimaryKeyFingerprint = f
	r.log.Info("primary key set", logger.Fingerprint(f))
	return r.attrs.save(ctx, r.provider, r.ID)
}

// newerPrimary ordena por fecha de creación descendente, desempate por
// fingerprint ascendente, para que la selección sea determinista.
func newerPrimary(a, b *pgp.Key) bool {
	if !a.CreatedAt().Equal(b.CreatedAt()) {
		return a.CreatedAt().After(b.CreatedAt())
	}
	return a.Fingerprint() < b.Fingerprint()
}

// primaryCandidate mapea el fingerprint a una clave elegible como primaria:
// privada local, o pública retenida por el agente.
func (r *Keyring) primaryCandidate(fpr string) *pgp.Key {
	k := r.store.KeyByFingerprint(fpr)
	if k == nil {
		return nil
	}
	if k.IsPrivate() {
		return k
	}
	if r.attrs.hasAgentKey(fpr) {
		return k
	}
	return nil
}

func (r *Keyring) primaryCandidates() []*pgp.Key {
	if r.backend.Caps().StorePrivateLocally {
		return r.store.PrivateKeys()
	}
	var out []*pgp.Key
	for _, k := range r.store.PublicKeys() {
		if r.attrs.hasAgentKey(k.Fingerprint()) {
			out = append(out, k)
		}
	}
	return out
}

func (r *Keyring) usableAsPrimary(k *pgp.Key, now time.Time) bool {
	return k.IsValid(now) && k.CanSign(now) && k.CanEncrypt(now) && !r.trust.IsRevoked(k.Fingerprint())
}

// ===== Pseudo-revocación =====

// PseudoRevoke marca la clave como no confiable para selección de cifrado.
// No toca el material; solo el overlay y su copia en atributos.
func (r *Keyring) PseudoRevoke(ctx context.Context, fpr string) error {
	return r.setRevocation(ctx, fpr, true)
}

func (r *Keyring) PseudoUnrevoke(ctx context.Context, fpr string) error {
	return r.setRevocation(ctx, fpr, false)
}

func (r *Keyring) setRevocation(ctx context.Context, fpr string, revoked bool) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	f := strings.ToLower(fpr)
	if r.store.KeyByFingerprint(f) == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, f)
	}
	var changed bool
	if revoked {
		changed = r.trust.Revoke(f)
	} else {
		changed = r.trust.Unrevoke(f)
	}
	if !changed {
		return nil
	}
	r.attrs.PseudoRevoked = r.trust.List()
	return r.attrs.save(ctx, r.provider, r.ID)
}

// ===== Operaciones crypto =====

type EncryptOptions struct {
	Data           []byte
	RecipientFprs  []string
	RecipientAddrs []string
	Sign           bool
	Unlock         backend.UnlockFunc
}

// Encrypt resuelve y valida destinatarios (overlay incluido) y delega el
// cifrado al backend. Con Sign=true firma con la primaria.
func (r *Keyring) Encrypt(ctx context.Context, opts EncryptOptions) (string, error) {
	now := r.now()
	seen := make(map[string]bool)
	var recipients []*pgp.Key

	for _, fpr := range opts.RecipientFprs {
		f := strings.ToLower(fpr)
		k := r.store.KeyByFingerprint(f)
		if k == nil {
			return "", fmt.Errorf("%w: recipient %s not in keyring", backend.ErrEncrypt, f)
		}
		if !r.trust.IsValidEncryptionKey(k, now) {
			return "", fmt.Errorf("%w: recipient %s is not a valid encryption key", backend.ErrEncrypt, f)
		}
		if !seen[f] {
			seen[f] = true
			recipients = append(recipients, k)
		}
	}
	for _, addr := range opts.RecipientAddrs {
		var match *pgp.Key
		for _, k := range r.store.KeysByEmail(addr) {
			if r.trust.IsValidEncryptionKey(k, now) {
				match = k
				break
			}
		}
		if match == nil {
			return "", fmt.Errorf("%w: no valid key for address %s", backend.ErrEncrypt, addr)
		}
		if !seen[match.Fingerprint()] {
			seen[match.Fingerprint()] = true
			recipients = append(recipients, match)
		}
	}
	if len(recipients) == 0 {
		return "", fmt.Errorf("%w: no recipients", backend.ErrEncrypt)
	}

	var signer *pgp.Key
	if opts.Sign {
		var err error
		signer, err = r.PrimaryKey(ctx)
		if err != nil {
			return "", err
		}
	}
	return r.backend.Encrypt(ctx, backend.EncryptRequest{
		Data:       opts.Data,
		Source:     r.store,
		Unlock:     opts.Unlock,
		Recipients: recipients,
		Signer:     signer,
	})
}

func (r *Keyring) Decrypt(ctx context.Context, armored string, unlock backend.UnlockFunc) (*backend.DecryptResult, error) {
	return r.backend.Decrypt(ctx, backend.DecryptRequest{
		Armored: armored,
		Source:  r.store,
		Unlock:  unlock,
	})
}

// Sign produce un mensaje clear-signed con la clave primaria.
func (r *Keyring) Sign(ctx context.Context, data []byte, unlock backend.UnlockFunc) (string, error) {
	signer, err := r.PrimaryKey(ctx)
	if err != nil {
		return "", err
	}
	return r.backend.Sign(ctx, backend.SignRequest{
		Data:   data,
		Source: r.store,
		Unlock: unlock,
		Signer: signer,
	})
}

// ===== Sync =====

// MergeReport resume la aplicación de un payload entrante.
type MergeReport struct {
	Applied   int      `json:"applied"`
	Unchanged int      `json:"unchanged"`
	Removed   int      `json:"removed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// SyncOutbound empaqueta el change log pendiente en un payload cifrado y
// firmado con la clave primaria (misma clave como destinatario y firmante:
// el peer se auto-verifica al decodificar). Los entries consumidos salen del
// log recién después de cifrar, así un fallo no pierde cambios.
func (r *Keyring) SyncOutbound(ctx context.Context, unlock backend.UnlockFunc) (string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.sem.Release(1)

	primary, err := r.primaryLocked(ctx)
	if err != nil {
		return "", err
	}
	payload, consumed, err := keysync.BuildPayload(r.store.AllKeys(), r.changes)
	if err != nil {
		return "", err
	}
	if payload.Empty() {
		if len(consumed) > 0 {
			// solo entries stale; se consumen igual
			for _, f := range consumed {
				r.changes.Remove(f)
			}
			if err := r.commitLocked(ctx); err != nil {
				return "", err
			}
		}
		return "", fmt.Errorf("%w: keyring %s", ErrNoChanges, r.ID)
	}
	data, err := payload.Encode()
	if err != nil {
		return "", err
	}
	armored, err := r.backend.Encrypt(ctx, backend.EncryptRequest{
		Data:       data,
		Source:     r.store,
		Unlock:     unlock,
		Recipients: []*pgp.Key{primary},
		Signer:     primary,
	})
	if err != nil {
		return "", err
	}
	for _, f := range consumed {
		r.changes.Remove(f)
	}
	if err := r.commitLocked(ctx); err != nil {
		return "", err
	}
	r.log.Info("sync payload built",
		logger.Int("inserted", len(payload.InsertedKeys)),
		logger.Int("deleted", len(payload.DeletedKeys)))
	return armored, nil
}

// SyncInbound descifra un payload de un peer, verifica que la firma sea de
// la clave primaria propia (fallo de firma es fatal, jamás se aplica
// parcialmente) y aplica el merge resultante. Idempotente: aplicar dos veces
// el mismo payload no produce cambios adicionales.
func (r *Keyring) SyncInbound(ctx context.Context, armored string, unlock backend.UnlockFunc) (*MergeReport, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	primary, err := r.primaryLocked(ctx)
	if err != nil {
		return nil, err
	}
	res, err := r.backend.Decrypt(ctx, backend.DecryptRequest{
		Armored: armored,
		Source:  r.store,
		Unlock:  unlock,
	})
	if err != nil {
		return nil, err
	}
	if !signedBy(res.Signatures, primary.Fingerprint()) {
		return nil, fmt.Errorf("%w: expected signer %s", ErrSyncSignature, primary.Fingerprint())
	}
	payload, err := keysync.DecodePayload(res.Data)
	if err != nil {
		return nil, err
	}

	exists := func(f string) bool { return r.store.KeyByFingerprint(f) != nil }
	items := keysync.PlanMerge(payload, exists, r.changes)

	report := &MergeReport{}
	dirty := false
	for _, it := range items {
		if it.Delete {
			d := r.applyRemoteDeleteLocked(it, report)
			dirty = dirty || d
			continue
		}
		results, d := r.importLocked(ctx, []ImportCandidate{{Armored: it.Armored, Kind: pgp.KindPublic}}, importOpts{at: it.Time})
		dirty = dirty || d
		for _, res := range results {
			switch {
			case res.Status == ImportError:
				report.Errors = append(report.Errors, res.Message)
			case d:
				report.Applied++
			default:
				report.Unchanged++
			}
		}
	}
	if dirty {
		if err := r.persistLocked(ctx); err != nil {
			return report, err
		}
	}
	r.log.Info("sync payload merged",
		logger.Int("applied", report.Applied),
		logger.Int("removed", report.Removed),
		logger.Int("skipped", report.Skipped))
	return report, nil
}

func (r *Keyring) applyRemoteDeleteLocked(it keysync.MergeItem, report *MergeReport) bool {
	k := r.store.KeyByFingerprint(it.Fingerprint)
	if k == nil {
		return false
	}
	if (k.IsPrivate() || r.attrs.hasAgentKey(it.Fingerprint)) && !r.backend.Caps().RemovePrivateKeys {
		report.Skipped++
		r.log.Warn("remote delete skipped: backend cannot remove private keys",
			logger.Fingerprint(it.Fingerprint))
		return false
	}
	if _, err := r.store.RemoveKey(it.Fingerprint, k.Kind()); err != nil {
		report.Skipped++
		return false
	}
	if r.attrs.PrimaryKeyFingerprint == it.Fingerprint {
		r.attrs.PrimaryKeyFingerprint = ""
	}
	r.attrs.removeAgentKey(it.Fingerprint)
	r.changes.AddAt(it.Fingerprint, keysync.ChangeDelete, it.Time)
	report.Removed++
	return true
}

func signedBy(sigs []backend.SignatureStatus, fpr string) bool {
	for _, s := range sigs {
		if s.Valid && s.Fingerprint == fpr {
			return true
		}
	}
	return false
}

// ===== Persistencia =====

// persistLocked escribe store, atributos y change log. Se intentan los tres
// aunque alguno falle; el error sale combinado.
func (r *Keyring) persistLocked(ctx context.Context) error {
	var errs []error
	if err := r.store.Store(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.attrs.save(ctx, r.provider, r.ID); err != nil {
		errs = append(errs, err)
	}
	if err := r.commitLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// commitLocked persiste el change log pendiente (durabilidad ante crash; la
// transmisión real ocurre en SyncOutbound).
func (r *Keyring) commitLocked(ctx context.Context) error {
	raw, err := keysync.EncodeLog(r.changes)
	if err != nil {
		return err
	}
	if err := r.provider.WriteRecord(ctx, r.ID, storage.RecordChangeLog, raw); err != nil {
		return fmt.Errorf("write change log for %s: %w", r.ID, err)
	}
	return nil
}
