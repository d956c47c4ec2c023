package keysync

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dropDatabas3/ringkeeper/internal/pgp"
)

var ErrInvalidPayload = errors.New("invalid sync payload")

var fprRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// WireTime serializa como RFC3339 UTC pero acepta también epoch en
// milisegundos al decodificar, para payloads generados por peers viejos.
type WireTime struct{ time.Time }

func (t WireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func (t *WireTime) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("%w: bad time %q", ErrInvalidPayload, s)
		}
		t.Time = parsed.UTC()
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("%w: bad time value", ErrInvalidPayload)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

type InsertedKey struct {
	Armored string   `json:"armored"`
	Time    WireTime `json:"time"`
}

type DeletedKey struct {
	Time WireTime `json:"time"`
}

// Payload es el formato de wire del mensaje de sync, antes del envelope
// OpenPGP. Un fingerprint aparece a lo sumo en uno de los dos mapas.
type Payload struct {
	InsertedKeys map[string]InsertedKey `json:"insertedKeys"`
	DeletedKeys  map[string]DeletedKey  `json:"deletedKeys"`
}

func NewPayload() *Payload {
	return &Payload{
		InsertedKeys: make(map[string]InsertedKey),
		DeletedKeys:  make(map[string]DeletedKey),
	}
}

func (p *Payload) Empty() bool {
	return len(p.InsertedKeys) == 0 && len(p.DeletedKeys) == 0
}

func (p *Payload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload parsea y valida el JSON del payload. Cualquier violación de
// forma es ErrInvalidPayload.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.InsertedKeys == nil {
		p.InsertedKeys = make(map[string]InsertedKey)
	}
	if p.DeletedKeys == nil {
		p.DeletedKeys = make(map[string]DeletedKey)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Payload) validate() error {
	normIns := make(map[string]InsertedKey, len(p.InsertedKeys))
	for fpr, in := range p.InsertedKeys {
		f := strings.ToLower(fpr)
		if !fprRe.MatchString(f) {
			return fmt.Errorf("%w: bad fingerprint %q", ErrInvalidPayload, fpr)
		}
		if in.Armored == "" {
			return fmt.Errorf("%w: inserted key %s without armored material", ErrInvalidPayload, f)
		}
		normIns[f] = in
	}
	normDel := make(map[string]DeletedKey, len(p.DeletedKeys))
	for fpr, del := range p.DeletedKeys {
		f := strings.ToLower(fpr)
		if !fprRe.MatchString(f) {
			return fmt.Errorf("%w: bad fingerprint %q", ErrInvalidPayload, fpr)
		}
		if _, dup := normIns[f]; dup {
			return fmt.Errorf("%w: fingerprint %s present in both maps", ErrInvalidPayload, f)
		}
		normDel[f] = del
	}
	p.InsertedKeys = normIns
	p.DeletedKeys = normDel
	return nil
}

// BuildPayload arma el payload saliente desde el estado del store y el log
// pendiente. Reglas:
//   - INSERT/UPDATE con clave viva: entra a insertedKeys en forma pública
//     armored (material privado jamás viaja en un sync).
//   - DELETE sin clave viva: entra a deletedKeys.
//   - DELETE con clave viva es un entry stale (la clave volvió a importarse
//     después): se descarta sin emitir.
//   - Claves del store sin entry en el log no se re-transmiten.
//
// Retorna además los fingerprints consumidos, para que el caller los saque
// del log y persista.
func BuildPayload(keys []*pgp.Key, log *Log) (*Payload, []string, error) {
	live := make(map[string]*pgp.Key, len(keys))
	for _, k := range keys {
		live[k.Fingerprint()] = k
	}

	p := NewPayload()
	consumed := make([]string, 0, log.Len())
	for _, fpr := range log.Fingerprints() {
		entry := log.Entries[fpr]
		consumed = append(consumed, fpr)
		switch entry.Type {
		case ChangeInsert, ChangeUpdate:
			k := live[fpr]
			if k == nil {
				// la clave ya no existe; nada que mandar
				continue
			}
			armored, err := k.Armored()
			if err != nil {
				return nil, nil, fmt.Errorf("armor key %s for sync: %w", fpr, err)
			}
			p.InsertedKeys[fpr] = InsertedKey{Armored: armored, Time: WireTime{entry.Time}}
		case ChangeDelete:
			if live[fpr] != nil {
				continue
			}
			p.DeletedKeys[fpr] = DeletedKey{Time: WireTime{entry.Time}}
		default:
			return nil, nil, fmt.Errorf("unknown change type %q for %s", entry.Type, fpr)
		}
	}
	sort.Strings(consumed)
	return p, consumed, nil
}
