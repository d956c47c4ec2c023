// Package keysync implementa la parte pura del motor de sincronización: el
// change log por keyring, el codec del payload de sync y el plan de merge.
// El cifrado/firma del payload y la aplicación de los cambios son trabajo de
// la orquestación del keyring; acá no entra crypto.
package keysync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

type Entry struct {
	Type ChangeType `json:"type"`
	Time time.Time  `json:"time"`
}

// Log acumula cambios pendientes de un keyring, indexados por fingerprint.
// Un solo entry por fingerprint: el último escribe gana. No se sincroniza
// internamente; el slot de mutación del keyring serializa el acceso.
type Log struct {
	Entries map[string]Entry `json:"entries"`
}

func NewLog() *Log {
	return &Log{Entries: make(map[string]Entry)}
}

// Add upserta el entry para el fingerprint con timestamp actual.
func (l *Log) Add(fpr string, typ ChangeType) {
	l.AddAt(fpr, typ, time.Now().UTC())
}

// AddAt registra un cambio con timestamp explícito (merges usan el timestamp
// remoto para que la resolución de conflictos sea estable entre peers).
func (l *Log) AddAt(fpr string, typ ChangeType, at time.Time) {
	if l.Entries == nil {
		l.Entries = make(map[string]Entry)
	}
	l.Entries[strings.ToLower(fpr)] = Entry{Type: typ, Time: at.UTC()}
}

func (l *Log) Get(fpr string) (Entry, bool) {
	e, ok := l.Entries[strings.ToLower(fpr)]
	return e, ok
}

func (l *Log) Remove(fpr string) {
	delete(l.Entries, strings.ToLower(fpr))
}

func (l *Log) Len() int { return len(l.Entries) }

func (l *Log) Clear() {
	l.Entries = make(map[string]Entry)
}

// Fingerprints retorna las claves del log ordenadas, para recorridos
// deterministas.
func (l *Log) Fingerprints() []string {
	out := make([]string, 0, len(l.Entries))
	for f := range l.Entries {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// EncodeLog serializa el log para el record `changelog` del storage.
func EncodeLog(l *Log) ([]byte, error) {
	if l == nil {
		l = NewLog()
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode change log: %w", err)
	}
	return b, nil
}

// DecodeLog rehidrata el log desde el record persistido. Datos vacíos dan un
// log vacío.
func DecodeLog(data []byte) (*Log, error) {
	if len(data) == 0 {
		return NewLog(), nil
	}
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode change log: %w", err)
	}
	if l.Entries == nil {
		l.Entries = make(map[string]Entry)
	}
	return &l, nil
}
