package keysync

import (
	"sort"
	"time"
)

// MergeItem es una acción concreta a aplicar sobre el keyring local.
type MergeItem struct {
	Fingerprint string
	Armored     string // solo en imports
	Time        time.Time
	Delete      bool
}

// PlanMerge traduce un payload entrante a acciones locales. Política de
// conflicto insert-vs-delete para el mismo fingerprint: gana el timestamp
// más nuevo; en empate exacto gana el delete (ante la duda, no resucitar una
// clave borrada).
//
//   - insertedKeys: se descarta si hay un DELETE local pendiente con
//     timestamp >= al remoto. Si no, import por la vía normal (la validación
//     estructural aplica igual).
//   - deletedKeys: se descarta si hay un INSERT/UPDATE local pendiente
//     estrictamente más nuevo, o si la clave no existe localmente (no-op
//     silencioso).
//
// El orden de salida es determinista: imports primero, después deletes,
// cada grupo por fingerprint.
func PlanMerge(p *Payload, exists func(fpr string) bool, pending *Log) []MergeItem {
	var imports, deletes []MergeItem

	for fpr, in := range p.InsertedKeys {
		if e, ok := pending.Get(fpr); ok && e.Type == ChangeDelete && !e.Time.Before(in.Time.Time) {
			continue
		}
		imports = append(imports, MergeItem{
			Fingerprint: fpr,
			Armored:     in.Armored,
			Time:        in.Time.Time,
		})
	}
	for fpr, del := range p.DeletedKeys {
		if e, ok := pending.Get(fpr); ok && e.Type != ChangeDelete && e.Time.After(del.Time.Time) {
			continue
		}
		if !exists(fpr) {
			continue
		}
		deletes = append(deletes, MergeItem{
			Fingerprint: fpr,
			Time:        del.Time.Time,
			Delete:      true,
		})
	}

	sort.Slice(imports, func(i, j int) bool { return imports[i].Fingerprint < imports[j].Fingerprint })
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Fingerprint < deletes[j].Fingerprint })
	return append(imports, deletes...)
}
