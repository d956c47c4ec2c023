package keyring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/ringkeeper/internal/storage"
)

// Attributes es el record chico de metadata por keyring. El fingerprint
// primario es cache advisory (la fuente de verdad son las claves mismas);
// pseudo_revoked y agent_keys sí son estado propio.
type Attributes struct {
	PrimaryKeyFingerprint string    `yaml:"primary_key_fingerprint,omitempty"`
	Backend               string    `yaml:"backend,omitempty"`
	PseudoRevoked         []string  `yaml:"pseudo_revoked,omitempty"`
	AgentKeys             []string  `yaml:"agent_keys,omitempty"`
	UpdatedAt             time.Time `yaml:"updated_at,omitempty"`
}

// loadAttributes lee el record de atributos. Ausente no es error: keyrings
// viejos pueden no tenerlo todavía.
func loadAttributes(ctx context.Context, p storage.Provider, id string) (*Attributes, bool, error) {
	raw, err := p.ReadRecord(ctx, id, storage.RecordAttributes)
	if errors.Is(err, storage.ErrNotFound) {
		return &Attributes{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read attributes for %s: %w", id, err)
	}
	var a Attributes
	if err := yaml.Unmarshal(raw, &a); err != nil {
		return nil, false, fmt.Errorf("parse attributes for %s: %w", id, err)
	}
	return &a, true, nil
}

func (a *Attributes) save(ctx context.Context, p storage.Provider, id string) error {
	a.UpdatedAt = time.Now().UTC()
	raw, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attributes for %s: %w", id, err)
	}
	if err := p.WriteRecord(ctx, id, storage.RecordAttributes, raw); err != nil {
		return fmt.Errorf("write attributes for %s: %w", id, err)
	}
	return nil
}

// hasAgentKey indica si el daemon externo retiene el secreto de este
// fingerprint.
func (a *Attributes) hasAgentKey(fpr string) bool {
	for _, f := range a.AgentKeys {
		if f == fpr {
			return true
		}
	}
	return false
}

func (a *Attributes) addAgentKey(fpr string) {
	if !a.hasAgentKey(fpr) {
		a.AgentKeys = append(a.AgentKeys, fpr)
	}
}

func (a *Attributes) removeAgentKey(fpr string) {
	out := a.AgentKeys[:0]
	for _, f := range a.AgentKeys {
		if f != fpr {
			out = append(out, f)
		}
	}
	a.AgentKeys = out
}
