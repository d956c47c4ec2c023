// Package fs implementa el Provider de storage sobre el filesystem local.
// Layout: <root>/keyrings/<id>/{public-keys.asc, private-keys.asc,
// attributes.yaml, changelog.json}. Es el driver default del servicio.
package fs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
	"github.com/dropDatabas3/ringkeeper/internal/util/atomicwrite"
)

const keyringsDir = "keyrings"

type Provider struct {
	root string
	log  *zap.Logger
}

// New crea el provider y asegura el directorio base.
func New(root string) (*Provider, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("fs storage: empty root")
	}
	dir := filepath.Join(root, keyringsDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("fs storage: mkdir %s: %w", dir, err)
	}
	return &Provider{root: root, log: logger.Named("storage.fs")}, nil
}

func (p *Provider) keyringDir(id string) string {
	return filepath.Join(p.root, keyringsDir, id)
}

// recordFile mapea el nombre lógico del record a su archivo.
func recordFile(name string) (string, fs.FileMode, error) {
	switch name {
	case storage.RecordPublicKeys:
		return "public-keys.asc", 0644, nil
	case storage.RecordPrivateKeys:
		return "private-keys.asc", 0600, nil
	case storage.RecordAttributes:
		return "attributes.yaml", 0600, nil
	case storage.RecordChangeLog:
		return "changelog.json", 0600, nil
	}
	return "", 0, fmt.Errorf("fs storage: unknown record %q", name)
}

func (p *Provider) recordPath(id, name string) (string, fs.FileMode, error) {
	if err := storage.ValidateID(id); err != nil {
		return "", 0, err
	}
	file, perm, err := recordFile(name)
	if err != nil {
		return "", 0, err
	}
	return filepath.Join(p.keyringDir(id), file), perm, nil
}

func (p *Provider) ReadRecord(ctx context.Context, keyringID, name string) ([]byte, error) {
	path, _, err := p.recordPath(keyringID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, keyringID, name)
		}
		return nil, fmt.Errorf("fs storage: read %s: %w", path, err)
	}
	return data, nil
}

func (p *Provider) WriteRecord(ctx context.Context, keyringID, name string, data []byte) error {
	path, perm, err := p.recordPath(keyringID, name)
	if err != nil {
		return err
	}
	if err := atomicwrite.AtomicWriteFile(path, data, perm); err != nil {
		return fmt.Errorf("fs storage: write %s: %w", path, err)
	}
	return nil
}

// DeleteKeyring hace soft-delete: renombra el directorio a
// <id>.deleted.<unix>. Los datos quedan recuperables a mano.
func (p *Provider) DeleteKeyring(ctx context.Context, keyringID string) error {
	if err := storage.ValidateID(keyringID); err != nil {
		return err
	}
	dir := p.keyringDir(keyringID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: keyring %s", storage.ErrNotFound, keyringID)
		}
		return fmt.Errorf("fs storage: stat %s: %w", dir, err)
	}
	dst := fmt.Sprintf("%s.deleted.%d", dir, time.Now().Unix())
	if err := os.Rename(dir, dst); err != nil {
		return fmt.Errorf("fs storage: soft delete %s: %w", keyringID, err)
	}
	p.log.Info("keyring soft-deleted", logger.KeyringID(keyringID), logger.String("moved_to", dst))
	return nil
}

func (p *Provider) ListKeyrings(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, keyringsDir))
	if err != nil {
		return nil, fmt.Errorf("fs storage: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.Contains(e.Name(), ".deleted.") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Join(p.root, keyringsDir))
	return err
}

func (p *Provider) Close() error { return nil }
