// Package redis implementa el Provider de storage sobre Redis. Cada record
// es una key <prefix>keyring:<id>:<name>; un set <prefix>keyrings sirve de
// índice para listar. Pensado para despliegues donde el estado del keyring
// ya vive en un Redis durable (AOF).
package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "rk:"
}

type Provider struct {
	c      *rdb.Client
	prefix string
	log    *zap.Logger
}

func New(cfg Config) *Provider {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "rk:"
	}
	return &Provider{
		c:      rdb.NewClient(&rdb.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		prefix: prefix,
		log:    logger.Named("storage.redis"),
	}
}

func (p *Provider) recordKey(id, name string) string {
	return p.prefix + "keyring:" + id + ":" + name
}

func (p *Provider) indexKey() string { return p.prefix + "keyrings" }

func (p *Provider) ReadRecord(ctx context.Context, keyringID, name string) ([]byte, error) {
	if err := storage.ValidateID(keyringID); err != nil {
		return nil, err
	}
	b, err := p.c.Get(ctx, p.recordKey(keyringID, name)).Bytes()
	if err != nil {
		if err == rdb.Nil {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, keyringID, name)
		}
		return nil, fmt.Errorf("redis storage: read %s/%s: %w", keyringID, name, err)
	}
	return b, nil
}

func (p *Provider) WriteRecord(ctx context.Context, keyringID, name string, data []byte) error {
	if err := storage.ValidateID(keyringID); err != nil {
		return err
	}
	if !storage.KnownRecord(name) {
		return fmt.Errorf("redis storage: unknown record %q", name)
	}
	pipe := p.c.TxPipeline()
	pipe.Set(ctx, p.recordKey(keyringID, name), data, 0)
	pipe.SAdd(ctx, p.indexKey(), keyringID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis storage: write %s/%s: %w", keyringID, name, err)
	}
	return nil
}

func (p *Provider) DeleteKeyring(ctx context.Context, keyringID string) error {
	if err := storage.ValidateID(keyringID); err != nil {
		return err
	}
	member, err := p.c.SIsMember(ctx, p.indexKey(), keyringID).Result()
	if err != nil {
		return fmt.Errorf("redis storage: delete check %s: %w", keyringID, err)
	}
	if !member {
		return fmt.Errorf("%w: keyring %s", storage.ErrNotFound, keyringID)
	}

	keys := []string{
		p.recordKey(keyringID, storage.RecordPublicKeys),
		p.recordKey(keyringID, storage.RecordPrivateKeys),
		p.recordKey(keyringID, storage.RecordAttributes),
		p.recordKey(keyringID, storage.RecordChangeLog),
	}
	pipe := p.c.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, p.indexKey(), keyringID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis storage: delete %s: %w", keyringID, err)
	}
	p.log.Info("keyring deleted", logger.KeyringID(keyringID))
	return nil
}

func (p *Provider) ListKeyrings(ctx context.Context) ([]string, error) {
	ids, err := p.c.SMembers(ctx, p.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis storage: list: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := p.c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis storage: ping %s: %w", strings.TrimSuffix(p.c.Options().Addr, "/"), err)
	}
	return nil
}

func (p *Provider) Close() error { return p.c.Close() }
