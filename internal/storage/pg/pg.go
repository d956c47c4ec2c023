// Package pg implementa el Provider de storage sobre Postgres (pgxpool).
// Todos los records viven en una sola tabla ringkeeper_records con PK
// (keyring_id, name); el schema está en migrations/postgres.
package pg

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dropDatabas3/ringkeeper/internal/observability/logger"
	"github.com/dropDatabas3/ringkeeper/internal/storage"
	migrations "github.com/dropDatabas3/ringkeeper/migrations/postgres"
)

// Config es el tuning del pool. Cero = defaults conservadores.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type Provider struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Open parsea el DSN, arma el pool y hace un ping no bloqueante: si la DB
// está caída al arranque el servicio igual levanta.
func Open(ctx context.Context, cfg Config) (*Provider, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pg storage: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
		pcfg.MaxConnIdleTime = cfg.MaxConnLifetime
	}
	if pcfg.MaxConns == 0 {
		pcfg.MaxConns = 5
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pg storage: new pool: %w", err)
	}

	log := logger.Named("storage.pg")
	if err := pool.Ping(ctx); err != nil {
		log.Warn("startup ping failed", logger.Err(err))
	} else {
		log.Info("pool ready", logger.Int("max_conns", int(pcfg.MaxConns)))
	}
	return &Provider{pool: pool, log: log}, nil
}

func (p *Provider) ReadRecord(ctx context.Context, keyringID, name string) ([]byte, error) {
	if err := storage.ValidateID(keyringID); err != nil {
		return nil, err
	}
	const q = `SELECT data FROM ringkeeper_records WHERE keyring_id = $1 AND name = $2`
	var data []byte
	if err := p.pool.QueryRow(ctx, q, keyringID, name).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, keyringID, name)
		}
		return nil, fmt.Errorf("pg storage: read %s/%s: %w", keyringID, name, err)
	}
	return data, nil
}

func (p *Provider) WriteRecord(ctx context.Context, keyringID, name string, data []byte) error {
	if err := storage.ValidateID(keyringID); err != nil {
		return err
	}
	if !storage.KnownRecord(name) {
		return fmt.Errorf("pg storage: unknown record %q", name)
	}
	const q = `
INSERT INTO ringkeeper_records (keyring_id, name, data, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (keyring_id, name)
DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	if _, err := p.pool.Exec(ctx, q, keyringID, name, data); err != nil {
		return fmt.Errorf("pg storage: write %s/%s: %w", keyringID, name, err)
	}
	return nil
}

func (p *Provider) DeleteKeyring(ctx context.Context, keyringID string) error {
	if err := storage.ValidateID(keyringID); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM ringkeeper_records WHERE keyring_id = $1`, keyringID)
	if err != nil {
		return fmt.Errorf("pg storage: delete keyring %s: %w", keyringID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: keyring %s", storage.ErrNotFound, keyringID)
	}
	p.log.Info("keyring deleted", logger.KeyringID(keyringID), logger.Count(int(tag.RowsAffected())))
	return nil
}

func (p *Provider) ListKeyrings(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT keyring_id FROM ringkeeper_records ORDER BY keyring_id`)
	if err != nil {
		return nil, fmt.Errorf("pg storage: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Provider) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Close cierra el pool subyacente (idempotente).
func (p *Provider) Close() error {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// Migrate aplica las migraciones embebidas en orden de nombre. El schema usa
// IF NOT EXISTS, así que correrlo de nuevo es inofensivo.
func (p *Provider) Migrate(ctx context.Context) error {
	entries, err := migrations.FS.ReadDir(migrations.Dir)
	if err != nil {
		return fmt.Errorf("pg storage: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.FS.ReadFile(path.Join(migrations.Dir, name))
		if err != nil {
			return fmt.Errorf("pg storage: read migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("pg storage: apply migration %s: %w", name, err)
		}
		p.log.Info("migration applied", logger.String("file", name))
	}
	return nil
}

// PoolStats devuelve un snapshot del estado del pool para métricas.
func (p *Provider) PoolStats() *pgxpool.Stat {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Stat()
}
