// Package postgres provides a PostgreSQL implementation of the
// accounting.Persistence interface. State is written as full snapshots at
// flush boundaries; individual mutations are never persisted synchronously.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridcap/accounting/pkg/accounting"
)

// Config holds PostgreSQL persistence configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Persistence implements accounting.Persistence using PostgreSQL.
type Persistence struct {
	pool   *pgxpool.Pool
	config Config
}

// New creates a new PostgreSQL persistence adapter.
func New(ctx context.Context, config Config) (*Persistence, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Persistence{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (p *Persistence) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Initialize implements accounting.Persistence: it creates the schema when
// missing and loads the last flushed snapshot. Returns nil when the tables
// are empty.
func (p *Persistence) Initialize(ctx context.Context) (*accounting.Snapshot, error) {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounting_wallets (
			id                      INT PRIMARY KEY,
			owner_ref               TEXT NOT NULL,
			category                JSONB NOT NULL,
			local_usage             BIGINT NOT NULL,
			local_overspending      BIGINT NOT NULL,
			local_retired_usage     BIGINT NOT NULL,
			total_allocated         BIGINT NOT NULL,
			total_retired_allocated BIGINT NOT NULL,
			excess_usage            BIGINT NOT NULL,
			groups                  JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS accounting_allocations (
			id            INT PRIMARY KEY,
			belongs_to    INT NOT NULL,
			parent        INT NOT NULL,
			quota         BIGINT NOT NULL,
			start_time    TIMESTAMPTZ NOT NULL,
			end_time      TIMESTAMPTZ NOT NULL,
			retired       BOOLEAN NOT NULL,
			retired_usage BIGINT NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	snapshot := &accounting.Snapshot{}

	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_ref, category, local_usage, local_overspending,
			local_retired_usage, total_allocated, total_retired_allocated,
			excess_usage, groups
		FROM accounting_wallets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record accounting.WalletRecord
		var categoryJSON, groupsJSON []byte
		if err := rows.Scan(&record.ID, &record.Owner, &categoryJSON,
			&record.LocalUsage, &record.LocalOverspending, &record.LocalRetiredUsage,
			&record.TotalAllocated, &record.TotalRetiredAllocated,
			&record.ExcessUsage, &groupsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		if err := json.Unmarshal(categoryJSON, &record.Category); err != nil {
			return nil, fmt.Errorf("failed to decode category for wallet %d: %w", record.ID, err)
		}
		if err := json.Unmarshal(groupsJSON, &record.Groups); err != nil {
			return nil, fmt.Errorf("failed to decode groups for wallet %d: %w", record.ID, err)
		}
		snapshot.Wallets = append(snapshot.Wallets, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wallets: %w", err)
	}

	allocationRows, err := p.pool.Query(ctx, `
		SELECT id, belongs_to, parent, quota, start_time, end_time, retired, retired_usage
		FROM accounting_allocations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocations: %w", err)
	}
	defer allocationRows.Close()

	for allocationRows.Next() {
		var record accounting.AllocationRecord
		if err := allocationRows.Scan(&record.ID, &record.BelongsTo, &record.Parent,
			&record.Quota, &record.Start, &record.End, &record.Retired,
			&record.RetiredUsage); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		snapshot.Allocations = append(snapshot.Allocations, record)
	}
	if err := allocationRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate allocations: %w", err)
	}

	if len(snapshot.Wallets) == 0 && len(snapshot.Allocations) == 0 {
		return nil, nil
	}
	return snapshot, nil
}

// FlushChanges implements accounting.Persistence: it rewrites both tables
// from the snapshot in one transaction.
func (p *Persistence) FlushChanges(ctx context.Context, snapshot *accounting.Snapshot) error {
	if snapshot == nil {
		return nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`TRUNCATE accounting_wallets, accounting_allocations`); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}

	batch := &pgx.Batch{}
	for _, record := range snapshot.Wallets {
		categoryJSON, err := json.Marshal(record.Category)
		if err != nil {
			return fmt.Errorf("failed to encode category for wallet %d: %w", record.ID, err)
		}
		groupsJSON, err := json.Marshal(record.Groups)
		if err != nil {
			return fmt.Errorf("failed to encode groups for wallet %d: %w", record.ID, err)
		}
		batch.Queue(`
			INSERT INTO accounting_wallets (id, owner_ref, category, local_usage,
				local_overspending, local_retired_usage, total_allocated,
				total_retired_allocated, excess_usage, groups)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			record.ID, record.Owner, categoryJSON, record.LocalUsage,
			record.LocalOverspending, record.LocalRetiredUsage, record.TotalAllocated,
			record.TotalRetiredAllocated, record.ExcessUsage, groupsJSON)
	}
	for _, record := range snapshot.Allocations {
		batch.Queue(`
			INSERT INTO accounting_allocations (id, belongs_to, parent, quota,
				start_time, end_time, retired, retired_usage)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			record.ID, record.BelongsTo, record.Parent, record.Quota,
			record.Start, record.End, record.Retired, record.RetiredUsage)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}
