// Package storage provides the Redis and PostgreSQL clients backing the
// core's ambient state: online-session presence, the current-job cache,
// pool hashrate, and the persisted worker-name table.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bitpool/stratumcore/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresClient wraps PostgreSQL access to the mining_workers table, the
// durable target of the User Registry's worker-name write-behind queue.
type PostgresClient struct {
	pool   *pgxpool.Pool
	cfg    config.PostgresConfig
	logger *zap.Logger
}

// NewPostgresClient creates a new PostgreSQL client and ensures the
// mining_workers table exists.
func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresClient, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	client := &PostgresClient{
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("postgres"),
	}

	if err := client.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return client, nil
}

// Close closes the database connection pool.
func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS mining_workers (
			uid BIGINT NOT NULL,
			worker_id BIGINT NOT NULL,
			group_id BIGINT NOT NULL DEFAULT 0,
			worker_name VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (uid, worker_id)
		);
	`

	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// workerRow mirrors the mining_workers columns the write-behind writer
// needs to decide between an update and an upsert.
type workerRow struct {
	GroupID    int64
	WorkerName string
}

// lookupWorker reads the group_id/worker_name pair for (uid, workerId), if
// the row already exists.
func (p *PostgresClient) lookupWorker(ctx context.Context, uid, workerID int64) (*workerRow, error) {
	query := `SELECT group_id, worker_name FROM mining_workers WHERE uid = $1 AND worker_id = $2`

	var row workerRow
	err := p.pool.QueryRow(ctx, query, uid, workerID).Scan(&row.GroupID, &row.WorkerName)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up worker: %w", err)
	}
	return &row, nil
}

// UpsertWorkerName applies steps 1-3 of the worker-name persistence
// algorithm: look up the existing row, update it in place if its group_id
// is 0 or it has no name, otherwise upsert on the primary key. group_id is
// encoded as -userId, the "default group" convention.
func (p *PostgresClient) UpsertWorkerName(ctx context.Context, uid, workerID int64, workerName string) error {
	existing, err := p.lookupWorker(ctx, uid, workerID)
	if err != nil {
		return err
	}

	now := time.Now()

	if existing != nil && (existing.GroupID == 0 || existing.WorkerName == "") {
		query := `
			UPDATE mining_workers
			SET group_id = $3, worker_name = $4, updated_at = $5
			WHERE uid = $1 AND worker_id = $2
		`
		_, err := p.pool.Exec(ctx, query, uid, workerID, -uid, workerName, now)
		if err != nil {
			return fmt.Errorf("failed to update worker name: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO mining_workers (uid, worker_id, group_id, worker_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (uid, worker_id) DO UPDATE SET
			worker_name = EXCLUDED.worker_name,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.pool.Exec(ctx, query, uid, workerID, -uid, workerName, now)
	if err != nil {
		return fmt.Errorf("failed to upsert worker name: %w", err)
	}
	return nil
}
