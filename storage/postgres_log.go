package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collabtree/treecrdt"
)

// PostgresLog is the relay's durable op log, grounded on the teacher's
// server/main.go pgx pool setup. Operations are appended to a single
// append-only table; replay on boot feeds every row back into OpStore as a
// remote op (LWW order-independence means replay order doesn't matter).
type PostgresLog struct {
	pool *pgxpool.Pool
}

const createOpsTable = `
CREATE TABLE IF NOT EXISTS treecrdt_ops (
	id BIGSERIAL PRIMARY KEY,
	entity_id TEXT NOT NULL,
	field_key TEXT NOT NULL,
	value BIGINT,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	peer_id TEXT NOT NULL,
	timestamp BIGINT NOT NULL
)`

// OpenPostgresLog connects to dbURL and ensures the ops table exists.
func OpenPostgresLog(ctx context.Context, dbURL string) (*PostgresLog, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createOpsTable); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresLog{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (l *PostgresLog) Close() { l.pool.Close() }

// Append durably records op.
func (l *PostgresLog) Append(ctx context.Context, op treecrdt.Operation) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO treecrdt_ops (entity_id, field_key, value, deleted, peer_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		op.EntityID, op.FieldKey, op.Value, op.Deleted, op.PeerID, op.Timestamp)
	return err
}

// Replay calls fn once per stored operation, oldest first.
func (l *PostgresLog) Replay(ctx context.Context, fn func(treecrdt.Operation)) error {
	rows, err := l.pool.Query(ctx,
		`SELECT entity_id, field_key, value, deleted, peer_id, timestamp
		 FROM treecrdt_ops ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var op treecrdt.Operation
		if err := rows.Scan(&op.EntityID, &op.FieldKey, &op.Value, &op.Deleted, &op.PeerID, &op.Timestamp); err != nil {
			return err
		}
		fn(op)
	}
	return rows.Err()
}
