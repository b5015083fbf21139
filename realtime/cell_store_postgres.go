package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresCellStateSchema = `CREATE TABLE IF NOT EXISTS cell_state (
	cell_id TEXT NOT NULL PRIMARY KEY,
	value JSONB NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
)`

// cell store on the board database
type PostgresCellStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCellStore(ctx context.Context, connString string) (*PostgresCellStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Could not connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresCellStateSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Could not create cell_state: %w", err)
	}
	return &PostgresCellStore{
		pool: pool,
	}, nil
}

func (self *PostgresCellStore) GetCellState(ctx context.Context, cellId string) (*CellState, error) {
	var valueJson []byte
	var updatedBy string
	var updatedAt time.Time
	err := self.pool.QueryRow(
		ctx,
		`SELECT value, updated_by, updated_at FROM cell_state WHERE cell_id = $1`,
		cellId,
	).Scan(&valueJson, &updatedBy, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	value, err := decodeCellValue(valueJson)
	if err != nil {
		return nil, err
	}
	return &CellState{
		Value:     value,
		UpdatedAt: updatedAt,
		UpdatedBy: updatedBy,
	}, nil
}

func (self *PostgresCellStore) WriteCellValue(ctx context.Context, cellId string, value any, userId string, updatedAt time.Time) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = self.pool.Exec(
		ctx,
		`INSERT INTO cell_state (cell_id, value, updated_by, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (cell_id) DO UPDATE SET
			value = EXCLUDED.value,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		cellId,
		json.RawMessage(valueJson),
		userId,
		updatedAt,
	)
	return err
}

func (self *PostgresCellStore) Close() error {
	self.pool.Close()
	return nil
}
