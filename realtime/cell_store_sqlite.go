package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteCellStateSchema = `CREATE TABLE IF NOT EXISTS cell_state (
	cell_id TEXT NOT NULL PRIMARY KEY,
	value TEXT NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
)`

// cell store on sqlite. `updated_at` is unix nanoseconds.
type SqliteCellStore struct {
	db *sql.DB
}

func NewSqliteCellStore(ctx context.Context, dataSourceName string) (*SqliteCellStore, error) {
	if dataSourceName == "" {
		dataSourceName = "file:boardhub.db"
	}
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}
	// a single connection keeps `file::memory:` on one database and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteCellStateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("Could not create cell_state: %w", err)
	}
	return &SqliteCellStore{
		db: db,
	}, nil
}

func (self *SqliteCellStore) GetCellState(ctx context.Context, cellId string) (*CellState, error) {
	var valueJson string
	var updatedBy string
	var updatedAt int64
	err := self.db.QueryRowContext(
		ctx,
		`SELECT value, updated_by, updated_at FROM cell_state WHERE cell_id = ?`,
		cellId,
	).Scan(&valueJson, &updatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	value, err := decodeCellValue([]byte(valueJson))
	if err != nil {
		return nil, err
	}
	return &CellState{
		Value:     value,
		UpdatedAt: time.Unix(0, updatedAt),
		UpdatedBy: updatedBy,
	}, nil
}

func (self *SqliteCellStore) WriteCellValue(ctx context.Context, cellId string, value any, userId string, updatedAt time.Time) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(
		ctx,
		`INSERT INTO cell_state (cell_id, value, updated_by, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(cell_id) DO UPDATE SET
			value = excluded.value,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		cellId,
		string(valueJson),
		userId,
		updatedAt.UnixNano(),
	)
	return err
}

func (self *SqliteCellStore) Close() error {
	return self.db.Close()
}
