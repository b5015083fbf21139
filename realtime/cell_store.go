package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// persisted state of a cell
type CellState struct {
	Value     any
	UpdatedAt time.Time
	UpdatedBy string
}

// the persistence collaborator the resolver reads from and writes to
type CellStore interface {
	// nil state when the cell does not exist yet
	GetCellState(ctx context.Context, cellId string) (*CellState, error)
	WriteCellValue(ctx context.Context, cellId string, value any, userId string, updatedAt time.Time) error
	Close() error
}

type CellStoreKind string

const (
	CellStoreKindMemory   CellStoreKind = "memory"
	CellStoreKindSqlite   CellStoreKind = "sqlite"
	CellStoreKindPostgres CellStoreKind = "postgres"
	CellStoreKindRedis    CellStoreKind = "redis"
)

type CellStoreSettings struct {
	Kind CellStoreKind
	// sqlite data source, postgres connection string, or redis url
	Url string
}

func DefaultCellStoreSettings() *CellStoreSettings {
	return &CellStoreSettings{
		Kind: CellStoreKindMemory,
	}
}

func OpenCellStore(ctx context.Context, settings *CellStoreSettings) (CellStore, error) {
	var store CellStore
	var err error
	switch settings.Kind {
	case CellStoreKindMemory, "":
		store = NewMemoryCellStore()
	case CellStoreKindSqlite:
		store, err = NewSqliteCellStore(ctx, settings.Url)
	case CellStoreKindPostgres:
		store, err = NewPostgresCellStore(ctx, settings.Url)
	case CellStoreKindRedis:
		store, err = NewRedisCellStore(ctx, settings.Url)
	default:
		err = fmt.Errorf("Unknown cell store kind: %s", settings.Kind)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// values are kept in their json form so reads return the same shapes as the
// persistent stores (`[]any`, `map[string]any`, `float64`)
type MemoryCellStore struct {
	stateLock sync.Mutex
	cells     map[string]*memoryCell
}

type memoryCell struct {
	valueJson []byte
	updatedAt time.Time
	updatedBy string
}

func NewMemoryCellStore() *MemoryCellStore {
	return &MemoryCellStore{
		cells: map[string]*memoryCell{},
	}
}

func (self *MemoryCellStore) GetCellState(ctx context.Context, cellId string) (*CellState, error) {
	self.stateLock.Lock()
	cell, ok := self.cells[cellId]
	self.stateLock.Unlock()
	if !ok {
		return nil, nil
	}
	value, err := decodeCellValue(cell.valueJson)
	if err != nil {
		return nil, err
	}
	return &CellState{
		Value:     value,
		UpdatedAt: cell.updatedAt,
		UpdatedBy: cell.updatedBy,
	}, nil
}

func (self *MemoryCellStore) WriteCellValue(ctx context.Context, cellId string, value any, userId string, updatedAt time.Time) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.cells[cellId] = &memoryCell{
		valueJson: valueJson,
		updatedAt: updatedAt,
		updatedBy: userId,
	}
	return nil
}

func (self *MemoryCellStore) Close() error {
	return nil
}

func decodeCellValue(valueJson []byte) (any, error) {
	var value any
	if err := json.Unmarshal(valueJson, &value); err != nil {
		return nil, fmt.Errorf("Bad cell value: %w", err)
	}
	return value, nil
}
