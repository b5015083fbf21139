package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/golang/glog"
)

type ColumnType string

const (
	ColumnTypeText     ColumnType = "TEXT"
	ColumnTypeLongText ColumnType = "LONG_TEXT"
	ColumnTypeNumber   ColumnType = "NUMBER"
	ColumnTypeStatus   ColumnType = "STATUS"
	ColumnTypeDate     ColumnType = "DATE"
	ColumnTypeTimeline ColumnType = "TIMELINE"
	ColumnTypeCheckbox ColumnType = "CHECKBOX"
	ColumnTypeDropdown ColumnType = "DROPDOWN"
	ColumnTypeLink     ColumnType = "LINK"
	ColumnTypeEmail    ColumnType = "EMAIL"
	ColumnTypePhone    ColumnType = "PHONE"
	ColumnTypeRating   ColumnType = "RATING"
	// multi person assignment
	ColumnTypePeople ColumnType = "PEOPLE"
	ColumnTypeTags   ColumnType = "TAGS"
)

// array valued collaborative columns where concurrent edits are unioned
func (self ColumnType) IsMergeable() bool {
	switch self {
	case ColumnTypePeople, ColumnTypeTags:
		return true
	default:
		return false
	}
}

type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last-write-wins"
	ResolutionStrategyMerge         ResolutionStrategy = "merge"
	// the edit was rejected and the user has to re-apply it by hand
	ResolutionStrategyManual ResolutionStrategy = "manual"
)

// `Timestamp` is when the edit was made on the client, not when it arrived
type CellEdit struct {
	ItemId    string    `json:"itemId"`
	CellId    string    `json:"cellId"`
	ColumnId  string    `json:"columnId"`
	UserId    string    `json:"userId"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type CellConflict struct {
	CurrentValue   any    `json:"currentValue"`
	IncomingValue  any    `json:"incomingValue"`
	CurrentUserId  string `json:"currentUserId,omitempty"`
	IncomingUserId string `json:"incomingUserId"`
}

type ConflictResolution struct {
	Resolved bool               `json:"resolved"`
	Value    any                `json:"value"`
	Strategy ResolutionStrategy `json:"strategy"`
	Conflict *CellConflict      `json:"conflict,omitempty"`
}

type ConflictResolverSettings struct {
	Now NowFunction
}

func DefaultConflictResolverSettings() *ConflictResolverSettings {
	return &ConflictResolverSettings{
		Now: defaultNow,
	}
}

// Adjudicates concurrent cell edits against persisted state.
// Edits are ordered by their logical timestamp, never by arrival order.
// Read-decide-write is serialized per cell.
type ConflictResolver struct {
	store    CellStore
	settings *ConflictResolverSettings

	cellLocks *keyLocks
}

func NewConflictResolverWithDefaults(store CellStore) *ConflictResolver {
	return NewConflictResolver(store, DefaultConflictResolverSettings())
}

func NewConflictResolver(store CellStore, settings *ConflictResolverSettings) *ConflictResolver {
	return &ConflictResolver{
		store:     store,
		settings:  settings,
		cellLocks: newKeyLocks(),
	}
}

// decides without writing
func (self *ConflictResolver) Resolve(ctx context.Context, cellId string, columnType ColumnType, edit *CellEdit) (*ConflictResolution, error) {
	unlock := self.cellLocks.Lock(cellId)
	defer unlock()

	resolution, _, err := self.resolve(ctx, cellId, columnType, edit)
	return resolution, err
}

// decides and, when the edit is accepted and changes the value, writes the value
func (self *ConflictResolver) Apply(ctx context.Context, cellId string, columnType ColumnType, edit *CellEdit) (*ConflictResolution, error) {
	unlock := self.cellLocks.Lock(cellId)
	defer unlock()

	resolution, changed, err := self.resolve(ctx, cellId, columnType, edit)
	if err != nil {
		return nil, err
	}
	if resolution.Resolved && changed {
		err := self.store.WriteCellValue(ctx, cellId, resolution.Value, edit.UserId, self.settings.Now())
		if err != nil {
			return nil, fmt.Errorf("Could not write cell %s: %w", cellId, err)
		}
	}
	return resolution, nil
}

// true if the edit at `timestamp` would be rejected as stale
func (self *ConflictResolver) CheckConflict(ctx context.Context, cellId string, timestamp time.Time) (bool, error) {
	state, err := self.store.GetCellState(ctx, cellId)
	if err != nil {
		return false, fmt.Errorf("Could not read cell %s: %w", cellId, err)
	}
	if state == nil {
		return false, nil
	}
	return timestamp.Before(state.UpdatedAt), nil
}

// must be called with the cell lock
func (self *ConflictResolver) resolve(
	ctx context.Context,
	cellId string,
	columnType ColumnType,
	edit *CellEdit,
) (resolution *ConflictResolution, changed bool, returnErr error) {
	state, err := self.store.GetCellState(ctx, cellId)
	if err != nil {
		returnErr = fmt.Errorf("Could not read cell %s: %w", cellId, err)
		return
	}

	if state == nil {
		resolution = &ConflictResolution{
			Resolved: true,
			Value:    edit.Value,
			Strategy: ResolutionStrategyLastWriteWins,
		}
		changed = true
		return
	}

	// a redundant re-send is accepted even when its timestamp is stale
	if valuesEqual(state.Value, edit.Value) {
		resolution = &ConflictResolution{
			Resolved: true,
			Value:    state.Value,
			Strategy: ResolutionStrategyLastWriteWins,
		}
		return
	}

	if edit.Timestamp.Before(state.UpdatedAt) {
		glog.V(1).Infof("[c]reject %s edit=%d current=%d\n", cellId, edit.Timestamp.UnixMilli(), state.UpdatedAt.UnixMilli())
		resolution = &ConflictResolution{
			Resolved: false,
			Value:    state.Value,
			Strategy: ResolutionStrategyManual,
			Conflict: &CellConflict{
				CurrentValue:   state.Value,
				IncomingValue:  edit.Value,
				CurrentUserId:  state.UpdatedBy,
				IncomingUserId: edit.UserId,
			},
		}
		return
	}

	if columnType.IsMergeable() {
		currentValues, currentOk := anySlice(state.Value)
		incomingValues, incomingOk := anySlice(edit.Value)
		if currentOk && incomingOk {
			resolution = &ConflictResolution{
				Resolved: true,
				Value:    unionValues(currentValues, incomingValues),
				Strategy: ResolutionStrategyMerge,
			}
			changed = true
			return
		}
	}

	resolution = &ConflictResolution{
		Resolved: true,
		Value:    edit.Value,
		Strategy: ResolutionStrategyLastWriteWins,
	}
	changed = true
	return
}

// deep equality over JSON values. Numbers compare by value, so `1` and `1.0` are equal.
func valuesEqual(a any, b any) bool {
	aValue, aErr := jsonValue(a)
	bValue, bErr := jsonValue(b)
	if aErr == nil && bErr == nil {
		return proto.Equal(aValue, bValue)
	}
	return reflect.DeepEqual(a, b)
}

func jsonValue(v any) (*structpb.Value, error) {
	if value, err := structpb.NewValue(v); err == nil {
		return value, nil
	}
	// typed go values (e.g. []string, structs) go through their json form
	valueBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(valueBytes, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

func anySlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if values, ok := v.([]any); ok {
		return values, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	values := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i += 1 {
		values[i] = rv.Index(i).Interface()
	}
	return values, true
}

// current values first, then new incoming values, without duplicates
func unionValues(current []any, incoming []any) []any {
	seen := map[string]bool{}
	union := make([]any, 0, len(current)+len(incoming))
	for _, values := range [][]any{current, incoming} {
		for _, v := range values {
			key := valueKey(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			union = append(union, v)
		}
	}
	return union
}

// encoding/json sorts map keys, so equal objects share a key
func valueKey(v any) string {
	keyBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(keyBytes)
}

// reference counted mutex per key. Idle keys hold no memory.
type keyLocks struct {
	stateLock sync.Mutex
	locks     map[string]*keyLock
}

type keyLock struct {
	mutex    sync.Mutex
	refCount int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{
		locks: map[string]*keyLock{},
	}
}

func (self *keyLocks) Lock(key string) (unlock func()) {
	var lock *keyLock
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		lock, ok = self.locks[key]
		if !ok {
			lock = &keyLock{}
			self.locks[key] = lock
		}
		lock.refCount += 1
	}()

	lock.mutex.Lock()
	return func() {
		lock.mutex.Unlock()

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		lock.refCount -= 1
		if lock.refCount == 0 {
			delete(self.locks, key)
		}
	}
}

func (self *keyLocks) size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.locks)
}
