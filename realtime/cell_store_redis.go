package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisCellKeyPrefix = "boardhub:cell:"

// cell store on a redis hash per cell: value, updatedBy, updatedAt (unix nanoseconds)
type RedisCellStore struct {
	rdb *redis.Client
}

func NewRedisCellStore(ctx context.Context, redisUrl string) (*RedisCellStore, error) {
	if redisUrl == "" {
		redisUrl = "redis://localhost:6379/0"
	}
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(options)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("Could not connect to redis: %w", err)
	}
	return &RedisCellStore{
		rdb: rdb,
	}, nil
}

func (self *RedisCellStore) GetCellState(ctx context.Context, cellId string) (*CellState, error) {
	fields, err := self.rdb.HGetAll(ctx, redisCellKeyPrefix+cellId).Result()
	if err != nil {
		return nil, err
	}
	valueJson, ok := fields["value"]
	if !ok {
		return nil, nil
	}
	value, err := decodeCellValue([]byte(valueJson))
	if err != nil {
		return nil, err
	}
	updatedAt, err := strconv.ParseInt(fields["updatedAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Bad updatedAt for cell %s: %w", cellId, err)
	}
	return &CellState{
		Value:     value,
		UpdatedAt: time.Unix(0, updatedAt),
		UpdatedBy: fields["updatedBy"],
	}, nil
}

func (self *RedisCellStore) WriteCellValue(ctx context.Context, cellId string, value any, userId string, updatedAt time.Time) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return self.rdb.HSet(
		ctx,
		redisCellKeyPrefix+cellId,
		"value", string(valueJson),
		"updatedBy", userId,
		"updatedAt", strconv.FormatInt(updatedAt.UnixNano(), 10),
	).Err()
}

func (self *RedisCellStore) Close() error {
	return self.rdb.Close()
}
