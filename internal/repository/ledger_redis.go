package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"content-curator/internal/models"
)

const DefaultLedgerKey = "curator:processed"

// RedisLedger stores ids in a sorted set scored by processing time (unix ms).
type RedisLedger struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisLedger(client *redis.Client, key string) *RedisLedger {
	if key == "" {
		key = DefaultLedgerKey
	}
	return &RedisLedger{client: client, key: key, now: time.Now}
}

func (r *RedisLedger) Has(ctx context.Context, id string) (bool, error) {
	err := r.client.ZScore(ctx, r.key, id).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisLedger) Mark(ctx context.Context, id string) error {
	return r.client.ZAddNX(ctx, r.key, redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: id,
	}).Err()
}

func (r *RedisLedger) Records(ctx context.Context) ([]models.ProcessingRecord, error) {
	entries, err := r.client.ZRangeWithScores(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	records := make([]models.ProcessingRecord, 0, len(entries))
	for _, e := range entries {
		id, _ := e.Member.(string)
		records = append(records, models.ProcessingRecord{
			ID:          id,
			ProcessedAt: time.UnixMilli(int64(e.Score)).UTC(),
		})
	}
	return records, nil
}
