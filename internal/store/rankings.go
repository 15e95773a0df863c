package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rank is one leaderboard row.
type Rank struct {
	UserID int64   `json:"userId"`
	Pixels float64 `json:"pixels"`
}

type Rankings struct {
	rdb       redis.Cmdable
	retention time.Duration
}

// NewRankings keeps dated snapshots for retention.
func NewRankings(rdb redis.Cmdable, retention time.Duration) *Rankings {
	return &Rankings{rdb: rdb, retention: retention}
}

func SnapshotKey(day time.Time) string {
	return RankDailyKey + ":" + day.UTC().Format(time.DateOnly)
}

// Snapshot copies the daily leaderboard into the key of day. Running it
// twice for the same day overwrites the first copy.
func (r *Rankings) Snapshot(ctx context.Context, day time.Time) error {
	key := SnapshotKey(day)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZUnionStore(ctx, key, &redis.ZStore{Keys: []string{RankDailyKey}})
		if r.retention > 0 {
			pipe.Expire(ctx, key, r.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ranking snapshot %s: %w", key, err)
	}
	return nil
}

// Rotate snapshots the finished day and starts a fresh daily leaderboard.
func (r *Rankings) Rotate(ctx context.Context, finished time.Time) error {
	if err := r.Snapshot(ctx, finished); err != nil {
		return err
	}
	return r.rdb.Del(ctx, RankDailyKey).Err()
}

// Top returns the n best rows of key.
func (r *Rankings) Top(ctx context.Context, key string, n int64) ([]Rank, error) {
	rows, err := r.rdb.ZRevRangeWithScores(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("top %s: %w", key, err)
	}
	out := make([]Rank, 0, len(rows))
	for _, z := range rows {
		member, _ := z.Member.(string)
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Rank{UserID: id, Pixels: z.Score})
	}
	return out, nil
}

// UserPixels is the total ranked pixel count of a user.
func (r *Rankings) UserPixels(ctx context.Context, userID int64) (int64, error) {
	score, err := r.rdb.ZScore(ctx, RankTotalKey, formatUserID(userID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	return int64(score), err
}
