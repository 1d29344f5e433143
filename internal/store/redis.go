// Package store keeps recent device telemetry in redis: a capped,
// time-scored history per device and the last known record.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-tracker/internal/pipeline"
	"fleet-tracker/internal/telemetry"
)

const (
	DefaultTTL       = 10 * time.Minute
	DefaultMaxPoints = 500

	historyPrefix = "fleet:history:"
	lastPrefix    = "fleet:last:"
)

type Options struct {
	Addr      string
	DB        int
	TTL       time.Duration
	MaxPoints int64
}

type History struct {
	rdb       *redis.Client
	ttl       time.Duration
	maxPoints int64
}

// InitRedis connects and pings before returning the store.
func InitRedis(ctx context.Context, opts Options) (*History, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewHistory(rdb, opts.TTL, opts.MaxPoints), nil
}

func NewHistory(rdb *redis.Client, ttl time.Duration, maxPoints int64) *History {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &History{rdb: rdb, ttl: ttl, maxPoints: maxPoints}
}

func (h *History) Name() string { return "redis" }

func (h *History) Close() error { return h.rdb.Close() }

// Write appends the envelope's record to the device history, trims it to
// the newest maxPoints entries and refreshes the last known record.
func (h *History) Write(ctx context.Context, env pipeline.Envelope) error {
	payload, err := json.Marshal(env.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	hkey := historyPrefix + env.DeviceID
	_, err = h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, hkey, redis.Z{Score: float64(env.Timestamp.UnixMilli()), Member: payload})
		pipe.ZRemRangeByRank(ctx, hkey, 0, -h.maxPoints-1)
		pipe.Expire(ctx, hkey, h.ttl)
		pipe.Set(ctx, lastPrefix+env.DeviceID, payload, h.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write %s: %w", env.DeviceID, err)
	}
	return nil
}

// Range returns the stored records of deviceID with start <= timestamp <= end,
// oldest first.
func (h *History) Range(ctx context.Context, deviceID string, start, end time.Time) ([]telemetry.Record, error) {
	vals, err := h.rdb.ZRangeByScore(ctx, historyPrefix+deviceID, &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", deviceID, err)
	}
	out := make([]telemetry.Record, 0, len(vals))
	for _, v := range vals {
		var r telemetry.Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Latest returns the last known record of each device that has one.
func (h *History) Latest(ctx context.Context, deviceIDs []string) (map[string]telemetry.Record, error) {
	out := make(map[string]telemetry.Record, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		keys[i] = lastPrefix + id
	}
	vals, err := h.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var r telemetry.Record
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			continue
		}
		out[deviceIDs[i]] = r
	}
	return out, nil
}
