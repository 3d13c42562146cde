package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/rental-chat/internal/intent"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// DeviceKV scopes keys to one browser or device. Values expire after ttl;
// ttl <= 0 keeps them until removed.
func (s *Store) DeviceKV(deviceID string, ttl time.Duration) intent.KV {
	return &deviceKV{rdb: s.rdb, prefix: "device:" + deviceID + ":", ttl: ttl}
}

type deviceKV struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func (d *deviceKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := d.rdb.Get(ctx, d.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (d *deviceKV) Set(ctx context.Context, key, value string) error {
	return d.rdb.Set(ctx, d.prefix+key, value, max(d.ttl, 0)).Err()
}

func (d *deviceKV) Remove(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, d.prefix+key).Err()
}

// Take uses GETDEL so two tabs of one device cannot both read the value.
func (d *deviceKV) Take(ctx context.Context, key string) (string, bool, error) {
	v, err := d.rdb.GetDel(ctx, d.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
