package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/drivefast/mmsgw/internal/ports"
)

// Store implements ports.Store on redis. Entity hashes, liveness counters
// and group bookkeeping all live in one shared instance so multiple gateway
// processes can cooperate without direct communication.
type Store struct {
	client *redis.Client
}

// New dials redis and verifies the connection.
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) SaveHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, args)
	if ttl > 0 {
		pipe.ExpireAt(ctx, key, time.Now().Add(ttl))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) LoadHash(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func (s *Store) SetField(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n == 1, err
}

func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetCounter(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("counter %s holds %q: %w", key, v, err)
	}
	return n, true, nil
}

func (s *Store) Decrement(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

func (s *Store) AddToSet(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *Store) AppendEvent(ctx context.Context, key string, event []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, event)
	if ttl > 0 {
		pipe.ExpireAt(ctx, key, time.Now().Add(ttl))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) ListEvents(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// group bookkeeping keys: membership in "gwgroup-<group>", per-member stats
// in hash "gwgrp-<group>-<task>-<member>".

func groupKey(group string) string { return "gwgroup-" + group }

func statKey(group, task, member string) string {
	return "gwgrp-" + group + "-" + task + "-" + member
}

func (s *Store) GroupStats(ctx context.Context, group, taskType string) ([]ports.GroupStat, error) {
	members, err := s.client.SMembers(ctx, groupKey(group)).Result()
	if err != nil {
		return nil, err
	}
	stats := make([]ports.GroupStat, 0, len(members))
	for _, m := range members {
		h, err := s.client.HGetAll(ctx, statKey(group, taskType, m)).Result()
		if err != nil {
			return nil, err
		}
		st := ports.GroupStat{GatewayID: m}
		st.LastSelected = h["last_selected"] == "1"
		st.LastTaskTS, _ = strconv.ParseInt(h["last_task_ts"], 10, 64)
		st.TaskCount, _ = strconv.ParseInt(h["task_count"], 10, 64)
		stats = append(stats, st)
	}
	return stats, nil
}

func (s *Store) RecordSelection(ctx context.Context, group, taskType, chosen string, now time.Time) error {
	members, err := s.client.SMembers(ctx, groupKey(group)).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, m := range members {
		if m == chosen {
			continue
		}
		pipe.HSet(ctx, statKey(group, taskType, m), "last_selected", "0")
	}
	key := statKey(group, taskType, chosen)
	pipe.HSet(ctx, key, "last_selected", "1", "last_task_ts", strconv.FormatInt(now.Unix(), 10))
	pipe.HIncrBy(ctx, key, "task_count", 1)
	_, err = pipe.Exec(ctx)
	return err
}
