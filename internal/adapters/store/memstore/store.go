// Package memstore is an in-memory ports.Store used by tests and local runs
// without a redis instance. TTLs are accepted but not enforced.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/drivefast/mmsgw/internal/ports"
)

type Store struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	values   map[string]string
	counters map[string]int64
	sets     map[string]map[string]bool
	events   map[string][][]byte
}

func New() *Store {
	return &Store{
		hashes:   map[string]map[string]string{},
		values:   map[string]string{},
		counters: map[string]int64{},
		sets:     map[string]map[string]bool{},
		events:   map[string][][]byte{},
	}
}

func (s *Store) SaveHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := map[string]string{}
	for k, v := range fields {
		h[k] = v
	}
	s.hashes[key] = h
	return nil
}

func (s *Store) LoadHash(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil, nil
	}
	out := map[string]string{}
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetField(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashes[key] == nil {
		s.hashes[key] = map[string]string{}
	}
	s.hashes[key][field] = value
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, key)
	delete(s.values, key)
	delete(s.counters, key)
	delete(s.sets, key)
	delete(s.events, key)
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.values[key]; ok {
		return true, nil
	}
	if _, ok := s.counters[key]; ok {
		return true, nil
	}
	if _, ok := s.sets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *Store) SetCounter(ctx context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = value
	return nil
}

func (s *Store) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counters[key]
	return v, ok, nil
}

func (s *Store) Decrement(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]--
	return s.counters[key], nil
}

func (s *Store) AddToSet(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = map[string]bool{}
	}
	for _, m := range members {
		s.sets[key][m] = true
	}
	return nil
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[key], m)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, key string, event []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[key] = append(s.events[key], append([]byte(nil), event...))
	return nil
}

func (s *Store) ListEvents(ctx context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.events[key]...), nil
}

// group selection bookkeeping, same key shapes as the redis implementation

func (s *Store) GroupStats(ctx context.Context, group, taskType string) ([]ports.GroupStat, error) {
	members, err := s.SetMembers(ctx, "gwgroup-"+group)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make([]ports.GroupStat, 0, len(members))
	for _, m := range members {
		h := s.hashes["gwgrp-"+group+"-"+taskType+"-"+m]
		st := ports.GroupStat{GatewayID: m}
		if h != nil {
			st.LastSelected = h["last_selected"] == "1"
			st.LastTaskTS, _ = strconv.ParseInt(h["last_task_ts"], 10, 64)
			st.TaskCount, _ = strconv.ParseInt(h["task_count"], 10, 64)
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func (s *Store) RecordSelection(ctx context.Context, group, taskType, chosen string, now time.Time) error {
	members, err := s.SetMembers(ctx, "gwgroup-"+group)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		key := "gwgrp-" + group + "-" + taskType + "-" + m
		if s.hashes[key] == nil {
			s.hashes[key] = map[string]string{}
		}
		if m == chosen {
			count, _ := strconv.ParseInt(s.hashes[key]["task_count"], 10, 64)
			s.hashes[key]["last_selected"] = "1"
			s.hashes[key]["last_task_ts"] = strconv.FormatInt(now.Unix(), 10)
			s.hashes[key]["task_count"] = strconv.FormatInt(count+1, 10)
		} else {
			s.hashes[key]["last_selected"] = "0"
		}
	}
	return nil
}
