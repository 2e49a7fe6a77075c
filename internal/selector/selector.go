// Package selector picks one concrete gateway instance among the members of
// a logical gateway group, according to a configurable distribution policy.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/drivefast/mmsgw/internal/ports"
)

// Policy names the gateway distribution strategies.
type Policy string

const (
	PolicyRandom      Policy = "RND"
	PolicyRoundRobin  Policy = "RR"
	PolicyPreferred   Policy = "PREF"
	PolicyLeastUsed   Policy = "LU"
	PolicyLeastRecent Policy = "LRU"
)

// ErrEmptyGroup is returned when a group has no registered members.
var ErrEmptyGroup = errors.New("gateway group has no members")

// Selector chooses gateways from groups using bookkeeping held in the shared
// store, so concurrently dispatching processes agree on the rotation.
type Selector struct {
	store  ports.Store
	policy Policy
	log    *slog.Logger
}

// New builds a Selector with the given policy. An unknown policy falls back
// to round robin.
func New(store ports.Store, policy Policy, log *slog.Logger) *Selector {
	switch policy {
	case PolicyRandom, PolicyRoundRobin, PolicyPreferred, PolicyLeastUsed, PolicyLeastRecent:
	default:
		log.Warn("unknown selection policy, using round robin", "policy", string(policy))
		policy = PolicyRoundRobin
	}
	return &Selector{store: store, policy: policy, log: log}
}

// Register adds a gateway instance to its group's membership set.
func (s *Selector) Register(ctx context.Context, group, gwid string) error {
	return s.store.AddToSet(ctx, "gwgroup-"+group, gwid)
}

// Deregister removes a gateway instance from its group.
func (s *Selector) Deregister(ctx context.Context, group, gwid string) error {
	return s.store.RemoveFromSet(ctx, "gwgroup-"+group, gwid)
}

// IsGroup reports whether the name refers to a registered group.
func (s *Selector) IsGroup(ctx context.Context, name string) (bool, error) {
	members, err := s.store.SetMembers(ctx, "gwgroup-"+name)
	if err != nil {
		return false, err
	}
	return len(members) > 0, nil
}

// Dispatch selects one member of the group for the given task type and
// records the selection bookkeeping as a single atomic update.
func (s *Selector) Dispatch(ctx context.Context, group, taskType string) (string, error) {
	stats, err := s.store.GroupStats(ctx, group, taskType)
	if err != nil {
		return "", fmt.Errorf("group stats %s: %w", group, err)
	}
	if len(stats) == 0 {
		return "", ErrEmptyGroup
	}

	// policies are defined over the alphabetically ordered member list, which
	// also settles every tie
	sort.Slice(stats, func(i, j int) bool { return stats[i].GatewayID < stats[j].GatewayID })

	chosen := s.choose(stats)
	if err := s.store.RecordSelection(ctx, group, taskType, chosen, time.Now()); err != nil {
		return "", fmt.Errorf("record selection %s: %w", group, err)
	}
	s.log.Debug("gateway selected", "group", group, "task", taskType, "gwid", chosen)
	return chosen, nil
}

func (s *Selector) choose(stats []ports.GroupStat) string {
	switch s.policy {

	case PolicyRandom:
		return stats[rand.Intn(len(stats))].GatewayID

	case PolicyPreferred:
		return stats[0].GatewayID

	case PolicyLeastUsed:
		best := stats[0]
		for _, st := range stats[1:] {
			if st.TaskCount < best.TaskCount {
				best = st
			}
		}
		return best.GatewayID

	case PolicyLeastRecent:
		best := stats[0]
		for _, st := range stats[1:] {
			if st.LastTaskTS < best.LastTaskTS {
				best = st
			}
		}
		return best.GatewayID

	default: // round robin
		for i, st := range stats {
			if st.LastSelected {
				return stats[(i+1)%len(stats)].GatewayID
			}
		}
		return stats[0].GatewayID
	}
}
