package queue

import (
	"fmt"
	"strings"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// Policy controls how a new operation interacts with operations already
// queued for the same entity
type Policy string

const (
	// PolicyNone enqueues every mutation as its own operation
	PolicyNone Policy = "none"
	// PolicyCoalesce folds a new mutation into the last untouched queued
	// operation of the same entity
	PolicyCoalesce Policy = "coalesce"
)

// ParsePolicy accepts the policy names used in config files
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyNone:
		return PolicyNone, nil
	case PolicyCoalesce:
		return PolicyCoalesce, nil
	}
	return "", fmt.Errorf("unknown compaction policy %q", s)
}

// CompactionPlan is the set of queue changes needed to record next
type CompactionPlan struct {
	// Drop lists queued op ids to remove
	Drop []string
	// Replace is a queued op rewritten in place
	Replace *model.SyncOperation
	// Enqueue is the op to append
	Enqueue *model.SyncOperation
}

// Empty reports whether the plan changes nothing
func (p CompactionPlan) Empty() bool {
	return len(p.Drop) == 0 && p.Replace == nil && p.Enqueue == nil
}

// Compact decides how next is recorded given the active ops already queued
// for the same entity (in drain order). Only the last queued op is a
// candidate, and only when it has never been attempted and is not blocked.
func Compact(pending []model.SyncOperation, next model.SyncOperation, policy Policy) CompactionPlan {
	enqueue := func() CompactionPlan { return CompactionPlan{Enqueue: &next} }
	if policy != PolicyCoalesce || len(pending) == 0 {
		return enqueue()
	}
	last := pending[len(pending)-1]
	if last.Key() != next.Key() || last.RetryCount > 0 || last.Blocked() || last.LastError != "" {
		return enqueue()
	}

	merged := last
	merged.Payload = next.Payload.Clone()
	if next.Priority > merged.Priority {
		merged.Priority = next.Priority
	}

	switch {
	case last.Kind == model.OpCreate && next.Kind == model.OpUpdate:
		// still a create; the server has never seen the entity
		return CompactionPlan{Replace: &merged}
	case last.Kind == model.OpUpdate && next.Kind == model.OpUpdate:
		// keep the original base version
		return CompactionPlan{Replace: &merged}
	case last.Kind == model.OpCreate && next.Kind == model.OpDelete:
		return CompactionPlan{Drop: []string{last.ID}}
	case last.Kind == model.OpUpdate && next.Kind == model.OpDelete:
		merged.Kind = model.OpDelete
		merged.Payload = nil
		return CompactionPlan{Replace: &merged}
	}
	return enqueue()
}
