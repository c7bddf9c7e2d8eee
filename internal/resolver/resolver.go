// Package resolver decides conflicts between the local and the remote view
// of an entity. Every function is pure: the same inputs always produce the
// same Resolution.
package resolver

import (
	"fmt"
	"strings"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// Strategy names a resolution algorithm
type Strategy string

const (
	LastWriteWins Strategy = "last_write_wins"
	FieldMerge    Strategy = "field_merge"
	PriorityBased Strategy = "priority"
	Manual        Strategy = "manual"
	RemoteWins    Strategy = "remote_wins"
	LocalWins     Strategy = "local_wins"
)

// ParseStrategy accepts the names used in flags and config files. An empty
// name selects last-write-wins.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return LastWriteWins, nil
	case LastWriteWins, FieldMerge, PriorityBased, Manual, RemoteWins, LocalWins:
		return st, nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q", s)
}

// RemoteAuthority is the score bonus of the remote side in priority-based
// resolution
const RemoteAuthority = 10

// Resolver selects a strategy per conflict and applies it
type Resolver struct {
	// Default applies to update and version conflicts
	Default Strategy
	// PerType overrides Default per entity type
	PerType map[model.EntityType]Strategy
	// CreateStrategy applies when both sides created the same id
	CreateStrategy Strategy
	// NestedMerge handles objects nested deeper than one level
	NestedMerge NestedMerge
}

// New returns a last-write-wins resolver with remote-wins create conflicts
func New() *Resolver {
	return &Resolver{
		Default:        LastWriteWins,
		PerType:        make(map[model.EntityType]Strategy),
		CreateStrategy: RemoteWins,
	}
}

// StrategyFor returns the strategy configured for a conflict
func (r *Resolver) StrategyFor(ct model.ConflictType, t model.EntityType) Strategy {
	if ct == model.ConflictCreate && r.CreateStrategy != "" {
		return r.CreateStrategy
	}
	if s, ok := r.PerType[t]; ok {
		return s
	}
	if r.Default == "" {
		return LastWriteWins
	}
	return r.Default
}

// Resolve applies the configured strategy
func (r *Resolver) Resolve(ct model.ConflictType, local, remote model.Record) model.Resolution {
	return r.ResolveWith(r.StrategyFor(ct, local.EntityType), ct, local, remote)
}

// ResolveWith applies s regardless of configuration
func (r *Resolver) ResolveWith(s Strategy, ct model.ConflictType, local, remote model.Record) model.Resolution {
	var res model.Resolution
	switch s {
	case RemoteWins:
		res = pick(model.WinnerRemote, remote, "remote is authoritative")
	case LocalWins:
		res = pick(model.WinnerLocal, local, "local is authoritative")
	case FieldMerge:
		res = r.fieldMerge(local, remote)
	case PriorityBased:
		res = r.priority(local, remote)
	case Manual:
		res = model.Resolution{
			Winner:       model.WinnerPending,
			ResolvedData: r.preview(local, remote),
			Reason:       fmt.Sprintf("%s conflict awaits a manual decision", ct),
		}
	default:
		res = r.lastWriteWins(local, remote)
	}
	res.Strategy = string(s)
	return res
}

// CanAutoResolve reports whether res can be applied without a caller
// decision
func CanAutoResolve(res model.Resolution) bool {
	return res.Winner != model.WinnerPending && res.Winner != ""
}

func pick(w model.Winner, rec model.Record, reason string) model.Resolution {
	return model.Resolution{Winner: w, ResolvedData: rec.Payload.Clone(), Reason: reason}
}

func (r *Resolver) lastWriteWins(local, remote model.Record) model.Resolution {
	switch {
	case local.LastModified.After(remote.LastModified):
		return pick(model.WinnerLocal, local, "local was modified later")
	case remote.LastModified.After(local.LastModified):
		return pick(model.WinnerRemote, remote, "remote was modified later")
	}
	return model.Resolution{
		Winner:       model.WinnerMerged,
		ResolvedData: DeepMerge(local.Payload, remote.Payload, true, r.NestedMerge),
		Reason:       "equal modification times, fields merged",
	}
}

func (r *Resolver) fieldMerge(local, remote model.Record) model.Resolution {
	out := make(model.Payload, len(local.Payload)+len(remote.Payload))
	for _, k := range unionKeys(local.Payload, remote.Payload) {
		lv, inLocal := local.Payload[k]
		rv, inRemote := remote.Payload[k]
		switch {
		case inLocal && !inRemote:
			out[k] = model.CloneValue(lv)
		case inRemote && !inLocal:
			out[k] = model.CloneValue(rv)
		default:
			lt, rt := local.FieldTime(k), remote.FieldTime(k)
			switch {
			case lt.After(rt):
				out[k] = model.CloneValue(lv)
			case rt.After(lt):
				out[k] = model.CloneValue(rv)
			default:
				out[k] = mergeValue(k, lv, rv, true, 0, r.nested())
			}
		}
	}

	switch {
	case out.Equal(remote.Payload):
		return model.Resolution{Winner: model.WinnerRemote, ResolvedData: out, Reason: "every field is newest on the remote"}
	case out.Equal(local.Payload):
		return model.Resolution{Winner: model.WinnerLocal, ResolvedData: out, Reason: "every field is newest locally"}
	}
	return model.Resolution{Winner: model.WinnerMerged, ResolvedData: out, Reason: "fields merged by modification time"}
}

func (r *Resolver) nested() NestedMerge {
	if r.NestedMerge == nil {
		return PreferSide
	}
	return r.NestedMerge
}

// Score is the priority-based resolution score of one side
func Score(rec model.Record, isRemote bool) int {
	score := 0
	if isRemote {
		score += RemoteAuthority
	}
	if kind, err := model.KindOf(rec.EntityType); err == nil {
		score += kind.Boost(rec.Payload)
	}
	return score
}

func (r *Resolver) priority(local, remote model.Record) model.Resolution {
	ls, rs := Score(local, false), Score(remote, true)
	switch {
	case ls > rs:
		return pick(model.WinnerLocal, local, fmt.Sprintf("local scored %d against %d", ls, rs))
	case rs > ls:
		return pick(model.WinnerRemote, remote, fmt.Sprintf("remote scored %d against %d", rs, ls))
	}
	res := r.lastWriteWins(local, remote)
	res.Reason = fmt.Sprintf("equal scores (%d), %s", ls, res.Reason)
	return res
}

// preview merges both sides preferring the later one
func (r *Resolver) preview(local, remote model.Record) model.Payload {
	preferRemote := !local.LastModified.After(remote.LastModified)
	return DeepMerge(local.Payload, remote.Payload, preferRemote, r.NestedMerge)
}

// Choice is a caller decision for a pending conflict
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceMerge  Choice = "merge"
	ChoiceCustom Choice = "custom"
)

// ParseChoice validates a decision coming from outside the process
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(strings.ToLower(strings.TrimSpace(s))); c {
	case ChoiceLocal, ChoiceRemote, ChoiceMerge, ChoiceCustom:
		return c, nil
	}
	return "", fmt.Errorf("unknown resolution choice %q", s)
}

// Decide turns a caller decision into the resolution of c. custom is
// required for ChoiceCustom and validated against the entity kind.
func (r *Resolver) Decide(c model.Conflict, choice Choice, custom model.Payload) (model.Resolution, error) {
	if c.Resolved {
		return model.Resolution{}, model.ErrAlreadyResolved
	}

	var res model.Resolution
	switch choice {
	case ChoiceLocal:
		res = pick(model.WinnerLocal, c.LocalRecord, "caller kept the local version")
	case ChoiceRemote:
		res = pick(model.WinnerRemote, c.RemoteRecord, "caller kept the remote version")
	case ChoiceMerge:
		res = model.Resolution{
			Winner:       model.WinnerMerged,
			ResolvedData: r.preview(c.LocalRecord, c.RemoteRecord),
			Reason:       "caller accepted the merge",
		}
	case ChoiceCustom:
		if len(custom) == 0 {
			return model.Resolution{}, model.NewValidationError(c.EntityType, "", "custom resolution requires data")
		}
		kind, err := model.KindOf(c.EntityType)
		if err != nil {
			return model.Resolution{}, err
		}
		if err := kind.Validate(custom); err != nil {
			return model.Resolution{}, err
		}
		res = model.Resolution{
			Winner:       model.WinnerMerged,
			ResolvedData: custom.Clone(),
			Reason:       "caller supplied custom data",
		}
	default:
		return model.Resolution{}, fmt.Errorf("unknown resolution choice %q", choice)
	}
	res.Strategy = string(Manual)
	return res, nil
}
