package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

func at(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func alert(id string, ms int64, p model.Payload) model.Record {
	return model.Record{EntityType: model.EntityAlert, EntityID: id, Payload: p, LastModified: at(ms)}
}

func TestLastWriteWinsScenario(t *testing.T) {
	local := alert("a1", 1000, model.Payload{"severity": 5.0})
	remote := alert("a1", 2000, model.Payload{"severity": 8.0})

	res := New().Resolve(model.ConflictUpdate, local, remote)
	assert.Equal(t, model.WinnerRemote, res.Winner)
	assert.Equal(t, 8.0, res.ResolvedData["severity"])
	assert.Equal(t, string(LastWriteWins), res.Strategy)
	assert.True(t, CanAutoResolve(res))
}

func TestLastWriteWinsLocalNewer(t *testing.T) {
	local := alert("a1", 3000, model.Payload{"severity": 5.0})
	remote := alert("a1", 2000, model.Payload{"severity": 8.0})

	res := New().ResolveWith(LastWriteWins, model.ConflictVersion, local, remote)
	assert.Equal(t, model.WinnerLocal, res.Winner)
	assert.Equal(t, 5.0, res.ResolvedData["severity"])
}

func TestLastWriteWinsTieMerges(t *testing.T) {
	local := alert("a1", 1000, model.Payload{
		"tags":  []any{"flood", "river"},
		"notes": "local",
		"meta":  map[string]any{"source": "sensor", "geo": map[string]any{"lat": 1.0}},
	})
	remote := alert("a1", 1000, model.Payload{
		"tags":     []any{"river", "evacuation"},
		"notes":    "remote",
		"verified": true,
		"meta":     map[string]any{"reviewer": "ops", "geo": map[string]any{"lon": 2.0}},
	})

	res := New().Resolve(model.ConflictUpdate, local, remote)
	require.Equal(t, model.WinnerMerged, res.Winner)
	assert.Equal(t, []any{"flood", "river", "evacuation"}, res.ResolvedData["tags"])
	assert.Equal(t, "remote", res.ResolvedData["notes"])
	assert.Equal(t, true, res.ResolvedData["verified"])

	meta := res.ResolvedData["meta"].(map[string]any)
	assert.Equal(t, "sensor", meta["source"])
	assert.Equal(t, "ops", meta["reviewer"])
	// objects below the first level are decided by the nested hook
	assert.Equal(t, map[string]any{"lon": 2.0}, meta["geo"])
}

func TestNestedMergeHook(t *testing.T) {
	r := New()
	var paths []string
	r.NestedMerge = func(path string, a, b map[string]any, _ bool) any {
		paths = append(paths, path)
		out := map[string]any{}
		for k, v := range a {
			out[k] = v
		}
		for k, v := range b {
			out[k] = v
		}
		return out
	}

	local := alert("a1", 1000, model.Payload{"meta": map[string]any{"geo": map[string]any{"lat": 1.0}}})
	remote := alert("a1", 1000, model.Payload{"meta": map[string]any{"geo": map[string]any{"lon": 2.0}}})

	res := r.Resolve(model.ConflictUpdate, local, remote)
	assert.Equal(t, []string{"meta.geo"}, paths)
	geo := res.ResolvedData["meta"].(map[string]any)["geo"]
	assert.Equal(t, map[string]any{"lat": 1.0, "lon": 2.0}, geo)
}

func TestCreateConflictDefaultsToRemote(t *testing.T) {
	local := alert("a2", 5000, model.Payload{"eventType": "fire"})
	remote := alert("a2", 1000, model.Payload{"eventType": "flood"})

	res := New().Resolve(model.ConflictCreate, local, remote)
	assert.Equal(t, model.WinnerRemote, res.Winner)
	assert.Equal(t, remote.Payload, res.ResolvedData)

	r := New()
	r.CreateStrategy = LastWriteWins
	assert.Equal(t, model.WinnerLocal, r.Resolve(model.ConflictCreate, local, remote).Winner)
}

func TestFieldMerge(t *testing.T) {
	local := alert("a1", 1000, model.Payload{"severity": 9.0, "status": "active", "notes": "x"})
	local.FieldModified = map[string]time.Time{"severity": at(3000)}
	remote := alert("a1", 2000, model.Payload{"severity": 4.0, "status": "resolved"})

	res := New().ResolveWith(FieldMerge, model.ConflictUpdate, local, remote)
	require.Equal(t, model.WinnerMerged, res.Winner)
	assert.Equal(t, 9.0, res.ResolvedData["severity"], "field timestamp beats record timestamp")
	assert.Equal(t, "resolved", res.ResolvedData["status"], "record timestamp used when untracked")
	assert.Equal(t, "x", res.ResolvedData["notes"])
}

func TestFieldMergeAllRemote(t *testing.T) {
	local := alert("a1", 1000, model.Payload{"severity": 1.0})
	remote := alert("a1", 2000, model.Payload{"severity": 4.0})

	res := New().ResolveWith(FieldMerge, model.ConflictUpdate, local, remote)
	assert.Equal(t, model.WinnerRemote, res.Winner)
}

func TestPriorityBased(t *testing.T) {
	r := New()
	r.Default = PriorityBased

	// remote authority outweighs a small boost
	local := alert("a1", 9000, model.Payload{"severity": 3.0})
	remote := alert("a1", 1000, model.Payload{"severity": 2.0})
	assert.Equal(t, model.WinnerRemote, r.Resolve(model.ConflictUpdate, local, remote).Winner)

	// an active, verified, severe local alert wins
	local = alert("a1", 1000, model.Payload{"severity": 9.0, "status": "active", "verified": true})
	remote = alert("a1", 2000, model.Payload{"severity": 2.0, "status": "resolved"})
	res := r.Resolve(model.ConflictUpdate, local, remote)
	assert.Equal(t, model.WinnerLocal, res.Winner)
	assert.Equal(t, string(PriorityBased), res.Strategy)
}

func TestPriorityTieFallsBackToLastWriteWins(t *testing.T) {
	local := alert("a1", 2000, model.Payload{"severity": 10.0, "status": "resolved", "a": "x"})
	remote := alert("a1", 1000, model.Payload{"severity": 2.0})
	require.Equal(t, Score(local, false), Score(remote, true))

	res := New().ResolveWith(PriorityBased, model.ConflictUpdate, local, remote)
	assert.Equal(t, model.WinnerLocal, res.Winner)
	assert.Contains(t, res.Reason, "equal scores")
}

func TestManualIsPending(t *testing.T) {
	local := alert("a1", 2000, model.Payload{"severity": 5.0, "tags": []any{"a"}})
	remote := alert("a1", 1000, model.Payload{"severity": 8.0, "tags": []any{"b"}})

	res := New().ResolveWith(Manual, model.ConflictUpdate, local, remote)
	assert.Equal(t, model.WinnerPending, res.Winner)
	assert.False(t, CanAutoResolve(res))
	assert.Equal(t, 5.0, res.ResolvedData["severity"], "preview prefers the later side")
	assert.Equal(t, []any{"a", "b"}, res.ResolvedData["tags"])
}

func TestResolveIsDeterministic(t *testing.T) {
	local := alert("a1", 1000, model.Payload{
		"tags": []any{"x", "y", map[string]any{"k": 1.0}},
		"meta": map[string]any{"a": 1.0, "deep": map[string]any{"z": true}},
		"n":    1.0,
	})
	remote := alert("a1", 1000, model.Payload{
		"tags": []any{map[string]any{"k": 1.0}, "z"},
		"meta": map[string]any{"b": 2.0, "deep": map[string]any{"y": false}},
		"n":    2.0,
	})

	r := New()
	for _, s := range []Strategy{LastWriteWins, FieldMerge, PriorityBased, Manual, RemoteWins, LocalWins} {
		for _, ct := range []model.ConflictType{model.ConflictCreate, model.ConflictUpdate, model.ConflictVersion} {
			first := r.ResolveWith(s, ct, local, remote)
			for i := 0; i < 20; i++ {
				again := r.ResolveWith(s, ct, local.Clone(), remote.Clone())
				require.Equal(t, first.Winner, again.Winner, "strategy %s", s)
				require.True(t, first.ResolvedData.Equal(again.ResolvedData), "strategy %s", s)
				require.Equal(t, first.Reason, again.Reason)
			}
		}
	}
}

func TestResolveDoesNotAliasInputs(t *testing.T) {
	local := alert("a1", 1000, model.Payload{"tags": []any{"a"}})
	remote := alert("a1", 2000, model.Payload{"tags": []any{"b"}})

	res := New().Resolve(model.ConflictUpdate, local, remote)
	res.ResolvedData["tags"].([]any)[0] = "mutated"
	assert.Equal(t, "b", remote.Payload["tags"].([]any)[0])
}

func TestDecide(t *testing.T) {
	c := model.Conflict{
		ID:           "c1",
		EntityType:   model.EntityAlert,
		EntityID:     "a1",
		LocalRecord:  alert("a1", 2000, model.Payload{"severity": 5.0}),
		RemoteRecord: alert("a1", 1000, model.Payload{"severity": 8.0, "verified": true}),
	}
	r := New()

	res, err := r.Decide(c, ChoiceLocal, nil)
	require.NoError(t, err)
	assert.Equal(t, model.WinnerLocal, res.Winner)
	assert.Equal(t, string(Manual), res.Strategy)

	res, err = r.Decide(c, ChoiceRemote, nil)
	require.NoError(t, err)
	assert.Equal(t, 8.0, res.ResolvedData["severity"])

	res, err = r.Decide(c, ChoiceMerge, nil)
	require.NoError(t, err)
	assert.Equal(t, model.WinnerMerged, res.Winner)
	assert.Equal(t, 5.0, res.ResolvedData["severity"])
	assert.Equal(t, true, res.ResolvedData["verified"])

	res, err = r.Decide(c, ChoiceCustom, model.Payload{"severity": 6.0})
	require.NoError(t, err)
	assert.Equal(t, 6.0, res.ResolvedData["severity"])

	_, err = r.Decide(c, ChoiceCustom, nil)
	assert.True(t, model.IsValidation(err))
	_, err = r.Decide(c, ChoiceCustom, model.Payload{"severity": 99.0})
	assert.True(t, model.IsValidation(err))

	c.Resolved = true
	_, err = r.Decide(c, ChoiceLocal, nil)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
}

func TestParseStrategyAndChoice(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, s)
	s, err = ParseStrategy(" Field_Merge ")
	require.NoError(t, err)
	assert.Equal(t, FieldMerge, s)
	_, err = ParseStrategy("coin_flip")
	assert.Error(t, err)

	c, err := ParseChoice("CUSTOM")
	require.NoError(t, err)
	assert.Equal(t, ChoiceCustom, c)
	_, err = ParseChoice("both")
	assert.Error(t, err)
}

func TestListUnionKeepsValuesJSONCannotEncode(t *testing.T) {
	merged := unionList([]any{complex(1, 2)}, []any{complex(3, 4), complex(1, 2)})
	assert.Equal(t, []any{complex(1, 2), complex(3, 4)}, merged)

	merged = DeepMerge(
		model.Payload{"tags": []any{complex(1, 0)}},
		model.Payload{"tags": []any{complex(0, 1)}},
		false, nil)
	assert.Len(t, merged["tags"], 2)
}
