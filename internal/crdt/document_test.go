package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndStateRoundTrip(t *testing.T) {
	doc := New()
	require.NoError(t, doc.InsertValue([]string{"state"}, map[string]any{"n": 0}))
	require.NoError(t, doc.InsertValue([]string{"members", "u1"}, map[string]any{}))

	update := doc.StateAsUpdate()
	hydrated, err := FromUpdate(update)
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(hydrated.State(), &state))
	assert.Equal(t, float64(0), state["n"])
	assert.Equal(t, []string{"u1"}, hydrated.Members())
}

func TestApplyDeltaIsIdempotent(t *testing.T) {
	doc := New()
	require.NoError(t, doc.InsertValue([]string{"members", "u1"}, map[string]any{}))
	delta := doc.StateAsUpdate()

	target, err := FromUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, target.ApplyDelta(delta))
	first := target.StateAsUpdate()
	require.NoError(t, target.ApplyDelta(delta))
	second := target.StateAsUpdate()

	assert.Equal(t, target.Members(), []string{"u1"})
	assert.Equal(t, first, second)
}

func TestApplyDeltaIsCommutative(t *testing.T) {
	base := New()
	require.NoError(t, base.InsertValue([]string{"state"}, map[string]any{"n": 0}))
	prev := base.StateVector()

	a := New()
	require.NoError(t, a.ApplyDelta(base.StateAsUpdate()))
	require.NoError(t, a.InsertValue([]string{"members", "u1"}, map[string]any{}))
	deltaA := a.ToUpdate(prev)

	b := New()
	require.NoError(t, b.ApplyDelta(base.StateAsUpdate()))
	require.NoError(t, b.InsertValue([]string{"members", "u2"}, map[string]any{}))
	deltaB := b.ToUpdate(prev)

	orderAB, err := FromUpdate(base.StateAsUpdate())
	require.NoError(t, err)
	require.NoError(t, orderAB.ApplyDelta(deltaA))
	require.NoError(t, orderAB.ApplyDelta(deltaB))

	orderBA, err := FromUpdate(base.StateAsUpdate())
	require.NoError(t, err)
	require.NoError(t, orderBA.ApplyDelta(deltaB))
	require.NoError(t, orderBA.ApplyDelta(deltaA))

	assert.ElementsMatch(t, []string{"u1", "u2"}, orderAB.Members())
	assert.ElementsMatch(t, orderAB.Members(), orderBA.Members())
}

func TestApplyMalformedDeltaLeavesDocumentUnchanged(t *testing.T) {
	doc := New()
	require.NoError(t, doc.InsertValue([]string{"state"}, map[string]any{"n": 1}))
	before := doc.StateAsUpdate()

	err := doc.ApplyDelta([]byte("not a valid gob stream"))
	assert.Error(t, err)
	assert.Equal(t, before, doc.StateAsUpdate())
}

func TestRemoveMemberTombstones(t *testing.T) {
	doc := New()
	require.NoError(t, doc.InsertValue([]string{"members", "u1"}, map[string]any{}))
	require.NoError(t, doc.InsertValue([]string{"members", "u2"}, map[string]any{}))
	require.NoError(t, doc.RemoveMember("u1"))
	assert.Equal(t, []string{"u2"}, doc.Members())
}
