// Package crdt implements the state-based replicated document described in
// the collaboration core: a map with a "state" leaf holding arbitrary user
// JSON and a "members" sub-map of connected user IDs, merged with
// last-writer-wins-per-key semantics so that applying deltas is commutative,
// associative and idempotent regardless of delivery order.
//
// No general-purpose Go CRDT library exists in the project's dependency
// corpus (no Yjs/yrs port, no automerge binding), so this package is a
// from-scratch implementation grounded on the operation set of the system
// it replaces rather than on a borrowed library. See DESIGN.md for the
// standard-library justification.
package crdt

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const pathSep = "\x1f"

// entry is one LWW-register cell: a value written by a given replica at a
// given logical counter. Ties between entries are broken by comparing
// (counter, replicaID) as a total order, so every replica resolves a
// conflicting write to the same winner regardless of arrival order.
type entry struct {
	value     json.RawMessage
	removed   bool
	replicaID string
	counter   uint64
}

// wins reports whether e should replace other under the LWW total order.
func (e entry) wins(other entry) bool {
	if e.counter != other.counter {
		return e.counter > other.counter
	}
	return e.replicaID > other.replicaID
}

// Document is a single channel's CRDT state. Safe for concurrent use.
type Document struct {
	mu        sync.Mutex
	replicaID string
	counter   uint64
	vector    map[string]uint64
	entries   map[string]entry
}

// New creates an empty document, assigning it a fresh replica identity.
func New() *Document {
	return &Document{
		replicaID: uuid.NewString(),
		vector:    make(map[string]uint64),
		entries:   make(map[string]entry),
	}
}

// wireEntry is the gob-encoded form of entry, keyed by its original path.
type wireEntry struct {
	Path      []string
	Value     json.RawMessage
	Removed   bool
	ReplicaID string
	Counter   uint64
}

type wireUpdate struct {
	Entries []wireEntry
	Vector  map[string]uint64
}

func joinPath(path []string) string {
	return strings.Join(path, pathSep)
}

func splitPath(key string) []string {
	return strings.Split(key, pathSep)
}

// FromUpdate hydrates a document from a previously persisted full
// state-as-update. The hydrated document gets its own fresh replica
// identity so that subsequent local edits do not collide with whichever
// replica produced the bytes.
func FromUpdate(update []byte) (*Document, error) {
	d := New()
	if len(update) == 0 {
		return d, nil
	}
	if err := d.applyLocked(update); err != nil {
		return nil, fmt.Errorf("crdt: from_update: %w", err)
	}
	return d, nil
}

// StateVector returns a copy of the document's current per-replica clock.
func (d *Document) StateVector() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneVector(d.vector)
}

func cloneVector(v map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// ToUpdate encodes every entry more recent than prevVector into a delta.
// Calling it with an empty vector yields a full state snapshot.
func (d *Document) ToUpdate(prevVector map[string]uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := wireUpdate{Vector: cloneVector(d.vector)}
	for key, e := range d.entries {
		if e.counter <= prevVector[e.replicaID] {
			continue
		}
		w.Entries = append(w.Entries, wireEntry{
			Path:      splitPath(key),
			Value:     e.value,
			Removed:   e.removed,
			ReplicaID: e.replicaID,
			Counter:   e.counter,
		})
	}
	// Deterministic ordering keeps encoded bytes stable for identical state,
	// which the round-trip tests rely on.
	sort.Slice(w.Entries, func(i, j int) bool {
		return joinPath(w.Entries[i].Path) < joinPath(w.Entries[j].Path)
	})

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		// Encoding a document built entirely from our own wireEntry/wireUpdate
		// types cannot fail; surface empty bytes rather than panic.
		return nil
	}
	return buf.Bytes()
}

// StateAsUpdate is ToUpdate from the empty vector — a self-contained
// snapshot usable by a fresh peer via FromUpdate.
func (d *Document) StateAsUpdate() []byte {
	return d.ToUpdate(nil)
}

// ApplyDelta merges an encoded update into the document. Applying the same
// delta twice is a no-op the second time; applying two deltas in either
// order converges to the same state, because every key resolves to the
// entry that wins the (counter, replicaID) total order.
func (d *Document) ApplyDelta(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(update)
}

func (d *Document) applyLocked(update []byte) error {
	var w wireUpdate
	if err := gob.NewDecoder(bytes.NewReader(update)).Decode(&w); err != nil {
		return fmt.Errorf("crdt: malformed delta: %w", err)
	}
	for _, we := range w.Entries {
		key := joinPath(we.Path)
		incoming := entry{
			value:     we.Value,
			removed:   we.Removed,
			replicaID: we.ReplicaID,
			counter:   we.Counter,
		}
		if existing, ok := d.entries[key]; !ok || incoming.wins(existing) {
			d.entries[key] = incoming
		}
		if we.Counter > d.vector[we.ReplicaID] {
			d.vector[we.ReplicaID] = we.Counter
		}
		if we.Counter > d.counter {
			d.counter = we.Counter
		}
	}
	for replica, n := range w.Vector {
		if n > d.vector[replica] {
			d.vector[replica] = n
		}
		// Lamport step: the next local write must outrank everything merged.
		if n > d.counter {
			d.counter = n
		}
	}
	return nil
}

// InsertValue writes value at path, creating intermediate map structure
// implicitly (paths are opaque key sequences, not nested Go maps).
func (d *Document) InsertValue(path []string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("crdt: insert_value: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter++
	key := joinPath(path)
	d.entries[key] = entry{
		value:     raw,
		replicaID: d.replicaID,
		counter:   d.counter,
	}
	d.vector[d.replicaID] = d.counter
	return nil
}

// Members returns the list of user IDs present in the members sub-map.
func (d *Document) Members() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var members []string
	for key, e := range d.entries {
		if e.removed {
			continue
		}
		parts := splitPath(key)
		if len(parts) == 2 && parts[0] == "members" {
			members = append(members, parts[1])
		}
	}
	sort.Strings(members)
	return members
}

// RemoveMember tombstones a member entry so Members() no longer reports it.
func (d *Document) RemoveMember(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter++
	key := joinPath([]string{"members", userID})
	d.entries[key] = entry{
		removed:   true,
		replicaID: d.replicaID,
		counter:   d.counter,
	}
	d.vector[d.replicaID] = d.counter
	return nil
}

// State returns the current value stored at the top-level "state" key, or
// nil if it has never been set.
func (d *Document) State() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[joinPath([]string{"state"})]
	if !ok || e.removed {
		return nil
	}
	return e.value
}
