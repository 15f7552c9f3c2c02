// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package tree

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tomtom215/treesync/internal/pathkey"
)

func mustBuild(t *testing.T, raw string, confirmed bool) *Node {
	t.Helper()
	n, err := Build([]byte(raw), confirmed)
	if err != nil {
		t.Fatalf("Build(%s) failed: %v", raw, err)
	}
	return n
}

func assertCounts(t *testing.T, tr *Tree, total, synced int) {
	t.Helper()
	if err := tr.Check(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
	got := tr.Counts()
	if got.Total != total || got.Synced != synced {
		t.Errorf("Counts() = (%d,%d), want (%d,%d)", got.Total, got.Synced, total, synced)
	}
}

func changePaths(changes []Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Path.String())
	}
	return out
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantNil   bool
		wantTotal int
		wantErr   bool
	}{
		{name: "scalar string", raw: `"Lobby"`, wantTotal: 1},
		{name: "scalar number", raw: `0`, wantTotal: 1},
		{name: "bool", raw: `true`, wantTotal: 1},
		{name: "null is absent", raw: `null`, wantNil: true},
		{name: "empty object is absent", raw: `{}`, wantNil: true},
		{name: "object", raw: `{"name":"Lobby","occupancy":0}`, wantTotal: 2},
		{name: "nested nulls dropped", raw: `{"a":null,"b":{"c":null},"d":1}`, wantTotal: 1},
		{name: "array indexed", raw: `["x","y",{"z":1}]`, wantTotal: 3},
		{name: "reserved key", raw: `{"a.b":1}`, wantErr: true},
		{name: "garbage", raw: `{"a":`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Build([]byte(tt.raw), true)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidValue) {
					t.Fatalf("Build error = %v, want ErrInvalidValue", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if tt.wantNil {
				if n != nil {
					t.Fatalf("Build returned %v, want nil", n)
				}
				return
			}
			if n.Total() != tt.wantTotal || n.Synced() != tt.wantTotal {
				t.Errorf("counts = (%d,%d), want (%d,%d)", n.Total(), n.Synced(), tt.wantTotal, tt.wantTotal)
			}
		})
	}
}

func TestBuild_ArrayKeys(t *testing.T) {
	n := mustBuild(t, `["a","b"]`, false)
	if diff := cmp.Diff([]string{"0", "1"}, n.Segments()); diff != "" {
		t.Errorf("Segments mismatch (-want +got):\n%s", diff)
	}
	if n.Synced() != 0 {
		t.Errorf("unconfirmed build has synced=%d", n.Synced())
	}
}

func TestReplace_PutAtRoot(t *testing.T) {
	tr := New()
	changes := tr.Replace(pathkey.Root, mustBuild(t, `{"name":"Lobby","occupancy":0}`, true))
	assertCounts(t, tr, 2, 2)
	if diff := cmp.Diff([]string{"/name", "/occupancy"}, changePaths(changes)); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}

	v, ok := tr.Value(pathkey.Root)
	if !ok || string(v) != `{"name":"Lobby","occupancy":0}` {
		t.Errorf("Value = %s, %v", v, ok)
	}
}

func TestReplace_Idempotent(t *testing.T) {
	tr := New()
	doc := `{"a":{"b":1,"c":[true,false]},"d":"x"}`
	tr.Replace(pathkey.Root, mustBuild(t, doc, true))
	before := tr.Counts()
	beforeVal, _ := tr.Value(pathkey.Root)

	changes := tr.Replace(pathkey.Root, mustBuild(t, doc, true))
	if len(changes) != 0 {
		t.Errorf("second identical Put produced changes: %v", changePaths(changes))
	}
	afterVal, _ := tr.Value(pathkey.Root)
	if tr.Counts() != before || string(afterVal) != string(beforeVal) {
		t.Errorf("state changed: %v %s -> %v %s", before, beforeVal, tr.Counts(), afterVal)
	}
}

func TestReplace_LocalWriteLowersSynced(t *testing.T) {
	tr := New()
	tr.Replace(pathkey.Root, mustBuild(t, `{"name":"Lobby","occupancy":0}`, true))

	leaf, _ := NewLeaf([]byte(`1`), false)
	changes := tr.Replace(pathkey.MustParse("/occupancy"), leaf)
	assertCounts(t, tr, 2, 1)
	if len(changes) != 1 || string(changes[0].Old) != "0" || string(changes[0].New) != "1" {
		t.Errorf("changes = %+v", changes)
	}

	if n := tr.Confirm(pathkey.MustParse("/occupancy"), nil); n != 1 {
		t.Errorf("Confirm returned %d, want 1", n)
	}
	assertCounts(t, tr, 2, 2)
}

func TestReplace_RemovePrunesEmptyContainers(t *testing.T) {
	tr := New()
	tr.Replace(pathkey.Root, mustBuild(t, `{"a":{"b":{"c":1}},"x":2}`, true))

	changes := tr.Replace(pathkey.MustParse("/a/b/c"), nil)
	assertCounts(t, tr, 1, 1)
	if tr.Get(pathkey.MustParse("/a")) != nil {
		t.Error("empty ancestor /a was not pruned")
	}
	if len(changes) != 1 || changes[0].New != nil {
		t.Errorf("changes = %+v", changes)
	}
}

func TestReplace_RemoveMissingIsNoop(t *testing.T) {
	tr := New()
	tr.Replace(pathkey.Root, mustBuild(t, `{"a":1}`, true))
	if changes := tr.Replace(pathkey.MustParse("/b/c"), nil); len(changes) != 0 {
		t.Errorf("changes = %+v", changes)
	}
	if changes := tr.Replace(pathkey.MustParse("/a/c"), nil); len(changes) != 0 {
		t.Errorf("removing beneath a leaf changed something: %+v", changes)
	}
	assertCounts(t, tr, 1, 1)
}

func TestReplace_LeafBecomesContainer(t *testing.T) {
	tr := New()
	tr.Replace(pathkey.Root, mustBuild(t, `{"a":1}`, true))
	changes := tr.Replace(pathkey.MustParse("/a/b"), mustBuild(t, `2`, false))
	assertCounts(t, tr, 1, 0)
	if diff := cmp.Diff([]string{"/a", "/a/b"}, changePaths(changes)); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_LeavesSiblingsUntouched(t *testing.T) {
	tr := New()
	tr.Replace(pathkey.Root, mustBuild(t, `{"a":"old","b":"Y"}`, true))

	changes := tr.Merge(pathkey.Root, map[pathkey.Key]*Node{
		pathkey.MustParse("/a"): mustBuild(t, `"X"`, true),
	})
	assertCounts(t, tr, 2, 2)
	a, _ := tr.Value(pathkey.MustParse("/a"))
	b, _ := tr.Value(pathkey.MustParse("/b"))
	if string(a) != `"X"` || string(b) != `"Y"` {
		t.Errorf("a=%s b=%s", a, b)
	}
	if diff := cmp.Diff([]string{"/a"}, changePaths(changes)); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestConfirm_SkipsExcluded(t *testing.T) {
	tr := New()
	tr.Replace(pathkey.Root, mustBuild(t, `{"x":1,"y":{"z":2,"w":3}}`, false))
	assertCounts(t, tr, 3, 0)

	skipped := pathkey.MustParse("/y/z")
	n := tr.Confirm(pathkey.Root, func(k pathkey.Key) bool { return k == skipped })
	if n != 2 {
		t.Errorf("Confirm returned %d, want 2", n)
	}
	assertCounts(t, tr, 3, 2)
}

func TestNode_EqualIgnoresSyncState(t *testing.T) {
	a := mustBuild(t, `{"x":[1,2],"y":"s"}`, true)
	b := mustBuild(t, `{"y":"s","x":[1,2]}`, false)
	if !a.Equal(b) {
		t.Error("structurally identical nodes not equal")
	}
	c := mustBuild(t, `{"y":"s","x":[1,3]}`, true)
	if a.Equal(c) {
		t.Error("different nodes reported equal")
	}
	if !(*Node)(nil).Equal(nil) {
		t.Error("nil nodes not equal")
	}
}

func TestNode_Unconfirmed(t *testing.T) {
	a := mustBuild(t, `{"x":1,"y":{"z":2}}`, true)
	u := a.Unconfirmed()
	if u.Total() != 2 || u.Synced() != 0 {
		t.Errorf("Unconfirmed counts = (%d,%d)", u.Total(), u.Synced())
	}
	if a.Synced() != 2 {
		t.Error("Unconfirmed modified the source node")
	}
}

// TestRandomOperations_InvariantHolds applies random puts, patches, removals and
// confirmations and verifies the counters after every step.
func TestRandomOperations_InvariantHolds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	segs := []string{"a", "b", "c"}
	docs := []string{`1`, `"s"`, `{"a":1,"b":2}`, `{"c":{"a":true}}`, `[1,2,3]`, `null`}

	randKey := func() pathkey.Key {
		k := pathkey.Root
		for i := rng.IntN(4); i > 0; i-- {
			k = k.MustAppend(segs[rng.IntN(len(segs))])
		}
		return k
	}

	tr := New()
	for step := 0; step < 2000; step++ {
		key := randKey()
		switch rng.IntN(4) {
		case 0, 1:
			tr.Replace(key, mustBuild(t, docs[rng.IntN(len(docs))], rng.IntN(2) == 0))
		case 2:
			tr.Merge(key, map[pathkey.Key]*Node{
				pathkey.MustNew(segs[rng.IntN(len(segs))]): mustBuild(t, docs[rng.IntN(len(docs))], rng.IntN(2) == 0),
			})
		case 3:
			tr.Confirm(key, nil)
		}
		if err := tr.Check(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
}
