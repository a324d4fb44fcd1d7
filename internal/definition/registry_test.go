package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/hoa/model"
)

func testDefs() []model.BaseDefinition {
	return []model.BaseDefinition{
		{
			WorkflowKey: "violations",
			Title:       "Violations",
			Checksum:    "abc123",
			Statuses: []model.StatusDef{
				{Key: "OPEN", Label: "Open"},
				{Key: "CLOSED", Label: "Closed"},
			},
			Transitions: []model.TransitionDef{{From: "OPEN", To: "CLOSED"}},
		},
		{
			WorkflowKey: "arc_requests",
			Title:       "ARC Requests",
			Checksum:    "def456",
			Statuses:    []model.StatusDef{{Key: "SUBMITTED", Label: "Submitted"}},
		},
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(testDefs())

	d, ok := r.Get("violations")
	if !ok {
		t.Fatal("Get(violations) not found")
	}
	if d.Title != "Violations" {
		t.Errorf("Title = %q, want Violations", d.Title)
	}

	if _, ok := r.Get("unknown"); ok {
		t.Error("Get(unknown) should return false")
	}
}

func TestRegistry_KeysAndAll_sorted(t *testing.T) {
	r := NewRegistry(testDefs())

	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "arc_requests" || keys[1] != "violations" {
		t.Errorf("Keys() = %v, want [arc_requests violations]", keys)
	}
	keys[0] = "mutated"
	if r.Keys()[0] != "arc_requests" {
		t.Error("Keys() exposes internal state")
	}

	all := r.All()
	if len(all) != 2 || all[0].WorkflowKey != "arc_requests" {
		t.Errorf("All() = %+v", all)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry(nil)
	if r.Len() != 0 || len(r.All()) != 0 || len(r.Keys()) != 0 {
		t.Error("empty registry should have no definitions")
	}
	if r.Checksum() == "" {
		t.Error("Checksum() should be set even when empty")
	}
}

func TestRegistry_Checksum(t *testing.T) {
	r1 := NewRegistry(testDefs())
	defs := testDefs()
	defs[0], defs[1] = defs[1], defs[0]
	r2 := NewRegistry(defs)
	if r1.Checksum() != r2.Checksum() {
		t.Error("Checksum should not depend on definition order")
	}

	defs[0].Checksum = "changed"
	r3 := NewRegistry(defs)
	if r1.Checksum() == r3.Checksum() {
		t.Error("Checksum should change when a definition changes")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testDefs())
	before := r.Checksum()

	r.Replace([]model.BaseDefinition{{WorkflowKey: "elections", Title: "Elections", Checksum: "x"}})

	if _, ok := r.Get("violations"); ok {
		t.Error("old definition still present after Replace")
	}
	if _, ok := r.Get("elections"); !ok {
		t.Error("new definition missing after Replace")
	}
	if r.Checksum() == before {
		t.Error("Checksum unchanged after Replace")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(testDefs())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%10 == 0 {
				r.Replace(testDefs())
				return
			}
			if _, ok := r.Get("violations"); !ok {
				t.Error("Get(violations) not found during concurrent access")
			}
			_ = r.All()
			_ = r.Checksum()
		}(i)
	}
	wg.Wait()
}
