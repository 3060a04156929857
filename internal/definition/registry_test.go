package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/flowcore/model"
)

func testFiles() []model.DefinitionFile {
	return []model.DefinitionFile{
		{
			Name:     "support",
			Version:  "1.0.0",
			Checksum: "abc123",
			DecisionTables: []model.DecisionTable{
				{ID: "ticket-routing", HitPolicy: model.HitPolicyFirst},
			},
			SlaDefinitions: []model.SlaDefinition{
				{ID: "ticket-sla", WorkspaceID: "ws-acme", TargetType: "ticket"},
				{ID: "ticket-sla-other", WorkspaceID: "ws-other", TargetType: "ticket"},
			},
		},
		{
			Name:     "billing",
			Version:  "1.0.0",
			Checksum: "def456",
			SlaDefinitions: []model.SlaDefinition{
				{ID: "invoice-sla", TargetType: "invoice"},
				{ID: "a-global-ticket-sla", TargetType: "ticket"},
			},
		},
	}
}

func TestRegistry_GetDecisionTable(t *testing.T) {
	r := NewRegistry(testFiles())

	table, ok := r.GetDecisionTable("ticket-routing")
	if !ok {
		t.Fatal("ticket-routing not found")
	}
	if table.HitPolicy != model.HitPolicyFirst {
		t.Errorf("HitPolicy = %q, want FIRST", table.HitPolicy)
	}
	if _, ok := r.GetDecisionTable("missing"); ok {
		t.Error("missing table should not be found")
	}
}

func TestRegistry_GetSlaDefinition(t *testing.T) {
	r := NewRegistry(testFiles())

	if _, ok := r.GetSlaDefinition("invoice-sla"); !ok {
		t.Error("invoice-sla not found")
	}
	if _, ok := r.GetSlaDefinition("missing"); ok {
		t.Error("missing definition should not be found")
	}
}

func TestRegistry_SlaDefinitionsFor(t *testing.T) {
	r := NewRegistry(testFiles())

	defs := r.SlaDefinitionsFor("ws-acme", "ticket")
	if len(defs) != 2 {
		t.Fatalf("SlaDefinitionsFor() = %d, want 2", len(defs))
	}
	if defs[0].ID != "a-global-ticket-sla" || defs[1].ID != "ticket-sla" {
		t.Errorf("ids = %q, %q", defs[0].ID, defs[1].ID)
	}
	if got := r.SlaDefinitionsFor("ws-acme", "invoice"); len(got) != 1 {
		t.Errorf("invoice definitions = %d, want 1", len(got))
	}
	if got := r.SlaDefinitionsFor("ws-acme", "unknown"); len(got) != 0 {
		t.Errorf("unknown target definitions = %d, want 0", len(got))
	}
}

func TestRegistry_CountAndLoaded(t *testing.T) {
	r := NewRegistry(testFiles())
	if got := r.Count(); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
	if !r.Loaded() {
		t.Error("Loaded() = false, want true")
	}

	empty := NewRegistry(nil)
	if empty.Loaded() {
		t.Error("empty registry Loaded() = true")
	}
}

func TestRegistry_Checksum(t *testing.T) {
	r := NewRegistry(testFiles())
	cs := r.Checksum()
	if cs == "" {
		t.Error("Checksum should not be empty")
	}

	reversed := testFiles()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	if NewRegistry(reversed).Checksum() != cs {
		t.Error("Checksum should not depend on file order")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testFiles())

	if _, ok := r.GetDecisionTable("ticket-routing"); !ok {
		t.Fatal("before replace: ticket-routing not found")
	}

	r.Replace(nil)

	if _, ok := r.GetDecisionTable("ticket-routing"); ok {
		t.Error("after replace with nil: ticket-routing should not be found")
	}
}

func TestRegistry_ConcurrentReadWrite(t *testing.T) {
	r := NewRegistry(testFiles())

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.GetDecisionTable("ticket-routing")
				r.SlaDefinitionsFor("ws-acme", "ticket")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			r.Replace(testFiles())
		}
	}()

	wg.Wait()
}
