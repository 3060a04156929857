package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/flowcore/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	tables   map[string]model.DecisionTable
	slas     map[string]model.SlaDefinition
	files    int
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definition files.
func NewRegistry(files []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files.
func (r *Registry) Replace(files []model.DefinitionFile) {
	s := &snapshot{
		tables: make(map[string]model.DecisionTable),
		slas:   make(map[string]model.SlaDefinition),
		files:  len(files),
	}

	var checksumParts []string

	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, t := range f.DecisionTables {
			s.tables[t.ID] = t
		}
		for _, d := range f.SlaDefinitions {
			s.slas[d.ID] = d
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetDecisionTable returns the decision table with the given ID.
func (r *Registry) GetDecisionTable(id string) (model.DecisionTable, bool) {
	t, ok := r.current().tables[id]
	return t, ok
}

// GetSlaDefinition returns the SLA definition with the given ID.
func (r *Registry) GetSlaDefinition(id string) (model.SlaDefinition, bool) {
	d, ok := r.current().slas[id]
	return d, ok
}

// SlaDefinitionsFor returns the SLA definitions that apply to targets of the
// given type in a workspace, ordered by ID. Definitions without a workspace
// apply everywhere.
func (r *Registry) SlaDefinitionsFor(workspaceID, targetType string) []model.SlaDefinition {
	var defs []model.SlaDefinition
	for _, d := range r.current().slas {
		if d.TargetType != targetType {
			continue
		}
		if d.WorkspaceID != "" && d.WorkspaceID != workspaceID {
			continue
		}
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Count returns the number of loaded decision tables and SLA definitions.
func (r *Registry) Count() int {
	s := r.current()
	return len(s.tables) + len(s.slas)
}

// Loaded reports whether at least one definition file has been registered.
func (r *Registry) Loaded() bool {
	return r.current().files > 0
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
