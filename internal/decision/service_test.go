package decision

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/model"
)

type mapSource map[string]model.DecisionTable

func (m mapSource) GetDecisionTable(id string) (model.DecisionTable, bool) {
	t, ok := m[id]
	return t, ok
}

func TestService_EvaluateByID(t *testing.T) {
	table := riskTable(model.HitPolicyFirst)
	table.WorkspaceID = "ws-1"
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	svc := NewService(mapSource{table.ID: table}, nil, metrics)

	result, err := svc.EvaluateByID(context.Background(), "ws-1", table.ID, map[string]any{"risk": 85})
	if err != nil {
		t.Fatalf("EvaluateByID error: %v", err)
	}
	if result.Output["queue"] != "senior" {
		t.Errorf("queue = %v, want senior", result.Output["queue"])
	}
	if got := testutil.ToFloat64(metrics.DecisionEvaluationsTotal.WithLabelValues("FIRST", "ok")); got != 1 {
		t.Errorf("evaluations = %v, want 1", got)
	}
}

func TestService_EvaluateByID_notFound(t *testing.T) {
	table := riskTable(model.HitPolicyFirst)
	table.WorkspaceID = "ws-1"
	svc := NewService(mapSource{table.ID: table}, nil, nil)

	if _, err := svc.EvaluateByID(context.Background(), "ws-1", "missing", nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("missing table error = %v, want NOT_FOUND", err)
	}
	if _, err := svc.EvaluateByID(context.Background(), "ws-2", table.ID, nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("foreign workspace error = %v, want NOT_FOUND", err)
	}
}

func TestService_EvaluateByID_ambiguousCounted(t *testing.T) {
	table := riskTable(model.HitPolicyUnique)
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	svc := NewService(mapSource{table.ID: table}, nil, metrics)

	_, err := svc.EvaluateByID(context.Background(), "ws-1", table.ID, map[string]any{"risk": 99})
	if !model.IsCode(err, model.ErrAmbiguousRules) {
		t.Fatalf("error = %v, want AMBIGUOUS_RULES", err)
	}
	if got := testutil.ToFloat64(metrics.DecisionEvaluationsTotal.WithLabelValues("UNIQUE", model.ErrAmbiguousRules)); got != 1 {
		t.Errorf("ambiguous evaluations = %v, want 1", got)
	}
}
