package decision

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/model"
)

// TableSource resolves decision tables by ID.
type TableSource interface {
	GetDecisionTable(id string) (model.DecisionTable, bool)
}

// Service evaluates registered decision tables on behalf of callers.
type Service struct {
	tables  TableSource
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewService creates a decision Service. metrics may be nil.
func NewService(tables TableSource, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{tables: tables, logger: logger, metrics: metrics}
}

// EvaluateByID evaluates the table with the given ID against row. Tables
// scoped to another workspace are reported as not found.
func (s *Service) EvaluateByID(ctx context.Context, workspaceID, tableID string, row map[string]any) (result *model.DecisionResult, err error) {
	_, span := observability.StartSpan(ctx, "decision.evaluate",
		observability.AttrWorkspaceID.String(workspaceID),
		observability.AttrDecisionTableID.String(tableID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	table, ok := s.tables.GetDecisionTable(tableID)
	if !ok || (table.WorkspaceID != "" && table.WorkspaceID != workspaceID) {
		return nil, model.NewNotFoundError(fmt.Sprintf("decision table %q not found", tableID))
	}

	program, err := Compile(table)
	if err != nil {
		s.metrics.RecordDecisionEvaluation(table.HitPolicy, errorCode(err))
		return nil, err
	}

	result, err = program.Evaluate(row)
	if err != nil {
		s.metrics.RecordDecisionEvaluation(program.HitPolicy(), errorCode(err))
		s.logger.Warn("decision evaluation failed",
			zap.String("table_id", tableID),
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.RecordDecisionEvaluation(program.HitPolicy(), "ok")
	s.logger.Debug("decision evaluated",
		zap.String("table_id", tableID),
		zap.Strings("matched_rule_ids", result.MatchedRuleIDs),
	)
	return result, nil
}

func errorCode(err error) string {
	if ee, ok := model.AsEnvelope(err); ok {
		return ee.Code
	}
	return model.ErrInternalError
}
