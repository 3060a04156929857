package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowcore/model"
)

func handleDecisionEvaluate(decisions DecisionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			Inputs map[string]any `json:"inputs"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}

		result, err := decisions.EvaluateByID(r.Context(), rctx.WorkspaceID, chi.URLParam(r, "tableId"), body.Inputs)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
