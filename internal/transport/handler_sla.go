package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowcore/internal/sla"
	"github.com/pitabwire/flowcore/model"
)

func handleSlaStatus(svc SlaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		views, err := svc.Status(r.Context(), rctx.WorkspaceID,
			chi.URLParam(r, "targetType"), chi.URLParam(r, "targetId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string][]sla.View{"instances": views})
	}
}

func handleSlaPause(svc SlaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &body); err != nil {
				WriteError(w, err)
				return
			}
		}

		inst, err := svc.Pause(r.Context(), rctx.WorkspaceID, chi.URLParam(r, "instanceId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sla.NewView(inst, time.Now()))
	}
}

func handleSlaResume(svc SlaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		inst, err := svc.Resume(r.Context(), rctx.WorkspaceID, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sla.NewView(inst, time.Now()))
	}
}
