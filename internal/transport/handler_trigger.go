package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowcore/internal/trigger"
	"github.com/pitabwire/flowcore/model"
)

func handleTriggerCreate(triggers TriggerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var req trigger.CreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}

		t, err := triggers.Create(r.Context(), rctx.WorkspaceID, req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, t)
	}
}

func handleTriggerGet(triggers TriggerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		t, err := triggers.Get(r.Context(), rctx.WorkspaceID, chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func handleTriggerUpdate(triggers TriggerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			IsActive *bool `json:"is_active"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.IsActive == nil {
			WriteValidationError(w, []model.FieldError{
				{Field: "is_active", Code: "REQUIRED", Message: "is_active is required"},
			})
			return
		}

		t, err := triggers.SetActive(r.Context(), rctx.WorkspaceID, chi.URLParam(r, "id"), *body.IsActive)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func handleTriggerDelete(triggers TriggerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		if err := triggers.Delete(r.Context(), rctx.WorkspaceID, chi.URLParam(r, "id")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
