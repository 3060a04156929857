package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pitabwire/flowcore/model"
)

// Webhook request headers.
const (
	SignatureHeader = "X-Flowcore-Signature"
	DeliveryHeader  = "X-Flowcore-Delivery"
)

func handleEvent(sink EventSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var evt model.DomainEvent
		if err := decodeJSON(w, r, &evt); err != nil {
			WriteError(w, err)
			return
		}
		if evt.WorkspaceID != "" && evt.WorkspaceID != rctx.WorkspaceID {
			WriteError(w, model.NewForbiddenError("Event workspace does not match token"))
			return
		}
		evt.WorkspaceID = rctx.WorkspaceID
		if evt.ActorID == "" {
			evt.ActorID = rctx.SubjectID
		}
		if evt.ID == "" {
			evt.ID = uuid.New().String()
		}

		if err := sink.Dispatch(r.Context(), evt); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"id": evt.ID})
	}
}

func handleRuntimeEvent(sink RuntimeEventSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var evt model.RuntimeEvent
		if err := decodeJSON(w, r, &evt); err != nil {
			WriteError(w, err)
			return
		}
		if err := sink.HandleRuntimeEvent(r.Context(), evt); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleWebhook(triggers TriggerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		fire, err := triggers.HandleWebhook(r.Context(),
			chi.URLParam(r, "workspaceId"),
			chi.URLParam(r, "triggerId"),
			body,
			r.Header.Get(SignatureHeader),
			r.Header.Get(DeliveryHeader),
		)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, fire)
	}
}
