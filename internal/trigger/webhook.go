package trigger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/model"
)

const signaturePrefix = "sha256="

// Sign returns the signature of body under secret, in the form expected by
// HandleWebhook.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature of body, given as hex with
// or without the "sha256=" prefix.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// HandleWebhook fires a webhook trigger for an inbound request. The body
// must be a JSON object signed with the trigger's secret; an unsigned or
// mis-signed request is rejected before anything is started or counted.
// deliveryID, when the sender provides one, makes redeliveries start the
// process only once.
func (e *Evaluator) HandleWebhook(ctx context.Context, workspaceID, triggerID string, body []byte, signature, deliveryID string) (fire Fire, err error) {
	ctx, span := observability.StartSpan(ctx, "trigger.webhook",
		observability.AttrWorkspaceID.String(workspaceID),
		observability.AttrTriggerID.String(triggerID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	t, err := e.store.Get(ctx, workspaceID, triggerID)
	if err != nil {
		return Fire{}, err
	}
	if t.Type != model.TriggerWebhook || !t.IsActive {
		return Fire{}, model.NewNotFoundError(fmt.Sprintf("webhook %q not found", triggerID))
	}

	if !VerifySignature(t.Conditions.Secret, body, signature) {
		e.metrics.RecordTriggerSkip("signature")
		e.logger.Warn("webhook signature rejected",
			zap.String("workspace_id", workspaceID),
			zap.String("trigger_id", triggerID),
		)
		return Fire{}, model.NewInvalidSignatureError()
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return Fire{}, model.NewBadRequestError("webhook body must be a JSON object")
		}
	}

	evt := model.DomainEvent{
		WorkspaceID: workspaceID,
		Kind:        model.EventWebhook,
		Payload:     payload,
	}
	if id, ok := payload["entity_id"].(string); ok {
		evt.EntityID = id
	}
	if !Matches(t, evt) {
		e.metrics.RecordTriggerSkip("no_match")
		return Fire{TriggerID: t.ID, Skipped: "no_match"}, nil
	}

	idemKey := ""
	if deliveryID != "" {
		idemKey = fmt.Sprintf("webhook:%s:%s", t.ID, deliveryID)
	}
	return e.fire(ctx, t, evt, idemKey)
}
