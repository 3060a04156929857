package trigger

import (
	"context"
	"testing"

	"github.com/pitabwire/flowcore/model"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"order":42}`)
	sig := Sign("s3cret", body)

	tests := []struct {
		name   string
		secret string
		body   []byte
		sig    string
		want   bool
	}{
		{"prefixed", "s3cret", body, sig, true},
		{"bare hex", "s3cret", body, sig[len("sha256="):], true},
		{"wrong secret", "other", body, sig, false},
		{"tampered body", "s3cret", []byte(`{"order":43}`), sig, false},
		{"missing", "s3cret", body, "", false},
		{"not hex", "s3cret", body, "sha256=zz", false},
		{"empty secret", "", body, Sign("", body), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.sig); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleWebhook(t *testing.T) {
	f := newFixture(t)
	trig := f.create(t, "ws-1", CreateRequest{
		Type:       model.TriggerWebhook,
		Conditions: model.TriggerConditions{Secret: "s3cret", Match: map[string]string{"event": "order.paid"}},
	})
	ctx := context.Background()
	body := []byte(`{"event":"order.paid","entity_id":"O-9","amount":30}`)

	t.Run("bad signature", func(t *testing.T) {
		_, err := f.evaluator.HandleWebhook(ctx, "ws-1", trig.ID, body, Sign("guess", body), "")
		wantCode(t, err, model.ErrInvalidSignature)
		_, err = f.evaluator.HandleWebhook(ctx, "ws-1", trig.ID, body, "", "")
		wantCode(t, err, model.ErrInvalidSignature)

		if f.starter.calls() != 0 || f.stored(t, trig.ID).TriggerCount != 0 {
			t.Error("rejected delivery started or counted an instance")
		}
	})

	t.Run("valid", func(t *testing.T) {
		fire, err := f.evaluator.HandleWebhook(ctx, "ws-1", trig.ID, body, Sign("s3cret", body), "dlv-1")
		if err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
		if fire.ProcessInstanceID != "pi-1" {
			t.Errorf("ProcessInstanceID = %q", fire.ProcessInstanceID)
		}

		req := f.starter.last()
		if req.BoundEntityID != "O-9" {
			t.Errorf("BoundEntityID = %q", req.BoundEntityID)
		}
		if want := "webhook:" + trig.ID + ":dlv-1"; req.IdempotencyKey != want {
			t.Errorf("IdempotencyKey = %q, want %q", req.IdempotencyKey, want)
		}
		if req.Variables["amount"] != 30.0 {
			t.Errorf("amount = %v", req.Variables["amount"])
		}
		if n := f.stored(t, trig.ID).TriggerCount; n != 1 {
			t.Errorf("TriggerCount = %d, want 1", n)
		}
	})

	t.Run("conditions not met", func(t *testing.T) {
		other := []byte(`{"event":"order.refunded"}`)
		fire, err := f.evaluator.HandleWebhook(ctx, "ws-1", trig.ID, other, Sign("s3cret", other), "")
		if err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
		if fire.Skipped != "no_match" || f.starter.calls() != 1 {
			t.Errorf("Skipped = %q, starts = %d", fire.Skipped, f.starter.calls())
		}
	})

	t.Run("not json", func(t *testing.T) {
		raw := []byte(`order paid`)
		_, err := f.evaluator.HandleWebhook(ctx, "ws-1", trig.ID, raw, Sign("s3cret", raw), "")
		wantCode(t, err, model.ErrBadRequest)
	})

	t.Run("unknown or other workspace", func(t *testing.T) {
		_, err := f.evaluator.HandleWebhook(ctx, "ws-2", trig.ID, body, Sign("s3cret", body), "")
		wantCode(t, err, model.ErrNotFound)
		_, err = f.evaluator.HandleWebhook(ctx, "ws-1", "missing", body, Sign("s3cret", body), "")
		wantCode(t, err, model.ErrNotFound)
	})

	t.Run("disabled", func(t *testing.T) {
		if _, err := f.evaluator.SetActive(ctx, "ws-1", trig.ID, false); err != nil {
			t.Fatalf("SetActive: %v", err)
		}
		_, err := f.evaluator.HandleWebhook(ctx, "ws-1", trig.ID, body, Sign("s3cret", body), "")
		wantCode(t, err, model.ErrNotFound)
	})
}

func TestHandleWebhook_rejectsNonWebhookTrigger(t *testing.T) {
	f := newFixture(t)
	trig := f.create(t, "ws-1", CreateRequest{Type: model.TriggerEntityCreated})
	body := []byte(`{}`)

	_, err := f.evaluator.HandleWebhook(context.Background(), "ws-1", trig.ID, body, Sign("", body), "")
	wantCode(t, err, model.ErrNotFound)
}
