package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

type fakeBus struct {
	subjects []string
	bodies   [][]byte
	err      error
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	b.subjects = append(b.subjects, subject)
	b.bodies = append(b.bodies, data)
	return b.err
}

func TestNATSNotifier_PublishesOnTypedSubject(t *testing.T) {
	bus := &fakeBus{}
	n := NewNATSNotifier(bus, nil, logger.Nop())

	err := n.Notify(context.Background(), Notification{
		Type:       NotifyApprovalRequired,
		Recipients: []string{"L1"},
		EntityType: "approval_request",
		EntityID:   "r-1",
		Priority:   PriorityHigh,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"notifications.pm.approval_required"}, bus.subjects)

	var got Notification
	require.NoError(t, json.Unmarshal(bus.bodies[0], &got))
	assert.Equal(t, []string{"L1"}, got.Recipients)
	assert.Equal(t, "r-1", got.EntityID)
}

func TestNATSNotifier_SkipsWithoutRecipients(t *testing.T) {
	bus := &fakeBus{}
	n := NewNATSNotifier(bus, nil, logger.Nop())
	require.NoError(t, n.Notify(context.Background(), Notification{Type: NotifyLegalNoticeAvailable}))
	assert.Empty(t, bus.subjects)
}

func TestNATSNotifier_ReturnsPublishError(t *testing.T) {
	bus := &fakeBus{err: errors.New("nats: connection closed")}
	n := NewNATSNotifier(bus, nil, logger.Nop())
	err := n.Notify(context.Background(), Notification{Type: NotifyLegalNoticeAvailable, Recipients: []string{"L1"}})
	assert.Error(t, err)
}

func TestRecordingNotifier(t *testing.T) {
	r := &RecordingNotifier{}
	_ = r.Notify(context.Background(), Notification{Type: NotifyDisputeWon})
	_ = r.Notify(context.Background(), Notification{Type: NotifyLegalNoticeAvailable})
	assert.Len(t, r.Sent(), 2)
	assert.Len(t, r.OfType(NotifyLegalNoticeAvailable), 1)
}

func disputeEvent(t *testing.T, typ, status string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      "evt_1",
		"object":  "event",
		"type":    typ,
		"created": 1760000000,
		"data": map[string]any{"object": map[string]any{
			"id":       "dp_1",
			"object":   "dispute",
			"charge":   "ch_1",
			"amount":   180000,
			"currency": "usd",
			"reason":   "fraudulent",
			"status":   status,
		}},
	})
	require.NoError(t, err)
	return body
}

func TestVerifyWebhook_Valid(t *testing.T) {
	g := NewPaymentsGateway(GatewayConfig{WebhookSecret: "whsec_test"})
	payload := disputeEvent(t, EventDisputeClosed, "lost")

	ev, err := g.VerifyWebhook(payload, SignPayload("whsec_test", payload, time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, EventDisputeClosed, ev.Kind())
	assert.Equal(t, "evt_1", ev.ID)

	d, err := ev.Dispute()
	require.NoError(t, err)
	assert.Equal(t, "dp_1", d.ID)
	assert.Equal(t, "ch_1", d.Charge)
	assert.Equal(t, "fraudulent", d.Reason)
	assert.True(t, d.Lost())
	assert.False(t, d.Won())
	assert.False(t, d.IsInquiry())
}

func TestDispute_Inquiry(t *testing.T) {
	for status, inquiry := range map[string]bool{
		"warning_needs_response": true,
		"warning_under_review":   true,
		"warning_closed":         true,
		"needs_response":         false,
		"won":                    false,
	} {
		assert.Equal(t, inquiry, Dispute{Status: status}.IsInquiry(), status)
	}
}

func TestVerifyWebhook_Rejections(t *testing.T) {
	now := time.Now()
	payload := disputeEvent(t, EventDisputeCreated, "needs_response")
	g := NewPaymentsGateway(GatewayConfig{WebhookSecret: "whsec_test"})

	tests := []struct {
		name   string
		header string
	}{
		{"wrong secret", SignPayload("whsec_other", payload, now)},
		{"stale timestamp", SignPayload("whsec_test", payload, now.Add(-6*time.Minute))},
		{"missing v1", fmt.Sprintf("t=%d", now.Unix())},
		{"garbage", "nonsense"},
		{"bad timestamp", "t=abc,v1=00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.VerifyWebhook(payload, tt.header)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
		})
	}

	t.Run("tampered body", func(t *testing.T) {
		header := SignPayload("whsec_test", payload, now)
		tampered := append(append([]byte(nil), payload...), ' ')
		_, err := g.VerifyWebhook(tampered, header)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
	})

	t.Run("signed but not json", func(t *testing.T) {
		body := []byte("not json")
		_, err := g.VerifyWebhook(body, SignPayload("whsec_test", body, now))
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
	})
}

func TestPaymentsGateway_Reconfigure(t *testing.T) {
	g := NewPaymentsGateway(GatewayConfig{})
	assert.False(t, g.Enabled())

	_, err := g.VerifyWebhook([]byte(`{}`), "t=1,v1=00")
	assert.Equal(t, apperrors.ErrCodeUnavailable, apperrors.CodeOf(err))

	g.Reconfigure(GatewayConfig{WebhookSecret: "whsec_new"})
	assert.True(t, g.Enabled())

	payload := []byte(`{"id":"evt_2","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	ev, err := g.VerifyWebhook(payload, SignPayload("whsec_new", payload, time.Now()))
	require.NoError(t, err)
	assert.False(t, ev.IsDispute())
	_, err = ev.Dispute()
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}

// stripeAPI serves GET /v1/disputes/{id} from a fixed table.
func stripeAPI(t *testing.T, disputes map[string]map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/disputes/")
		d, ok := disputes[id]
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodGet || !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such dispute"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(d)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConfirmDispute(t *testing.T) {
	srv := stripeAPI(t, map[string]map[string]any{
		"dp_1": {"id": "dp_1", "object": "dispute", "charge": "ch_1", "amount": 180000, "currency": "usd", "status": "won"},
		"dp_2": {"id": "dp_2", "object": "dispute", "charge": "ch_other", "status": "lost"},
	})
	g := NewPaymentsGateway(GatewayConfig{SecretKey: "sk_test_123", WebhookSecret: "whsec_test", APIURL: srv.URL})
	ctx := context.Background()

	got, err := g.ConfirmDispute(ctx, Dispute{ID: "dp_1", Charge: "ch_1", Status: "needs_response"})
	require.NoError(t, err)
	assert.True(t, got.Won())
	assert.Equal(t, int64(180000), got.Amount)

	_, err = g.ConfirmDispute(ctx, Dispute{ID: "dp_2", Charge: "ch_1"})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))

	_, err = g.ConfirmDispute(ctx, Dispute{ID: "dp_missing", Charge: "ch_1"})
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))

	offline := NewPaymentsGateway(GatewayConfig{WebhookSecret: "whsec_test"})
	in := Dispute{ID: "dp_9", Charge: "ch_9", Status: "lost"}
	got, err = offline.ConfirmDispute(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}
