package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/observability/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testSecret        = "test-jwt-secret"
	testIssuer        = "pm-platform"
	testWebhookSecret = "whsec_test"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

var (
	landlord   = domain.Actor{ID: "L1", Type: domain.UserTypeLandlord, Roles: []string{domain.RoleLandlord}}
	accountant = domain.Actor{ID: "C1", Type: domain.UserTypePMC, PMCID: "P1", Roles: []string{domain.RolePMCAccountant}}
	manager    = domain.Actor{ID: "M1", Type: domain.UserTypePMC, PMCID: "P1", Roles: []string{domain.RolePMCManager}}
	pmcAdmin   = domain.Actor{ID: "A1", Type: domain.UserTypePMC, PMCID: "P1", Roles: []string{domain.RolePMCAdmin}}
	tenant     = domain.Actor{ID: "T1", Type: domain.UserTypeTenant, Roles: []string{domain.RoleTenant}}
	stranger   = domain.Actor{ID: "L9", Type: domain.UserTypeLandlord, Roles: []string{domain.RoleLandlord}}
	admin      = domain.Actor{ID: "root", Type: domain.UserTypeAdmin}
)

type testServer struct {
	store  *memory.Store
	notes  *client.RecordingNotifier
	auth   *Authenticator
	router *gin.Engine
	logs   *bytes.Buffer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	store.PutProperty(&domain.Property{
		ID:         "prop-1",
		OwnerID:    "L1",
		PMCID:      "P1",
		Name:       "Maple Court",
		Attributes: domain.Snapshot{"rent": 1800.0, "name": "Maple Court"},
		UpdatedAt:  start,
	})

	now := func() time.Time { return start }
	log := logger.Nop()
	logs := &bytes.Buffer{}
	oracle := rbac.NewOracle()
	notes := &client.RecordingNotifier{}
	writer := audit.NewWriter(store, oracle, nil, log).WithClock(now)
	deps := service.Deps{Store: store, Audit: writer, Oracle: oracle, Notifier: notes, Log: log, Now: now}

	roles := service.NewRoleService(deps)
	auth := NewAuthenticator(testSecret, testIssuer, roles)
	h := NewHTTPHandler(Services{
		Approvals:   service.NewApprovalService(deps, service.ApprovalConfig{BigExpenseThreshold: decimal.NewFromInt(1000)}),
		Maintenance: service.NewMaintenanceService(deps, time.Minute),
		Disputes:    service.NewDisputeService(deps),
		Roles:       roles,
		Audit:       writer,
		Payments:    client.NewPaymentsGateway(client.GatewayConfig{WebhookSecret: testWebhookSecret}),
		Store:       store,
	}, logger.New(logger.Config{Level: "warn", ServiceName: "test", Output: logs})).WithClock(now)

	return &testServer{
		store: store,
		notes: notes,
		auth:  auth,
		logs:  logs,
		router: h.Router(RouterConfig{
			Auth:        auth,
			CORSOrigins: []string{"*"},
			Registry:    metrics.NewRegistry(),
		}),
	}
}

func (s *testServer) token(t *testing.T, a domain.Actor) string {
	t.Helper()
	tok, err := s.auth.Issue(a.ID, Claims{UserType: string(a.Type), Roles: a.Roles, PMCID: a.PMCID}, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a JSON request as actor. A nil actor sends no Authorization header.
func (s *testServer) do(t *testing.T, method, path string, actor *domain.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *actor))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// apiError returns the code and field of an error response.
func apiError(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, w.Body.String())
	field, _ := e["field"].(string)
	return e["code"].(string), field
}

func (s *testServer) seedPayment() {
	s.store.PutRentPayment(&domain.RentPayment{
		ID: "rent-1", LeaseID: "lease-1", TenantID: "T1", LandlordID: "L1",
		Amount: decimal.NewFromInt(1800), Status: domain.RentPaid, UpdatedAt: start,
	})
	s.store.PutStripePayment(&domain.StripePayment{
		ID:             "pay-1",
		RentPaymentID:  "rent-1",
		TenantID:       "T1",
		LandlordID:     "L1",
		PropertyID:     "prop-1",
		PMCID:          "P1",
		StripeChargeID: "ch_1",
		Amount:         decimal.NewFromInt(1800),
		Currency:       "usd",
		Status:         "succeeded",
		DisputeStatus:  domain.DisputeNone,
		UpdatedAt:      start,
	})
}

// webhook delivers a signed Stripe event.
func (s *testServer) webhook(t *testing.T, eventType, disputeStatus string, signedAt time.Time) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_" + eventType,
		"object":  "event",
		"type":    eventType,
		"created": signedAt.Unix(),
		"data": map[string]any{"object": map[string]any{
			"id": "dp_1", "object": "dispute", "charge": "ch_1", "amount": 180000, "currency": "usd",
			"reason": "fraudulent", "status": disputeStatus,
		}},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set(StripeSignatureHeader, client.SignPayload(testWebhookSecret, payload, signedAt))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}
