package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"
	stripeclient "github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// Stripe dispute event types the service reacts to.
const (
	EventDisputeCreated = "charge.dispute.created"
	EventDisputeClosed  = "charge.dispute.closed"
)

// DefaultWebhookTolerance is how far a signature timestamp may drift from now.
const DefaultWebhookTolerance = webhook.DefaultTolerance

// GatewayConfig is the payments provider configuration.
type GatewayConfig struct {
	// SecretKey enables API lookups. Without it webhook payloads are trusted
	// as delivered once their signature checks out.
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	// APIURL overrides the Stripe API base URL, for stripe-mock and tests.
	APIURL string
}

// PaymentsGateway owns the Stripe configuration for the process. It is
// built once by main and reconfigured explicitly.
type PaymentsGateway struct {
	mu  sync.RWMutex
	cfg GatewayConfig
	api *stripeclient.API
}

// NewPaymentsGateway creates a gateway with cfg.
func NewPaymentsGateway(cfg GatewayConfig) *PaymentsGateway {
	g := &PaymentsGateway{}
	g.Reconfigure(cfg)
	return g
}

// Reconfigure swaps the configuration and API client in place.
func (g *PaymentsGateway) Reconfigure(cfg GatewayConfig) {
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = DefaultWebhookTolerance
	}
	var api *stripeclient.API
	if cfg.SecretKey != "" {
		var backends *stripe.Backends
		if cfg.APIURL != "" {
			b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
				URL:               stripe.String(cfg.APIURL),
				MaxNetworkRetries: stripe.Int64(0),
			})
			backends = &stripe.Backends{API: b, Connect: b, Uploads: b}
		}
		api = stripeclient.New(cfg.SecretKey, backends)
	}
	g.mu.Lock()
	g.cfg = cfg
	g.api = api
	g.mu.Unlock()
}

// Enabled reports whether webhooks can be verified.
func (g *PaymentsGateway) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg.WebhookSecret != ""
}

// WebhookEvent is a verified Stripe event.
type WebhookEvent struct {
	stripe.Event
}

// Kind returns the event type as a plain string.
func (e *WebhookEvent) Kind() string { return string(e.Type) }

// IsDispute reports whether the event is one the dispute handlers consume.
func (e *WebhookEvent) IsDispute() bool {
	return e.Kind() == EventDisputeCreated || e.Kind() == EventDisputeClosed
}

// Dispute is the part of a Stripe dispute the service acts on.
type Dispute struct {
	ID            string
	Charge        string
	PaymentIntent string
	Amount        int64
	Currency      string
	Reason        string
	Status        string
}

// Won reports whether a closed dispute was decided for the merchant.
func (d Dispute) Won() bool { return d.Status == string(stripe.DisputeStatusWon) }

// Lost reports whether a closed dispute was decided for the cardholder.
func (d Dispute) Lost() bool { return d.Status == string(stripe.DisputeStatusLost) }

// IsInquiry reports whether the dispute is a pre-chargeback inquiry. Funds
// stay with the merchant while an inquiry is open.
func (d Dispute) IsInquiry() bool { return strings.HasPrefix(d.Status, "warning_") }

func fromStripe(sd *stripe.Dispute) Dispute {
	d := Dispute{
		ID:       sd.ID,
		Amount:   sd.Amount,
		Currency: string(sd.Currency),
		Reason:   string(sd.Reason),
		Status:   string(sd.Status),
	}
	if sd.Charge != nil {
		d.Charge = sd.Charge.ID
	}
	if sd.PaymentIntent != nil {
		d.PaymentIntent = sd.PaymentIntent.ID
	}
	return d
}

// Dispute decodes the event's object as a dispute.
func (e *WebhookEvent) Dispute() (Dispute, error) {
	if !e.IsDispute() {
		return Dispute{}, errors.InvalidInput("type", fmt.Sprintf("event %s is not a dispute event", e.Type))
	}
	var sd stripe.Dispute
	if e.Data == nil || json.Unmarshal(e.Data.Raw, &sd) != nil {
		return Dispute{}, errors.InvalidInput("data.object", "malformed dispute object")
	}
	d := fromStripe(&sd)
	if d.ID == "" || d.Charge == "" {
		return d, errors.InvalidInput("data.object", "dispute id and charge are required")
	}
	return d, nil
}

// VerifyWebhook checks the Stripe-Signature header against payload and
// decodes the event. The timestamp must be within the configured tolerance
// of the current time.
func (g *PaymentsGateway) VerifyWebhook(payload []byte, sigHeader string) (*WebhookEvent, error) {
	g.mu.RLock()
	secret, tolerance := g.cfg.WebhookSecret, g.cfg.WebhookTolerance
	g.mu.RUnlock()

	if secret == "" {
		return nil, errors.New(errors.ErrCodeUnavailable, "payments are not configured")
	}

	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return &WebhookEvent{Event: ev}, nil
	case stderrors.Is(err, webhook.ErrTooOld):
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "webhook timestamp outside tolerance")
	case stderrors.Is(err, webhook.ErrNotSigned), stderrors.Is(err, webhook.ErrInvalidHeader):
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "missing webhook signature")
	case stderrors.Is(err, webhook.ErrNoValidSignature):
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "webhook signature mismatch")
	default:
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed webhook event")
	}
}

// ConfirmDispute reloads d from the Stripe API so a handler acts on the
// current status rather than the delivered one. Without a secret key d is
// returned unchanged.
func (g *PaymentsGateway) ConfirmDispute(ctx context.Context, d Dispute) (Dispute, error) {
	g.mu.RLock()
	api := g.api
	g.mu.RUnlock()
	if api == nil {
		return d, nil
	}

	params := &stripe.DisputeParams{}
	params.Context = ctx
	sd, err := api.Disputes.Get(d.ID, params)
	if err != nil {
		var se *stripe.Error
		if stderrors.As(err, &se) && se.HTTPStatusCode == 404 {
			return d, errors.NotFound("dispute", d.ID)
		}
		return d, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to fetch dispute from Stripe")
	}
	got := fromStripe(sd)
	if got.Charge == "" {
		got.Charge = d.Charge
	}
	if got.Charge != d.Charge {
		return d, errors.InvalidInput("data.object", "dispute charge does not match Stripe")
	}
	return got, nil
}

// SignPayload produces a Stripe-Signature header for payload. Tests and local
// tooling use it to build valid deliveries.
func SignPayload(secret string, payload []byte, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}
