package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

const (
	actionDisputeOpened        = "payment_dispute_opened"
	actionDisputeWon           = "payment_dispute_won"
	actionDisputeLost          = "payment_dispute_lost"
	actionLegalNoticeRequested = "legal_notice_requested"
)

// disputeSensitiveFields are the fields a dispute read exposes.
var disputeSensitiveFields = []string{"amount", "stripe_charge_id", "stripe_payment_intent_id", "dispute_reason"}

// DisputeEvent is a verified dispute notification from the card processor.
type DisputeEvent struct {
	DisputeID string
	ChargeID  string
	Reason    string
	// Won is only meaningful on close.
	Won bool
	// Inquiry marks a pre-chargeback inquiry (Stripe warning_* statuses).
	Inquiry bool
}

// DisputeService runs the chargeback state machine. Nothing here creates or
// sends a legal notice; only RequestLegalNotice does, on a landlord's request.
type DisputeService struct {
	engine
}

// NewDisputeService creates a DisputeService over d.
func NewDisputeService(d Deps) *DisputeService {
	return &DisputeService{engine: newEngine(d)}
}

// HandleDisputeCreated enters chargeback_pending: late fees freeze and the
// rent payment is forced to Unpaid whatever it was. A repeated delivery for
// the same dispute changes nothing, and neither does an inquiry.
func (s *DisputeService) HandleDisputeCreated(ctx context.Context, ev DisputeEvent) error {
	if ev.DisputeID == "" || ev.ChargeID == "" {
		return errors.InvalidInput("dispute", "dispute id and charge id are required")
	}
	if ev.Inquiry {
		s.Log.Info().Str("dispute_id", ev.DisputeID).Str("charge_id", ev.ChargeID).Msg("Dispute inquiry opened, payment left as is")
		return nil
	}
	return s.auditedTx(ctx, "dispute.created", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		pay, err := tx.GetStripePaymentByCharge(ctx, ev.ChargeID)
		if err != nil {
			return err
		}
		before := paymentSnapshot(pay, nil)
		now := s.now()
		changed, err := pay.OpenDispute(ev.DisputeID, ev.Reason, now)
		if err != nil {
			return err
		}
		if !changed {
			return errNoChange
		}
		pay.UpdatedAt = now

		rent, err := tx.GetRentPayment(ctx, pay.RentPaymentID)
		if err != nil {
			return err
		}
		before["rent_status"] = string(rent.Status)
		rent.Status = domain.RentUnpaid
		rent.PaidAt = nil
		rent.UpdatedAt = now
		if err := tx.UpdateRentPayment(ctx, rent); err != nil {
			return err
		}
		if err := tx.UpdateStripePayment(ctx, pay); err != nil {
			return err
		}

		fx.audit(disputeEvent(actionDisputeOpened, pay, before, paymentSnapshot(pay, rent), ev))
		msg := fmt.Sprintf("A chargeback was opened on the %s %s payment. Late fees are paused while it is reviewed.", pay.Amount.StringFixed(2), pay.Currency)
		fx.notify(
			s.paymentNotice(client.NotifyDisputeOpened, pay, pay.TenantID, string(domain.UserTypeTenant), msg, client.PriorityHigh),
			s.paymentNotice(client.NotifyDisputeOpened, pay, pay.LandlordID, string(domain.UserTypeLandlord), msg, client.PriorityHigh),
		)
		return nil
	})
}

// HandleDisputeClosed resolves a dispute. Won restores Paid; lost leaves the
// rent Unpaid. Both unfreeze late fees going forward. On a loss the landlord
// is offered a legal notice; none is created. A closed inquiry counts as won
// when the payment is still pending on it and is a no-op otherwise.
func (s *DisputeService) HandleDisputeClosed(ctx context.Context, ev DisputeEvent) error {
	if ev.DisputeID == "" || ev.ChargeID == "" {
		return errors.InvalidInput("dispute", "dispute id and charge id are required")
	}
	return s.auditedTx(ctx, "dispute.closed", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		pay, err := tx.GetStripePaymentByCharge(ctx, ev.ChargeID)
		if err != nil {
			return err
		}
		if pay.DisputeID != "" && pay.DisputeID != ev.DisputeID {
			return errors.InvalidState(fmt.Sprintf("payment %s is tracking dispute %s, not %s", pay.ID, pay.DisputeID, ev.DisputeID))
		}
		rent, err := tx.GetRentPayment(ctx, pay.RentPaymentID)
		if err != nil {
			return err
		}
		before := paymentSnapshot(pay, rent)

		won := ev.Won
		if ev.Inquiry {
			if pay.DisputeStatus != domain.DisputeChargebackPending || pay.DisputeID != ev.DisputeID {
				return errNoChange
			}
			won = true
		}

		now := s.now()
		changed, err := pay.ResolveDispute(won, now)
		if err != nil {
			return err
		}
		if !changed {
			return errNoChange
		}
		pay.UpdatedAt = now

		if won {
			rent.Status = domain.RentPaid
			ts := now
			rent.PaidAt = &ts
			rent.UpdatedAt = now
			if err := tx.UpdateRentPayment(ctx, rent); err != nil {
				return err
			}
		}
		if err := tx.UpdateStripePayment(ctx, pay); err != nil {
			return err
		}

		action := actionDisputeLost
		if won {
			action = actionDisputeWon
		}
		fx.audit(disputeEvent(action, pay, before, paymentSnapshot(pay, rent), ev))

		if won {
			msg := "The chargeback was decided in the landlord's favour. The payment is marked Paid again."
			fx.notify(
				s.paymentNotice(client.NotifyDisputeWon, pay, pay.TenantID, string(domain.UserTypeTenant), msg, client.PriorityNormal),
				s.paymentNotice(client.NotifyDisputeWon, pay, pay.LandlordID, string(domain.UserTypeLandlord), msg, client.PriorityNormal),
			)
			return nil
		}
		n := s.paymentNotice(client.NotifyLegalNoticeAvailable, pay, pay.LandlordID, string(domain.UserTypeLandlord),
			"The chargeback was lost and the rent remains unpaid. You may generate a legal notice if you choose to.",
			client.PriorityHigh)
		n.IsActionable = true
		n.ActionURL = legalNoticeURL(pay.ID)
		fx.notify(n)
		return nil
	})
}

// RequestLegalNotice creates a Draft legal notice for a lost chargeback. It
// is the only code path that creates one and it requires the payment's
// landlord acting in person.
func (s *DisputeService) RequestLegalNotice(ctx context.Context, actor domain.Actor, paymentID string) (*domain.LegalNotice, error) {
	if !actor.IsHuman() || actor.Type != domain.UserTypeLandlord {
		return nil, errors.PermissionDenied("legal notices can only be requested by a landlord")
	}

	var notice *domain.LegalNotice
	err := s.auditedTx(ctx, "legal_notice.request", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		pay, err := tx.GetStripePayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if pay.LandlordID != actor.ID {
			return errors.PermissionDenied("only the payment's landlord may request a legal notice")
		}
		if pay.DisputeStatus != domain.DisputeChargebackLost {
			return errors.InvalidState(fmt.Sprintf("payment %s dispute status is %s, legal notices need a lost chargeback", pay.ID, pay.DisputeStatus))
		}
		existing, err := tx.ListLegalNotices(ctx, pay.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return errors.Newf(errors.ErrCodeConflict, "payment %s already has legal notice %s", pay.ID, existing[0].ID)
		}

		now := s.now()
		notice = &domain.LegalNotice{
			ID:              uuid.NewString(),
			StripePaymentID: pay.ID,
			RentPaymentID:   pay.RentPaymentID,
			LandlordID:      pay.LandlordID,
			TenantID:        pay.TenantID,
			Status:          domain.LegalNoticeDraft,
			RequestedBy:     actor.ID,
			CreatedAt:       now,
		}
		if err := tx.CreateLegalNotice(ctx, notice); err != nil {
			return err
		}
		fx.audit(audit.Event{
			Actor:      actor,
			Action:     actionLegalNoticeRequested,
			Resource:   domain.EntityLegalNotice,
			ResourceID: notice.ID,
			After:      domain.Snapshot{"status": notice.Status, "stripe_payment_id": pay.ID},
			At:         now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info().
		Str("payment_id", paymentID).
		Str("notice_id", notice.ID).
		Str("landlord_id", actor.ID).
		Msg("Legal notice drafted on landlord request")
	return notice, nil
}

// GetDispute returns the payment's dispute state. The read is logged as
// sensitive before the payment is returned.
func (s *DisputeService) GetDispute(ctx context.Context, actor domain.Actor, paymentID string) (*domain.StripePayment, error) {
	pay, err := s.payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	res := rbac.Resource{
		Type:  domain.EntityPayment,
		ID:    pay.ID,
		Scope: rbac.Scope{OwnerID: pay.LandlordID, TenantID: pay.TenantID, PMCID: pay.PMCID},
	}
	if !s.Oracle.CanAccessResource(actor, res) {
		return nil, errors.PermissionDenied("actor is not a party to this payment")
	}
	if err := s.Audit.LogSensitiveDataAccess(ctx, actor, domain.EntityPayment, pay.ID, disputeSensitiveFields); err != nil {
		return nil, err
	}
	return pay, nil
}

// LateFeesAllowed reports whether late fees may be assessed on the payment.
func (s *DisputeService) LateFeesAllowed(ctx context.Context, paymentID string) (bool, error) {
	pay, err := s.payment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	return pay.LateFeesAllowed(), nil
}

func (s *DisputeService) payment(ctx context.Context, id string) (*domain.StripePayment, error) {
	var pay *domain.StripePayment
	err := s.read(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		pay, err = tx.GetStripePayment(ctx, id)
		return err
	})
	return pay, err
}

func (s *DisputeService) paymentNotice(kind string, pay *domain.StripePayment, to, role, msg, priority string) client.Notification {
	return client.Notification{
		Type:       kind,
		Recipients: []string{to},
		TargetRole: role,
		Title:      "Payment dispute update",
		Message:    msg,
		Priority:   priority,
		EntityType: domain.EntityPayment,
		EntityID:   pay.ID,
		ActorID:    domain.SystemActor.ID,
		Payload:    map[string]any{"dispute_status": string(pay.DisputeStatus)},
	}
}

func legalNoticeURL(paymentID string) string {
	return "/api/v1/payments/" + paymentID + "/legal-notices"
}

func disputeEvent(action string, pay *domain.StripePayment, before, after domain.Snapshot, ev DisputeEvent) audit.Event {
	return audit.Event{
		Actor:      domain.SystemActor,
		Action:     action,
		Resource:   domain.EntityPayment,
		ResourceID: pay.ID,
		Before:     before,
		After:      after,
		Details: map[string]any{
			"dispute_id": ev.DisputeID,
			"charge_id":  ev.ChargeID,
			"reason":     ev.Reason,
		},
	}
}

func paymentSnapshot(p *domain.StripePayment, rent *domain.RentPayment) domain.Snapshot {
	s := domain.Snapshot{
		"dispute_status":   string(p.DisputeStatus),
		"late_fees_frozen": p.LateFeesFrozen,
	}
	if rent != nil {
		s["rent_status"] = string(rent.Status)
	}
	return s
}
