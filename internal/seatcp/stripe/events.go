package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
)

// ErrMalformedEvent marks a verified event whose payload cannot be decoded.
var ErrMalformedEvent = errors.New("malformed event payload")

// Event is a decoded Stripe notification. The set of implementations is
// closed; Reconciler.Apply switches over all of them.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta identifies the notification an event was decoded from.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// CheckoutCompleted is a finished subscription-mode hosted checkout.
type CheckoutCompleted struct {
	EventMeta
	SessionID       string
	OrganizationID  string
	CustomerRef     string
	SubscriptionRef string
}

// SubscriptionCreated carries a newly created subscription.
type SubscriptionCreated struct {
	EventMeta
	Subscription RemoteSubscription
}

// SubscriptionUpdated carries the full current state of a subscription.
type SubscriptionUpdated struct {
	EventMeta
	Subscription RemoteSubscription
}

// SubscriptionDeleted reports a subscription that has ended.
type SubscriptionDeleted struct {
	EventMeta
	Subscription RemoteSubscription
}

// Invoice is the part of an invoice reconciliation needs.
type Invoice struct {
	ID              string
	SubscriptionRef string
	BillingReason   string
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
}

// InvoicePaymentSucceeded reports a paid invoice.
type InvoicePaymentSucceeded struct {
	EventMeta
	Invoice Invoice
}

// InvoicePaymentFailed reports a failed invoice payment.
type InvoicePaymentFailed struct {
	EventMeta
	Invoice Invoice
}

// Ignored is any event reconciliation has no transition for.
type Ignored struct {
	EventMeta
	Reason string
}

func (*CheckoutCompleted) isEvent()       {}
func (*SubscriptionCreated) isEvent()     {}
func (*SubscriptionUpdated) isEvent()     {}
func (*SubscriptionDeleted) isEvent()     {}
func (*InvoicePaymentSucceeded) isEvent() {}
func (*InvoicePaymentFailed) isEvent()    {}
func (*Ignored) isEvent()                 {}

// DecodeEvent builds the typed variant for a verified Stripe event.
func DecodeEvent(ev *stripelib.Event) (Event, error) {
	if ev == nil || strings.TrimSpace(ev.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	meta := EventMeta{ID: ev.ID, Type: string(ev.Type)}
	if ev.Created > 0 {
		meta.Created = time.Unix(ev.Created, 0).UTC()
	}

	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}
	decode := func(v any) error {
		if len(raw) == 0 {
			return fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, meta.Type)
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, meta.Type, err)
		}
		return nil
	}

	switch meta.Type {
	case "checkout.session.completed":
		var session checkoutSessionPayload
		if err := decode(&session); err != nil {
			return nil, err
		}
		if session.Mode != "subscription" {
			return &Ignored{EventMeta: meta, Reason: "checkout mode " + session.Mode}, nil
		}
		orgID := strings.TrimSpace(session.Metadata["organization_id"])
		if orgID == "" {
			orgID = strings.TrimSpace(session.ClientReferenceID)
		}
		return &CheckoutCompleted{
			EventMeta:       meta,
			SessionID:       session.ID,
			OrganizationID:  orgID,
			CustomerRef:     string(session.Customer),
			SubscriptionRef: string(session.Subscription),
		}, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var payload subscriptionPayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		if payload.ID == "" {
			return nil, fmt.Errorf("%w: %s without subscription id", ErrMalformedEvent, meta.Type)
		}
		sub := payload.remote()
		switch meta.Type {
		case "customer.subscription.created":
			return &SubscriptionCreated{EventMeta: meta, Subscription: sub}, nil
		case "customer.subscription.updated":
			return &SubscriptionUpdated{EventMeta: meta, Subscription: sub}, nil
		default:
			return &SubscriptionDeleted{EventMeta: meta, Subscription: sub}, nil
		}

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var payload invoicePayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		inv := payload.invoice()
		if meta.Type == "invoice.payment_succeeded" {
			return &InvoicePaymentSucceeded{EventMeta: meta, Invoice: inv}, nil
		}
		return &InvoicePaymentFailed{EventMeta: meta, Invoice: inv}, nil

	default:
		return &Ignored{EventMeta: meta, Reason: "unhandled event type"}, nil
	}
}

// stripeRef decodes a reference that is either an ID string or an expanded
// object with an id.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = stripeRef(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = stripeRef(strings.TrimSpace(obj.ID))
	return nil
}

// checkoutSessionPayload is a minimal representation of a Stripe checkout.session.
type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionPayload is a minimal representation of a Stripe subscription.
// Period bounds live on the item in current API versions and on the
// subscription in older ones.
type subscriptionPayload struct {
	ID                 string    `json:"id"`
	Customer           stripeRef `json:"customer"`
	Status             string    `json:"status"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	CurrentPeriodStart int64     `json:"current_period_start"`
	CurrentPeriodEnd   int64     `json:"current_period_end"`
	Items              struct {
		Data []struct {
			ID                 string `json:"id"`
			Quantity           int64  `json:"quantity"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			Price              struct {
				ID        string `json:"id"`
				Recurring *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (p subscriptionPayload) remote() RemoteSubscription {
	rs := RemoteSubscription{
		ID:                p.ID,
		CustomerRef:       string(p.Customer),
		Status:            p.Status,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		Metadata:          p.Metadata,
		PeriodStart:       unixPtr(p.CurrentPeriodStart),
		PeriodEnd:         unixPtr(p.CurrentPeriodEnd),
	}
	if len(p.Items.Data) > 0 {
		item := p.Items.Data[0]
		rs.ItemID = item.ID
		rs.Quantity = int(item.Quantity)
		rs.PriceID = item.Price.ID
		if item.CurrentPeriodStart > 0 {
			rs.PeriodStart = unixPtr(item.CurrentPeriodStart)
		}
		if item.CurrentPeriodEnd > 0 {
			rs.PeriodEnd = unixPtr(item.CurrentPeriodEnd)
		}
		if item.Price.Recurring != nil {
			rs.BillingPeriod = periodFromInterval(item.Price.Recurring.Interval)
		}
	}
	if rs.BillingPeriod == "" {
		rs.BillingPeriod = periodFromMetadata(p.Metadata)
	}
	return rs
}

// invoicePayload is a minimal representation of a Stripe invoice. The
// subscription reference moved under parent.subscription_details in current
// API versions.
type invoicePayload struct {
	ID            string    `json:"id"`
	BillingReason string    `json:"billing_reason"`
	Subscription  stripeRef `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription stripeRef `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (p invoicePayload) invoice() Invoice {
	inv := Invoice{
		ID:              p.ID,
		BillingReason:   p.BillingReason,
		SubscriptionRef: string(p.Subscription),
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil && p.Parent.SubscriptionDetails.Subscription != "" {
		inv.SubscriptionRef = string(p.Parent.SubscriptionDetails.Subscription)
	}
	if len(p.Lines.Data) > 0 {
		inv.PeriodStart = unixPtr(p.Lines.Data[0].Period.Start)
		inv.PeriodEnd = unixPtr(p.Lines.Data[0].Period.End)
	}
	return inv
}
