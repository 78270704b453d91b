// Package reconcile correlates gateway webhook events (delivery receipts,
// replies, link hits) back to audit entries and queues inbound events for
// the feeder.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"smsbridge/internal/domain"
	"smsbridge/internal/observability"
	sqsqueue "smsbridge/internal/queue/sqs"
	"smsbridge/internal/store"
	"smsbridge/internal/util"
)

type Store interface {
	InsertRawGatewayEvent(ctx context.Context, in store.RawGatewayEvent) error
	GetAuditByMessageID(ctx context.Context, messageID string) (domain.AuditEntry, bool, error)
	LatestAuditByMobile(ctx context.Context, installID, mobile string) (domain.AuditEntry, bool, error)
	UpdateAuditDelivery(ctx context.Context, in store.AuditDeliveryUpdate) (bool, error)
	InsertReplyEvent(ctx context.Context, e *domain.ReplyEvent) error
	MarkAuditResponded(ctx context.Context, auditID, replyEventID string, receivedAt, now time.Time) error
	InsertLinkHitEvents(ctx context.Context, events []*domain.LinkHitEvent) error
}

type Reconciler struct {
	Store Store
	IDGen func() string
	Now   func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return util.NowUTC()
}

func (r *Reconciler) newEventID() string {
	if r.IDGen != nil {
		return r.IDGen()
	}
	return util.NewEventID()
}

// Process handles one buffered webhook event. Correlation misses are not
// errors; only datastore failures propagate (and trigger redelivery).
func (r *Reconciler) Process(ctx context.Context, ev sqsqueue.Event) error {
	raw, _ := json.Marshal(ev.Params)
	if err := r.Store.InsertRawGatewayEvent(ctx, store.RawGatewayEvent{
		Kind:       ev.Kind,
		MessageID:  ev.Get("message_id"),
		InstallID:  ev.Get("installId"),
		Payload:    raw,
		ReceivedAt: ev.ReceivedAt,
	}); err != nil {
		return fmt.Errorf("store raw gateway event: %w", err)
	}

	switch ev.Kind {
	case sqsqueue.KindDLR:
		return r.processDLR(ctx, ev)
	case sqsqueue.KindReply:
		return r.processReply(ctx, ev)
	case sqsqueue.KindLinkHit:
		return r.processLinkHit(ctx, ev)
	}
	slog.Warn("unknown webhook event kind", "kind", ev.Kind)
	return nil
}

// processDLR updates exactly the audit entry matching the message id. A
// miss never creates an audit entry: the raw event is already preserved.
func (r *Reconciler) processDLR(ctx context.Context, ev sqsqueue.Event) error {
	messageID := ev.Get("message_id")
	status := domain.MapGatewayStatus(ev.Get("status"))
	if messageID == "" || status == "" {
		observability.ReconcileOutcomes.WithLabelValues("dlr", "ignored").Inc()
		slog.Warn("dlr without usable message id or status", "message_id", messageID, "status", ev.Get("status"))
		return nil
	}

	update := store.AuditDeliveryUpdate{
		MessageID:    messageID,
		Status:       status,
		ErrorCode:    ev.Get("error_code"),
		ErrorMessage: ev.Get("error_text"),
		Now:          r.now(),
	}
	if status == domain.AuditDelivered {
		at := r.eventTime(ev, "datetime")
		update.DeliveredAt = &at
	}

	matched, err := r.Store.UpdateAuditDelivery(ctx, update)
	if err != nil {
		return fmt.Errorf("update audit delivery: %w", err)
	}
	if !matched {
		observability.ReconcileOutcomes.WithLabelValues("dlr", "miss").Inc()
		slog.Warn("dlr for unknown message id", "message_id", messageID, "status", string(status))
		return nil
	}
	observability.ReconcileOutcomes.WithLabelValues("dlr", "matched").Inc()
	return nil
}

func (r *Reconciler) processReply(ctx context.Context, ev sqsqueue.Event) error {
	mobile := ev.Get("mobile")
	body := ev.Get("response")
	receivedAt := r.eventTime(ev, "datetime_entry")

	audit, found, err := r.correlate(ctx, ev.Get("message_id"), ev.Get("installId"), mobile)
	if err != nil {
		return err
	}

	installID := ev.Get("installId")
	if installID == "" && found {
		installID = audit.InstallID
	}

	raw, _ := json.Marshal(ev.Params)
	reply := &domain.ReplyEvent{
		ID:         r.newEventID(),
		InstallID:  installID,
		ResponseID: ev.Get("response_id"),
		FromNumber: mobile,
		ToNumber:   ev.Get("longcode"),
		Message:    body,
		ReceivedAt: receivedAt,
		MessageID:  ev.Get("message_id"),
		Raw:        raw,
		IsOptOut:   ev.Get("is_optout") == "yes" || domain.IsOptOutMessage(body),
	}
	if found {
		reply.AuditID = audit.ID
	}
	if err := r.Store.InsertReplyEvent(ctx, reply); err != nil {
		return fmt.Errorf("insert reply event: %w", err)
	}

	if found {
		if err := r.Store.MarkAuditResponded(ctx, audit.ID, reply.ID, receivedAt, r.now()); err != nil {
			return fmt.Errorf("mark audit responded: %w", err)
		}
		observability.ReconcileOutcomes.WithLabelValues("reply", "matched").Inc()
	} else {
		observability.ReconcileOutcomes.WithLabelValues("reply", "miss").Inc()
	}
	return nil
}

// processLinkHit materialises link_hits separate events sharing one
// clicked_at, so the feeder can hand each click back individually.
func (r *Reconciler) processLinkHit(ctx context.Context, ev sqsqueue.Event) error {
	mobile := ev.Get("mobile")
	clickedAt := r.eventTime(ev, "datetime")

	hits := 1
	if n, err := strconv.Atoi(ev.Get("link_hits")); err == nil && n > 0 {
		hits = n
	}

	audit, found, err := r.correlate(ctx, ev.Get("message_id"), ev.Get("installId"), mobile)
	if err != nil {
		return err
	}

	installID := ev.Get("installId")
	if installID == "" && found {
		installID = audit.InstallID
	}
	shortURL := ev.Get("short_url")
	originalURL := ev.Get("original_url")
	if found {
		if shortURL == "" {
			shortURL = audit.TrackedShortURL
		}
		if originalURL == "" {
			originalURL = audit.TrackedOriginalURL
		}
	}
	device, browser, osName := parseUserAgent(ev.Get("user_agent"))

	events := make([]*domain.LinkHitEvent, 0, hits)
	for i := 0; i < hits; i++ {
		e := &domain.LinkHitEvent{
			ID:           r.newEventID(),
			InstallID:    installID,
			MobileNumber: mobile,
			ShortURL:     shortURL,
			OriginalURL:  originalURL,
			ClickedAt:    clickedAt,
			Device:       device,
			Browser:      browser,
			OS:           osName,
		}
		if found {
			e.AuditID = audit.ID
		}
		events = append(events, e)
	}
	if err := r.Store.InsertLinkHitEvents(ctx, events); err != nil {
		return fmt.Errorf("insert link hit events: %w", err)
	}

	outcome := "miss"
	if found {
		outcome = "matched"
	}
	observability.ReconcileOutcomes.WithLabelValues("linkhit", outcome).Inc()
	return nil
}

// correlate finds the audit entry for an inbound event: message id first,
// then the most recent send to the mobile number.
func (r *Reconciler) correlate(ctx context.Context, messageID, installID, mobile string) (domain.AuditEntry, bool, error) {
	if messageID != "" {
		a, found, err := r.Store.GetAuditByMessageID(ctx, messageID)
		if err != nil {
			return domain.AuditEntry{}, false, fmt.Errorf("audit by message id: %w", err)
		}
		if found {
			return a, true, nil
		}
	}
	if mobile == "" {
		return domain.AuditEntry{}, false, nil
	}
	a, found, err := r.Store.LatestAuditByMobile(ctx, installID, mobile)
	if err != nil {
		return domain.AuditEntry{}, false, fmt.Errorf("audit by mobile: %w", err)
	}
	return a, found, nil
}

var eventTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// eventTime parses the gateway timestamp, falling back to the time the
// webhook arrived.
func (r *Reconciler) eventTime(ev sqsqueue.Event, key string) time.Time {
	raw := ev.Get(key)
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	if !ev.ReceivedAt.IsZero() {
		return ev.ReceivedAt
	}
	return r.now()
}
