package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"smsbridge/internal/domain"
	sqsqueue "smsbridge/internal/queue/sqs"
	"smsbridge/internal/store"
)

type fakeStore struct {
	raw []store.RawGatewayEvent

	auditsByMessageID map[string]domain.AuditEntry
	auditsByMobile    map[string]domain.AuditEntry

	deliveryUpdates []store.AuditDeliveryUpdate
	replies         []*domain.ReplyEvent
	linkHits        []*domain.LinkHitEvent

	respondedAuditID string
	respondedReplyID string
	respondedAt      time.Time

	insertReplyErr error
}

func (f *fakeStore) InsertRawGatewayEvent(ctx context.Context, in store.RawGatewayEvent) error {
	f.raw = append(f.raw, in)
	return nil
}

func (f *fakeStore) GetAuditByMessageID(ctx context.Context, messageID string) (domain.AuditEntry, bool, error) {
	a, ok := f.auditsByMessageID[messageID]
	return a, ok, nil
}

func (f *fakeStore) LatestAuditByMobile(ctx context.Context, installID, mobile string) (domain.AuditEntry, bool, error) {
	a, ok := f.auditsByMobile[mobile]
	if ok && installID != "" && a.InstallID != installID {
		return domain.AuditEntry{}, false, nil
	}
	return a, ok, nil
}

func (f *fakeStore) UpdateAuditDelivery(ctx context.Context, in store.AuditDeliveryUpdate) (bool, error) {
	f.deliveryUpdates = append(f.deliveryUpdates, in)
	_, ok := f.auditsByMessageID[in.MessageID]
	return ok, nil
}

func (f *fakeStore) InsertReplyEvent(ctx context.Context, e *domain.ReplyEvent) error {
	if f.insertReplyErr != nil {
		return f.insertReplyErr
	}
	f.replies = append(f.replies, e)
	return nil
}

func (f *fakeStore) MarkAuditResponded(ctx context.Context, auditID, replyEventID string, receivedAt, now time.Time) error {
	f.respondedAuditID = auditID
	f.respondedReplyID = replyEventID
	f.respondedAt = receivedAt
	return nil
}

func (f *fakeStore) InsertLinkHitEvents(ctx context.Context, events []*domain.LinkHitEvent) error {
	f.linkHits = append(f.linkHits, events...)
	return nil
}

func newReconciler(f *fakeStore) *Reconciler {
	n := 0
	return &Reconciler{
		Store: f,
		IDGen: func() string { n++; return fmt.Sprintf("evt_%d", n) },
		Now:   func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func event(kind string, params map[string]string) sqsqueue.Event {
	p := make(map[string][]string, len(params))
	for k, v := range params {
		p[k] = []string{v}
	}
	return sqsqueue.Event{Kind: kind, Params: p, ReceivedAt: time.Date(2026, 8, 1, 12, 0, 5, 0, time.UTC)}
}

func TestDLRDeliveredUpdatesAudit(t *testing.T) {
	f := &fakeStore{auditsByMessageID: map[string]domain.AuditEntry{
		"msg-1": {ID: "aud_1", InstallID: "inst-a"},
	}}
	r := newReconciler(f)

	ev := event(sqsqueue.KindDLR, map[string]string{
		"message_id": "msg-1",
		"status":     "delivered",
		"datetime":   "2026-08-01 11:59:30",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(f.raw) != 1 || f.raw[0].Kind != sqsqueue.KindDLR {
		t.Fatalf("raw event not preserved: %+v", f.raw)
	}
	if len(f.deliveryUpdates) != 1 {
		t.Fatalf("expected 1 delivery update, got %d", len(f.deliveryUpdates))
	}
	u := f.deliveryUpdates[0]
	if u.Status != domain.AuditDelivered {
		t.Fatalf("status = %q", u.Status)
	}
	if u.DeliveredAt == nil || !u.DeliveredAt.Equal(time.Date(2026, 8, 1, 11, 59, 30, 0, time.UTC)) {
		t.Fatalf("deliveredAt = %v", u.DeliveredAt)
	}
}

func TestDLRUnknownMessageIDIsNotAnError(t *testing.T) {
	f := &fakeStore{auditsByMessageID: map[string]domain.AuditEntry{}}
	r := newReconciler(f)

	ev := event(sqsqueue.KindDLR, map[string]string{
		"message_id": "msg-gone",
		"status":     "failed",
		"error_code": "34",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if len(f.raw) != 1 {
		t.Fatalf("raw event must still be preserved")
	}
}

func TestDLRUnknownStatusIgnored(t *testing.T) {
	f := &fakeStore{auditsByMessageID: map[string]domain.AuditEntry{
		"msg-1": {ID: "aud_1"},
	}}
	r := newReconciler(f)

	ev := event(sqsqueue.KindDLR, map[string]string{
		"message_id": "msg-1",
		"status":     "teleported",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.deliveryUpdates) != 0 {
		t.Fatalf("unknown status must not touch the audit entry")
	}
}

func TestReplyCorrelatesByMessageID(t *testing.T) {
	f := &fakeStore{auditsByMessageID: map[string]domain.AuditEntry{
		"msg-1": {ID: "aud_1", InstallID: "inst-a"},
	}}
	r := newReconciler(f)

	ev := event(sqsqueue.KindReply, map[string]string{
		"message_id":     "msg-1",
		"mobile":         "+61412345678",
		"response":       "YES PLEASE",
		"response_id":    "resp-9",
		"longcode":       "+61400000000",
		"datetime_entry": "2026-08-01 11:58:00",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(f.replies) != 1 {
		t.Fatalf("expected 1 reply event, got %d", len(f.replies))
	}
	reply := f.replies[0]
	if reply.AuditID != "aud_1" || reply.InstallID != "inst-a" {
		t.Fatalf("reply correlation: %+v", reply)
	}
	if reply.ResponseID != "resp-9" || reply.IsOptOut {
		t.Fatalf("reply fields: %+v", reply)
	}
	if f.respondedAuditID != "aud_1" || f.respondedReplyID != reply.ID {
		t.Fatalf("audit not marked responded: %q %q", f.respondedAuditID, f.respondedReplyID)
	}
	if !f.respondedAt.Equal(time.Date(2026, 8, 1, 11, 58, 0, 0, time.UTC)) {
		t.Fatalf("respondedAt = %v", f.respondedAt)
	}
}

func TestReplyFallsBackToLatestSendToMobile(t *testing.T) {
	f := &fakeStore{
		auditsByMessageID: map[string]domain.AuditEntry{},
		auditsByMobile: map[string]domain.AuditEntry{
			"+61412345678": {ID: "aud_7", InstallID: "inst-a"},
		},
	}
	r := newReconciler(f)

	ev := event(sqsqueue.KindReply, map[string]string{
		"mobile":   "+61412345678",
		"response": "ok",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.replies[0].AuditID != "aud_7" {
		t.Fatalf("expected fallback correlation, got %+v", f.replies[0])
	}
}

func TestReplyOptOutByKeyword(t *testing.T) {
	f := &fakeStore{auditsByMessageID: map[string]domain.AuditEntry{}}
	r := newReconciler(f)

	ev := event(sqsqueue.KindReply, map[string]string{
		"mobile":   "+61412345678",
		"response": "  stop  ",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !f.replies[0].IsOptOut {
		t.Fatalf("STOP reply must be flagged opt-out")
	}
	if f.respondedAuditID != "" {
		t.Fatalf("no audit should be marked without correlation")
	}
}

func TestReplyOptOutByGatewayFlag(t *testing.T) {
	f := &fakeStore{auditsByMessageID: map[string]domain.AuditEntry{}}
	r := newReconciler(f)

	ev := event(sqsqueue.KindReply, map[string]string{
		"mobile":    "+61412345678",
		"response":  "take me off",
		"is_optout": "yes",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !f.replies[0].IsOptOut {
		t.Fatalf("gateway opt-out flag must be honoured")
	}
}

func TestReplyStoreErrorPropagatesForRedrive(t *testing.T) {
	f := &fakeStore{
		auditsByMessageID: map[string]domain.AuditEntry{},
		insertReplyErr:    fmt.Errorf("connection refused"),
	}
	r := newReconciler(f)

	ev := event(sqsqueue.KindReply, map[string]string{"mobile": "+61412345678", "response": "hi"})
	if err := r.Process(context.Background(), ev); err == nil {
		t.Fatalf("datastore failure must propagate so the message is redelivered")
	}
}

func TestLinkHitMaterialisesEachClick(t *testing.T) {
	f := &fakeStore{
		auditsByMessageID: map[string]domain.AuditEntry{
			"msg-1": {
				ID: "aud_1", InstallID: "inst-a",
				TrackedShortURL:    "https://sho.rt/abc",
				TrackedOriginalURL: "https://example.com/sale",
			},
		},
	}
	r := newReconciler(f)

	ev := event(sqsqueue.KindLinkHit, map[string]string{
		"message_id": "msg-1",
		"mobile":     "+61412345678",
		"link_hits":  "3",
		"datetime":   "2026-08-01 11:50:00",
		"user_agent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Version/17.0 Mobile/15E148 Safari/604.1",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(f.linkHits) != 3 {
		t.Fatalf("expected 3 materialised events, got %d", len(f.linkHits))
	}
	first := f.linkHits[0]
	if first.ShortURL != "https://sho.rt/abc" || first.OriginalURL != "https://example.com/sale" {
		t.Fatalf("tracked urls not taken from audit: %+v", first)
	}
	if first.Device != "mobile" || first.OS != "iOS" || first.Browser != "Safari" {
		t.Fatalf("user agent classification: %+v", first)
	}
	for _, e := range f.linkHits {
		if e.AuditID != "aud_1" {
			t.Fatalf("every event must carry the audit id")
		}
		if e.IdempotencyKey() != first.IdempotencyKey() {
			t.Fatalf("clicks from one webhook share the idempotency key")
		}
	}
}

func TestLinkHitWithoutCorrelationStillStored(t *testing.T) {
	f := &fakeStore{auditsByMessageID: map[string]domain.AuditEntry{}}
	r := newReconciler(f)

	ev := event(sqsqueue.KindLinkHit, map[string]string{
		"mobile":    "+61412345678",
		"short_url": "https://sho.rt/xyz",
	})
	if err := r.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.linkHits) != 1 || f.linkHits[0].AuditID != "" {
		t.Fatalf("uncorrelated hit must still be stored: %+v", f.linkHits)
	}
	if f.linkHits[0].ShortURL != "https://sho.rt/xyz" {
		t.Fatalf("short url must come from the payload when no audit matches")
	}
	if !f.linkHits[0].ClickedAt.Equal(ev.ReceivedAt) {
		t.Fatalf("missing datetime falls back to the webhook arrival time")
	}
}

func TestEventTimeParsesRFC3339(t *testing.T) {
	r := newReconciler(&fakeStore{})
	ev := event(sqsqueue.KindDLR, map[string]string{"datetime": "2026-08-01T11:59:30Z"})
	got := r.eventTime(ev, "datetime")
	if !got.Equal(time.Date(2026, 8, 1, 11, 59, 30, 0, time.UTC)) {
		t.Fatalf("eventTime = %v", got)
	}
}
