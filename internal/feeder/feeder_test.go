package feeder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"smsbridge/internal/domain"
	"smsbridge/internal/store"
)

type fakeStore struct {
	instances map[string]domain.FeederInstance

	replies  []domain.ReplyEvent
	linkHits []domain.LinkHitEvent

	lastReplyFilter store.ReplyFilter

	markedReplies  []string
	markedLinkHits []string
	markErr        error
}

func (f *fakeStore) GetFeederInstance(ctx context.Context, instanceID string) (domain.FeederInstance, bool, error) {
	inst, ok := f.instances[instanceID]
	return inst, ok, nil
}

func (f *fakeStore) FetchUnprocessedReplies(ctx context.Context, filter store.ReplyFilter) ([]domain.ReplyEvent, error) {
	f.lastReplyFilter = filter
	var out []domain.ReplyEvent
	for _, e := range f.replies {
		if !f.replyMarked(e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) replyMarked(id string) bool {
	for _, m := range f.markedReplies {
		if m == id {
			return true
		}
	}
	return false
}

func (f *fakeStore) FetchUnprocessedLinkHits(ctx context.Context, filter store.LinkHitFilter) ([]domain.LinkHitEvent, error) {
	return f.linkHits, nil
}

func (f *fakeStore) MarkRepliesProcessed(ctx context.Context, ids []string, now time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.markedReplies = append(f.markedReplies, ids...)
	return nil
}

func (f *fakeStore) MarkLinkHitsProcessed(ctx context.Context, ids []string, now time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.markedLinkHits = append(f.markedLinkHits, ids...)
	return nil
}

var testTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newDrain(f *fakeStore) *Drain {
	return &Drain{Store: f, Now: func() time.Time { return testTime }}
}

func TestPullRepliesProjectsConfiguredColumns(t *testing.T) {
	f := &fakeStore{
		instances: map[string]domain.FeederInstance{
			"feed-1": {
				InstanceID:       "feed-1",
				InstallID:        "inst-a",
				FeederType:       domain.FeederInboundSMS,
				WatchedSenderIDs: []string{"+61400000000"},
				Keyword:          "WIN",
				FieldNames: map[string]string{
					"mobileNumber": "MobilePhone",
					"message":      "SMSReply",
				},
			},
		},
		replies: []domain.ReplyEvent{
			{
				ID:         "evt_1",
				ResponseID: "resp-9",
				FromNumber: "+61412345678",
				ToNumber:   "+61400000000",
				Message:    "WIN please",
				ReceivedAt: testTime.Add(-time.Minute),
			},
		},
	}
	d := newDrain(f)

	batch, err := d.Pull(context.Background(), "feed-1", 50, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(batch.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(batch.Rows))
	}
	row := batch.Rows[0]
	if row["MobilePhone"] != "+61412345678" || row["SMSReply"] != "WIN please" {
		t.Fatalf("projection: %+v", row)
	}
	if _, ok := row["receivedAt"]; ok {
		t.Fatalf("unmapped attributes must not leak: %+v", row)
	}
	if row["uniqueId"] != "resp-9" {
		t.Fatalf("idempotency key should be the gateway response id, got %q", row["uniqueId"])
	}

	if f.lastReplyFilter.Keyword != "WIN" || len(f.lastReplyFilter.WatchedSenderIDs) != 1 {
		t.Fatalf("instance filters not forwarded: %+v", f.lastReplyFilter)
	}

	if len(f.markedReplies) != 0 {
		t.Fatalf("pull must not mark anything before the batch is acked: %v", f.markedReplies)
	}
	if err := d.Ack(context.Background(), batch); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(f.markedReplies) != 1 || f.markedReplies[0] != "evt_1" {
		t.Fatalf("ack must mark the batch processed: %v", f.markedReplies)
	}
}

func TestPullRepliesFallsBackToEventIDForKey(t *testing.T) {
	f := &fakeStore{
		instances: map[string]domain.FeederInstance{
			"feed-1": {InstanceID: "feed-1", InstallID: "inst-a", FeederType: domain.FeederInboundSMS},
		},
		replies: []domain.ReplyEvent{{ID: "evt_1", FromNumber: "+61412345678"}},
	}
	batch, err := newDrain(f).Pull(context.Background(), "feed-1", 10, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if batch.Rows[0]["uniqueId"] != "evt_1" {
		t.Fatalf("missing response id should fall back to the event id")
	}
}

func TestUnackedBatchIsRedelivered(t *testing.T) {
	f := &fakeStore{
		instances: map[string]domain.FeederInstance{
			"feed-1": {InstanceID: "feed-1", InstallID: "inst-a", FeederType: domain.FeederInboundSMS},
		},
		replies: []domain.ReplyEvent{{ID: "evt_1", ResponseID: "resp-1"}},
	}
	d := newDrain(f)

	first, err := d.Pull(context.Background(), "feed-1", 10, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	// Simulated crash: the batch was returned but never acked.
	second, err := d.Pull(context.Background(), "feed-1", 10, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(second.Rows) != 1 || second.Rows[0]["uniqueId"] != first.Rows[0]["uniqueId"] {
		t.Fatalf("unacked events must redeliver with the same idempotency key: %+v", second.Rows)
	}

	if err := d.Ack(context.Background(), second); err != nil {
		t.Fatalf("ack: %v", err)
	}
	third, err := d.Pull(context.Background(), "feed-1", 10, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(third.Rows) != 0 {
		t.Fatalf("acked events must not redeliver: %+v", third.Rows)
	}
}

func TestAckFailureLeavesBatchUnprocessed(t *testing.T) {
	f := &fakeStore{
		instances: map[string]domain.FeederInstance{
			"feed-1": {InstanceID: "feed-1", InstallID: "inst-a", FeederType: domain.FeederInboundSMS},
		},
		replies: []domain.ReplyEvent{{ID: "evt_1"}},
		markErr: fmt.Errorf("connection refused"),
	}
	d := newDrain(f)

	batch, err := d.Pull(context.Background(), "feed-1", 10, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := d.Ack(context.Background(), batch); err == nil {
		t.Fatalf("ack failure must surface; the platform will re-pull the batch")
	}
	if len(f.markedReplies) != 0 {
		t.Fatalf("failed ack must not mark anything: %v", f.markedReplies)
	}
}

func TestPullLinkHits(t *testing.T) {
	clicked := testTime.Add(-2 * time.Minute)
	f := &fakeStore{
		instances: map[string]domain.FeederInstance{
			"feed-2": {
				InstanceID: "feed-2",
				InstallID:  "inst-a",
				FeederType: domain.FeederLinkHit,
				FieldNames: map[string]string{
					"mobileNumber": "MobilePhone",
					"shortUrl":     "ClickedLink",
					"device":       "Device",
				},
			},
		},
		linkHits: []domain.LinkHitEvent{
			{
				ID:           "evt_5",
				MobileNumber: "+61412345678",
				ShortURL:     "https://sho.rt/abc",
				ClickedAt:    clicked,
				Device:       "mobile",
			},
		},
	}
	d := newDrain(f)

	batch, err := d.Pull(context.Background(), "feed-2", 10, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	row := batch.Rows[0]
	if row["MobilePhone"] != "+61412345678" || row["ClickedLink"] != "https://sho.rt/abc" || row["Device"] != "mobile" {
		t.Fatalf("projection: %+v", row)
	}
	want := "+61412345678|" + clicked.Format(time.RFC3339) + "|https://sho.rt/abc"
	if row["uniqueId"] != want {
		t.Fatalf("idempotency key = %q, want %q", row["uniqueId"], want)
	}

	if err := d.Ack(context.Background(), batch); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(f.markedLinkHits) != 1 {
		t.Fatalf("link hits must be marked processed on ack")
	}
}

func TestPullUnknownInstance(t *testing.T) {
	f := &fakeStore{instances: map[string]domain.FeederInstance{}}
	if _, err := newDrain(f).Pull(context.Background(), "nope", 10, 0); err != ErrUnknownInstance {
		t.Fatalf("err = %v, want ErrUnknownInstance", err)
	}
}

func TestPullEmptyBatch(t *testing.T) {
	f := &fakeStore{
		instances: map[string]domain.FeederInstance{
			"feed-1": {InstanceID: "feed-1", InstallID: "inst-a", FeederType: domain.FeederInboundSMS},
		},
	}
	d := newDrain(f)
	batch, err := d.Pull(context.Background(), "feed-1", 10, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(batch.Rows) != 0 {
		t.Fatalf("expected empty batch, got %d rows", len(batch.Rows))
	}
	if err := d.Ack(context.Background(), batch); err != nil {
		t.Fatalf("ack of an empty batch must be a no-op: %v", err)
	}
	if len(f.markedReplies) != 0 {
		t.Fatalf("nothing to mark on an empty batch")
	}
}
