// Package feeder serves the platform's pull-style contact sources: inbound
// SMS replies and tracked link clicks, projected into the columns the
// feeder instance asks for.
package feeder

import (
	"context"
	"fmt"
	"time"

	"smsbridge/internal/domain"
	"smsbridge/internal/observability"
	"smsbridge/internal/store"
	"smsbridge/internal/util"
)

var ErrUnknownInstance = fmt.Errorf("unknown feeder instance")

type Store interface {
	GetFeederInstance(ctx context.Context, instanceID string) (domain.FeederInstance, bool, error)
	FetchUnprocessedReplies(ctx context.Context, f store.ReplyFilter) ([]domain.ReplyEvent, error)
	FetchUnprocessedLinkHits(ctx context.Context, f store.LinkHitFilter) ([]domain.LinkHitEvent, error)
	MarkRepliesProcessed(ctx context.Context, ids []string, now time.Time) error
	MarkLinkHitsProcessed(ctx context.Context, ids []string, now time.Time) error
}

type Drain struct {
	Store Store
	Now   func() time.Time
}

// Row is one outbound contact record, keyed by the column names the
// feeder instance configured. Every row carries an idempotency key so the
// platform can dedupe redeliveries.
type Row map[string]string

const idempotencyColumn = "uniqueId"

// Batch is one pulled page plus what Ack needs to mark it processed.
// The caller acks only after the rows have been handed to the platform; a
// crash in between re-delivers the batch on the next pull instead of
// losing it, and the per-row idempotency key absorbs the duplicates.
type Batch struct {
	Rows []Row

	kind domain.FeederType
	ids  []string
}

func (d *Drain) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

// Pull returns up to maxRows pending rows for the instance. Nothing is
// marked processed yet; that happens in Ack.
func (d *Drain) Pull(ctx context.Context, instanceID string, maxRows, offset int) (Batch, error) {
	inst, found, err := d.Store.GetFeederInstance(ctx, instanceID)
	if err != nil {
		return Batch{}, fmt.Errorf("load feeder instance: %w", err)
	}
	if !found {
		return Batch{}, ErrUnknownInstance
	}
	if maxRows <= 0 {
		maxRows = 100
	}
	if offset < 0 {
		offset = 0
	}

	switch inst.FeederType {
	case domain.FeederLinkHit:
		return d.pullLinkHits(ctx, inst, maxRows, offset)
	default:
		return d.pullReplies(ctx, inst, maxRows, offset)
	}
}

// Ack marks the batch processed. Call it after the rows have been written
// to the platform; an error leaves the events unprocessed for redelivery.
func (d *Drain) Ack(ctx context.Context, b Batch) error {
	if len(b.ids) == 0 {
		return nil
	}
	switch b.kind {
	case domain.FeederLinkHit:
		if err := d.Store.MarkLinkHitsProcessed(ctx, b.ids, d.now()); err != nil {
			return fmt.Errorf("mark link hits processed: %w", err)
		}
	default:
		if err := d.Store.MarkRepliesProcessed(ctx, b.ids, d.now()); err != nil {
			return fmt.Errorf("mark replies processed: %w", err)
		}
	}
	observability.FeederRows.WithLabelValues(string(b.kind)).Add(float64(len(b.ids)))
	return nil
}

func (d *Drain) pullReplies(ctx context.Context, inst domain.FeederInstance, maxRows, offset int) (Batch, error) {
	events, err := d.Store.FetchUnprocessedReplies(ctx, store.ReplyFilter{
		InstallID:        inst.InstallID,
		WatchedSenderIDs: inst.WatchedSenderIDs,
		Keyword:          inst.Keyword,
		Limit:            maxRows,
		Offset:           offset,
	})
	if err != nil {
		return Batch{}, fmt.Errorf("fetch replies: %w", err)
	}

	b := Batch{kind: domain.FeederInboundSMS, Rows: make([]Row, 0, len(events)), ids: make([]string, 0, len(events))}
	for i := range events {
		e := &events[i]
		b.Rows = append(b.Rows, projectReply(inst, e))
		b.ids = append(b.ids, e.ID)
	}
	return b, nil
}

func (d *Drain) pullLinkHits(ctx context.Context, inst domain.FeederInstance, maxRows, offset int) (Batch, error) {
	events, err := d.Store.FetchUnprocessedLinkHits(ctx, store.LinkHitFilter{
		InstallID: inst.InstallID,
		Limit:     maxRows,
		Offset:    offset,
	})
	if err != nil {
		return Batch{}, fmt.Errorf("fetch link hits: %w", err)
	}

	b := Batch{kind: domain.FeederLinkHit, Rows: make([]Row, 0, len(events)), ids: make([]string, 0, len(events))}
	for i := range events {
		e := &events[i]
		b.Rows = append(b.Rows, projectLinkHit(inst, e))
		b.ids = append(b.ids, e.ID)
	}
	return b, nil
}

// projectReply maps event attributes through the instance's FieldNames.
// Attributes the operator did not map are dropped.
func projectReply(inst domain.FeederInstance, e *domain.ReplyEvent) Row {
	row := Row{}
	attrs := map[string]string{
		"mobileNumber": e.FromNumber,
		"senderId":     e.ToNumber,
		"message":      e.Message,
		"receivedAt":   e.ReceivedAt.UTC().Format(time.RFC3339),
		"isOptOut":     boolString(e.IsOptOut),
	}
	for attr, column := range inst.FieldNames {
		if v, ok := attrs[attr]; ok {
			row[column] = v
		}
	}
	key := e.ResponseID
	if key == "" {
		key = e.ID
	}
	row[idempotencyColumn] = key
	return row
}

func projectLinkHit(inst domain.FeederInstance, e *domain.LinkHitEvent) Row {
	row := Row{}
	attrs := map[string]string{
		"mobileNumber": e.MobileNumber,
		"shortUrl":     e.ShortURL,
		"originalUrl":  e.OriginalURL,
		"clickedAt":    e.ClickedAt.UTC().Format(time.RFC3339),
		"device":       e.Device,
		"browser":      e.Browser,
		"os":           e.OS,
	}
	for attr, column := range inst.FieldNames {
		if v, ok := attrs[attr]; ok {
			row[column] = v
		}
	}
	row[idempotencyColumn] = e.IdempotencyKey()
	return row
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
