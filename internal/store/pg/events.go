package pg

import (
	"context"
	"time"

	"smsbridge/internal/domain"
	"smsbridge/internal/store"
)

func (s *Store) InsertReplyEvent(ctx context.Context, e *domain.ReplyEvent) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO reply_events (id, install_id, response_id, from_number, to_number,
			message, received_at, message_id, raw, is_opt_out, processed, audit_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,FALSE,$11)
	`, e.ID, e.InstallID, nullIfEmpty(e.ResponseID), e.FromNumber, e.ToNumber,
		e.Message, e.ReceivedAt, nullIfEmpty(e.MessageID), e.Raw, e.IsOptOut, nullIfEmpty(e.AuditID))
	return err
}

func (s *Store) InsertLinkHitEvents(ctx context.Context, events []*domain.LinkHitEvent) error {
	for _, e := range events {
		_, err := s.DB.Exec(ctx, `
			INSERT INTO link_hit_events (id, install_id, mobile_number, short_url,
				original_url, clicked_at, device, browser, os, processed, audit_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,FALSE,$10)
		`, e.ID, e.InstallID, e.MobileNumber, nullIfEmpty(e.ShortURL),
			nullIfEmpty(e.OriginalURL), e.ClickedAt, nullIfEmpty(e.Device),
			nullIfEmpty(e.Browser), nullIfEmpty(e.OS), nullIfEmpty(e.AuditID))
		if err != nil {
			return err
		}
	}
	return nil
}

// FetchUnprocessedReplies returns unprocessed replies for a feeder pull,
// oldest first. Keyword matching is a case-insensitive substring.
func (s *Store) FetchUnprocessedReplies(ctx context.Context, f store.ReplyFilter) ([]domain.ReplyEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, install_id, COALESCE(response_id,''), from_number, to_number,
		       message, received_at, COALESCE(message_id,''), is_opt_out, COALESCE(audit_id,'')
		FROM reply_events
		WHERE install_id=$1 AND processed=FALSE
		  AND (cardinality($2::text[]) = 0 OR to_number = ANY($2))
		  AND ($3 = '' OR message ILIKE '%' || $3 || '%')
		ORDER BY received_at
		LIMIT $4 OFFSET $5
	`, f.InstallID, f.WatchedSenderIDs, f.Keyword, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReplyEvent
	for rows.Next() {
		var e domain.ReplyEvent
		if err := rows.Scan(&e.ID, &e.InstallID, &e.ResponseID, &e.FromNumber, &e.ToNumber,
			&e.Message, &e.ReceivedAt, &e.MessageID, &e.IsOptOut, &e.AuditID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) FetchUnprocessedLinkHits(ctx context.Context, f store.LinkHitFilter) ([]domain.LinkHitEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, install_id, mobile_number, COALESCE(short_url,''), COALESCE(original_url,''),
		       clicked_at, COALESCE(device,''), COALESCE(browser,''), COALESCE(os,''), COALESCE(audit_id,'')
		FROM link_hit_events
		WHERE install_id=$1 AND processed=FALSE
		ORDER BY clicked_at
		LIMIT $2 OFFSET $3
	`, f.InstallID, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LinkHitEvent
	for rows.Next() {
		var e domain.LinkHitEvent
		if err := rows.Scan(&e.ID, &e.InstallID, &e.MobileNumber, &e.ShortURL, &e.OriginalURL,
			&e.ClickedAt, &e.Device, &e.Browser, &e.OS, &e.AuditID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Processed only ever flips false -> true.
func (s *Store) MarkRepliesProcessed(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE reply_events SET processed=TRUE, processed_at=$2 WHERE id = ANY($1) AND processed=FALSE
	`, ids, now)
	return err
}

func (s *Store) MarkLinkHitsProcessed(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE link_hit_events SET processed=TRUE, processed_at=$2 WHERE id = ANY($1) AND processed=FALSE
	`, ids, now)
	return err
}
