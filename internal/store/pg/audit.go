package pg

import (
	"context"
	"time"

	"smsbridge/internal/domain"
	"smsbridge/internal/store"
)

func (s *Store) InsertAuditEntry(ctx context.Context, a *domain.AuditEntry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_entries (id, install_id, instance_id, contact_id, email,
			mobile_number, message, message_id, sender_id, campaign_title, status,
			sent_at, tracked_short_url, tracked_original_url,
			decision_instance_id, decision_deadline, decision_status, job_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, a.ID, a.InstallID, a.InstanceID, a.ContactID, nullIfEmpty(a.Email),
		a.MobileNumber, a.Message, a.MessageID, a.SenderID, nullIfEmpty(a.CampaignTitle),
		string(a.Status), a.SentAt, nullIfEmpty(a.TrackedShortURL), nullIfEmpty(a.TrackedOriginalURL),
		nullIfEmpty(a.DecisionInstanceID), a.DecisionDeadline, nullIfEmpty(string(a.DecisionStatus)), a.JobID)
	return err
}

const auditColumns = `
	id, install_id, instance_id, contact_id, COALESCE(email,''), mobile_number,
	message, message_id, sender_id, COALESCE(campaign_title,''), status, sent_at,
	delivered_at, COALESCE(error_code,''), COALESCE(error_message,''),
	COALESCE(tracked_short_url,''), COALESCE(tracked_original_url,''),
	COALESCE(decision_instance_id,''), decision_deadline, COALESCE(decision_status,''),
	has_response, COALESCE(reply_event_id,''), job_id`

func scanAudit(row interface{ Scan(...any) error }) (domain.AuditEntry, error) {
	var a domain.AuditEntry
	var status, decisionStatus string
	err := row.Scan(&a.ID, &a.InstallID, &a.InstanceID, &a.ContactID, &a.Email,
		&a.MobileNumber, &a.Message, &a.MessageID, &a.SenderID, &a.CampaignTitle,
		&status, &a.SentAt, &a.DeliveredAt, &a.ErrorCode, &a.ErrorMessage,
		&a.TrackedShortURL, &a.TrackedOriginalURL,
		&a.DecisionInstanceID, &a.DecisionDeadline, &decisionStatus,
		&a.HasResponse, &a.ReplyEventID, &a.JobID)
	a.Status = domain.AuditStatus(status)
	a.DecisionStatus = domain.DecisionStatus(decisionStatus)
	return a, err
}

func (s *Store) GetAuditByMessageID(ctx context.Context, messageID string) (domain.AuditEntry, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT`+auditColumns+` FROM audit_entries WHERE message_id=$1`, messageID)
	a, err := scanAudit(row)
	if err != nil {
		if noRows(err) {
			return domain.AuditEntry{}, false, nil
		}
		return domain.AuditEntry{}, false, err
	}
	return a, true, nil
}

// LatestAuditByMobile is the fallback correlation path when a webhook
// carries no usable message id: most recent send to that number.
func (s *Store) LatestAuditByMobile(ctx context.Context, installID, mobile string) (domain.AuditEntry, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT`+auditColumns+` FROM audit_entries
		WHERE ($1 = '' OR install_id=$1) AND mobile_number=$2
		ORDER BY sent_at DESC
		LIMIT 1
	`, installID, mobile)
	a, err := scanAudit(row)
	if err != nil {
		if noRows(err) {
			return domain.AuditEntry{}, false, nil
		}
		return domain.AuditEntry{}, false, err
	}
	return a, true, nil
}

func (s *Store) UpdateAuditDelivery(ctx context.Context, in store.AuditDeliveryUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE audit_entries
		SET status=$2, delivered_at=COALESCE($3, delivered_at),
		    error_code=COALESCE($4, error_code), error_message=COALESCE($5, error_message),
		    updated_at=$6
		WHERE message_id=$1
	`, in.MessageID, string(in.Status), in.DeliveredAt,
		nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMessage), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MarkAuditResponded links a reply to its audit entry. The decision flips
// to yes only while still pending and inside the deadline window.
func (s *Store) MarkAuditResponded(ctx context.Context, auditID, replyEventID string, receivedAt, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE audit_entries
		SET has_response=TRUE, reply_event_id=$2,
		    decision_status = CASE
			WHEN decision_status='pending' AND decision_deadline IS NOT NULL AND $3 <= decision_deadline
			THEN 'yes' ELSE decision_status END,
		    updated_at=$4
		WHERE id=$1
	`, auditID, replyEventID, receivedAt, now)
	return err
}

// ExpireDecisions closes decision windows that lapsed without a reply.
func (s *Store) ExpireDecisions(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE audit_entries SET decision_status='no', updated_at=$1
		WHERE decision_status='pending' AND decision_deadline IS NOT NULL AND decision_deadline < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// InsertRawGatewayEvent preserves every webhook payload, matched or not.
func (s *Store) InsertRawGatewayEvent(ctx context.Context, in store.RawGatewayEvent) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO gateway_events (kind, message_id, install_id, payload, received_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.Kind, nullIfEmpty(in.MessageID), nullIfEmpty(in.InstallID), in.Payload, in.ReceivedAt)
	return err
}
