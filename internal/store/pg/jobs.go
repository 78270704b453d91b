package pg

import (
	"context"
	"encoding/json"
	"time"

	"smsbridge/internal/domain"
	"smsbridge/internal/store"
)

func (s *Store) EnqueueJob(ctx context.Context, in store.JobInsert) error {
	optsJSON, _ := json.Marshal(in.Options)
	var downstreamJSON any
	if in.Downstream != nil {
		b, _ := json.Marshal(in.Downstream)
		downstreamJSON = b
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO jobs (id, install_id, instance_id, contact_id, email, mobile_number,
		                  message, sender_id, send_options, downstream, status,
		                  scheduled_at, retry_count, max_retries, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',$11,0,$12,$11,$11)
	`, in.ID, in.InstallID, in.InstanceID, in.ContactID, nullIfEmpty(in.Email), in.MobileNumber,
		in.Message, in.SenderID, optsJSON, downstreamJSON, in.Now, in.MaxRetries)
	return err
}

// ClaimJobs atomically moves up to n due pending jobs to processing and
// returns them. SKIP LOCKED keeps concurrent replicas from double-claiming;
// no reader ever observes a pending row that is in fact claimed.
func (s *Store) ClaimJobs(ctx context.Context, n int, workerID string, now time.Time) ([]domain.Job, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE jobs SET status='processing', lease_started_at=$2, worker_id=$3, updated_at=$2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status='pending' AND scheduled_at <= $2
			ORDER BY scheduled_at, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, install_id, instance_id, contact_id, COALESCE(email,''), mobile_number,
		          message, sender_id, send_options, downstream, status, scheduled_at,
		          lease_started_at, retry_count, max_retries, COALESCE(last_error,''), created_at
	`, n, now, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		var optsJSON []byte
		var downstreamJSON []byte
		if err := rows.Scan(&j.ID, &j.InstallID, &j.InstanceID, &j.ContactID, &j.Email,
			&j.MobileNumber, &j.Message, &j.SenderID, &optsJSON, &downstreamJSON,
			&j.Status, &j.ScheduledAt, &j.LeaseStartedAt, &j.RetryCount, &j.MaxRetries,
			&j.LastError, &j.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(optsJSON, &j.Options)
		if len(downstreamJSON) > 0 {
			j.Downstream = &domain.DownstreamWrite{}
			_ = json.Unmarshal(downstreamJSON, j.Downstream)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) CompleteJob(ctx context.Context, in store.JobCompletion) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE jobs SET status='sent', message_id=$2, gateway_response=$3, audit_id=$4,
		                lease_started_at=NULL, updated_at=$5
		WHERE id=$1 AND status='processing'
	`, in.ID, in.MessageID, in.GatewayResponse, in.AuditID, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// FailJob applies the transition the caller already decided: back to
// pending with an incremented retry count, or terminal failed.
func (s *Store) FailJob(ctx context.Context, in store.JobFailure) (bool, error) {
	if in.Requeue {
		ct, err := s.DB.Exec(ctx, `
			UPDATE jobs SET status='pending', retry_count=retry_count+1, scheduled_at=$2,
			                last_error=$3, lease_started_at=NULL, updated_at=$4
			WHERE id=$1 AND status='processing' AND retry_count < max_retries
		`, in.ID, in.ScheduledAt, in.ErrorMessage, in.Now)
		if err != nil {
			return false, err
		}
		return ct.RowsAffected() > 0, nil
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE jobs SET status='failed', last_error=$2, lease_started_at=NULL, updated_at=$3
		WHERE id=$1 AND status='processing'
	`, in.ID, in.ErrorMessage, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReapStuckJobs recovers crashed leases: processing rows whose lease began
// before the cutoff go back to pending while retry budget remains,
// otherwise to terminal failed.
func (s *Store) ReapStuckJobs(ctx context.Context, cutoff, now time.Time, backoffUnit time.Duration) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE jobs SET
			status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			scheduled_at = CASE WHEN retry_count < max_retries
				THEN $2::timestamptz + make_interval(secs => (retry_count + 1) * $3)
				ELSE scheduled_at END,
			last_error = 'stuck',
			lease_started_at = NULL,
			updated_at = $2
		WHERE status='processing' AND lease_started_at < $1
	`, cutoff, now, backoffUnit.Seconds())
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE jobs SET status='cancelled', updated_at=$2
		WHERE id=$1 AND status='pending'
	`, jobID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) JobStats(ctx context.Context, installID string) (store.JobStats, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE install_id=$1 GROUP BY status
	`, installID)
	if err != nil {
		return store.JobStats{}, err
	}
	defer rows.Close()

	var out store.JobStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return store.JobStats{}, err
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			out.Pending = n
		case domain.JobProcessing:
			out.Processing = n
		case domain.JobSent:
			out.Sent = n
		case domain.JobFailed:
			out.Failed = n
		case domain.JobCancelled:
			out.Cancelled = n
		}
	}
	return out, rows.Err()
}
