// Package worker drains the job queue: claims pending jobs, sends them
// through the SMS gateway and records the outcome in the audit log.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"smsbridge/internal/domain"
	"smsbridge/internal/gateway"
	"smsbridge/internal/observability"
	"smsbridge/internal/platform"
	"smsbridge/internal/store"
	"smsbridge/internal/template"
	"smsbridge/internal/util"
)

type Store interface {
	ClaimJobs(ctx context.Context, n int, workerID string, now time.Time) ([]domain.Job, error)
	CompleteJob(ctx context.Context, in store.JobCompletion) (bool, error)
	FailJob(ctx context.Context, in store.JobFailure) (bool, error)
	ReapStuckJobs(ctx context.Context, cutoff, now time.Time, backoffUnit time.Duration) (int, error)
	InsertAuditEntry(ctx context.Context, a *domain.AuditEntry) error
	IncrementInstanceStats(ctx context.Context, instanceID string, sentDelta, failedDelta int, now time.Time) error
	ExpireDecisions(ctx context.Context, now time.Time) (int, error)
}

type Tenants interface {
	Get(ctx context.Context, installID string) (domain.Tenant, bool, error)
}

type Sender interface {
	Send(ctx context.Context, creds gateway.Credentials, req gateway.SendRequest) (gateway.SendResponse, int, []byte, error)
	AddTrackedLink(ctx context.Context, creds gateway.Credentials, target, title string) (gateway.TrackedLink, error)
}

type Platform interface {
	CreateCustomObjectRecord(ctx context.Context, installID, customObjectID string, fieldValues []platform.FieldValue) error
}

type Worker struct {
	Store    Store
	Tenants  Tenants
	Sender   Sender
	Platform Platform

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	SendTimeout  time.Duration
	BackoffUnit  time.Duration

	IDGen func() string
	Now   func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return util.NowUTC()
}

func (w *Worker) newAuditID() string {
	if w.IDGen != nil {
		return w.IDGen()
	}
	return util.NewAuditID()
}

// Run is the claim loop: up to Concurrency sends in flight, fed by
// claiming however many slots are free. Idle cycles sleep PollInterval
// plus bounded jitter so replicas don't poll in lockstep.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		free := w.Concurrency - len(sem)
		var jobs []domain.Job
		if free > 0 {
			var err error
			jobs, err = w.Store.ClaimJobs(ctx, free, w.WorkerID, w.now())
			if err != nil {
				slog.Error("claim jobs failed", "err", err)
			}
		}

		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.PollInterval + time.Duration(rand.Int63n(int64(w.PollInterval/4+1)))):
			}
			continue
		}

		observability.JobsClaimed.Add(float64(len(jobs)))
		for i := range jobs {
			job := jobs[i]
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.processJob(ctx, &job)
			}()
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *domain.Job) {
	start := time.Now()
	resp, httpStatus, raw, err := w.send(ctx, job)
	observability.GatewayLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.GatewaySend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()
		w.failJob(ctx, job, err, httpStatus)
		return
	}
	observability.GatewaySend.WithLabelValues("ok", strconv.Itoa(httpStatus)).Inc()

	now := w.now()
	auditID := w.newAuditID()

	ok, err := w.Store.CompleteJob(ctx, store.JobCompletion{
		ID: job.ID, MessageID: resp.MessageID, GatewayResponse: raw, AuditID: auditID, Now: now,
	})
	if err != nil {
		slog.Error("complete job failed", "err", err, "job_id", job.ID, "message_id", resp.MessageID)
		return
	}
	if !ok {
		// Lease was reaped while the send was in flight; the SMS is out,
		// so keep the audit trail anyway.
		slog.Warn("job no longer processing on completion", "job_id", job.ID, "message_id", resp.MessageID)
	}

	audit := &domain.AuditEntry{
		ID:            auditID,
		InstallID:     job.InstallID,
		InstanceID:    job.InstanceID,
		ContactID:     job.ContactID,
		Email:         job.Email,
		MobileNumber:  job.MobileNumber,
		Message:       job.Message,
		MessageID:     resp.MessageID,
		SenderID:      job.SenderID,
		CampaignTitle: job.Options.CampaignTitle,
		Status:        domain.AuditSent,
		SentAt:        now,
		JobID:         job.ID,
	}
	if resp.TrackedLink != nil {
		audit.TrackedShortURL = resp.TrackedLink.ShortURL
		audit.TrackedOriginalURL = resp.TrackedLink.OriginalURL
	}
	if job.Options.DecisionInstanceID != "" {
		deadline := now.Add(time.Duration(job.Options.DecisionWaitHours) * time.Hour)
		audit.DecisionInstanceID = job.Options.DecisionInstanceID
		audit.DecisionDeadline = &deadline
		audit.DecisionStatus = domain.DecisionPending
	}
	if err := w.Store.InsertAuditEntry(ctx, audit); err != nil {
		slog.Error("insert audit entry failed", "err", err, "job_id", job.ID, "audit_id", auditID)
	}
	if err := w.Store.IncrementInstanceStats(ctx, job.InstanceID, 1, 0, now); err != nil {
		slog.Error("increment instance stats failed", "err", err, "instance_id", job.InstanceID)
	}

	w.writeDownstream(ctx, job, audit)

	slog.Info("sms sent", "job_id", job.ID, "message_id", resp.MessageID, "instance_id", job.InstanceID)
}

func (w *Worker) send(ctx context.Context, job *domain.Job) (gateway.SendResponse, int, []byte, error) {
	tenant, found, err := w.Tenants.Get(ctx, job.InstallID)
	if err != nil {
		return gateway.SendResponse{}, 0, nil, err
	}
	if !found || !tenant.HasCredentials() {
		return gateway.SendResponse{}, 401, nil, errors.New("tenant credentials missing")
	}

	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return gateway.SendResponse{}, 0, nil, err
		}
	}

	creds := gateway.Credentials{Key: tenant.APIKey, Secret: tenant.APISecret}
	req := gateway.SendRequest{
		To:              job.MobileNumber,
		Message:         job.Message,
		From:            job.SenderID,
		ValidityHours:   job.Options.ValidityHours,
		TrackedLinkURL:  job.Options.TrackedLinkURL,
		DLRCallback:     job.Options.DLRCallbackURL,
		ReplyCallback:   job.Options.ReplyCallbackURL,
		LinkHitCallback: job.Options.LinkHitCallbackURL,
	}

	// Pre-shorten the tracked link so the placeholder resolves before the
	// send. On failure the URL rides along and the gateway substitutes the
	// short link itself.
	linkToken := "[" + template.TrackedLinkPlaceholder + "]"
	var preshortened *gateway.TrackedLink
	if req.TrackedLinkURL != "" && strings.Contains(req.Message, linkToken) {
		link, linkErr := w.Sender.AddTrackedLink(ctx, creds, req.TrackedLinkURL, job.Options.CampaignTitle)
		if linkErr != nil {
			slog.Warn("tracked link pre-shorten failed, deferring to the gateway",
				"err", linkErr, "job_id", job.ID)
		} else {
			req.Message = strings.ReplaceAll(req.Message, linkToken, link.ShortURL)
			req.TrackedLinkURL = ""
			preshortened = &link
		}
	}

	call := func() (any, error) {
		sendCtx, cancel := context.WithTimeout(ctx, w.SendTimeout)
		defer cancel()
		resp, httpStatus, raw, err := w.Sender.Send(sendCtx, creds, req)
		if err != nil {
			return sendResult{httpStatus: httpStatus, raw: raw}, err
		}
		return sendResult{resp: resp, httpStatus: httpStatus, raw: raw}, nil
	}

	var res any
	if w.Breaker != nil {
		res, err = w.Breaker.Execute(call)
	} else {
		res, err = call()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Breaker protection is transient; 503 routes it into the retry path.
		return gateway.SendResponse{}, 503, nil, err
	}
	r, _ := res.(sendResult)
	if err == nil && r.resp.TrackedLink == nil {
		r.resp.TrackedLink = preshortened
	}
	return r.resp, r.httpStatus, r.raw, err
}

type sendResult struct {
	resp       gateway.SendResponse
	httpStatus int
	raw        []byte
}

func (w *Worker) failJob(ctx context.Context, job *domain.Job, sendErr error, httpStatus int) {
	kind := gateway.Classify(sendErr, httpStatus)
	now := w.now()

	requeue := kind.Retryable() && job.RetryCount < job.MaxRetries
	failure := store.JobFailure{
		ID:           job.ID,
		Kind:         kind,
		ErrorMessage: sendErr.Error(),
		Requeue:      requeue,
		Now:          now,
	}
	var ce *gateway.CallError
	if errors.As(sendErr, &ce) {
		failure.ErrorCode = ce.Code
	}
	if requeue {
		failure.ScheduledAt = now.Add(domain.RetryDelay(job.RetryCount+1, w.BackoffUnit))
	}

	if _, err := w.Store.FailJob(ctx, failure); err != nil {
		slog.Error("fail job transition failed", "err", err, "job_id", job.ID)
		return
	}

	if requeue {
		slog.Warn("send failed, job rescheduled",
			"job_id", job.ID, "kind", string(kind), "retry_count", job.RetryCount+1, "err", sendErr)
		return
	}

	if err := w.Store.IncrementInstanceStats(ctx, job.InstanceID, 0, 1, now); err != nil {
		slog.Error("increment instance stats failed", "err", err, "instance_id", job.InstanceID)
	}
	slog.Error("send failed permanently", "job_id", job.ID, "kind", string(kind), "err", sendErr)
}

// writeDownstream creates the per-contact custom-object record. The SMS is
// already out; failures here are logged, never propagated to the job.
func (w *Worker) writeDownstream(ctx context.Context, job *domain.Job, audit *domain.AuditEntry) {
	if job.Downstream == nil || w.Platform == nil {
		return
	}
	m := job.Downstream.Mapping

	var fields []platform.FieldValue
	add := func(id, value string) {
		if id != "" && value != "" {
			fields = append(fields, platform.FieldValue{ID: id, Value: value})
		}
	}
	add(m.MobileFieldID, job.MobileNumber)
	add(m.EmailFieldID, job.Email)
	add(m.TitleFieldID, job.Options.CampaignTitle)
	add(m.NotificationFieldID, job.Message)
	add(m.OutgoingFieldID, "outgoing")
	add(m.VirtualNumberFieldID, job.SenderID)
	if len(fields) == 0 {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.Platform.CreateCustomObjectRecord(writeCtx, job.InstallID, m.CustomObjectID, fields); err != nil {
		observability.DownstreamWrites.WithLabelValues("error").Inc()
		slog.Error("custom object write failed", "err", err, "job_id", job.ID, "custom_object_id", m.CustomObjectID)
		return
	}
	observability.DownstreamWrites.WithLabelValues("ok").Inc()
}

// RunReaper periodically recovers crashed leases. Reaped jobs re-enter the
// queue through the normal retry rule with kind "stuck".
func (w *Worker) RunReaper(ctx context.Context) error {
	interval := w.Lease / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := w.now()
			n, err := w.Store.ReapStuckJobs(ctx, now.Add(-w.Lease), now, w.BackoffUnit)
			if err != nil {
				slog.Error("reap stuck jobs failed", "err", err)
				continue
			}
			if n > 0 {
				observability.JobsReaped.Add(float64(n))
				slog.Warn("reaped stuck jobs", "count", n)
			}
		}
	}
}

// RunDecisionSweep closes decision windows that lapsed without a reply.
func (w *Worker) RunDecisionSweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := w.Store.ExpireDecisions(ctx, w.now())
			if err != nil {
				slog.Error("expire decisions failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("expired decision windows", "count", n)
			}
		}
	}
}
