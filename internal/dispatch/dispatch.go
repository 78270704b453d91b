// Package dispatch is the entry point the marketing platform calls with
// contact batches: it compiles the instance template, renders each record,
// normalises the recipient and enqueues one durable job per record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"smsbridge/internal/domain"
	"smsbridge/internal/observability"
	"smsbridge/internal/phone"
	"smsbridge/internal/store"
	"smsbridge/internal/template"
	"smsbridge/internal/util"
)

var (
	ErrUnknownInstance = errors.New("unknown action instance")
	ErrNotConfigured   = errors.New("action instance requires configuration")
	ErrNoCredentials   = errors.New("tenant has no gateway credentials")
)

type Store interface {
	GetActionInstance(ctx context.Context, instanceID string) (domain.ActionInstance, bool, error)
	EnqueueJob(ctx context.Context, in store.JobInsert) error
	JobStats(ctx context.Context, installID string) (store.JobStats, error)
	ClearRequiresConfiguration(ctx context.Context, instanceID string, now time.Time) error
}

type Tenants interface {
	Get(ctx context.Context, installID string) (domain.Tenant, bool, error)
}

type Platform interface {
	UpdateActionInstance(ctx context.Context, installID, instanceID string, recordDefinition map[string]string, requiresConfiguration bool) error
}

type Service struct {
	Store    Store
	Tenants  Tenants
	Platform Platform
	IDGen    func() string

	// Held before acknowledging a notify batch. The legacy platform
	// behaviour needed 10s; default is zero.
	AckDelay time.Duration

	mu       sync.Mutex
	compiled map[string]compiledEntry
}

type compiledEntry struct {
	version int
	tmpl    *template.Template
}

type NotifyRequest struct {
	InstanceID  string
	Items       []map[string]string
	HasMore     bool
	ExecutionID string
}

type RecordResult struct {
	ContactID string `json:"contactId"`
	Success   bool   `json:"success"`
	JobID     string `json:"jobId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type NotifyResponse struct {
	Message string         `json:"message"`
	Results []RecordResult `json:"results"`
}

// Notify enqueues one job per record. A bad record never aborts the batch;
// it gets a per-record error instead. The response is sent after enqueue,
// not after the sends complete.
func (s *Service) Notify(ctx context.Context, req NotifyRequest) (NotifyResponse, error) {
	inst, ok, err := s.Store.GetActionInstance(ctx, req.InstanceID)
	if err != nil {
		return NotifyResponse{}, err
	}
	if !ok {
		return NotifyResponse{}, ErrUnknownInstance
	}
	if inst.RequiresConfiguration {
		return NotifyResponse{}, ErrNotConfigured
	}

	tenant, ok, err := s.Tenants.Get(ctx, inst.InstallID)
	if err != nil {
		return NotifyResponse{}, err
	}
	if !ok || !tenant.HasCredentials() {
		return NotifyResponse{}, ErrNoCredentials
	}

	tmpl, err := s.template(&inst)
	if err != nil {
		return NotifyResponse{}, err
	}

	now := util.NowUTC()
	accepted := 0
	results := make([]RecordResult, 0, len(req.Items))
	for _, item := range req.Items {
		res := s.enqueueOne(ctx, &tenant, &inst, tmpl, item, req.ExecutionID, now)
		if res.Success {
			accepted++
			observability.JobsEnqueued.WithLabelValues("ok").Inc()
		} else {
			observability.JobsEnqueued.WithLabelValues("error").Inc()
		}
		results = append(results, res)
	}

	if s.AckDelay > 0 {
		select {
		case <-time.After(s.AckDelay):
		case <-ctx.Done():
		}
	}

	return NotifyResponse{
		Message: fmt.Sprintf("accepted %d of %d records", accepted, len(req.Items)),
		Results: results,
	}, nil
}

func (s *Service) enqueueOne(ctx context.Context, tenant *domain.Tenant, inst *domain.ActionInstance, tmpl *template.Template, item map[string]string, executionID string, now time.Time) RecordResult {
	contactID := item["ContactID"]

	mobile, err := phone.Normalize(item[tmpl.RecipientColumn()], s.country(tenant, inst, tmpl, item))
	if err != nil {
		return RecordResult{ContactID: contactID, Error: err.Error()}
	}

	rendered := tmpl.Render(item)
	if rendered.SenderID == "" {
		return RecordResult{ContactID: contactID, Error: "no sender id resolved"}
	}

	opts := domain.SendOptions{
		TrackedLinkURL:     rendered.TrackedLinkURL,
		DLRCallbackURL:     CallbackURL(tenant.DLRCallbackURL, tenant.InstallID, inst.InstanceID, contactID, item["EmailAddress"], executionID),
		ReplyCallbackURL:   CallbackURL(tenant.ReplyCallbackURL, tenant.InstallID, inst.InstanceID, contactID, item["EmailAddress"], executionID),
		LinkHitCallbackURL: CallbackURL(tenant.LinkHitCallbackURL, tenant.InstallID, inst.InstanceID, contactID, item["EmailAddress"], executionID),
		CampaignID:         executionID,
		CampaignTitle:      inst.CampaignTitle,
		DecisionInstanceID: inst.DecisionInstanceID,
		DecisionWaitHours:  inst.DecisionWaitHours,
	}
	if inst.ValidityEnabled {
		opts.ValidityHours = inst.ValidityHours
	}

	jobID := s.IDGen()
	in := store.JobInsert{
		ID:           jobID,
		InstallID:    inst.InstallID,
		InstanceID:   inst.InstanceID,
		ContactID:    contactID,
		Email:        item["EmailAddress"],
		MobileNumber: mobile,
		Message:      rendered.Message,
		SenderID:     rendered.SenderID,
		Options:      opts,
		Downstream:   downstream(tenant, inst),
		MaxRetries:   domain.DefaultMaxRetries,
		Now:          now,
	}
	if err := s.Store.EnqueueJob(ctx, in); err != nil {
		return RecordResult{ContactID: contactID, Error: "enqueue failed: " + err.Error()}
	}
	return RecordResult{ContactID: contactID, Success: true, JobID: jobID}
}

func (s *Service) country(tenant *domain.Tenant, inst *domain.ActionInstance, tmpl *template.Template, item map[string]string) string {
	var c string
	if inst.CountrySetting == domain.CountryFromField {
		c = item[tmpl.CountryColumn()]
	} else {
		c = item["Country"]
	}
	if c == "" {
		c = tenant.DefaultCountry
	}
	return c
}

// downstream merges the instance mapping over the tenant defaults; the
// instance wins field by field.
func downstream(tenant *domain.Tenant, inst *domain.ActionInstance) *domain.DownstreamWrite {
	if inst.CustomObject == nil {
		return nil
	}
	m := *inst.CustomObject
	if d := tenant.CustomObjectDefaults; d != nil {
		if m.CustomObjectID == "" {
			m.CustomObjectID = d.CustomObjectID
		}
		if m.MobileFieldID == "" {
			m.MobileFieldID = d.MobileFieldID
		}
		if m.EmailFieldID == "" {
			m.EmailFieldID = d.EmailFieldID
		}
		if m.TitleFieldID == "" {
			m.TitleFieldID = d.TitleFieldID
		}
		if m.NotificationFieldID == "" {
			m.NotificationFieldID = d.NotificationFieldID
		}
		if m.OutgoingFieldID == "" {
			m.OutgoingFieldID = d.OutgoingFieldID
		}
		if m.VirtualNumberFieldID == "" {
			m.VirtualNumberFieldID = d.VirtualNumberFieldID
		}
	}
	if m.CustomObjectID == "" {
		return nil
	}
	return &domain.DownstreamWrite{Mapping: m}
}

// Configure compiles the instance and pushes the record definition back to
// the marketing platform, then clears the configuration gate.
func (s *Service) Configure(ctx context.Context, instanceID string) error {
	inst, ok, err := s.Store.GetActionInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownInstance
	}

	tmpl, err := s.template(&inst)
	if err != nil {
		return err
	}
	if err := s.Platform.UpdateActionInstance(ctx, inst.InstallID, inst.InstanceID, tmpl.RecordDefinition(), false); err != nil {
		return err
	}
	return s.Store.ClearRequiresConfiguration(ctx, instanceID, util.NowUTC())
}

func (s *Service) Stats(ctx context.Context, installID string) (store.JobStats, error) {
	return s.Store.JobStats(ctx, installID)
}

// template returns the cached compilation for the instance version.
func (s *Service) template(inst *domain.ActionInstance) (*template.Template, error) {
	s.mu.Lock()
	e, ok := s.compiled[inst.InstanceID]
	s.mu.Unlock()
	if ok && e.version == inst.Version {
		return e.tmpl, nil
	}

	tmpl, err := template.Compile(inst)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.compiled == nil {
		s.compiled = map[string]compiledEntry{}
	}
	s.compiled[inst.InstanceID] = compiledEntry{version: inst.Version, tmpl: tmpl}
	s.mu.Unlock()
	return tmpl, nil
}
