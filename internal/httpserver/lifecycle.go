package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"smsbridge/internal/domain"
	"smsbridge/internal/util"
)

type LifecycleStore interface {
	UpsertTenant(ctx context.Context, t *domain.Tenant, now time.Time) error
	SoftDeleteTenant(ctx context.Context, installID string, now time.Time) error
	CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error)
}

type Invalidator interface {
	Invalidate(installID string)
}

// Lifecycle serves install/uninstall and job administration. The platform
// calls the tenant routes when the integration is added to or removed from
// an account.
type Lifecycle struct {
	Store LifecycleStore
	Cache Invalidator
}

func (l *Lifecycle) Register(mux *mux.Router) {
	mux.HandleFunc("/tenants/{installId}", l.handleUpsertTenant).Methods(http.MethodPut)
	mux.HandleFunc("/tenants/{installId}", l.handleDeleteTenant).Methods(http.MethodDelete)
	mux.HandleFunc("/action/jobs/{id}/cancel", l.handleCancelJob).Methods(http.MethodPost)
}

type tenantBody struct {
	APIKey               string                      `json:"apiKey"`
	APISecret            string                      `json:"apiSecret"`
	DefaultCountry       string                      `json:"defaultCountry"`
	DLRCallbackURL       string                      `json:"dlrCallbackUrl"`
	ReplyCallbackURL     string                      `json:"replyCallbackUrl"`
	LinkHitCallbackURL   string                      `json:"linkHitCallbackUrl"`
	CustomObjectDefaults *domain.CustomObjectMapping `json:"customObjectDefaults"`
}

func (l *Lifecycle) handleUpsertTenant(w http.ResponseWriter, r *http.Request) {
	installID := mux.Vars(r)["installId"]

	var body tenantBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	t := &domain.Tenant{
		InstallID:            installID,
		APIKey:               body.APIKey,
		APISecret:            body.APISecret,
		DefaultCountry:       body.DefaultCountry,
		DLRCallbackURL:       body.DLRCallbackURL,
		ReplyCallbackURL:     body.ReplyCallbackURL,
		LinkHitCallbackURL:   body.LinkHitCallbackURL,
		CustomObjectDefaults: body.CustomObjectDefaults,
	}
	if err := l.Store.UpsertTenant(r.Context(), t, util.NowUTC()); err != nil {
		slog.Error("upsert tenant failed", "err", err, "install_id", installID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if l.Cache != nil {
		l.Cache.Invalidate(installID)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (l *Lifecycle) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	installID := mux.Vars(r)["installId"]

	if err := l.Store.SoftDeleteTenant(r.Context(), installID, util.NowUTC()); err != nil {
		slog.Error("delete tenant failed", "err", err, "install_id", installID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if l.Cache != nil {
		l.Cache.Invalidate(installID)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// handleCancelJob withdraws a pending job. Jobs already claimed or in a
// terminal state cannot be cancelled.
func (l *Lifecycle) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	cancelled, err := l.Store.CancelJob(r.Context(), jobID, util.NowUTC())
	if err != nil {
		slog.Error("cancel job failed", "err", err, "job_id", jobID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !cancelled {
		http.Error(w, "job is not pending", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
