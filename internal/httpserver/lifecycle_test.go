package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"smsbridge/internal/domain"

	"github.com/gorilla/mux"
)

type fakeLifecycleStore struct {
	upserted *domain.Tenant
	deleted  []string

	cancelled    []string
	cancelResult bool
}

func (f *fakeLifecycleStore) UpsertTenant(ctx context.Context, t *domain.Tenant, now time.Time) error {
	f.upserted = t
	return nil
}

func (f *fakeLifecycleStore) SoftDeleteTenant(ctx context.Context, installID string, now time.Time) error {
	f.deleted = append(f.deleted, installID)
	return nil
}

func (f *fakeLifecycleStore) CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelResult, nil
}

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) Invalidate(installID string) {
	f.invalidated = append(f.invalidated, installID)
}

func lifecycleRouter(st *fakeLifecycleStore, inv *fakeInvalidator) *mux.Router {
	m := mux.NewRouter()
	(&Lifecycle{Store: st, Cache: inv}).Register(m)
	return m
}

func TestUpsertTenantInvalidatesCache(t *testing.T) {
	st := &fakeLifecycleStore{}
	inv := &fakeInvalidator{}
	m := lifecycleRouter(st, inv)

	body := `{"apiKey":"k","apiSecret":"s","defaultCountry":"Australia","dlrCallbackUrl":"http://bridge/webhooks/dlr"}`
	req := httptest.NewRequest(http.MethodPut, "/tenants/inst-a", strings.NewReader(body))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if st.upserted == nil || st.upserted.InstallID != "inst-a" || st.upserted.APIKey != "k" {
		t.Fatalf("upserted = %+v", st.upserted)
	}
	if len(inv.invalidated) != 1 || inv.invalidated[0] != "inst-a" {
		t.Fatalf("cache must drop the install after a credential change: %v", inv.invalidated)
	}
}

func TestDeleteTenant(t *testing.T) {
	st := &fakeLifecycleStore{}
	inv := &fakeInvalidator{}
	m := lifecycleRouter(st, inv)

	req := httptest.NewRequest(http.MethodDelete, "/tenants/inst-a", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "inst-a" {
		t.Fatalf("deleted = %v", st.deleted)
	}
}

func TestCancelJobConflictWhenNotPending(t *testing.T) {
	st := &fakeLifecycleStore{cancelResult: false}
	m := lifecycleRouter(st, &fakeInvalidator{})

	req := httptest.NewRequest(http.MethodPost, "/action/jobs/job_1/cancel", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if len(st.cancelled) != 1 || st.cancelled[0] != "job_1" {
		t.Fatalf("cancelled = %v", st.cancelled)
	}
}

func TestCancelJobPending(t *testing.T) {
	st := &fakeLifecycleStore{cancelResult: true}
	m := lifecycleRouter(st, &fakeInvalidator{})

	req := httptest.NewRequest(http.MethodPost, "/action/jobs/job_1/cancel", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
