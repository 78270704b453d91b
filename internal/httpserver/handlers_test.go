package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"smsbridge/internal/dispatch"
	"smsbridge/internal/domain"
	"smsbridge/internal/feeder"
	"smsbridge/internal/gateway"
	"smsbridge/internal/store"

	"github.com/gorilla/mux"
)

type fakeDispatch struct {
	notifyReq  dispatch.NotifyRequest
	notifyResp dispatch.NotifyResponse
	notifyErr  error

	configured   []string
	configureErr error

	stats    store.JobStats
	statsErr error
}

func (f *fakeDispatch) Notify(ctx context.Context, req dispatch.NotifyRequest) (dispatch.NotifyResponse, error) {
	f.notifyReq = req
	return f.notifyResp, f.notifyErr
}

func (f *fakeDispatch) Configure(ctx context.Context, instanceID string) error {
	f.configured = append(f.configured, instanceID)
	return f.configureErr
}

func (f *fakeDispatch) Stats(ctx context.Context, installID string) (store.JobStats, error) {
	return f.stats, f.statsErr
}

type fakeDrain struct {
	rows   []feeder.Row
	err    error
	ackErr error

	instanceID string
	maxRows    int
	offset     int
	acked      int
}

func (f *fakeDrain) Pull(ctx context.Context, instanceID string, maxRows, offset int) (feeder.Batch, error) {
	f.instanceID, f.maxRows, f.offset = instanceID, maxRows, offset
	return feeder.Batch{Rows: f.rows}, f.err
}

func (f *fakeDrain) Ack(ctx context.Context, b feeder.Batch) error {
	f.acked++
	return f.ackErr
}

type fakeTenants struct {
	tenants map[string]domain.Tenant
}

func (f *fakeTenants) Get(ctx context.Context, installID string) (domain.Tenant, bool, error) {
	t, ok := f.tenants[installID]
	return t, ok, nil
}

type fakeDirectory struct {
	ids   gateway.SenderIDs
	creds gateway.Credentials
}

func (f *fakeDirectory) GetSenderIDs(ctx context.Context, creds gateway.Credentials) (gateway.SenderIDs, error) {
	f.creds = creds
	return f.ids, nil
}

func newRouter(api *API) *mux.Router {
	m := mux.NewRouter()
	api.Register(m)
	return m
}

func TestNotifyDecodesEnvelope(t *testing.T) {
	d := &fakeDispatch{notifyResp: dispatch.NotifyResponse{Message: "accepted 1 of 1 records"}}
	m := newRouter(&API{Dispatch: d})

	body := `{"items":[{"ContactID":"c1","MobilePhone":"0412345678"}],"hasMore":false,"executionId":"exec-1"}`
	req := httptest.NewRequest(http.MethodPost, "/action/notify?instanceId=act-1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if d.notifyReq.InstanceID != "act-1" || d.notifyReq.ExecutionID != "exec-1" {
		t.Fatalf("request not forwarded: %+v", d.notifyReq)
	}
	if len(d.notifyReq.Items) != 1 || d.notifyReq.Items[0]["ContactID"] != "c1" {
		t.Fatalf("items: %+v", d.notifyReq.Items)
	}

	var resp dispatch.NotifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != "accepted 1 of 1 records" {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestNotifyMissingInstanceID(t *testing.T) {
	m := newRouter(&API{Dispatch: &fakeDispatch{}})
	req := httptest.NewRequest(http.MethodPost, "/action/notify", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNotifyErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{dispatch.ErrUnknownInstance, http.StatusNotFound},
		{dispatch.ErrNotConfigured, http.StatusConflict},
		{dispatch.ErrNoCredentials, http.StatusPreconditionFailed},
		{fmt.Errorf("db down"), http.StatusBadGateway},
	}
	for _, c := range cases {
		m := newRouter(&API{Dispatch: &fakeDispatch{notifyErr: c.err}})
		req := httptest.NewRequest(http.MethodPost, "/action/notify?instanceId=act-1", strings.NewReader(`{"items":[]}`))
		rec := httptest.NewRecorder()
		m.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Fatalf("err %v: status = %d, want %d", c.err, rec.Code, c.want)
		}
	}
}

func TestRecordDefinitionConfigures(t *testing.T) {
	d := &fakeDispatch{}
	m := newRouter(&API{Dispatch: d})

	req := httptest.NewRequest(http.MethodPost, "/action/recorddefinition?instanceId=act-1", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(d.configured) != 1 || d.configured[0] != "act-1" {
		t.Fatalf("configured = %v", d.configured)
	}
}

func TestSenderIDsUsesTenantCredentials(t *testing.T) {
	dir := &fakeDirectory{ids: gateway.SenderIDs{VirtualNumbers: []string{"+61400000000"}}}
	m := newRouter(&API{
		Dispatch: &fakeDispatch{},
		Tenants: &fakeTenants{tenants: map[string]domain.Tenant{
			"inst-a": {InstallID: "inst-a", APIKey: "k", APISecret: "s"},
		}},
		Gateway: dir,
	})

	req := httptest.NewRequest(http.MethodGet, "/action/senderids?installId=inst-a", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if dir.creds.Key != "k" || dir.creds.Secret != "s" {
		t.Fatalf("creds = %+v", dir.creds)
	}
}

func TestSenderIDsWithoutCredentials(t *testing.T) {
	m := newRouter(&API{
		Dispatch: &fakeDispatch{},
		Tenants:  &fakeTenants{tenants: map[string]domain.Tenant{"inst-a": {InstallID: "inst-a"}}},
		Gateway:  &fakeDirectory{},
	})
	req := httptest.NewRequest(http.MethodGet, "/action/senderids?installId=inst-a", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatsIncludesInFlight(t *testing.T) {
	m := newRouter(&API{Dispatch: &fakeDispatch{stats: store.JobStats{Pending: 2, Processing: 1, Sent: 5}}})
	req := httptest.NewRequest(http.MethodGet, "/action/stats?installId=inst-a", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["inFlight"] != 3 || got["sent"] != 5 {
		t.Fatalf("stats = %v", got)
	}
}

func TestFeederPullForwardsPaging(t *testing.T) {
	d := &fakeDrain{rows: []feeder.Row{{"MobilePhone": "+61412345678", "uniqueId": "resp-9"}}}
	m := newRouter(&API{Dispatch: &fakeDispatch{}, Drain: d})

	req := httptest.NewRequest(http.MethodGet, "/feeder/notify?instanceId=feed-1&maxRows=25&offset=50", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.instanceID != "feed-1" || d.maxRows != 25 || d.offset != 50 {
		t.Fatalf("paging: %q %d %d", d.instanceID, d.maxRows, d.offset)
	}

	var resp struct {
		Count int          `json:"count"`
		Items []feeder.Row `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Items[0]["uniqueId"] != "resp-9" {
		t.Fatalf("response: %+v", resp)
	}
	if d.acked != 1 {
		t.Fatalf("batch must be acked after the response is written")
	}
}

func TestFeederPullEmptyBatchIsAnEmptyList(t *testing.T) {
	m := newRouter(&API{Dispatch: &fakeDispatch{}, Drain: &fakeDrain{}})
	req := httptest.NewRequest(http.MethodGet, "/feeder/notify?instanceId=feed-1", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("empty batch must serialise as [], got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Fatalf("envelope must carry a count, got %s", rec.Body.String())
	}
}

func TestFeederPullAckFailureStillDeliversRows(t *testing.T) {
	d := &fakeDrain{
		rows:   []feeder.Row{{"uniqueId": "resp-9"}},
		ackErr: fmt.Errorf("connection refused"),
	}
	m := newRouter(&API{Dispatch: &fakeDispatch{}, Drain: d})
	req := httptest.NewRequest(http.MethodGet, "/feeder/notify?instanceId=feed-1", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	// The rows went out; the failed ack only means they redeliver later.
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "resp-9") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestFeederPullUnknownInstance(t *testing.T) {
	m := newRouter(&API{Dispatch: &fakeDispatch{}, Drain: &fakeDrain{err: feeder.ErrUnknownInstance}})
	req := httptest.NewRequest(http.MethodGet, "/feeder/notify?instanceId=nope", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFeederPullPagingFromJSONBody(t *testing.T) {
	d := &fakeDrain{}
	m := newRouter(&API{Dispatch: &fakeDispatch{}, Drain: d})

	req := httptest.NewRequest(http.MethodPost, "/feeder/notify?instanceId=feed-1",
		strings.NewReader(`{"maxRows":10,"offset":5}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.maxRows != 10 || d.offset != 5 {
		t.Fatalf("paging: %d %d", d.maxRows, d.offset)
	}
}
