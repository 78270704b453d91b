package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"smsbridge/internal/dispatch"
	"smsbridge/internal/domain"
	"smsbridge/internal/feeder"
	"smsbridge/internal/gateway"
	"smsbridge/internal/store"

	"github.com/gorilla/mux"
)

type Notifier interface {
	Notify(ctx context.Context, req dispatch.NotifyRequest) (dispatch.NotifyResponse, error)
	Configure(ctx context.Context, instanceID string) error
	Stats(ctx context.Context, installID string) (store.JobStats, error)
}

type Drainer interface {
	Pull(ctx context.Context, instanceID string, maxRows, offset int) (feeder.Batch, error)
	Ack(ctx context.Context, b feeder.Batch) error
}

type Tenants interface {
	Get(ctx context.Context, installID string) (domain.Tenant, bool, error)
}

type SenderDirectory interface {
	GetSenderIDs(ctx context.Context, creds gateway.Credentials) (gateway.SenderIDs, error)
}

// API serves the endpoints the marketing platform calls.
type API struct {
	Dispatch Notifier
	Drain    Drainer
	Tenants  Tenants
	Gateway  SenderDirectory
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/action/notify", a.handleNotify).Methods(http.MethodPost)
	mux.HandleFunc("/action/recorddefinition", a.handleRecordDefinition).Methods(http.MethodPost)
	mux.HandleFunc("/action/senderids", a.handleSenderIDs).Methods(http.MethodGet)
	mux.HandleFunc("/action/stats", a.handleStats).Methods(http.MethodGet)
	mux.HandleFunc("/feeder/notify", a.handleFeederPull).Methods(http.MethodGet, http.MethodPost)
}

type notifyBody struct {
	Items       []map[string]string `json:"items"`
	HasMore     bool                `json:"hasMore"`
	ExecutionID string              `json:"executionId"`
}

func (a *API) handleNotify(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		http.Error(w, ErrMissingInstanceID, http.StatusBadRequest)
		return
	}

	var body notifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	resp, err := a.Dispatch.Notify(r.Context(), dispatch.NotifyRequest{
		InstanceID:  instanceID,
		Items:       body.Items,
		HasMore:     body.HasMore,
		ExecutionID: body.ExecutionID,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownInstance):
			http.Error(w, ErrNotFound, http.StatusNotFound)
		case errors.Is(err, dispatch.ErrNotConfigured):
			http.Error(w, ErrNotConfigured, http.StatusConflict)
		case errors.Is(err, dispatch.ErrNoCredentials):
			http.Error(w, ErrMissingCredentials, http.StatusPreconditionFailed)
		default:
			slog.Error("notify failed", "err", err, "instance_id", instanceID)
			http.Error(w, ErrDependency, http.StatusBadGateway)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleRecordDefinition(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		http.Error(w, ErrMissingInstanceID, http.StatusBadRequest)
		return
	}

	if err := a.Dispatch.Configure(r.Context(), instanceID); err != nil {
		if errors.Is(err, dispatch.ErrUnknownInstance) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		slog.Error("record definition push failed", "err", err, "instance_id", instanceID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (a *API) handleSenderIDs(w http.ResponseWriter, r *http.Request) {
	installID := r.URL.Query().Get("installId")
	if installID == "" {
		http.Error(w, ErrMissingInstallID, http.StatusBadRequest)
		return
	}

	tenant, found, err := a.Tenants.Get(r.Context(), installID)
	if err != nil {
		slog.Error("load tenant failed", "err", err, "install_id", installID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found || !tenant.HasCredentials() {
		http.Error(w, ErrMissingCredentials, http.StatusPreconditionFailed)
		return
	}

	ids, err := a.Gateway.GetSenderIDs(r.Context(), gateway.Credentials{Key: tenant.APIKey, Secret: tenant.APISecret})
	if err != nil {
		slog.Error("fetch sender ids failed", "err", err, "install_id", installID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ids)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	installID := r.URL.Query().Get("installId")
	if installID == "" {
		http.Error(w, ErrMissingInstallID, http.StatusBadRequest)
		return
	}

	stats, err := a.Dispatch.Stats(r.Context(), installID)
	if err != nil {
		slog.Error("job stats failed", "err", err, "install_id", installID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pending":    stats.Pending,
		"processing": stats.Processing,
		"sent":       stats.Sent,
		"failed":     stats.Failed,
		"cancelled":  stats.Cancelled,
		"inFlight":   stats.InFlight(),
	})
}

func (a *API) handleFeederPull(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		http.Error(w, ErrMissingInstanceID, http.StatusBadRequest)
		return
	}
	// Paging arrives as a JSON body on POST pulls, or as query values on
	// plain GETs from older platform versions.
	var paging struct {
		MaxRows int `json:"maxRows"`
		Offset  int `json:"offset"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&paging)
	}
	if paging.MaxRows == 0 {
		paging.MaxRows, _ = strconv.Atoi(r.URL.Query().Get("maxRows"))
	}
	if paging.Offset == 0 {
		paging.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	}

	batch, err := a.Drain.Pull(r.Context(), instanceID, paging.MaxRows, paging.Offset)
	if err != nil {
		if errors.Is(err, feeder.ErrUnknownInstance) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		slog.Error("feeder pull failed", "err", err, "instance_id", instanceID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	rows := batch.Rows
	if rows == nil {
		rows = []feeder.Row{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"count": len(rows),
		"items": rows,
	})

	// Ack only after the response body is out. A crash before this point
	// re-delivers the batch on the next pull; an ack failure does the same.
	if err := a.Drain.Ack(r.Context(), batch); err != nil {
		slog.Error("feeder ack failed, batch will redeliver", "err", err, "instance_id", instanceID)
	}
}
