package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"smsbridge/internal/observability"
	sqsqueue "smsbridge/internal/queue/sqs"
	"smsbridge/internal/util"
)

type EventProducer interface {
	Enqueue(ctx context.Context, ev sqsqueue.Event) error
}

// Webhook receives gateway callbacks. It only buffers: the reconciler does
// all interpretation. The gateway retries on non-2xx, so the response is
// always 200; success=false signals the event was not durably queued.
type Webhook struct {
	Producer EventProducer
}

func (h *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/webhooks/dlr", h.handle(sqsqueue.KindDLR)).Methods(http.MethodGet, http.MethodPost)
	mux.HandleFunc("/webhooks/reply", h.handle(sqsqueue.KindReply)).Methods(http.MethodGet, http.MethodPost)
	mux.HandleFunc("/webhooks/linkhit", h.handle(sqsqueue.KindLinkHit)).Methods(http.MethodGet, http.MethodPost)
	// Pass-through ingest for operator-visible numbers: same reply pipeline,
	// different URL so the gateway config can point either way.
	mux.HandleFunc("/feeder/incomingsms", h.handle(sqsqueue.KindReply)).Methods(http.MethodGet, http.MethodPost)
}

func (h *Webhook) handle(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := mergedParams(r)
		if err != nil {
			respond(w, false)
			return
		}

		observability.WebhookEvents.WithLabelValues(kind).Inc()

		ev := sqsqueue.Event{Kind: kind, Params: params, ReceivedAt: util.NowUTC()}
		if err := h.Producer.Enqueue(r.Context(), ev); err != nil {
			slog.Error("webhook enqueue failed", "err", err, "kind", kind)
			respond(w, false)
			return
		}
		respond(w, true)
	}
}

// mergedParams flattens query, form and JSON body values into one map.
// The gateway mixes delivery styles per event type; later sources win only
// for keys the earlier ones did not set.
func mergedParams(r *http.Request) (map[string][]string, error) {
	params := map[string][]string{}
	add := func(values url.Values) {
		for k, vs := range values {
			if _, ok := params[k]; !ok {
				params[k] = vs
			}
		}
	}

	add(r.URL.Query())

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/json"):
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			for k, v := range body {
				if _, ok := params[k]; ok {
					continue
				}
				switch t := v.(type) {
				case string:
					params[k] = []string{t}
				case float64:
					params[k] = []string{trimFloat(t)}
				case bool:
					if t {
						params[k] = []string{"true"}
					} else {
						params[k] = []string{"false"}
					}
				}
			}
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		add(r.PostForm)
	}
	return params, nil
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func respond(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": ok})
}
