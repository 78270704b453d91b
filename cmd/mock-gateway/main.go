// mock-gateway imitates the SMS gateway for local development: it accepts
// sends, returns message ids and fires delayed DLR and reply webhooks at
// the callback URLs carried on the send.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port      string `envconfig:"PORT" default:"8081"`
	APIKey    string `envconfig:"MOCK_API_KEY" default:"mock_key"`
	APISecret string `envconfig:"MOCK_API_SECRET" default:"mock_secret"`

	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"delivered"`

	DLRDelayMs     int    `envconfig:"MOCK_DLR_DELAY_MS" default:"500"`
	ReplyDelayMs   int    `envconfig:"MOCK_REPLY_DELAY_MS" default:"2000"`
	ReplyBody      string `envconfig:"MOCK_REPLY_BODY" default:""`
	VirtualNumbers string `envconfig:"MOCK_VIRTUAL_NUMBERS" default:"+61400000000"`

	Outcomes []string
	DLRDelay time.Duration
}

type sendResponse struct {
	MessageID   string       `json:"message_id,omitempty"`
	TrackedLink *trackedLink `json:"tracked_link,omitempty"`
	Error       *apiError    `json:"error,omitempty"`
}

type trackedLink struct {
	ShortURL    string `json:"short_url"`
	OriginalURL string `json:"original_url"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock gateway config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.DLRDelay = time.Duration(cfg.DLRDelayMs) * time.Millisecond

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/send-sms.json", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/add-tracked-link.json", s.handleAddTrackedLink).Methods(http.MethodPost)
	router.HandleFunc("/get-numbers.json", s.handleGetNumbers).Methods(http.MethodGet)

	slog.Info("mock gateway listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.checkBasicAuth(r) {
		writeJSON(w, http.StatusUnauthorized, sendResponse{Error: &apiError{Code: "AUTH", Description: "authentication failed"}})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: &apiError{Code: "FORM", Description: "invalid form data"}})
		return
	}
	to := r.Form.Get("to")
	message := r.Form.Get("message")
	if to == "" || message == "" {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: &apiError{Code: "FIELDS", Description: "to and message are required"}})
		return
	}

	outcome := s.nextOutcome()
	switch outcome {
	case "rate_limit", "429":
		writeJSON(w, http.StatusTooManyRequests, sendResponse{Error: &apiError{Code: "RATE", Description: "rate limited"}})
		return
	case "bad_request", "400":
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: &apiError{Code: "RECIPIENT", Description: "invalid recipient"}})
		return
	case "server_error", "500":
		writeJSON(w, http.StatusInternalServerError, sendResponse{Error: &apiError{Code: "INTERNAL", Description: "internal error"}})
		return
	}

	messageID := fmt.Sprintf("mock-%06d", atomic.AddUint64(&s.idx, 1))
	resp := sendResponse{MessageID: messageID}
	if target := r.Form.Get("tracked_link_url"); target != "" {
		resp.TrackedLink = &trackedLink{
			ShortURL:    "https://sho.rt/" + messageID,
			OriginalURL: target,
		}
	}
	writeJSON(w, http.StatusOK, resp)

	s.scheduleWebhooks(r.Form, messageID, to, outcome)
}

// scheduleWebhooks plays back the gateway's asynchronous callbacks: a DLR
// for the final status, then optionally a reply.
func (s *server) scheduleWebhooks(form url.Values, messageID, to, outcome string) {
	dlrCallback := form.Get("dlr_callback")
	replyCallback := form.Get("reply_callback")

	go func() {
		if dlrCallback != "" {
			time.Sleep(s.cfg.DLRDelay)
			status := outcome
			if status == "" {
				status = "delivered"
			}
			params := url.Values{}
			params.Set("message_id", messageID)
			params.Set("mobile", to)
			params.Set("status", status)
			params.Set("datetime", time.Now().UTC().Format("2006-01-02 15:04:05"))
			if status == "failed" {
				params.Set("error_code", "34")
				params.Set("error_text", "absent subscriber")
			}
			s.post(dlrCallback, params)
		}

		if replyCallback != "" && s.cfg.ReplyBody != "" {
			time.Sleep(time.Duration(s.cfg.ReplyDelayMs) * time.Millisecond)
			params := url.Values{}
			params.Set("message_id", messageID)
			params.Set("mobile", to)
			params.Set("response", s.cfg.ReplyBody)
			params.Set("response_id", messageID+"-r1")
			params.Set("datetime_entry", time.Now().UTC().Format("2006-01-02 15:04:05"))
			s.post(replyCallback, params)
		}
	}()
}

func (s *server) post(callbackURL string, form url.Values) {
	resp, err := s.client.PostForm(callbackURL, form)
	if err != nil {
		slog.Error("mock webhook post failed", "url", callbackURL, "err", err)
		return
	}
	_ = resp.Body.Close()
	slog.Info("mock webhook posted", "url", callbackURL, "status", resp.StatusCode)
}

func (s *server) handleAddTrackedLink(w http.ResponseWriter, r *http.Request) {
	if !s.checkBasicAuth(r) {
		writeJSON(w, http.StatusUnauthorized, sendResponse{Error: &apiError{Code: "AUTH", Description: "authentication failed"}})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: &apiError{Code: "FORM", Description: "invalid form data"}})
		return
	}
	target := r.Form.Get("url")
	writeJSON(w, http.StatusOK, trackedLink{
		ShortURL:    "https://sho.rt/" + strconv.FormatUint(atomic.AddUint64(&s.idx, 1), 36),
		OriginalURL: target,
	})
}

func (s *server) handleGetNumbers(w http.ResponseWriter, r *http.Request) {
	if !s.checkBasicAuth(r) {
		writeJSON(w, http.StatusUnauthorized, sendResponse{Error: &apiError{Code: "AUTH", Description: "authentication failed"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"virtual_numbers": parseCSV(s.cfg.VirtualNumbers),
		"business_names":  {"MockCo"},
		"mobile_numbers":  {},
	})
}

func (s *server) checkBasicAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == s.cfg.APIKey && pass == s.cfg.APISecret
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"delivered"}
	}
	return out
}
