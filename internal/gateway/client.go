// Package gateway is the HTTP client for the SMS gateway: sends, tracked
// links, sender-id listing, and the retry classification for its failures.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"smsbridge/internal/domain"
)

// Credentials are per-tenant; the client itself is shared.
type Credentials struct {
	Key    string
	Secret string
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

type SendRequest struct {
	To      string
	Message string
	From    string

	ValidityHours   int
	TrackedLinkURL  string
	DLRCallback     string
	ReplyCallback   string
	LinkHitCallback string
}

type TrackedLink struct {
	ShortURL    string `json:"short_url"`
	OriginalURL string `json:"original_url"`
}

type SendResponse struct {
	MessageID   string       `json:"message_id"`
	TrackedLink *TrackedLink `json:"tracked_link,omitempty"`
	Error       *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

type SenderIDs struct {
	VirtualNumbers []string `json:"virtual_numbers"`
	BusinessNames  []string `json:"business_names"`
	MobileNumbers  []string `json:"mobile_numbers"`
}

// CallError records the HTTP detail of a failed gateway call so callers
// can classify it without re-parsing the response.
type CallError struct {
	Err        error
	HTTPStatus int
	Code       string
	Raw        []byte
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func (c *Client) Send(ctx context.Context, creds Credentials, req SendRequest) (SendResponse, int, []byte, error) {
	form := url.Values{}
	form.Set("to", req.To)
	form.Set("message", req.Message)
	if req.From != "" {
		form.Set("from", req.From)
	}
	if req.ValidityHours > 0 {
		form.Set("validity", strconv.Itoa(req.ValidityHours*60))
	}
	if req.TrackedLinkURL != "" {
		form.Set("tracked_link_url", req.TrackedLinkURL)
	}
	if req.DLRCallback != "" {
		form.Set("dlr_callback", req.DLRCallback)
	}
	if req.ReplyCallback != "" {
		form.Set("reply_callback", req.ReplyCallback)
	}
	if req.LinkHitCallback != "" {
		form.Set("link_hits_callback", req.LinkHitCallback)
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/send-sms.json"), strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(creds.Key, creds.Secret)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, &CallError{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "gateway send failed"
		code := ""
		if out.Error != nil {
			if out.Error.Description != "" {
				msg = out.Error.Description
			}
			code = out.Error.Code
		}
		return out, resp.StatusCode, b, &CallError{Err: errors.New(msg), HTTPStatus: resp.StatusCode, Code: code, Raw: b}
	}
	if out.MessageID == "" {
		return out, resp.StatusCode, b, &CallError{Err: errors.New("gateway returned no message id"), HTTPStatus: resp.StatusCode, Raw: b}
	}
	return out, resp.StatusCode, b, nil
}

func (c *Client) AddTrackedLink(ctx context.Context, creds Credentials, target, title string) (TrackedLink, error) {
	form := url.Values{}
	form.Set("url", target)
	form.Set("name", title)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/add-tracked-link.json"), strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(creds.Key, creds.Secret)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return TrackedLink{}, &CallError{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TrackedLink{}, &CallError{Err: errors.New("add tracked link failed"), HTTPStatus: resp.StatusCode, Raw: b}
	}
	var out TrackedLink
	if err := json.Unmarshal(b, &out); err != nil {
		return TrackedLink{}, &CallError{Err: err, HTTPStatus: resp.StatusCode, Raw: b}
	}
	if out.OriginalURL == "" {
		out.OriginalURL = target
	}
	return out, nil
}

func (c *Client) GetSenderIDs(ctx context.Context, creds Credentials) (SenderIDs, error) {
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/get-numbers.json"), nil)
	httpReq.SetBasicAuth(creds.Key, creds.Secret)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SenderIDs{}, &CallError{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SenderIDs{}, &CallError{Err: errors.New("get sender ids failed"), HTTPStatus: resp.StatusCode, Raw: b}
	}
	var out SenderIDs
	if err := json.Unmarshal(b, &out); err != nil {
		return SenderIDs{}, &CallError{Err: err, HTTPStatus: resp.StatusCode, Raw: b}
	}
	return out, nil
}

// Classify maps a send failure onto the retry taxonomy: timeouts, 429/408
// and 5xx are transient; any other 4xx (bad recipient, rejected
// credentials, exhausted quota) is permanent.
func Classify(err error, httpStatus int) domain.ErrorKind {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ErrTransient
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return domain.ErrTransient
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return domain.ErrTransient
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return domain.ErrTransient
	}
	if httpStatus == 0 && err != nil {
		// No HTTP round trip completed; treat connection errors as transient.
		return domain.ErrTransient
	}
	return domain.ErrPermanent
}
