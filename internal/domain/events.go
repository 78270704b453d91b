package domain

import (
	"strings"
	"time"
)

// ReplyEvent is an inbound SMS reported by the gateway, retained even when
// correlation to an audit entry fails.
type ReplyEvent struct {
	ID        string
	InstallID string

	// Gateway-stable id; the feeder emits it as the row idempotency key.
	ResponseID string

	FromNumber string
	ToNumber   string
	Message    string
	ReceivedAt time.Time
	MessageID  string
	Raw        []byte

	IsOptOut  bool
	Processed bool
	AuditID   string
}

// LinkHitEvent is one click on a tracked short link.
type LinkHitEvent struct {
	ID        string
	InstallID string

	MobileNumber string
	ShortURL     string
	OriginalURL  string
	ClickedAt    time.Time

	Device  string
	Browser string
	OS      string

	Processed bool
	AuditID   string
}

// IdempotencyKey is stable across re-deliveries of the same click.
func (e *LinkHitEvent) IdempotencyKey() string {
	return e.MobileNumber + "|" + e.ClickedAt.UTC().Format(time.RFC3339) + "|" + e.ShortURL
}

var optOutKeywords = map[string]struct{}{
	"STOP":        {},
	"UNSUBSCRIBE": {},
	"CANCEL":      {},
	"END":         {},
	"QUIT":        {},
}

// IsOptOutMessage reports whether a reply body is an opt-out keyword.
func IsOptOutMessage(body string) bool {
	_, ok := optOutKeywords[strings.ToUpper(strings.TrimSpace(body))]
	return ok
}
