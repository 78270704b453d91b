package domain

import "time"

type AuditStatus string

const (
	AuditPending   AuditStatus = "pending"
	AuditSent      AuditStatus = "sent"
	AuditDelivered AuditStatus = "delivered"
	AuditFailed    AuditStatus = "failed"
	AuditExpired   AuditStatus = "expired"
)

type DecisionStatus string

const (
	DecisionPending DecisionStatus = "pending"
	DecisionYes     DecisionStatus = "yes"
	DecisionNo      DecisionStatus = "no"
)

// AuditEntry is the append-only record of one dispatched SMS. Created when
// a job transitions to sent; mutated only by the reconciler; never deleted.
type AuditEntry struct {
	ID         string
	InstallID  string
	InstanceID string
	ContactID  string
	Email      string

	MobileNumber  string
	Message       string // post-merge body
	MessageID     string
	SenderID      string
	CampaignTitle string

	Status       AuditStatus
	SentAt       time.Time
	DeliveredAt  *time.Time
	ErrorCode    string
	ErrorMessage string

	TrackedShortURL    string
	TrackedOriginalURL string

	DecisionInstanceID string
	DecisionDeadline   *time.Time
	DecisionStatus     DecisionStatus

	HasResponse  bool
	ReplyEventID string

	JobID string
}

// MapGatewayStatus translates a gateway DLR status into an audit status.
// Unknown statuses map to empty, which the reconciler treats as ignorable.
func MapGatewayStatus(s string) AuditStatus {
	switch s {
	case "delivered":
		return AuditDelivered
	case "sent":
		return AuditSent
	case "failed", "rejected", "undelivered":
		return AuditFailed
	case "expired":
		return AuditExpired
	case "pending":
		return AuditPending
	}
	return ""
}
