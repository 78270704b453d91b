package domain

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

const DefaultMaxRetries = 3

// SendOptions travels with the job so the worker needs nothing beyond the
// claimed row to perform the send.
type SendOptions struct {
	ValidityHours      int    `json:"validityHours,omitempty"`
	TrackedLinkURL     string `json:"trackedLinkUrl,omitempty"`
	DLRCallbackURL     string `json:"dlrCallbackUrl"`
	ReplyCallbackURL   string `json:"replyCallbackUrl"`
	LinkHitCallbackURL string `json:"linkHitCallbackUrl"`
	CampaignID         string `json:"campaignId,omitempty"`
	CampaignTitle      string `json:"campaignTitle,omitempty"`

	// Set when a decision step waits on a reply to this send. The audit
	// entry opens a pending decision window of DecisionWaitHours.
	DecisionInstanceID string `json:"decisionInstanceId,omitempty"`
	DecisionWaitHours  int    `json:"decisionWaitHours,omitempty"`
}

// DownstreamWrite is the optional custom-object record the worker creates
// after a successful send.
type DownstreamWrite struct {
	Mapping     CustomObjectMapping `json:"mapping"`
	VirtualName string              `json:"virtualName,omitempty"`
}

// Job is one durable per-recipient send. One contact appearing twice in a
// batch yields two jobs; the entry point does not deduplicate.
type Job struct {
	ID         string
	InstallID  string
	InstanceID string
	ContactID  string
	Email      string

	MobileNumber string // E.164
	Message      string
	SenderID     string
	Options      SendOptions
	Downstream   *DownstreamWrite

	Status          JobStatus
	ScheduledAt     time.Time
	LeaseStartedAt  *time.Time
	RetryCount      int
	MaxRetries      int
	LastError       string
	MessageID       string
	GatewayResponse []byte
	AuditID         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type ErrorKind string

const (
	ErrTransient ErrorKind = "transient"
	ErrPermanent ErrorKind = "permanent"
	ErrStuck     ErrorKind = "stuck"
)

// Retryable reports whether a failing job of this kind goes back to pending
// (budget permitting) instead of terminal failed.
func (k ErrorKind) Retryable() bool {
	return k == ErrTransient || k == ErrStuck
}

// RetryDelay is the linear back-off before the next attempt: the first
// retry waits one unit, the second two, and so on.
func RetryDelay(retryCount int, unit time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(retryCount) * unit
}
