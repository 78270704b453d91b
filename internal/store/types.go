// Package store holds the parameter and result shapes shared between the
// pg implementation and its consumers.
package store

import (
	"time"

	"smsbridge/internal/domain"
)

type JobInsert struct {
	ID         string
	InstallID  string
	InstanceID string
	ContactID  string
	Email      string

	MobileNumber string
	Message      string
	SenderID     string
	Options      domain.SendOptions
	Downstream   *domain.DownstreamWrite

	MaxRetries int
	Now        time.Time
}

// JobFailure carries a fully decided transition: the caller resolves the
// retry budget before the write so the guarded UPDATE stays a single CAS.
type JobFailure struct {
	ID           string
	Kind         domain.ErrorKind
	ErrorCode    string
	ErrorMessage string
	Requeue      bool
	ScheduledAt  time.Time
	Now          time.Time
}

type JobCompletion struct {
	ID              string
	MessageID       string
	GatewayResponse []byte
	AuditID         string
	Now             time.Time
}

type JobStats struct {
	Pending    int
	Processing int
	Sent       int
	Failed     int
	Cancelled  int
}

// InFlight is the work the queue still owes the gateway.
func (s JobStats) InFlight() int { return s.Pending + s.Processing }

type AuditDeliveryUpdate struct {
	MessageID    string
	Status       domain.AuditStatus
	DeliveredAt  *time.Time
	ErrorCode    string
	ErrorMessage string
	Now          time.Time
}

// RawGatewayEvent preserves every webhook payload, matched or not.
type RawGatewayEvent struct {
	Kind       string
	MessageID  string
	InstallID  string
	Payload    []byte
	ReceivedAt time.Time
}

type ReplyFilter struct {
	InstallID        string
	WatchedSenderIDs []string
	Keyword          string
	Limit            int
	Offset           int
}

type LinkHitFilter struct {
	InstallID string
	Limit     int
	Offset    int
}
