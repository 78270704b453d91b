package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULID ids are sortable, which keeps index pages hot for recent rows.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewJobID() string   { return newID("job_") }
func NewAuditID() string { return newID("aud_") }
func NewEventID() string { return newID("evt_") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
