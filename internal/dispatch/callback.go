package dispatch

import (
	"net/url"
	"strings"
)

// CallbackURL decorates a tenant callback base with correlation hints the
// reconciler reads back from the webhook. The gateway refuses plain-http
// callbacks, so the scheme is forced to https.
func CallbackURL(base, installID, instanceID, contactID, emailAddress, campaignID string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return ""
	}
	if u.Scheme == "http" {
		u.Scheme = "https"
	}

	q := u.Query()
	q.Set("installId", installID)
	q.Set("instanceId", instanceID)
	q.Set("contactId", contactID)
	q.Set("emailAddress", emailAddress)
	q.Set("campaignId", campaignID)
	u.RawQuery = q.Encode()
	return u.String()
}
