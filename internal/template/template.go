// Package template turns an operator-configured action instance into a
// platform-facing record definition and a per-record message renderer.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"smsbridge/internal/domain"
)

// Reserved placeholders are consumed at dispatch time, never treated as
// field references.
const (
	TrackedLinkPlaceholder = "tracked-link"
	UnsubReplyPlaceholder  = "unsub-reply-link"
)

var (
	placeholderRe = regexp.MustCompile(`\[([^\[\]]+)\]`)
	numericRe     = regexp.MustCompile(`^[0-9]+$`)
	newlineRunRe  = regexp.MustCompile(`\n{3,}`)
)

var (
	ErrEmptyTemplate = errors.New("template body is empty")
	ErrNoRecipient   = errors.New("recipient field is not configured")
	ErrBadFieldRef   = errors.New("invalid field reference")
	ErrDynamicSender = errors.New("invalid dynamic sender reference")
)

// Template is a compiled instance: the record definition the marketing
// platform needs, plus a pure renderer over per-record attribute maps.
type Template struct {
	body            string
	recordDef       map[string]string
	recipientColumn string
	countryColumn   string
	senderLiteral   string
	senderColumn    string
	callerID        string
	trackedLinkBase string
}

// Result is the rendered per-record payload. Message keeps the
// [tracked-link] placeholder intact; the gateway substitutes the short URL
// at send time, using TrackedLinkURL as the target.
type Result struct {
	Message        string
	SenderID       string
	TrackedLinkURL string
}

// fieldRef is a parsed "Name" or "Id__Name" reference.
type fieldRef struct {
	id     string
	column string
}

func parseRef(raw string) (fieldRef, error) {
	raw = strings.TrimSpace(raw)
	var ref fieldRef
	if i := strings.Index(raw, "__"); i >= 0 {
		ref.id = raw[:i]
		ref.column = raw[i+2:]
	} else {
		ref.column = raw
	}
	ref.column = strings.TrimPrefix(ref.column, "C_")
	if ref.column == "" || strings.EqualFold(ref.column, "undefined") {
		return fieldRef{}, fmt.Errorf("%w: %q", ErrBadFieldRef, raw)
	}
	return ref, nil
}

func reserved(name string) bool {
	return name == TrackedLinkPlaceholder || name == UnsubReplyPlaceholder
}

// Compile builds the record definition and renderer for an instance.
// Compiling the same instance twice yields identical definitions.
func Compile(inst *domain.ActionInstance) (*Template, error) {
	if strings.TrimSpace(inst.Template) == "" {
		return nil, ErrEmptyTemplate
	}
	if strings.TrimSpace(inst.RecipientField) == "" {
		return nil, ErrNoRecipient
	}

	t := &Template{
		body:            inst.Template,
		recordDef:       map[string]string{},
		senderLiteral:   inst.SenderID,
		callerID:        inst.CallerID,
		trackedLinkBase: inst.TrackedLinkBaseURL,
	}

	if inst.ProgramCOID != "" {
		t.recordDef["ContactID"] = "{{CustomObject.Contact.Id}}"
		t.recordDef["EmailAddress"] = "{{CustomObject.Contact.EmailAddress}}"
	}

	add := func(raw string) (fieldRef, error) {
		ref, err := parseRef(raw)
		if err != nil {
			return fieldRef{}, err
		}
		// First reference wins; never overwrite an existing column.
		if _, ok := t.recordDef[ref.column]; !ok {
			t.recordDef[ref.column] = expression(inst.ProgramCOID, ref)
		}
		return ref, nil
	}

	ref, err := add(inst.RecipientField)
	if err != nil {
		return nil, err
	}
	t.recipientColumn = ref.column

	if inst.CountrySetting == domain.CountryFromField && inst.CountryField != "" {
		ref, err := add(inst.CountryField)
		if err != nil {
			return nil, err
		}
		t.countryColumn = ref.column
	}

	if strings.HasPrefix(inst.SenderID, "##") {
		ref, err := add(strings.TrimPrefix(inst.SenderID, "##"))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrDynamicSender, inst.SenderID)
		}
		t.senderColumn = ref.column
	}

	for _, name := range placeholders(inst.Template) {
		if reserved(name) {
			continue
		}
		if _, err := add(name); err != nil {
			return nil, err
		}
	}
	for _, name := range placeholders(inst.TrackedLinkBaseURL) {
		if reserved(name) {
			continue
		}
		if _, err := add(name); err != nil {
			return nil, err
		}
	}

	if inst.ProgramCOID != "" {
		t.recordDef["Id"] = "{{CustomObject.Id}}"
	}
	return t, nil
}

func expression(programCOID string, ref fieldRef) string {
	if programCOID != "" {
		if ref.id != "" && numericRe.MatchString(ref.id) {
			return fmt.Sprintf("{{CustomObject[%s].Field[%s]}}", programCOID, ref.id)
		}
		return fmt.Sprintf("{{CustomObject[%s].Contact.Field(C_%s)}}", programCOID, ref.column)
	}
	return fmt.Sprintf("{{Contact.Field(C_%s)}}", ref.column)
}

func placeholders(s string) []string {
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

// RecordDefinition returns a copy of the column -> expression map.
func (t *Template) RecordDefinition() map[string]string {
	out := make(map[string]string, len(t.recordDef))
	for k, v := range t.recordDef {
		out[k] = v
	}
	return out
}

// RecipientColumn is the record key holding the raw mobile number.
func (t *Template) RecipientColumn() string { return t.recipientColumn }

// CountryColumn is the record key holding the country, when the instance
// sources country from a custom field.
func (t *Template) CountryColumn() string { return t.countryColumn }

// Render merges one record into the message body, tracked-link URL and
// sender id. Missing attributes render as empty strings.
func (t *Template) Render(record map[string]string) Result {
	msg := substitute(t.body, record)
	msg = strings.TrimSpace(newlineRunRe.ReplaceAllString(msg, "\n\n"))

	sender := t.senderLiteral
	if t.senderColumn != "" {
		sender = record[t.senderColumn]
		if sender == "" {
			sender = t.callerID
		}
	}

	return Result{
		Message:        msg,
		SenderID:       sender,
		TrackedLinkURL: substitute(t.trackedLinkBase, record),
	}
}

func substitute(s string, record map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if reserved(name) {
			return m
		}
		ref, err := parseRef(name)
		if err != nil {
			return ""
		}
		return record[ref.column]
	})
}
