package domain

import "time"

// Tenant is one install of the integration. Credentials are per-tenant;
// everything else is defaults the operator can override per instance.
type Tenant struct {
	InstallID      string
	APIKey         string
	APISecret      string
	DefaultCountry string

	// Webhook callback bases registered with the gateway. Rewritten to
	// https and decorated with correlation hints before every send.
	DLRCallbackURL     string
	ReplyCallbackURL   string
	LinkHitCallbackURL string

	CustomObjectDefaults *CustomObjectMapping

	CreatedAt time.Time
	DeletedAt *time.Time
}

func (t *Tenant) HasCredentials() bool {
	return t.APIKey != "" && t.APISecret != ""
}

type CountrySetting string

const (
	CountryFromContact CountrySetting = "contact-country"
	CountryFromField   CountrySetting = "custom-field"
)

// CustomObjectMapping names the platform custom-object fields the worker
// writes per-contact outcomes into.
type CustomObjectMapping struct {
	CustomObjectID       string `json:"customObjectId"`
	MobileFieldID        string `json:"mobileFieldId"`
	EmailFieldID         string `json:"emailFieldId"`
	TitleFieldID         string `json:"titleFieldId"`
	NotificationFieldID  string `json:"notificationFieldId"`
	OutgoingFieldID      string `json:"outgoingFieldId"`
	VirtualNumberFieldID string `json:"virtualNumberFieldId"`
}

// ActionInstance is an operator-configured campaign action step.
type ActionInstance struct {
	InstanceID string
	InstallID  string

	Template       string
	RecipientField string
	CountryField   string
	ProgramCOID    string
	CountrySetting CountrySetting

	TrackedLinkBaseURL string
	SenderID           string
	// Literal fallback when SenderID is a dynamic "##Field" reference and
	// the record carries no value.
	CallerID string

	ValidityEnabled bool
	ValidityHours   int

	CustomObject *CustomObjectMapping

	CampaignTitle string

	// Optional decision-step collaborator waiting on replies to this
	// action's sends.
	DecisionInstanceID string
	DecisionWaitHours  int

	SentCount      int64
	FailedCount    int64
	LastExecutedAt *time.Time

	RequiresConfiguration bool

	// Bumped on every configuration save; cache key for compiled templates.
	Version int
}

type FeederType string

const (
	FeederInboundSMS FeederType = "inbound-sms"
	FeederLinkHit    FeederType = "link-hit"
)

// FeederInstance is a pull-style contact source the platform polls.
type FeederInstance struct {
	InstanceID string
	InstallID  string

	FeederType       FeederType
	WatchedSenderIDs []string
	Keyword          string

	// Event attribute name -> outbound column name. Attributes absent from
	// the map are not emitted.
	FieldNames map[string]string
}
