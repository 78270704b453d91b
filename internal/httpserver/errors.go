package httpserver

const (
	ErrInvalidJSON        = "invalid json"
	ErrMissingInstanceID  = "missing instance id"
	ErrMissingInstallID   = "missing install id"
	ErrDependency         = "dependency error"
	ErrNotFound           = "not found"
	ErrBadForm            = "bad form"
	ErrNotConfigured      = "instance requires configuration"
	ErrMissingCredentials = "gateway credentials not configured"
)
