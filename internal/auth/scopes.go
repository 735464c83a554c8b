package auth

const (
	ScopeOpenID     = "openid"
	ScopeProfile    = "profile"
	ScopeEmail      = "email"
	ScopeJobsRead   = "jobs:read"
	ScopeJobsWrite  = "jobs:write"
	ScopeDLQOperate = "dlq:operate"
)

// AllScopes is the full set of scopes requested during the login flow.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeJobsRead,
	ScopeJobsWrite,
	ScopeDLQOperate,
}
