// Package reqctx defines the request context and caller identity produced
// for every inbound JSON-RPC call and consumed by every handler.
package reqctx

import "time"

// Role is an element of the ordered set {viewer, operator, admin}.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleViewer    Role = "viewer"
	RoleOperator  Role = "operator"
	RoleAdmin     Role = "admin"
)

// roleRank gives the ordering used by HasRole. Higher is more privileged.
var roleRank = map[Role]int{
	RoleAnonymous: -1,
	RoleViewer:    0,
	RoleOperator:  1,
	RoleAdmin:     2,
}

// HasRole reports whether actual meets or exceeds required on the ordered
// role set. Unknown roles rank below RoleAnonymous.
func HasRole(actual, required Role) bool {
	a, ok := roleRank[actual]
	if !ok {
		a = -2
	}
	r, ok := roleRank[required]
	if !ok {
		r = -2
	}
	return a >= r
}

// Max returns the higher-ranked of two roles.
func Max(a, b Role) Role {
	ar, ok := roleRank[a]
	if !ok {
		ar = -2
	}
	br, ok := roleRank[b]
	if !ok {
		br = -2
	}
	if ar >= br {
		return a
	}
	return b
}

// Caller identifies the principal making a request.
type Caller struct {
	UserID        string
	Role          Role
	SourceAddress string
	Groups        []string
}

// Authenticated reports whether the caller presented a verified identity.
func (c Caller) Authenticated() bool {
	return c.UserID != ""
}

// Context is produced once per inbound call and is immutable thereafter.
type Context struct {
	ToolName   string
	Caller     Caller
	RequestID  any // opaque string/number; nil for notifications
	ReceivedAt time.Time
	Metadata   map[string]any
}

// IsNotification reports whether this call carries no RequestID and
// therefore produces no JSON-RPC response line.
func (c Context) IsNotification() bool {
	return c.RequestID == nil
}
