package auth

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
	"github.com/torvus/raspictl/internal/reqctx"
)

// DefaultToolPermissions seeds the static tool_name -> required_role table,
// grounded on original_source/src/mcp_raspi/security/rbac.py's
// DEFAULT_TOOL_PERMISSIONS.
var DefaultToolPermissions = map[string]reqctx.Role{
	"system.get_basic_info":        reqctx.RoleViewer,
	"system.ping":                  reqctx.RoleViewer,
	"metrics.query":                reqctx.RoleViewer,
	"metrics.get_latest":           reqctx.RoleViewer,
	"logs.get_recent_audit_logs":   reqctx.RoleAdmin,
	"gpio.read_pin":                reqctx.RoleOperator,
	"gpio.write_pin":               reqctx.RoleOperator,
	"system.reboot":                reqctx.RoleAdmin,
	"system.shutdown":              reqctx.RoleAdmin,
	"update.check":                 reqctx.RoleOperator,
	"update.apply":                 reqctx.RoleAdmin,
	"update.rollback":              reqctx.RoleAdmin,
	"auth.get_allowed_tools":       reqctx.RoleViewer,
	"auth.set_permission":          reqctx.RoleAdmin,
}

// Enforcer is the RBAC permission gate (spec.md §4.2 "Permission gate").
// A static table maps tool_name to required_role; namespace wildcards
// ("foo.*") are consulted if an exact match is absent; otherwise the tool
// is denied by default at the highest role (secure default).
type Enforcer struct {
	logger *zap.Logger

	mu    sync.RWMutex
	table map[string]reqctx.Role
}

// NewEnforcer creates an Enforcer seeded with DefaultToolPermissions.
func NewEnforcer(logger *zap.Logger) *Enforcer {
	table := make(map[string]reqctx.Role, len(DefaultToolPermissions))
	for k, v := range DefaultToolPermissions {
		table[k] = v
	}
	return &Enforcer{logger: logger.Named("rbac"), table: table}
}

// RequiredRole resolves the role required to call tool: exact match, then
// namespace wildcard ("namespace.*"), then the secure default of admin
// (logged, since an unconfigured tool reaching production is worth noticing).
func (e *Enforcer) RequiredRole(tool string) reqctx.Role {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if role, ok := e.table[tool]; ok {
		return role
	}

	if ns, _, found := strings.Cut(tool, "."); found {
		if role, ok := e.table[ns+".*"]; ok {
			return role
		}
	}

	e.logger.Warn("no permission entry for tool, defaulting to admin", zap.String("tool", tool))
	return reqctx.RoleAdmin
}

// CheckPermission enforces the gate for one call. Invoked before handler
// execution, after context construction, per spec.md §4.2.
func (e *Enforcer) CheckPermission(caller reqctx.Caller, tool string) *ctlerr.Error {
	required := e.RequiredRole(tool)
	if reqctx.HasRole(caller.Role, required) {
		return nil
	}
	return ctlerr.PermissionDeniedf(map[string]any{
		"tool":          tool,
		"required_role": string(required),
		"user_role":     string(caller.Role),
	}, "permission denied for tool %q", tool)
}

// SetPermission overrides (or adds) the required role for a tool at
// runtime, per original_source's RBACEnforcer.set_tool_permission.
func (e *Enforcer) SetPermission(tool string, role reqctx.Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table[tool] = role
}

// AllowedTools lists every tool whose required role is met by role, per
// original_source's RBACEnforcer.get_allowed_tools. Wildcard entries are
// reported verbatim (e.g. "gpio.*"), not expanded against a tool registry,
// since the enforcer has no registry reference.
func (e *Enforcer) AllowedTools(role reqctx.Role) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []string
	for tool, required := range e.table {
		if reqctx.HasRole(role, required) {
			out = append(out, tool)
		}
	}
	return out
}
