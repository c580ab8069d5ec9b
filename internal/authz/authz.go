// Package authz implements role→permission expansion and permission
// evaluation.
//
// Permissions are namespaced strings "resource:action". A principal holding
// the wildcard "resource:*" is allowed any action on that resource, and the
// super-permission "super:admin" bypasses all checks. Role expansions are
// configuration loaded at startup into a read-mostly table; [Evaluator.Reload]
// rebuilds it on config change.
package authz

import (
	"sort"
	"strings"
	"sync"

	"github.com/voxwire/voxwire/internal/model"
)

// SuperAdmin is the super-permission that allows every operation.
const SuperAdmin = "super:admin"

// defaultRoles is the built-in role→permission table. Wildcards expand at
// evaluation time, so the table stays small.
var defaultRoles = map[model.Role][]string{
	model.RoleOwner: {SuperAdmin},
	model.RoleAdmin: {
		"tenant:read", "tenant:update",
		"principal:*", "credential:*", "voice_agent:*",
		"conversation:*", "analytics:*", "billing:*", "webhook:*",
	},
	model.RoleAgent: {
		"voice_agent:read", "voice_agent:use",
		"conversation:*",
		"analytics:read",
	},
	model.RoleViewer: {
		"tenant:read", "voice_agent:read", "conversation:read", "analytics:read",
	},
	model.RoleService: {
		"voice_agent:read", "voice_agent:use",
		"conversation:create", "conversation:read",
	},
}

// Evaluator answers permission checks against the role table. It is safe for
// concurrent use; reads take a shared lock and Reload swaps the whole table.
type Evaluator struct {
	mu    sync.RWMutex
	roles map[model.Role][]string
}

// NewEvaluator creates an Evaluator with the built-in role table.
func NewEvaluator() *Evaluator {
	e := &Evaluator{}
	e.Reload(defaultRoles)
	return e
}

// Reload replaces the role table. Permission lists are copied, deduplicated,
// and sorted so [Evaluator.Expand] returns stable output.
func (e *Evaluator) Reload(roles map[model.Role][]string) {
	table := make(map[model.Role][]string, len(roles))
	for role, perms := range roles {
		seen := make(map[string]struct{}, len(perms))
		list := make([]string, 0, len(perms))
		for _, p := range perms {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			list = append(list, p)
		}
		sort.Strings(list)
		table[role] = list
	}

	e.mu.Lock()
	e.roles = table
	e.mu.Unlock()
}

// Expand returns the permission set for a role plus any extra grants. The
// result is a fresh slice safe for the caller to retain (e.g., frozen into an
// access token).
func (e *Evaluator) Expand(role model.Role, extra []string) []string {
	e.mu.RLock()
	base := e.roles[role]
	e.mu.RUnlock()

	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, p := range base {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range extra {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether held grants the required permission.
//
// Order of evaluation: super:admin → exact match → resource wildcard.
func Allowed(held []string, required string) bool {
	resource, _, hasColon := strings.Cut(required, ":")
	wildcard := ""
	if hasColon {
		wildcard = resource + ":*"
	}
	for _, p := range held {
		if p == SuperAdmin || p == required {
			return true
		}
		if wildcard != "" && p == wildcard {
			return true
		}
	}
	return false
}

// AllowedAll reports whether held grants every permission in required.
func AllowedAll(held []string, required ...string) bool {
	for _, r := range required {
		if !Allowed(held, r) {
			return false
		}
	}
	return true
}

// AllowedAny reports whether held grants at least one permission in required.
// An empty required list denies.
func AllowedAny(held []string, required ...string) bool {
	for _, r := range required {
		if Allowed(held, r) {
			return true
		}
	}
	return false
}
