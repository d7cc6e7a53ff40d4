// Package rbac resolves user+capability pairs to allow/deny.
package rbac

import "github.com/parley-chat/parley/pkg/model"

// HasPermission reports whether any of the user's roles carries the
// capability. The legacy per-user override applies to create-channel only.
func HasPermission(user *model.User, roles []model.Role, cap model.Capability) bool {
	for _, r := range roles {
		if r.Caps.Has(cap) {
			return true
		}
	}
	if cap == model.CapCreateChannel && user != nil && user.CanCreateChannel {
		return true
	}
	return false
}

// RequirePermission returns a denial message if the user lacks the
// capability, or the empty string if allowed.
func RequirePermission(user *model.User, roles []model.Role, cap model.Capability) string {
	if HasPermission(user, roles, cap) {
		return ""
	}
	return "permission denied: " + cap.String() + " requires an authorized role"
}
