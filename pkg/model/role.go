package model

import (
	"errors"
	"strings"
)

// Capability is a bitfield of actions a role may perform.
type Capability uint8

const (
	CapCreateChannel Capability = 1 << iota // create, delete, rename channels
	CapModerate                             // block and kick users
	CapDeleteMessage                        // delete other users' messages
	CapManageRoles                          // create, delete, assign roles

	CapAll = CapCreateChannel | CapModerate | CapDeleteMessage | CapManageRoles
)

// AdminRoleName is the protected singleton role with all capabilities.
const AdminRoleName = "Admin"

var ErrRoleNameEmpty = errors.New("role name must not be empty")
var ErrRoleProtected = errors.New("the Admin role cannot be modified or deleted")

// Has reports whether c contains the given capability.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// String renders the capability set as a comma-separated list.
func (c Capability) String() string {
	var parts []string
	if c.Has(CapCreateChannel) {
		parts = append(parts, "create_channel")
	}
	if c.Has(CapModerate) {
		parts = append(parts, "moderate")
	}
	if c.Has(CapDeleteMessage) {
		parts = append(parts, "delete_message")
	}
	if c.Has(CapManageRoles) {
		parts = append(parts, "manage_roles")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseCapability converts a single capability name to its bit.
// Unknown names yield 0.
func ParseCapability(s string) Capability {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create_channel":
		return CapCreateChannel
	case "moderate", "block", "kick":
		return CapModerate
	case "delete_message":
		return CapDeleteMessage
	case "manage_roles":
		return CapManageRoles
	default:
		return 0
	}
}

// Role is a named bundle of capabilities assignable to users.
type Role struct {
	ID   int64      `json:"id"`
	Name string     `json:"name"`
	Caps Capability `json:"caps"`
}

// IsAdmin reports whether this is the protected Admin role.
func (r *Role) IsAdmin() bool {
	return r.Name == AdminRoleName
}

// Validate checks role fields before persistence. The Admin role always
// carries the full capability set.
func (r *Role) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrRoleNameEmpty
	}
	if r.IsAdmin() && r.Caps != CapAll {
		return ErrRoleProtected
	}
	return nil
}

// AdminRole returns the canonical Admin role value.
func AdminRole() Role {
	return Role{Name: AdminRoleName, Caps: CapAll}
}
