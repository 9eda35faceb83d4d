package auth

import "strings"

// Role is the closed set of roles an identity can hold.
type Role string

const (
	// RoleAdmin manages the platform.
	RoleAdmin Role = "admin"
	// RoleStudent is an enrolled student, owns a StudentProfile.
	RoleStudent Role = "student"
	// RoleTeacher is a member of the teaching staff, owns a TeacherProfile.
	RoleTeacher Role = "teacher"
	// RoleParent is a parent or guardian, owns a ParentProfile.
	RoleParent Role = "parent"
	// RoleDirection is school management.
	RoleDirection Role = "direction"
)

// IsValid checks if the role is one of the predefined valid roles
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleStudent, RoleTeacher, RoleParent, RoleDirection:
		return true
	default:
		return false
	}
}

// RequiresProfile reports whether identities with this role own a profile record.
func (r Role) RequiresProfile() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleParent:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// GetAllRoles returns all predefined roles
func GetAllRoles() []Role {
	return []Role{
		RoleAdmin,
		RoleStudent,
		RoleTeacher,
		RoleParent,
		RoleDirection,
	}
}

// ParseRole safely parses a string into a Role, ignoring case and padding.
func ParseRole(roleStr string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(roleStr)))
	return role, role.IsValid()
}

// RoleSet is the set of roles a route accepts.
type RoleSet map[Role]struct{}

// NewRoleSet builds a RoleSet, invalid roles are ignored.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		if r.IsValid() {
			set[r] = struct{}{}
		}
	}
	return set
}

// AnyRole accepts every valid role, i.e. authentication only.
func AnyRole() RoleSet {
	return NewRoleSet(GetAllRoles()...)
}

// Contains reports whether role is allowed.
func (s RoleSet) Contains(role Role) bool {
	if !role.IsValid() {
		return false
	}
	_, ok := s[role]
	return ok
}

// ParseRoles parses a list of role names and drops unknown values.
func ParseRoles(names []string) []Role {
	out := make([]Role, 0, len(names))
	for _, name := range names {
		if role, ok := ParseRole(name); ok {
			out = append(out, role)
		}
	}
	return out
}
