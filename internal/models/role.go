package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Role is a user's position in the moderation hierarchy: user < moderator < admin.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// ParseRole converts s into a Role, rejecting anything outside the closed set.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// Rank returns the position of r in the hierarchy. Unknown roles rank 0.
func (r Role) Rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleModerator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// Compare returns -1, 0 or 1 when r ranks below, equal to or above other.
func (r Role) Compare(other Role) int {
	a, b := r.Rank(), other.Rank()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r.Compare(min) >= 0
}

// IsStaff reports whether r can moderate other users.
func (r Role) IsStaff() bool {
	return r.AtLeast(RoleModerator)
}

func (r Role) String() string {
	return string(r)
}

// Scan implements sql.Scanner so unknown values never enter the process.
func (r *Role) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*r = RoleUser
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Role", value)
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value implements driver.Valuer.
func (r Role) Value() (driver.Value, error) {
	if r == "" {
		return string(RoleUser), nil
	}
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %q", string(r))
	}
	return string(r), nil
}
