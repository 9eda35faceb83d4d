package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the identity model. PasswordHash is never serialized.
type User struct {
	bun.BaseModel     `bun:"table:users,alias:usr"`
	ID                uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Role              Role       `bun:"user_role,notnull" json:"role"`
	FirstName         string     `bun:"first_name,notnull" json:"first_name"`
	LastName          string     `bun:"last_name,notnull" json:"last_name"`
	Email             string     `bun:"email,notnull,unique" json:"email"`
	PasswordHash      string     `bun:"password_hash,notnull" json:"-"`
	Active            bool       `bun:"is_active,notnull" json:"active"`
	LoginAttempts     int        `bun:"login_attempts,notnull,default:0" json:"-"`
	LoginAttemptAt    *time.Time `bun:"login_attempt_at" json:"-"`
	LoggedInAt        *time.Time `bun:"loggedin_at" json:"last_activity_at,omitempty"`
	PasswordChangedAt *time.Time `bun:"password_changed_at" json:"-"`
	CreatedAt         time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// IdentityView is the public projection of a User.
type IdentityView struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Role           Role       `json:"role"`
	FirstName      string     `json:"firstName,omitempty"`
	LastName       string     `json:"lastName,omitempty"`
	Active         bool       `json:"active"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// View returns the public projection of the user.
func (u *User) View() IdentityView {
	if u == nil {
		return IdentityView{}
	}
	return IdentityView{
		ID:             u.ID.String(),
		Email:          u.Email,
		Role:           u.Role,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Active:         u.Active,
		LastActivityAt: u.LoggedInAt,
		CreatedAt:      u.CreatedAt,
	}
}

// NormalizeEmail lower cases and trims an email so lookups are case insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Profile is implemented by every role specific profile record.
type Profile interface {
	ProfileRole() Role
	OwnerID() uuid.UUID
}

// StudentProfile is owned by identities with RoleStudent.
type StudentProfile struct {
	bun.BaseModel `bun:"table:student_profiles,alias:stp"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID `bun:"user_id,notnull,unique,type:uuid" json:"userId"`
	Matricule     string    `bun:"matricule,notnull,unique" json:"matricule"`
	DateOfBirth   time.Time `bun:"date_of_birth,notnull" json:"dateOfBirth"`
	Level         string    `bun:"level" json:"level,omitempty"`
	ClassName     string    `bun:"class_name" json:"className,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"createdAt"`
}

func (p *StudentProfile) ProfileRole() Role   { return RoleStudent }
func (p *StudentProfile) OwnerID() uuid.UUID { return p.UserID }

// TeacherProfile is owned by identities with RoleTeacher.
type TeacherProfile struct {
	bun.BaseModel  `bun:"table:teacher_profiles,alias:tcp"`
	ID             uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID         uuid.UUID `bun:"user_id,notnull,unique,type:uuid" json:"userId"`
	EmployeeNumber string    `bun:"employee_number,notnull,unique" json:"employeeNumber"`
	Qualification  string    `bun:"qualification,notnull" json:"qualification"`
	Specialty      string    `bun:"specialty" json:"specialty,omitempty"`
	CreatedAt      time.Time `bun:"created_at,notnull" json:"createdAt"`
}

func (p *TeacherProfile) ProfileRole() Role   { return RoleTeacher }
func (p *TeacherProfile) OwnerID() uuid.UUID { return p.UserID }

// ParentRelationship tags how a parent relates to their students.
type ParentRelationship = string

const (
	RelationshipFather   ParentRelationship = "father"
	RelationshipMother   ParentRelationship = "mother"
	RelationshipGuardian ParentRelationship = "guardian"
	RelationshipOther    ParentRelationship = "other"
)

// ParentProfile is owned by identities with RoleParent.
type ParentProfile struct {
	bun.BaseModel `bun:"table:parent_profiles,alias:prp"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID `bun:"user_id,notnull,unique,type:uuid" json:"userId"`
	Relationship  string    `bun:"relationship,notnull" json:"relationship"`
	Phone         string    `bun:"phone" json:"phone,omitempty"`
	Occupation    string    `bun:"occupation" json:"occupation,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"createdAt"`
}

func (p *ParentProfile) ProfileRole() Role   { return RoleParent }
func (p *ParentProfile) OwnerID() uuid.UUID { return p.UserID }

// SessionStatus is the lifecycle state of a session lineage.
type SessionStatus = string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusRevoked SessionStatus = "revoked"
)

// Session ties a refresh token lineage to an identity.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:ses"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"userId"`
	Status        string     `bun:"status,notnull" json:"status"`
	UserAgent     string     `bun:"user_agent" json:"userAgent,omitempty"`
	IPAddress     string     `bun:"ip_address" json:"ipAddress,omitempty"`
	RevokeReason  string     `bun:"revoke_reason" json:"revokeReason,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"createdAt"`
	RevokedAt     *time.Time `bun:"revoked_at" json:"revokedAt,omitempty"`
}

// RefreshTokenStatus is the state of a single refresh token.
type RefreshTokenStatus = string

const (
	RefreshStatusActive   RefreshTokenStatus = "active"
	RefreshStatusConsumed RefreshTokenStatus = "consumed"
	RefreshStatusExpired  RefreshTokenStatus = "expired"
	RefreshStatusRevoked  RefreshTokenStatus = "revoked"
)

// RefreshToken is the persisted record of an issued refresh token. Only the
// SHA-256 of the secret is stored.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rft"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	SessionID     uuid.UUID  `bun:"session_id,notnull,type:uuid" json:"sessionId"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"userId"`
	ParentID      *uuid.UUID `bun:"parent_id,type:uuid" json:"parentId,omitempty"`
	TokenHash     string     `bun:"token_hash,notnull,unique" json:"-"`
	Status        string     `bun:"status,notnull" json:"status"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expiresAt"`
	ConsumedAt    *time.Time `bun:"consumed_at" json:"consumedAt,omitempty"`
	RevokedAt     *time.Time `bun:"revoked_at" json:"revokedAt,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"createdAt"`
}

// IsExpired reports whether the token is past its TTL at t.
func (r *RefreshToken) IsExpired(t time.Time) bool {
	return t.After(r.ExpiresAt)
}
