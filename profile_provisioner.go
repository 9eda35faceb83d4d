package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/uptrace/bun"
)

// ProfileFields carries the role specific registration fields. Only the
// fields relevant to the target role are read.
type ProfileFields struct {
	// student
	Matricule   string `json:"matricule,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
	Level       string `json:"level,omitempty"`
	ClassName   string `json:"className,omitempty"`
	// teacher
	EmployeeNumber string `json:"employeeNumber,omitempty"`
	Qualification  string `json:"qualification,omitempty"`
	Specialty      string `json:"specialty,omitempty"`
	// parent
	Relationship string `json:"relationship,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Occupation   string `json:"occupation,omitempty"`
}

// Trimmed returns a copy with surrounding whitespace removed, so blank values
// count as missing.
func (f ProfileFields) Trimmed() ProfileFields {
	return ProfileFields{
		Matricule:      strings.TrimSpace(f.Matricule),
		DateOfBirth:    strings.TrimSpace(f.DateOfBirth),
		Level:          strings.TrimSpace(f.Level),
		ClassName:      strings.TrimSpace(f.ClassName),
		EmployeeNumber: strings.TrimSpace(f.EmployeeNumber),
		Qualification:  strings.TrimSpace(f.Qualification),
		Specialty:      strings.TrimSpace(f.Specialty),
		Relationship:   strings.TrimSpace(f.Relationship),
		Phone:          strings.TrimSpace(f.Phone),
		Occupation:     strings.TrimSpace(f.Occupation),
	}
}

// ProfileProvisioner creates the profile record owned by a new identity.
type ProfileProvisioner struct {
	profiles      Profiles
	logger        Logger
	now           func() time.Time
	defaultRegion string
}

// ProvisionerOption customizes the provisioner.
type ProvisionerOption func(*ProfileProvisioner)

// WithProvisionerLogger sets the logger.
func WithProvisionerLogger(logger Logger) ProvisionerOption {
	return func(p *ProfileProvisioner) {
		p.logger = normalizeLogger(logger)
	}
}

// WithProvisionerClock injects the clock used for date of birth checks.
func WithProvisionerClock(now func() time.Time) ProvisionerOption {
	return func(p *ProfileProvisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPhoneRegion sets the region used to parse phone numbers written
// without an international prefix, e.g. "FR".
func WithPhoneRegion(region string) ProvisionerOption {
	return func(p *ProfileProvisioner) {
		p.defaultRegion = strings.ToUpper(strings.TrimSpace(region))
	}
}

// NewProfileProvisioner creates a ProfileProvisioner.
func NewProfileProvisioner(profiles Profiles, opts ...ProvisionerOption) *ProfileProvisioner {
	p := &ProfileProvisioner{
		profiles: profiles,
		logger:   defLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Check validates fields against the shape role requires without touching
// storage. Missing required fields yield ErrIncompleteProfileData, badly
// formatted ones ErrValidation.
func (p *ProfileProvisioner) Check(role Role, fields ProfileFields) error {
	if !role.IsValid() {
		return validationFailure(ErrValidation, validation.Errors{"role": errors.New("must be a known role")})
	}

	if !role.RequiresProfile() {
		return nil
	}

	fields = fields.Trimmed()
	if err := requiredProfileFields(role, fields); err != nil {
		return validationFailure(ErrIncompleteProfileData, err)
	}

	if err := p.formatRules(role, &fields); err != nil {
		return validationFailure(ErrValidation, err)
	}

	return nil
}

// Provision validates fields and inserts the profile for user inside tx.
// Roles without a profile shape return a nil profile.
func (p *ProfileProvisioner) Provision(ctx context.Context, tx bun.IDB, user *User, role Role, fields ProfileFields) (Profile, error) {
	if user == nil || user.ID == uuid.Nil {
		return nil, withDetails(ErrIncompleteProfileData, nil, map[string]any{"identity": "missing"})
	}

	if user.Role != role {
		return nil, validationFailure(ErrValidation, validation.Errors{"role": errors.New("does not match identity role")})
	}

	fields = fields.Trimmed()
	if err := p.Check(role, fields); err != nil {
		return nil, err
	}

	profile, err := p.build(user.ID, role, fields)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, nil
	}

	// one profile per identity, whatever its role
	existing, err := p.profiles.CountByUserTx(ctx, tx, user.ID)
	if err != nil {
		return nil, storageFailure(p.logger, "profiles.count_by_user", err)
	}
	if existing > 0 {
		return nil, withDetails(ErrDuplicateProfile, nil, map[string]any{"role": string(role)})
	}

	if err := p.profiles.CreateTx(ctx, tx, profile); err != nil {
		if IsUniqueViolation(err) {
			return nil, withDetails(ErrDuplicateProfile, nil, map[string]any{"role": string(role)})
		}
		return nil, storageFailure(p.logger, "profiles.create", err)
	}

	return profile, nil
}

func (p *ProfileProvisioner) build(userID uuid.UUID, role Role, fields ProfileFields) (Profile, error) {
	switch role {
	case RoleStudent:
		dob, err := time.Parse(DateLayout, strings.TrimSpace(fields.DateOfBirth))
		if err != nil {
			return nil, validationFailure(ErrValidation, validation.Errors{"dateOfBirth": err})
		}
		return &StudentProfile{
			UserID:      userID,
			Matricule:   strings.TrimSpace(fields.Matricule),
			DateOfBirth: dob,
			Level:       strings.TrimSpace(fields.Level),
			ClassName:   strings.TrimSpace(fields.ClassName),
		}, nil
	case RoleTeacher:
		return &TeacherProfile{
			UserID:         userID,
			EmployeeNumber: strings.TrimSpace(fields.EmployeeNumber),
			Qualification:  strings.TrimSpace(fields.Qualification),
			Specialty:      strings.TrimSpace(fields.Specialty),
		}, nil
	case RoleParent:
		phone, err := p.normalizePhone(fields.Phone)
		if err != nil {
			return nil, validationFailure(ErrValidation, validation.Errors{"phone": err})
		}
		return &ParentProfile{
			UserID:       userID,
			Relationship: strings.ToLower(strings.TrimSpace(fields.Relationship)),
			Phone:        phone,
			Occupation:   strings.TrimSpace(fields.Occupation),
		}, nil
	default:
		return nil, nil
	}
}

func requiredProfileFields(role Role, f ProfileFields) error {
	switch role {
	case RoleStudent:
		return validation.ValidateStruct(&f,
			validation.Field(&f.Matricule, validation.Required),
			validation.Field(&f.DateOfBirth, validation.Required),
		)
	case RoleTeacher:
		return validation.ValidateStruct(&f,
			validation.Field(&f.EmployeeNumber, validation.Required),
			validation.Field(&f.Qualification, validation.Required),
		)
	case RoleParent:
		return validation.ValidateStruct(&f,
			validation.Field(&f.Relationship, validation.Required),
		)
	}
	return nil
}

func (p *ProfileProvisioner) formatRules(role Role, f *ProfileFields) error {
	switch role {
	case RoleStudent:
		return validation.ValidateStruct(f,
			validation.Field(&f.Matricule, validation.Length(1, 64)),
			validation.Field(&f.DateOfBirth, validation.By(pastDate(p.now))),
			validation.Field(&f.Level, validation.Length(0, 32)),
			validation.Field(&f.ClassName, validation.Length(0, 64)),
		)
	case RoleTeacher:
		return validation.ValidateStruct(f,
			validation.Field(&f.EmployeeNumber, validation.Length(1, 64)),
			validation.Field(&f.Qualification, validation.Length(1, 128)),
			validation.Field(&f.Specialty, validation.Length(0, 128)),
		)
	case RoleParent:
		return validation.ValidateStruct(f,
			validation.Field(&f.Relationship, validation.By(func(value any) error {
				return validation.Validate(
					strings.ToLower(strings.TrimSpace(value.(string))),
					validation.In(RelationshipFather, RelationshipMother, RelationshipGuardian, RelationshipOther),
				)
			})),
			validation.Field(&f.Phone, validation.By(func(value any) error {
				_, err := p.normalizePhone(value.(string))
				return err
			})),
			validation.Field(&f.Occupation, validation.Length(0, 128)),
		)
	}
	return nil
}

// normalizePhone returns the E.164 form of raw, empty input stays empty.
func (p *ProfileProvisioner) normalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	num, err := phonenumbers.Parse(raw, p.defaultRegion)
	if err != nil {
		return "", errors.New("must be a valid phone number")
	}

	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("must be a valid phone number")
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}
