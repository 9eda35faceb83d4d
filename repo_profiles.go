package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Profiles persists role specific profile records.
type Profiles interface {
	CreateTx(ctx context.Context, tx bun.IDB, profile Profile) error
	FindByUser(ctx context.Context, userID uuid.UUID, role Role) (Profile, error)
	FindByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, role Role) (Profile, error)
	CountByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int, error)
}

type profiles struct {
	db  *bun.DB
	now func() time.Time
}

var _ Profiles = (*profiles)(nil)

// NewProfilesRepository returns the bun backed Profiles.
func NewProfilesRepository(db *bun.DB) Profiles {
	return &profiles{db: db, now: time.Now}
}

func (p *profiles) CreateTx(ctx context.Context, tx bun.IDB, profile Profile) error {
	if profile == nil {
		return withDetails(ErrIncompleteProfileData, nil, map[string]any{"profile": "nil"})
	}

	now := p.now()
	switch rec := profile.(type) {
	case *StudentProfile:
		ensureProfileDefaults(&rec.ID, &rec.CreatedAt, now)
	case *TeacherProfile:
		ensureProfileDefaults(&rec.ID, &rec.CreatedAt, now)
	case *ParentProfile:
		ensureProfileDefaults(&rec.ID, &rec.CreatedAt, now)
	}

	_, err := tx.NewInsert().Model(profile).Exec(ctx)
	return err
}

func (p *profiles) FindByUser(ctx context.Context, userID uuid.UUID, role Role) (Profile, error) {
	return p.FindByUserTx(ctx, p.db, userID, role)
}

func (p *profiles) FindByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, role Role) (Profile, error) {
	record := newProfileRecord(role)
	if record == nil {
		return nil, withDetails(ErrRecordNotFound, nil, map[string]any{"role": string(role)})
	}

	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFoundOr(err, map[string]any{"user_id": userID.String(), "role": string(role)})
	}

	return record, nil
}

// CountByUserTx returns how many profile rows, across all roles, belong to userID.
func (p *profiles) CountByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int, error) {
	total := 0
	for _, model := range []any{(*StudentProfile)(nil), (*TeacherProfile)(nil), (*ParentProfile)(nil)} {
		n, err := tx.NewSelect().
			Model(model).
			Where("?TableAlias.user_id = ?", userID).
			Count(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func newProfileRecord(role Role) Profile {
	switch role {
	case RoleStudent:
		return &StudentProfile{}
	case RoleTeacher:
		return &TeacherProfile{}
	case RoleParent:
		return &ParentProfile{}
	default:
		return nil
	}
}

func ensureProfileDefaults(id *uuid.UUID, createdAt *time.Time, now time.Time) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	if createdAt.IsZero() {
		*createdAt = now
	}
}
