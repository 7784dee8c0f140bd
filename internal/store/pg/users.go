package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SibhatG/betterauth/internal/auth"
)

const userColumns = `id, username, email, password_hash, email_verified, verification_token,
	verification_sent_at, reset_token, reset_sent_at, mfa_secret, mfa_enabled, active, admin,
	last_login_at, created_at, updated_at`

type userRow struct {
	ID                 string         `db:"id"`
	Username           string         `db:"username"`
	Email              string         `db:"email"`
	PasswordHash       string         `db:"password_hash"`
	EmailVerified      bool           `db:"email_verified"`
	VerificationToken  sql.NullString `db:"verification_token"`
	VerificationSentAt sql.NullTime   `db:"verification_sent_at"`
	ResetToken         sql.NullString `db:"reset_token"`
	ResetSentAt        sql.NullTime   `db:"reset_sent_at"`
	MFASecret          string         `db:"mfa_secret"`
	MFAEnabled         bool           `db:"mfa_enabled"`
	Active             bool           `db:"active"`
	Admin              bool           `db:"admin"`
	LastLoginAt        sql.NullTime   `db:"last_login_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r userRow) user() *auth.User {
	return &auth.User{
		ID:                 r.ID,
		Username:           r.Username,
		Email:              r.Email,
		PasswordHash:       r.PasswordHash,
		EmailVerified:      r.EmailVerified,
		VerificationToken:  r.VerificationToken.String,
		VerificationSentAt: timePtr(r.VerificationSentAt),
		ResetToken:         r.ResetToken.String,
		ResetSentAt:        timePtr(r.ResetSentAt),
		MFASecret:          r.MFASecret,
		MFAEnabled:         r.MFAEnabled,
		Active:             r.Active,
		Admin:              r.Admin,
		LastLoginAt:        timePtr(r.LastLoginAt),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type userStore struct{ db *sqlx.DB }

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, username, email, password_hash, email_verified, verification_token,
			verification_sent_at, mfa_secret, mfa_enabled, active, admin, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.EmailVerified, nullString(u.VerificationToken),
		nullTime(u.VerificationSentAt), u.MFASecret, u.MFAEnabled, u.Active, u.Admin, u.CreatedAt, u.UpdatedAt)
	if pgErr, ok := isUniqueViolation(err); ok {
		switch {
		case strings.Contains(pgErr.ConstraintName, "username"):
			return auth.ErrUsernameExists
		case strings.Contains(pgErr.ConstraintName, "email"):
			return auth.ErrEmailExists
		default:
			return auth.ErrAlreadyExists
		}
	}
	return err
}

func (s *userStore) get(ctx context.Context, where string, args ...any) (*auth.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, `select `+userColumns+` from users where `+where+` limit 1`, args...); err != nil {
		return nil, notFound(err, auth.ErrNotFound)
	}
	return row.user(), nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.get(ctx, `id = $1`, id)
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	return s.get(ctx, `lower(username) = lower($1)`, username)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.get(ctx, `lower(email) = lower($1)`, email)
}

func (s *userStore) FindByLogin(ctx context.Context, login string) (*auth.User, error) {
	return s.get(ctx, `lower(username) = lower($1) or lower(email) = lower($1)`, login)
}

func (s *userStore) FindByVerificationToken(ctx context.Context, token string) (*auth.User, error) {
	if token == "" {
		return nil, auth.ErrNotFound
	}
	return s.get(ctx, `verification_token = $1`, token)
}

func (s *userStore) FindByResetToken(ctx context.Context, token string) (*auth.User, error) {
	if token == "" {
		return nil, auth.ErrNotFound
	}
	return s.get(ctx, `reset_token = $1`, token)
}

func (s *userStore) exists(ctx context.Context, where string, arg string) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok, `select exists(select 1 from users where `+where+`)`, arg)
	return ok, err
}

func (s *userStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, `lower(username) = lower($1)`, username)
}

func (s *userStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, `lower(email) = lower($1)`, email)
}

func (s *userStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	return expectRow(res, err, auth.ErrNotFound)
}

func (s *userStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	return s.update(ctx, `update users set last_login_at = $2, updated_at = $2 where id = $1`, userID, at)
}

func (s *userStore) SetVerificationToken(ctx context.Context, userID, token string, sentAt time.Time) error {
	return s.update(ctx, `
		update users set verification_token = $2, verification_sent_at = $3, updated_at = now()
		where id = $1
	`, userID, nullString(token), sentAt)
}

func (s *userStore) MarkEmailVerified(ctx context.Context, userID string) error {
	return s.update(ctx, `
		update users set email_verified = true, verification_token = null, verification_sent_at = null,
			updated_at = now()
		where id = $1
	`, userID)
}

func (s *userStore) SetResetToken(ctx context.Context, userID, token string, sentAt time.Time) error {
	return s.update(ctx, `
		update users set reset_token = $2, reset_sent_at = $3, updated_at = now()
		where id = $1
	`, userID, nullString(token), sentAt)
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.update(ctx, `
		update users set password_hash = $2, reset_token = null, reset_sent_at = null, updated_at = now()
		where id = $1
	`, userID, passwordHash)
}

func (s *userStore) SetMFASecret(ctx context.Context, userID, sealedSecret string) error {
	return s.update(ctx, `update users set mfa_secret = $2, updated_at = now() where id = $1`, userID, sealedSecret)
}

func (s *userStore) SetMFAEnabled(ctx context.Context, userID string, enabled bool) error {
	return s.update(ctx, `
		update users set mfa_enabled = $2,
			mfa_secret = case when $2 then mfa_secret else '' end,
			updated_at = now()
		where id = $1
	`, userID, enabled)
}
