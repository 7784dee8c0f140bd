package pg

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SibhatG/betterauth/internal/auth"
)

const sessionColumns = `id, user_id, token_hash, user_agent, ip, expires_at, revoked, created_at, updated_at`

type sessionRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	UserAgent string    `db:"user_agent"`
	IP        string    `db:"ip"`
	ExpiresAt time.Time `db:"expires_at"`
	Revoked   bool      `db:"revoked"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r sessionRow) session() *auth.Session {
	return &auth.Session{
		ID:        r.ID,
		UserID:    r.UserID,
		TokenHash: r.TokenHash,
		UserAgent: r.UserAgent,
		IP:        r.IP,
		ExpiresAt: r.ExpiresAt,
		Revoked:   r.Revoked,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type sessionStore struct{ db *sqlx.DB }

const insertSession = `
	insert into sessions (id, user_id, token_hash, user_agent, ip, expires_at, revoked, created_at, updated_at)
	values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

func sessionArgs(s *auth.Session) []any {
	return []any{s.ID, s.UserID, s.TokenHash, s.UserAgent, s.IP, s.ExpiresAt, s.Revoked, s.CreatedAt, s.UpdatedAt}
}

func (s *sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, insertSession, sessionArgs(sess)...)
	if _, ok := isUniqueViolation(err); ok {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *sessionStore) Find(ctx context.Context, id string) (*auth.Session, error) {
	var row sessionRow
	if err := s.db.GetContext(ctx, &row, `select `+sessionColumns+` from sessions where id = $1`, id); err != nil {
		return nil, notFound(err, auth.ErrNotFound)
	}
	return row.session(), nil
}

func (s *sessionStore) ListActive(ctx context.Context, userID string, now time.Time) ([]*auth.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		select `+sessionColumns+` from sessions
		where user_id = $1 and revoked = false and expires_at > $2
		order by created_at desc
	`, userID, now)
	if err != nil {
		return nil, err
	}
	out := make([]*auth.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.session())
	}
	return out, nil
}

// Rotate relies on the row lock taken by the conditional update: a second
// rotation of the same id waits, then matches zero rows.
func (s *sessionStore) Rotate(ctx context.Context, oldID string, next *auth.Session, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update sessions set revoked = true, updated_at = $2
		where id = $1 and revoked = false and expires_at > $2
	`, oldID, now)
	if err := expectRow(res, err, auth.ErrInvalidToken); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertSession, sessionArgs(next)...); err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return auth.ErrAlreadyExists
		}
		return err
	}
	return tx.Commit()
}

func (s *sessionStore) Revoke(ctx context.Context, id string, at time.Time) error {
	var found bool
	err := s.db.GetContext(ctx, &found, `
		with target as (select id from sessions where id = $1),
		upd as (
			update sessions set revoked = true, updated_at = $2
			where id = $1 and revoked = false
		)
		select exists(select 1 from target)
	`, id, at)
	if err != nil {
		return err
	}
	if !found {
		return auth.ErrNotFound
	}
	return nil
}

func (s *sessionStore) RevokeAll(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update sessions set revoked = true, updated_at = $2
		where user_id = $1 and revoked = false
	`, userID, at)
	return err
}
