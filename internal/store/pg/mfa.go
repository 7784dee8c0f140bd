package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SibhatG/betterauth/internal/auth"
)

type recoveryRow struct {
	ID        string       `db:"id"`
	UserID    string       `db:"user_id"`
	CodeHash  string       `db:"code_hash"`
	Used      bool         `db:"used"`
	UsedAt    sql.NullTime `db:"used_at"`
	CreatedAt time.Time    `db:"created_at"`
}

type recoveryStore struct{ db *sqlx.DB }

func (s *recoveryStore) Replace(ctx context.Context, userID string, codes []*auth.RecoveryCode) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from recovery_codes where user_id = $1`, userID); err != nil {
		return err
	}
	for _, c := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into recovery_codes (id, user_id, code_hash, used, created_at)
			values ($1,$2,$3,false,$4)
		`, c.ID, userID, c.CodeHash, c.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *recoveryStore) ListUnused(ctx context.Context, userID string) ([]*auth.RecoveryCode, error) {
	var rows []recoveryRow
	err := s.db.SelectContext(ctx, &rows, `
		select id, user_id, code_hash, used, used_at, created_at
		from recovery_codes where user_id = $1 and used = false
		order by id
	`, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*auth.RecoveryCode, 0, len(rows))
	for _, r := range rows {
		out = append(out, &auth.RecoveryCode{
			ID:        r.ID,
			UserID:    r.UserID,
			CodeHash:  r.CodeHash,
			Used:      r.Used,
			UsedAt:    timePtr(r.UsedAt),
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *recoveryStore) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update recovery_codes set used = true, used_at = $2
		where id = $1 and used = false
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *recoveryStore) DeleteAll(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from recovery_codes where user_id = $1`, userID)
	return err
}

type credentialRow struct {
	ID         string       `db:"id"`
	UserID     string       `db:"user_id"`
	PublicKey  []byte       `db:"public_key"`
	Counter    int64        `db:"counter"`
	Name       string       `db:"name"`
	CreatedAt  time.Time    `db:"created_at"`
	LastUsedAt sql.NullTime `db:"last_used_at"`
}

func (r credentialRow) credential() *auth.WebAuthnCredential {
	return &auth.WebAuthnCredential{
		ID:         r.ID,
		UserID:     r.UserID,
		PublicKey:  r.PublicKey,
		Counter:    uint32(r.Counter),
		Name:       r.Name,
		CreatedAt:  r.CreatedAt,
		LastUsedAt: timePtr(r.LastUsedAt),
	}
}

const credentialColumns = `id, user_id, public_key, counter, name, created_at, last_used_at`

type credentialStore struct{ db *sqlx.DB }

func (s *credentialStore) Add(ctx context.Context, c *auth.WebAuthnCredential) error {
	_, err := s.db.ExecContext(ctx, `
		insert into webauthn_credentials (id, user_id, public_key, counter, name, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.UserID, c.PublicKey, int64(c.Counter), c.Name, c.CreatedAt)
	if _, ok := isUniqueViolation(err); ok {
		return auth.ErrCredentialExists
	}
	return err
}

func (s *credentialStore) Find(ctx context.Context, id string) (*auth.WebAuthnCredential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `select `+credentialColumns+` from webauthn_credentials where id = $1`, id)
	if err != nil {
		return nil, notFound(err, auth.ErrNotFound)
	}
	return row.credential(), nil
}

func (s *credentialStore) ListByUser(ctx context.Context, userID string) ([]*auth.WebAuthnCredential, error) {
	var rows []credentialRow
	err := s.db.SelectContext(ctx, &rows, `
		select `+credentialColumns+` from webauthn_credentials
		where user_id = $1 order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*auth.WebAuthnCredential, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.credential())
	}
	return out, nil
}

func (s *credentialStore) AdvanceCounter(ctx context.Context, id string, counter uint32, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update webauthn_credentials set counter = $2, last_used_at = $3
		where id = $1 and counter < $2
	`, id, int64(counter), usedAt)
	err = expectRow(res, err, auth.ErrCounterNotIncreased)
	if !errors.Is(err, auth.ErrCounterNotIncreased) {
		return err
	}
	if _, ferr := s.Find(ctx, id); ferr != nil {
		return ferr
	}
	return err
}
