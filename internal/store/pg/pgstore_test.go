package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/SibhatG/betterauth/internal/auth"
	"github.com/SibhatG/betterauth/internal/risk"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

var userCols = []string{
	"id", "username", "email", "password_hash", "email_verified", "verification_token",
	"verification_sent_at", "reset_token", "reset_sent_at", "mfa_secret", "mfa_enabled", "active", "admin",
	"last_login_at", "created_at", "updated_at",
}

func TestCreateUserMapsUniqueViolations(t *testing.T) {
	ctx := context.Background()
	cases := map[string]error{
		"users_username_lower_idx": auth.ErrUsernameExists,
		"users_email_lower_idx":    auth.ErrEmailExists,
		"users_pkey":               auth.ErrAlreadyExists,
	}
	for constraint, want := range cases {
		t.Run(constraint, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectExec("insert into users").
				WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: constraint})
			err := s.Users(ctx).Create(ctx, &auth.User{ID: "u1", Username: "alice", Email: "a@example.com"})
			require.ErrorIs(t, err, want)
		})
	}
}

func TestFindByLogin(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select .+ from users where lower\\(username\\) = lower\\(\\$1\\) or lower\\(email\\)").
		WithArgs("Alice").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(
			"u1", "alice", "alice@example.com", "hash", true, nil,
			nil, "reset-token", now, "sealed", true, true, false,
			now, now, now,
		))
	u, err := s.Users(ctx).FindByLogin(ctx, "Alice")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Empty(t, u.VerificationToken)
	require.Nil(t, u.VerificationSentAt)
	require.Equal(t, "reset-token", u.ResetToken)
	require.NotNil(t, u.ResetSentAt)
	require.True(t, u.MFAEnabled)
	require.NotNil(t, u.LastLoginAt)

	mock.ExpectQuery("select .+ from users where").WithArgs("nobody").WillReturnRows(sqlmock.NewRows(userCols))
	_, err = s.Users(ctx).FindByLogin(ctx, "nobody")
	require.ErrorIs(t, err, auth.ErrNotFound)

	_, err = s.Users(ctx).FindByResetToken(ctx, "")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestUserUpdatesReportMissingRows(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)

	mock.ExpectExec("update users set mfa_enabled").WithArgs("u1", false).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Users(ctx).SetMFAEnabled(ctx, "u1", false))

	mock.ExpectExec("update users set password_hash").WithArgs("ghost", "hash").WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.Users(ctx).UpdatePassword(ctx, "ghost", "hash"), auth.ErrNotFound)
}

func TestExistsByEmail(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectQuery("select exists").WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := s.Users(ctx).ExistsByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRotateSession(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	next := &auth.Session{ID: "new", UserID: "u1", TokenHash: "h", ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now}

	t.Run("ok", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("update sessions set revoked = true").WithArgs("old", now).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("insert into sessions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
		require.NoError(t, s.Sessions(ctx).Rotate(ctx, "old", next, now))
	})

	t.Run("already rotated", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("update sessions set revoked = true").WithArgs("old", now).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
		require.ErrorIs(t, s.Sessions(ctx).Rotate(ctx, "old", next, now), auth.ErrInvalidToken)
	})
}

func TestRevokeSession(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s, mock := newMock(t)

	mock.ExpectQuery("with target as").WithArgs("s1", now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	require.NoError(t, s.Sessions(ctx).Revoke(ctx, "s1", now))

	mock.ExpectQuery("with target as").WithArgs("missing", now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	require.ErrorIs(t, s.Sessions(ctx).Revoke(ctx, "missing", now), auth.ErrNotFound)
}

func TestListActiveSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s, mock := newMock(t)
	cols := []string{"id", "user_id", "token_hash", "user_agent", "ip", "expires_at", "revoked", "created_at", "updated_at"}
	mock.ExpectQuery("select .+ from sessions").WithArgs("u1", now).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s2", "u1", "h2", "ua", "ip", now.Add(time.Hour), false, now, now).
			AddRow("s1", "u1", "h1", "ua", "ip", now.Add(time.Hour), false, now.Add(-time.Minute), now))
	out, err := s.Sessions(ctx).ListActive(ctx, "u1", now)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "s2", out[0].ID)
}

func TestMarkRecoveryCodeUsedOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s, mock := newMock(t)

	mock.ExpectExec("update recovery_codes set used = true").WithArgs("c1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update recovery_codes set used = true").WithArgs("c1", now).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.RecoveryCodes(ctx).MarkUsed(ctx, "c1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.RecoveryCodes(ctx).MarkUsed(ctx, "c1", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplaceRecoveryCodes(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from recovery_codes").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec("insert into recovery_codes").WithArgs("c1", "u1", "h1", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into recovery_codes").WithArgs("c2", "u1", "h2", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.RecoveryCodes(ctx).Replace(ctx, "u1", []*auth.RecoveryCode{
		{ID: "c1", CodeHash: "h1", CreatedAt: now},
		{ID: "c2", CodeHash: "h2", CreatedAt: now},
	})
	require.NoError(t, err)
}

func TestAdvanceCounter(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	credCols := []string{"id", "user_id", "public_key", "counter", "name", "created_at", "last_used_at"}

	t.Run("advanced", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec("update webauthn_credentials").WithArgs("k1", int64(5), now).WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, s.Credentials(ctx).AdvanceCounter(ctx, "k1", 5, now))
	})

	t.Run("stale", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec("update webauthn_credentials").WithArgs("k1", int64(5), now).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("select .+ from webauthn_credentials").WithArgs("k1").
			WillReturnRows(sqlmock.NewRows(credCols).AddRow("k1", "u1", []byte{1}, int64(7), "", now, nil))
		require.ErrorIs(t, s.Credentials(ctx).AdvanceCounter(ctx, "k1", 5, now), auth.ErrCounterNotIncreased)
	})

	t.Run("unknown", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec("update webauthn_credentials").WithArgs("k9", int64(5), now).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("select .+ from webauthn_credentials").WithArgs("k9").WillReturnRows(sqlmock.NewRows(credCols))
		require.ErrorIs(t, s.Credentials(ctx).AdvanceCounter(ctx, "k9", 5, now), auth.ErrNotFound)
	})
}

func TestAddCredentialDuplicate(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectExec("insert into webauthn_credentials").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	err := s.Credentials(ctx).Add(ctx, &auth.WebAuthnCredential{ID: "k1", UserID: "u1"})
	require.ErrorIs(t, err, auth.ErrCredentialExists)
}

func TestRecordFailureUsesWindowCutoff(t *testing.T) {
	ctx := context.Background()
	at := time.Now().UTC()
	s, mock := newMock(t)
	mock.ExpectExec("insert into failed_attempts").WithArgs("alice", at, at.Add(-time.Hour)).WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.RecordFailure(ctx, "alice", at, time.Hour))
}

func TestRiskSnapshot(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s, mock := newMock(t)

	mock.ExpectQuery("from login_history").WithArgs("u1", defaultHistoryLimit).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "occurred_at", "ip", "device_id", "user_agent", "location", "success"}).
			AddRow("u1", now.Add(-time.Hour), "203.0.113.1", "d1", "ua", []byte(`{"latitude":51.5,"longitude":-0.12,"city":"London"}`), true).
			AddRow("u1", now, "203.0.113.2", "d2", "ua", nil, true))
	mock.ExpectQuery("from failed_attempts").WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count", "first_attempt", "last_attempt"}).AddRow(4, now.Add(-time.Minute), now))

	snap, err := s.Snapshot(ctx, "u1", "alice")
	require.NoError(t, err)
	require.Len(t, snap.History, 2)
	require.NotNil(t, snap.History[0].Location)
	require.Equal(t, "London", snap.History[0].Location.City)
	require.Nil(t, snap.History[1].Location)
	require.Equal(t, risk.FailedAttempts{Identifier: "alice", Count: 4, FirstAttempt: now.Add(-time.Minute), LastAttempt: now}, snap.Failures)
}

func TestRiskSnapshotWithoutFailures(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectQuery("from failed_attempts").WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"count", "first_attempt", "last_attempt"}))
	snap, err := s.Snapshot(ctx, "", "bob")
	require.NoError(t, err)
	require.Empty(t, snap.History)
	require.Zero(t, snap.Failures.Count)
}
