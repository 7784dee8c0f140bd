package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SibhatG/betterauth/internal/risk"
)

type loginRow struct {
	UserID     string    `db:"user_id"`
	OccurredAt time.Time `db:"occurred_at"`
	IP         string    `db:"ip"`
	DeviceID   string    `db:"device_id"`
	UserAgent  string    `db:"user_agent"`
	Location   []byte    `db:"location"`
	Success    bool      `db:"success"`
}

type failureRow struct {
	Count        int       `db:"count"`
	FirstAttempt time.Time `db:"first_attempt"`
	LastAttempt  time.Time `db:"last_attempt"`
}

func (s *Store) AppendLogin(ctx context.Context, rec risk.LoginRecord) error {
	var location []byte
	if rec.Location != nil {
		raw, err := json.Marshal(rec.Location)
		if err != nil {
			return fmt.Errorf("encode location: %w", err)
		}
		location = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into login_history (user_id, occurred_at, ip, device_id, user_agent, location, success)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, rec.UserID, rec.Timestamp, rec.IP, rec.DeviceID, rec.UserAgent, location, rec.Success)
	return err
}

// RecordFailure restarts the window once the first failure in it is older
// than window, mirroring the in-memory store.
func (s *Store) RecordFailure(ctx context.Context, identifier string, at time.Time, window time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		insert into failed_attempts (identifier, count, first_attempt, last_attempt)
		values ($1, 1, $2, $2)
		on conflict (identifier) do update set
			count = case when failed_attempts.first_attempt < $3 then 1 else failed_attempts.count + 1 end,
			first_attempt = case when failed_attempts.first_attempt < $3 then excluded.first_attempt else failed_attempts.first_attempt end,
			last_attempt = excluded.last_attempt
	`, identifier, at, at.Add(-window))
	return err
}

func (s *Store) ResetFailures(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx, `delete from failed_attempts where identifier = $1`, identifier)
	return err
}

// Snapshot loads the newest successful logins, returned oldest first, and the
// identifier's failure counter.
func (s *Store) Snapshot(ctx context.Context, userID, identifier string) (risk.Snapshot, error) {
	var snap risk.Snapshot
	if userID != "" {
		var rows []loginRow
		err := s.db.SelectContext(ctx, &rows, `
			select user_id, occurred_at, ip, device_id, user_agent, location, success from (
				select user_id, occurred_at, ip, device_id, user_agent, location, success
				from login_history where user_id = $1 and success
				order by occurred_at desc limit $2
			) recent order by occurred_at asc
		`, userID, s.historyLimit)
		if err != nil {
			return risk.Snapshot{}, err
		}
		for _, r := range rows {
			rec := risk.LoginRecord{
				UserID:    r.UserID,
				Timestamp: r.OccurredAt,
				IP:        r.IP,
				DeviceID:  r.DeviceID,
				UserAgent: r.UserAgent,
				Success:   r.Success,
			}
			if len(r.Location) > 0 {
				var loc risk.GeoLocation
				if err := json.Unmarshal(r.Location, &loc); err != nil {
					return risk.Snapshot{}, fmt.Errorf("decode location: %w", err)
				}
				rec.Location = &loc
			}
			snap.History = append(snap.History, rec)
		}
	}
	if identifier != "" {
		var f failureRow
		err := s.db.GetContext(ctx, &f, `
			select count, first_attempt, last_attempt from failed_attempts where identifier = $1
		`, identifier)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return risk.Snapshot{}, err
		default:
			snap.Failures = risk.FailedAttempts{
				Identifier:   identifier,
				Count:        f.Count,
				FirstAttempt: f.FirstAttempt,
				LastAttempt:  f.LastAttempt,
			}
		}
	}
	return snap, nil
}
