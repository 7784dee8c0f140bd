package risk

import (
	"context"
	"time"
)

// GeoLocation is a resolved position for an IP address.
type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// LoginRecord is one entry of a user's login history.
type LoginRecord struct {
	UserID    string
	Timestamp time.Time
	IP        string
	Location  *GeoLocation
	DeviceID  string
	UserAgent string
	Success   bool
}

// FailedAttempts counts failures for a login identifier within one window.
type FailedAttempts struct {
	Identifier   string
	Count        int
	FirstAttempt time.Time
	LastAttempt  time.Time
}

// Attempt describes the login being scored.
type Attempt struct {
	DeviceID  string       `json:"device_id"`
	IP        string       `json:"ip"`
	UserAgent string       `json:"user_agent,omitempty"`
	Location  *GeoLocation `json:"location,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Record turns the attempt into a history entry for userID.
func (a Attempt) Record(userID string, success bool) LoginRecord {
	return LoginRecord{
		UserID:    userID,
		Timestamp: a.Timestamp,
		IP:        a.IP,
		Location:  a.Location,
		DeviceID:  a.DeviceID,
		UserAgent: a.UserAgent,
		Success:   success,
	}
}

// Factor names a triggered risk signal.
type Factor string

const (
	FactorNewDevice           Factor = "new_device"
	FactorNewLocation         Factor = "new_location"
	FactorImpossibleTravel    Factor = "impossible_travel"
	FactorUnusualTime         Factor = "unusual_time"
	FactorMultipleFailed      Factor = "multiple_failed_attempts"
	FactorCompromisedPassword Factor = "compromised_password"
)

// Action is the decision derived from a score.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionRequireMFA Action = "require_mfa"
	ActionBlock      Action = "block"
)

// TriggeredFactor is a risk signal that fired, with the weight it added.
type TriggeredFactor struct {
	Name   Factor `json:"name"`
	Weight int    `json:"weight"`
}

// Assessment is the outcome of scoring one attempt. Factors keep the order
// in which they were evaluated.
type Assessment struct {
	Score   int               `json:"score"`
	Factors []TriggeredFactor `json:"factors"`
	Action  Action            `json:"action"`
}

// Has reports whether f was triggered.
func (a Assessment) Has(f Factor) bool {
	for _, got := range a.Factors {
		if got.Name == f {
			return true
		}
	}
	return false
}

// Names lists the triggered factor names in order.
func (a Assessment) Names() []Factor {
	names := make([]Factor, 0, len(a.Factors))
	for _, f := range a.Factors {
		names = append(names, f.Name)
	}
	return names
}

// Snapshot is the state copied out of a Store for scoring.
type Snapshot struct {
	// History holds the user's successful logins, oldest first.
	History  []LoginRecord
	Failures FailedAttempts
}

// Store persists login history and failure counters.
type Store interface {
	AppendLogin(ctx context.Context, rec LoginRecord) error
	RecordFailure(ctx context.Context, identifier string, at time.Time, window time.Duration) error
	ResetFailures(ctx context.Context, identifier string) error
	Snapshot(ctx context.Context, userID, identifier string) (Snapshot, error)
}
