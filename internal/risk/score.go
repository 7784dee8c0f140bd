package risk

import "time"

// Policy holds factor weights and decision thresholds.
type Policy struct {
	NewDevice           int
	NewLocation         int
	ImpossibleTravel    int
	UnusualTime         int
	MultipleFailed      int
	CompromisedPassword int

	BlockAt      int
	RequireMFAAt int

	// KnownLocationKm is the radius within which a prior location counts as known.
	KnownLocationKm float64
	// MaxSpeedKmh is the fastest plausible travel between two logins.
	MaxSpeedKmh float64
	// UnusualTimeMinHistory is the number of successful logins needed before
	// hour-of-day is considered.
	UnusualTimeMinHistory int
	// UnusualTimeShare is the share of past logins below which an hour is unusual.
	UnusualTimeShare float64
	// MaxFailures is the failure count that must be exceeded within FailureWindow.
	MaxFailures   int
	FailureWindow time.Duration
}

// DefaultPolicy returns the standard weights and thresholds.
func DefaultPolicy() Policy {
	return Policy{
		NewDevice:             20,
		NewLocation:           20,
		ImpossibleTravel:      50,
		UnusualTime:           15,
		MultipleFailed:        30,
		CompromisedPassword:   100,
		BlockAt:               80,
		RequireMFAAt:          50,
		KnownLocationKm:       50,
		MaxSpeedKmh:           1000,
		UnusualTimeMinHistory: 5,
		UnusualTimeShare:      0.1,
		MaxFailures:           3,
		FailureWindow:         time.Hour,
	}
}

// Decide maps a score onto an action.
func (p Policy) Decide(score int) Action {
	switch {
	case score >= p.BlockAt:
		return ActionBlock
	case score >= p.RequireMFAAt:
		return ActionRequireMFA
	default:
		return ActionAllow
	}
}

// Evaluate scores attempt against a snapshot. It performs no I/O and takes no locks.
func (p Policy) Evaluate(snap Snapshot, attempt Attempt, compromised bool) Assessment {
	var (
		factors []TriggeredFactor
		total   int
	)
	add := func(f Factor, w int) {
		factors = append(factors, TriggeredFactor{Name: f, Weight: w})
		total += w
	}

	var history []LoginRecord
	for _, rec := range snap.History {
		if rec.Success {
			history = append(history, rec)
		}
	}

	if len(history) > 0 {
		if !knownDevice(history, attempt.DeviceID) {
			add(FactorNewDevice, p.NewDevice)
		}
		if attempt.Location != nil {
			if !p.knownLocation(history, *attempt.Location) {
				add(FactorNewLocation, p.NewLocation)
			}
			if p.impossibleTravel(history, *attempt.Location, attempt.Timestamp) {
				add(FactorImpossibleTravel, p.ImpossibleTravel)
			}
		}
		if p.unusualTime(history, attempt.Timestamp) {
			add(FactorUnusualTime, p.UnusualTime)
		}
	}

	f := snap.Failures
	if f.Count > p.MaxFailures && attempt.Timestamp.Sub(f.LastAttempt) < p.FailureWindow {
		add(FactorMultipleFailed, p.MultipleFailed)
	}
	if compromised {
		add(FactorCompromisedPassword, p.CompromisedPassword)
	}

	score := total
	if score > 100 {
		score = 100
	}
	if factors == nil {
		factors = []TriggeredFactor{}
	}
	return Assessment{Score: score, Factors: factors, Action: p.Decide(score)}
}

func knownDevice(history []LoginRecord, deviceID string) bool {
	for _, rec := range history {
		if rec.DeviceID == deviceID {
			return true
		}
	}
	return false
}

func (p Policy) knownLocation(history []LoginRecord, here GeoLocation) bool {
	for _, rec := range history {
		if rec.Location != nil && Distance(*rec.Location, here) <= p.KnownLocationKm {
			return true
		}
	}
	return false
}

func (p Policy) impossibleTravel(history []LoginRecord, here GeoLocation, at time.Time) bool {
	for _, rec := range history {
		if rec.Location == nil {
			continue
		}
		if Speed(*rec.Location, rec.Timestamp, here, at) > p.MaxSpeedKmh {
			return true
		}
	}
	return false
}

func (p Policy) unusualTime(history []LoginRecord, at time.Time) bool {
	if len(history) < p.UnusualTimeMinHistory {
		return false
	}
	hour := at.UTC().Hour()
	var same int
	for _, rec := range history {
		if rec.Timestamp.UTC().Hour() == hour {
			same++
		}
	}
	return float64(same)/float64(len(history)) < p.UnusualTimeShare
}
