package store

import "time"

// Session is one donation session as persisted. The store never interprets
// it; lifecycle rules live in the session package.
type Session struct {
	Token     string `json:"token"`
	DeviceMAC string `json:"device_mac"`
	DeviceIP  string `json:"device_ip"`

	// Donated is true only for sessions minted from a real detection event.
	Donated bool `json:"bottle_donated"`
	// Synthesized marks a device identity derived from the IP address because
	// the neighbour table had no entry.
	Synthesized bool `json:"synthesized_identity,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	DurationSeconds int       `json:"duration_seconds"`

	Granted   bool       `json:"internet_granted"`
	GrantedAt *time.Time `json:"internet_granted_at"`

	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	// ClosedAt is set once the firewall rule for a granted session was removed.
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// Sessions maps token -> session.
type Sessions map[string]Session

// Clone returns a deep copy so callers can mutate without touching cached state.
func (s Sessions) Clone() Sessions {
	out := make(Sessions, len(s))
	for k, v := range s {
		out[k] = v.clone()
	}
	return out
}

func (s Session) clone() Session {
	s.GrantedAt = cloneTime(s.GrantedAt)
	s.RevokedAt = cloneTime(s.RevokedAt)
	s.ClosedAt = cloneTime(s.ClosedAt)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
