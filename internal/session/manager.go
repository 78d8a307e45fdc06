package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bottle-gateway/internal/store"

	"go.uber.org/zap"
)

// Session is the persisted record; the manager owns every rule about it.
type Session = store.Session

// Config is the grant policy the manager enforces.
type Config struct {
	// GrantDuration is the access window minted per donation.
	GrantDuration time.Duration
	// Retention is how long an expired session is kept before purge.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		GrantDuration: 5 * time.Minute,
		Retention:     time.Hour,
	}
}

// Stats is the aggregate view for the dashboard.
type Stats struct {
	TotalSessions  int `json:"total_sessions"`
	ActiveSessions int `json:"active_sessions"`
	DonatedCount   int `json:"donated_count"`
	GrantedCount   int `json:"granted_count"`
	BlockedCount   int `json:"blocked_count"`
}

// ============================
// Manager
// ============================

// Manager is the sole authority on session lifecycle:
//   - create (donation / plain connection)
//   - validate + grant
//   - revoke / close
//   - cleanup after the retention window
//
// Every mutation holds the write lock across load -> mutate -> save so two
// requests can never overwrite each other's session. Queries take the read lock.
type Manager struct {
	mu  sync.RWMutex
	st  store.Store
	cfg Config
	log *zap.Logger

	now      func() time.Time
	newToken func() (string, error)
}

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenSource replaces NewToken, for tests.
func WithTokenSource(fn func() (string, error)) Option {
	return func(m *Manager) { m.newToken = fn }
}

func NewManager(st store.Store, cfg Config, lg *zap.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.GrantDuration <= 0 {
		cfg.GrantDuration = def.GrantDuration
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	m := &Manager{
		st:       st,
		cfg:      cfg,
		log:      lg,
		now:      time.Now,
		newToken: NewToken,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

func macNorm(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

// isActive: donated, granted and inside its window.
func isActive(s Session, now time.Time) bool {
	return s.Donated && s.Granted && s.ExpiresAt.After(now)
}

// ============================
// Store access
// ============================

// load reads the store. A corrupt document is logged and treated as empty
// so the kiosk keeps working.
func (m *Manager) load(ctx context.Context) (store.Sessions, error) {
	all, err := m.st.LoadAll(ctx)
	if err == nil {
		return all, nil
	}
	if errors.Is(err, store.ErrCorrupt) {
		m.log.Warn("[SESSION][INTEGRITY] session store unreadable, continuing with empty set",
			zap.Error(err))
		return store.Sessions{}, nil
	}
	m.log.Error("[SESSION][STORE] load failed", zap.Error(err))
	return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func (m *Manager) save(ctx context.Context, all store.Sessions) error {
	if err := m.st.SaveAll(ctx, all); err != nil {
		m.log.Error("[SESSION][STORE] save failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// mutate runs fn inside the write lock. Sessions past the retention window
// are purged first; the document is saved when fn succeeds or anything was
// purged.
func (m *Manager) mutate(ctx context.Context, fn func(all store.Sessions, now time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.load(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	purged := purge(all, now, m.cfg.Retention)

	if ferr := fn(all, now); ferr != nil {
		if purged > 0 {
			_ = m.save(ctx, all)
		}
		return ferr
	}
	if err := m.save(ctx, all); err != nil {
		return err
	}
	if purged > 0 {
		m.log.Debug("[SESSION] purge", zap.Int("purged", purged))
	}
	return nil
}

func (m *Manager) read(ctx context.Context) (store.Sessions, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all, err := m.load(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	return all, m.now(), nil
}

func purge(all store.Sessions, now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)
	n := 0
	for token, s := range all {
		if s.ExpiresAt.Before(cutoff) {
			delete(all, token)
			n++
		}
	}
	return n
}

func activeFor(all store.Sessions, mac string, now time.Time) *Session {
	var best *Session
	for _, s := range all {
		if s.DeviceMAC != mac || !isActive(s, now) {
			continue
		}
		if best == nil || s.ExpiresAt.After(best.ExpiresAt) {
			cp := s
			best = &cp
		}
	}
	return best
}

func (m *Manager) mintToken(all store.Sessions) (string, error) {
	for i := 0; i < 4; i++ {
		tok, err := m.newToken()
		if err != nil {
			return "", err
		}
		if _, taken := all[tok]; !taken {
			return tok, nil
		}
	}
	return "", errors.New("could not mint a unique token")
}

// ============================
// Session API
// ============================

// CreateOption adjusts a new session before it is stored.
type CreateOption func(*Session)

// SynthesizedIdentity records that the device MAC was derived from its
// address rather than read from the neighbour table.
func SynthesizedIdentity(synthesized bool) CreateOption {
	return func(s *Session) { s.Synthesized = synthesized }
}

// CreateDonationSession mints a donated session for the device. A device
// that already holds an active grant is rejected with ErrAlreadyActive.
func (m *Manager) CreateDonationSession(ctx context.Context, mac, ip string, duration time.Duration, opts ...CreateOption) (Session, error) {
	mac = macNorm(mac)
	if duration <= 0 {
		duration = m.cfg.GrantDuration
	}

	var created Session
	err := m.mutate(ctx, func(all store.Sessions, now time.Time) error {
		if active := activeFor(all, mac, now); active != nil {
			return fmt.Errorf("%w: expires at %s", ErrAlreadyActive, active.ExpiresAt.Format(time.RFC3339))
		}

		tok, err := m.mintToken(all)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		created = Session{
			Token:           tok,
			DeviceMAC:       mac,
			DeviceIP:        ip,
			Donated:         true,
			CreatedAt:       now,
			ExpiresAt:       now.Add(duration),
			DurationSeconds: int(duration / time.Second),
		}
		for _, o := range opts {
			o(&created)
		}
		all[tok] = created
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	m.log.Info("[SESSION] create",
		zap.String("mac", mac),
		zap.String("ip", ip),
		zap.Duration("duration", duration),
		zap.Bool("bottle_donated", true),
		zap.Bool("synthesized", created.Synthesized),
	)
	return created, nil
}

// RegisterConnection records a device that reached the portal without a
// bottle. It never authorizes anything but shows up in the blocked count.
// An unexpired session for the device is returned instead of a new one.
func (m *Manager) RegisterConnection(ctx context.Context, mac, ip string, opts ...CreateOption) (Session, error) {
	mac = macNorm(mac)

	var out Session
	err := m.mutate(ctx, func(all store.Sessions, now time.Time) error {
		for _, s := range all {
			if s.DeviceMAC == mac && s.ExpiresAt.After(now) {
				out = s
				return nil
			}
		}
		tok, err := m.mintToken(all)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		out = Session{
			Token:           tok,
			DeviceMAC:       mac,
			DeviceIP:        ip,
			CreatedAt:       now,
			ExpiresAt:       now.Add(m.cfg.GrantDuration),
			DurationSeconds: int(m.cfg.GrantDuration / time.Second),
		}
		for _, o := range opts {
			o(&out)
		}
		all[tok] = out
		return nil
	})
	return out, err
}

// check applies the grant rules in diagnostic order:
// existence -> donation -> identity -> expiry -> one active grant per device.
func check(all store.Sessions, token, mac string, now time.Time) (Session, error) {
	s, ok := all[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !s.Donated {
		return s, ErrNotDonated
	}
	if s.DeviceMAC != mac {
		return s, ErrIdentityMismatch
	}
	if !now.Before(s.ExpiresAt) {
		return s, ErrExpired
	}
	if !s.Granted {
		if other := activeFor(all, mac, now); other != nil && other.Token != token {
			return s, ErrAlreadyActive
		}
	}
	return s, nil
}

// Authorize runs the grant checks without mutating anything. The bool
// reports whether the session was already granted.
func (m *Manager) Authorize(ctx context.Context, token, mac string) (Session, bool, error) {
	all, now, err := m.read(ctx)
	if err != nil {
		return Session{}, false, err
	}
	s, err := check(all, token, macNorm(mac), now)
	if err != nil {
		return Session{}, false, err
	}
	return s, s.Granted, nil
}

// RejectClaim returns the denial for a grant request whose claimed device
// identity disagrees with the resolved one. Existence and donation are still
// reported first so the diagnostic order holds.
func (m *Manager) RejectClaim(ctx context.Context, token string) error {
	all, _, err := m.read(ctx)
	if err != nil {
		return err
	}
	s, ok := all[token]
	switch {
	case !ok:
		return ErrNotFound
	case !s.Donated:
		return ErrNotDonated
	}
	return ErrIdentityMismatch
}

// ValidateAndGrant validates the token for the device and marks it granted.
// Granting an already granted session is a no-op success.
func (m *Manager) ValidateAndGrant(ctx context.Context, token, mac string) (Session, error) {
	if _, _, err := m.Authorize(ctx, token, mac); err != nil {
		return Session{}, err
	}
	return m.MarkGranted(ctx, token, mac)
}

// MarkGranted re-checks the session under the write lock and commits the
// grant. Callers run it after the firewall rule is in place.
func (m *Manager) MarkGranted(ctx context.Context, token, mac string) (Session, error) {
	mac = macNorm(mac)

	var out Session
	var changed bool
	err := m.mutate(ctx, func(all store.Sessions, now time.Time) error {
		s, err := check(all, token, mac, now)
		if err != nil {
			return err
		}
		if !s.Granted {
			t := now
			s.Granted = true
			s.GrantedAt = &t
			all[token] = s
			changed = true
		}
		out = s
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	if changed {
		m.log.Info("[SESSION] grant",
			zap.String("mac", mac),
			zap.Time("expires_at", out.ExpiresAt),
		)
	}
	return out, nil
}

// ActiveSessionFor returns the device's donated, granted, unexpired session.
func (m *Manager) ActiveSessionFor(ctx context.Context, mac string) (*Session, error) {
	all, now, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	return activeFor(all, macNorm(mac), now), nil
}

// CleanupExpired purges sessions that expired more than retention ago.
// Safe to call redundantly.
func (m *Manager) CleanupExpired(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = m.cfg.Retention
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.load(ctx)
	if err != nil {
		return 0, err
	}
	n := purge(all, m.now(), retention)
	if n == 0 {
		return 0, nil
	}
	if err := m.save(ctx, all); err != nil {
		return 0, err
	}
	m.log.Info("[SESSION] cleanup", zap.Int("removed", n))
	return n, nil
}

// Revoke ends a session's window now. Granted stays true for history.
func (m *Manager) Revoke(ctx context.Context, token string) (Session, error) {
	var out Session
	err := m.mutate(ctx, func(all store.Sessions, now time.Time) error {
		s, ok := all[token]
		if !ok {
			return ErrNotFound
		}
		if s.RevokedAt == nil {
			t := now
			s.RevokedAt = &t
			if s.ExpiresAt.After(now) {
				s.ExpiresAt = now
			}
			all[token] = s
		}
		out = s
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	m.log.Info("[SESSION] revoke", zap.String("mac", out.DeviceMAC))
	return out, nil
}

// PendingClose lists granted sessions whose window ended but whose firewall
// rule was not yet removed.
func (m *Manager) PendingClose(ctx context.Context) ([]Session, error) {
	all, now, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range all {
		if s.Granted && s.ClosedAt == nil && !s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// MarkClosed records that the device's firewall rule was removed.
func (m *Manager) MarkClosed(ctx context.Context, token string) error {
	return m.mutate(ctx, func(all store.Sessions, now time.Time) error {
		s, ok := all[token]
		if !ok {
			return ErrNotFound
		}
		if s.ClosedAt == nil {
			t := now
			s.ClosedAt = &t
			all[token] = s
		}
		return nil
	})
}

func (m *Manager) Get(ctx context.Context, token string) (Session, error) {
	all, _, err := m.read(ctx)
	if err != nil {
		return Session{}, err
	}
	s, ok := all[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// List returns every retained session, newest first.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	all, _, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(all))
	for _, s := range all {
		out = append(out, s)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].Token < ss[j].Token
		}
		return ss[i].CreatedAt.After(ss[j].CreatedAt)
	})
}

// Stats counts over unexpired sessions, except TotalSessions which counts
// everything retained.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	all, now, err := m.read(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{TotalSessions: len(all)}
	nonDonated := 0
	for _, s := range all {
		if !s.ExpiresAt.After(now) {
			continue
		}
		st.ActiveSessions++
		if !s.Donated {
			nonDonated++
			continue
		}
		st.DonatedCount++
		if s.Granted {
			st.GrantedCount++
		}
	}
	st.BlockedCount = st.DonatedCount - st.GrantedCount + nonDonated
	return st, nil
}
