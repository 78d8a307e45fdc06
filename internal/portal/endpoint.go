package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bottle-gateway/internal/accounting"
	"bottle-gateway/internal/audit"
	"bottle-gateway/internal/identity"
	"bottle-gateway/internal/logger"
	"bottle-gateway/internal/metrics"
	"bottle-gateway/internal/sensor"
	"bottle-gateway/internal/session"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSensor: the detection could not be read. Never a "not detected".
	ErrSensor = errors.New("detection sensor unavailable")
	// ErrAdapterFailure: the firewall rule could not be changed. Retryable.
	ErrAdapterFailure = errors.New("network enforcement failed")
)

const (
	CodeSensor         = "SENSOR_ERROR"
	CodeAdapterFailure = "ADAPTER_FAILURE"
	CodeUnresolved     = "IDENTITY_UNRESOLVED"
)

// Code maps any error returned by the endpoint to its reason code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSensor):
		return CodeSensor
	case errors.Is(err, ErrAdapterFailure):
		return CodeAdapterFailure
	case errors.Is(err, identity.ErrUnresolved):
		return CodeUnresolved
	}
	return session.Code(err)
}

type Sensor interface {
	Poll(ctx context.Context) (sensor.Reading, error)
}

type Enforcer interface {
	Grant(ctx context.Context, mac string, minutes int) error
	Revoke(ctx context.Context, mac string) error
}

type Resolver interface {
	Resolve(ctx context.Context, ip string) (identity.Identity, error)
}

type Detection struct {
	Detected bool
	Session  session.Session
}

type GrantOutcome struct {
	Session        session.Session
	AlreadyGranted bool
}

type SweepResult struct {
	Closed int `json:"closed"`
	Failed int `json:"failed"`
	Purged int `json:"purged"`
}

// Deps wires the endpoint. Sessions, Sensor, Enforcer and Resolver are
// required; the rest default to no-ops.
type Deps struct {
	Sessions   *session.Manager
	Sensor     Sensor
	Enforcer   Enforcer
	Resolver   Resolver
	Accounting accounting.Accountant
	Audit      *audit.Logger
	Recycling  *audit.RecyclingLog
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// AdapterTimeout bounds each firewall call.
	AdapterTimeout time.Duration
	Now            func() time.Time
}

// ============================
// Endpoint
// ============================

// Endpoint turns sensor events and grant requests into session changes and
// firewall rules. A session is only marked granted after the firewall
// confirmed the rule.
type Endpoint struct {
	sessions  *session.Manager
	sensor    Sensor
	fw        Enforcer
	resolver  Resolver
	acct      accounting.Accountant
	audit     *audit.Logger
	recycling *audit.RecyclingLog
	metrics   *metrics.Metrics
	log       *zap.Logger

	adapterTimeout time.Duration
	now            func() time.Time

	inflight singleflight.Group
	devices  deviceLocks
}

func New(d Deps) *Endpoint {
	e := &Endpoint{
		sessions:       d.Sessions,
		sensor:         d.Sensor,
		fw:             d.Enforcer,
		resolver:       d.Resolver,
		acct:           d.Accounting,
		audit:          d.Audit,
		recycling:      d.Recycling,
		metrics:        d.Metrics,
		log:            d.Logger,
		adapterTimeout: d.AdapterTimeout,
		now:            d.Now,
	}
	if e.acct == nil {
		e.acct = accounting.Noop{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.adapterTimeout <= 0 {
		e.adapterTimeout = 5 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Endpoint) Sessions() *session.Manager { return e.sessions }

// Identify resolves the peer address to the device identity sessions are
// bound to.
func (e *Endpoint) Identify(ctx context.Context, ip string) (identity.Identity, error) {
	id, err := e.resolver.Resolve(ctx, ip)
	if err != nil {
		e.metrics.Denial(CodeUnresolved)
		return identity.Identity{}, err
	}
	return id, nil
}

// ============================
// Detection
// ============================

// Detect polls the sensor for the device at ip. A positive reading creates a
// donated session for that device.
func (e *Endpoint) Detect(ctx context.Context, ip, userAgent string) (Detection, error) {
	lg := logger.WithContext(ctx, e.log)

	id, err := e.Identify(ctx, ip)
	if err != nil {
		return Detection{}, err
	}

	start := time.Now()
	reading, err := e.sensor.Poll(ctx)
	e.metrics.ObserveAdapter("sensor", "poll", err, time.Since(start))
	if err != nil {
		e.metrics.Detection("error")
		e.metrics.Denial(CodeSensor)
		lg.Error("[DETECT][SENSOR] poll failed", zap.String("mac", id.MAC), zap.Error(err))
		return Detection{}, fmt.Errorf("%w: %w", ErrSensor, err)
	}
	if !reading.Detected {
		e.metrics.Detection("empty")
		lg.Info("[DETECT] no bottle", zap.String("mac", id.MAC))
		// the device still counts as blocked
		if _, err := e.sessions.RegisterConnection(ctx, id.MAC, id.IP,
			session.SynthesizedIdentity(id.Synthesized)); err != nil {
			lg.Warn("[DETECT] register connection failed", zap.String("mac", id.MAC), zap.Error(err))
		}
		return Detection{Detected: false}, nil
	}

	e.metrics.Detection("detected")
	s, err := e.onDetection(ctx, id, userAgent)
	if err != nil {
		return Detection{}, err
	}
	return Detection{Detected: true, Session: s}, nil
}

// OnDetectionEvent records a positive detection for the device: a donated
// session plus a recycling log entry.
func (e *Endpoint) OnDetectionEvent(ctx context.Context, mac, ip string) (session.Session, error) {
	return e.onDetection(ctx, identity.Identity{MAC: mac, IP: ip}, "")
}

func (e *Endpoint) onDetection(ctx context.Context, id identity.Identity, userAgent string) (session.Session, error) {
	lg := logger.WithContext(ctx, e.log)
	mac := id.MAC

	s, err := e.sessions.CreateDonationSession(ctx, mac, id.IP, 0,
		session.SynthesizedIdentity(id.Synthesized))
	if err != nil {
		e.metrics.Denial(session.Code(err))
		if session.IsDenial(err) {
			lg.Info("[DETECT] rejected", zap.String("mac", mac), zap.String("reason", session.Code(err)))
		} else {
			lg.Error("[DETECT] create session failed", zap.String("mac", mac), zap.Error(err))
		}
		return session.Session{}, err
	}

	if e.recycling != nil {
		if err := e.recycling.Append(audit.Donation{
			Timestamp:      s.CreatedAt,
			DeviceMAC:      s.DeviceMAC,
			DeviceIP:       s.DeviceIP,
			MinutesGranted: s.DurationSeconds / 60,
			UserAgent:      userAgent,
		}); err != nil {
			lg.Warn("[DETECT] recycling log append failed", zap.Error(err))
		}
	}

	e.audit.Write(map[string]any{
		"event":       "bottle.detected",
		"mac":         s.DeviceMAC,
		"ip":          s.DeviceIP,
		"expires_at":  s.ExpiresAt.Unix(),
		"synthesized": s.Synthesized,
		"request_id":  logger.RequestID(ctx),
	})

	lg.Info("[DETECT] bottle donated",
		zap.String("mac", s.DeviceMAC),
		zap.Time("expires_at", s.ExpiresAt),
	)
	return s, nil
}

// ============================
// Grant
// ============================

// OnGrantRequest validates the token for the device, opens the firewall and
// commits the grant. Concurrent requests for the same token and device share
// one adapter call, which outlives the caller that started it.
func (e *Endpoint) OnGrantRequest(ctx context.Context, token, mac string) (GrantOutcome, error) {
	key := token + "|" + mac
	v, err, _ := e.inflight.Do(key, func() (any, error) {
		// grant plus a possible rollback
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*e.adapterTimeout)
		defer cancel()
		return e.grant(sctx, token, mac)
	})
	if err != nil {
		return GrantOutcome{}, err
	}
	return v.(GrantOutcome), nil
}

// OnClaimedGrantRequest is OnGrantRequest for a client that also named its
// device identity. A claim that disagrees with the resolved identity is
// denied, after the token's existence and donation were checked.
func (e *Endpoint) OnClaimedGrantRequest(ctx context.Context, token, mac, claimed string) (GrantOutcome, error) {
	if claimed == "" || claimed == mac {
		return e.OnGrantRequest(ctx, token, mac)
	}
	lg := logger.WithContext(ctx, e.log)
	err := e.sessions.RejectClaim(ctx, token)
	if errors.Is(err, session.ErrIdentityMismatch) {
		lg.Warn("[GRANT] claimed identity differs from peer",
			zap.String("claimed", claimed),
			zap.String("resolved", mac),
		)
	}
	e.deny(lg, mac, err)
	return GrantOutcome{}, err
}

func (e *Endpoint) grant(ctx context.Context, token, mac string) (GrantOutcome, error) {
	lg := logger.WithContext(ctx, e.log)

	// one firewall change per device at a time; a second token for the
	// same device sees the first grant and is denied before touching it
	unlock := e.devices.lock(strings.ToLower(strings.TrimSpace(mac)))
	defer unlock()

	s, already, err := e.sessions.Authorize(ctx, token, mac)
	if err != nil {
		e.deny(lg, mac, err)
		return GrantOutcome{}, err
	}
	if already {
		e.metrics.Grant("repeat")
		return GrantOutcome{Session: s, AlreadyGranted: true}, nil
	}

	if err := e.callFirewall(ctx, "grant", s.DeviceMAC, minutesLeft(s, e.now())); err != nil {
		e.metrics.Grant("failed")
		e.metrics.Denial(CodeAdapterFailure)
		lg.Error("[GRANT][FIREWALL] rule not applied", zap.String("mac", s.DeviceMAC), zap.Error(err))
		return GrantOutcome{}, fmt.Errorf("%w: %w", ErrAdapterFailure, err)
	}

	granted, err := e.sessions.MarkGranted(ctx, token, mac)
	if err != nil {
		// rule is open but the grant was not recorded; take it back
		if rerr := e.callFirewall(ctx, "revoke", s.DeviceMAC, 0); rerr != nil {
			lg.Error("[GRANT][FIREWALL] rollback failed", zap.String("mac", s.DeviceMAC), zap.Error(rerr))
		}
		e.deny(lg, mac, err)
		return GrantOutcome{}, err
	}

	if err := e.acct.Start(ctx, granted); err != nil {
		lg.Warn("[GRANT][RADIUS] accounting start failed", zap.Error(err))
	}
	e.audit.Write(map[string]any{
		"event":      "access.granted",
		"mac":        granted.DeviceMAC,
		"ip":         granted.DeviceIP,
		"expires_at": granted.ExpiresAt.Unix(),
		"request_id": logger.RequestID(ctx),
	})
	e.metrics.Grant("granted")
	lg.Info("[GRANT] internet access granted",
		zap.String("mac", granted.DeviceMAC),
		zap.Time("expires_at", granted.ExpiresAt),
	)
	return GrantOutcome{Session: granted}, nil
}

func (e *Endpoint) deny(lg *zap.Logger, mac string, err error) {
	code := session.Code(err)
	e.metrics.Denial(code)
	if session.IsDenial(err) {
		e.metrics.Grant("denied")
		lg.Info("[GRANT] denied", zap.String("mac", mac), zap.String("reason", code))
		return
	}
	e.metrics.Grant("failed")
	lg.Error("[GRANT] failed", zap.String("mac", mac), zap.Error(err))
}

// minutesLeft rounds the remaining window up so the firewall never closes
// before the session expires.
func minutesLeft(s session.Session, now time.Time) int {
	left := s.ExpiresAt.Sub(now)
	m := int((left + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

func (e *Endpoint) callFirewall(ctx context.Context, action, mac string, minutes int) error {
	actx, cancel := context.WithTimeout(ctx, e.adapterTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if action == "grant" {
		err = e.fw.Grant(actx, mac, minutes)
	} else {
		err = e.fw.Revoke(actx, mac)
	}
	e.metrics.ObserveAdapter("firewall", action, err, time.Since(start))
	return err
}

// ============================
// Revoke / Sweep
// ============================

// Revoke ends the session now and closes its firewall rule. When the
// firewall call fails the session stays revoked and the sweeper retries.
func (e *Endpoint) Revoke(ctx context.Context, token string) (session.Session, error) {
	lg := logger.WithContext(ctx, e.log)

	s, err := e.sessions.Revoke(ctx, token)
	if err != nil {
		return session.Session{}, err
	}
	e.audit.Write(map[string]any{
		"event":      "access.revoked",
		"mac":        s.DeviceMAC,
		"request_id": logger.RequestID(ctx),
	})

	if !s.Granted || s.ClosedAt != nil {
		return s, nil
	}
	if err := e.close(ctx, s, accounting.StopRevoked); err != nil {
		lg.Error("[REVOKE][FIREWALL] rule not removed", zap.String("mac", s.DeviceMAC), zap.Error(err))
		return s, fmt.Errorf("%w: %w", ErrAdapterFailure, err)
	}
	lg.Info("[REVOKE] access revoked", zap.String("mac", s.DeviceMAC))
	return e.sessions.Get(ctx, token)
}

// close removes the device's firewall rule for s and records it. When the
// device already holds a newer active grant the rule belongs to that grant
// and stays in place.
func (e *Endpoint) close(ctx context.Context, s session.Session, cause accounting.StopCause) error {
	unlock := e.devices.lock(s.DeviceMAC)
	defer unlock()

	active, err := e.sessions.ActiveSessionFor(ctx, s.DeviceMAC)
	if err != nil {
		return err
	}
	if active != nil && active.Token != s.Token {
		e.log.Info("[FIREWALL] rule kept for newer grant", zap.String("mac", s.DeviceMAC))
	} else if err := e.callFirewall(ctx, "revoke", s.DeviceMAC, 0); err != nil {
		return err
	}
	if err := e.sessions.MarkClosed(ctx, s.Token); err != nil {
		return err
	}
	if err := e.acct.Stop(ctx, s, cause); err != nil {
		e.log.Warn("[RADIUS] accounting stop failed", zap.String("mac", s.DeviceMAC), zap.Error(err))
	}
	return nil
}

// Sweep closes the firewall rules of grants whose window passed, then purges
// sessions past retention.
func (e *Endpoint) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	pending, err := e.sessions.PendingClose(ctx)
	if err != nil {
		return res, err
	}
	for _, s := range pending {
		cause := accounting.StopExpired
		if s.RevokedAt != nil {
			cause = accounting.StopRevoked
		}
		if err := e.close(ctx, s, cause); err != nil {
			res.Failed++
			e.log.Warn("[SWEEP] close failed", zap.String("mac", s.DeviceMAC), zap.Error(err))
			continue
		}
		res.Closed++
	}

	res.Purged, err = e.sessions.CleanupExpired(ctx, 0)
	if err != nil {
		return res, err
	}
	if res.Closed+res.Failed+res.Purged > 0 {
		e.log.Info("[SWEEP] done",
			zap.Int("closed", res.Closed),
			zap.Int("failed", res.Failed),
			zap.Int("purged", res.Purged),
		)
	}
	return res, nil
}

// Status returns the device's active session, or nil.
func (e *Endpoint) Status(ctx context.Context, mac string) (*session.Session, error) {
	return e.sessions.ActiveSessionFor(ctx, mac)
}
