package accounting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"bottle-gateway/internal/config"
	"bottle-gateway/internal/session"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
)

// StopCause says why an accounting session ended.
type StopCause int

const (
	StopExpired StopCause = iota
	StopRevoked
)

// Accountant reports the start and end of each internet grant.
type Accountant interface {
	Start(ctx context.Context, s session.Session) error
	Stop(ctx context.Context, s session.Session, cause StopCause) error
}

// Noop is used when accounting is disabled.
type Noop struct{}

func (Noop) Start(context.Context, session.Session) error           { return nil }
func (Noop) Stop(context.Context, session.Session, StopCause) error { return nil }

// ============================
// RADIUS
// ============================

type exchangeFunc func(ctx context.Context, packet *radius.Packet, addr string) (*radius.Packet, error)

// Radius sends Accounting-Request Start/Stop packets, one accounting
// session per grant token.
type Radius struct {
	server  string
	secret  []byte
	nasID   string
	timeout time.Duration
	log     *zap.Logger

	exchange exchangeFunc
	now      func() time.Time
}

func NewRadius(cfg config.Accounting, secret string, lg *zap.Logger) *Radius {
	if lg == nil {
		lg = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Radius{
		server:   cfg.Server,
		secret:   []byte(secret),
		nasID:    cfg.NASID,
		timeout:  timeout,
		log:      lg,
		exchange: radius.Exchange,
		now:      time.Now,
	}
}

func (a *Radius) packet(s session.Session, status rfc2866.AcctStatusType) *radius.Packet {
	p := radius.New(radius.CodeAccountingRequest, a.secret)
	rfc2865.UserName_SetString(p, s.DeviceMAC)
	rfc2865.CallingStationID_SetString(p, s.DeviceMAC)
	rfc2865.NASIdentifier_SetString(p, a.nasID)
	if ip := net.ParseIP(s.DeviceIP).To4(); ip != nil {
		rfc2865.FramedIPAddress_Set(p, ip)
	}
	rfc2866.AcctSessionID_SetString(p, s.Token)
	rfc2866.AcctStatusType_Set(p, status)
	return p
}

func (a *Radius) Start(ctx context.Context, s session.Session) error {
	p := a.packet(s, rfc2866.AcctStatusType_Value_Start)
	return a.send(ctx, p, "start", s)
}

func (a *Radius) Stop(ctx context.Context, s session.Session, cause StopCause) error {
	p := a.packet(s, rfc2866.AcctStatusType_Value_Stop)

	var used time.Duration
	if s.GrantedAt != nil {
		end := s.ExpiresAt
		if now := a.now(); now.Before(end) {
			end = now
		}
		used = end.Sub(*s.GrantedAt)
	}
	if used < 0 {
		used = 0
	}
	rfc2866.AcctSessionTime_Set(p, rfc2866.AcctSessionTime(used/time.Second))

	switch cause {
	case StopRevoked:
		rfc2866.AcctTerminateCause_Set(p, rfc2866.AcctTerminateCause_Value_AdminReset)
	default:
		rfc2866.AcctTerminateCause_Set(p, rfc2866.AcctTerminateCause_Value_SessionTimeout)
	}
	return a.send(ctx, p, "stop", s)
}

func (a *Radius) send(ctx context.Context, p *radius.Packet, kind string, s session.Session) error {
	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.exchange(rctx, p, a.server)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("[RADIUS][TIMEOUT] accounting "+kind,
				zap.String("mac", s.DeviceMAC), zap.String("server", a.server), zap.Duration("elapsed", elapsed))
		} else {
			a.log.Warn("[RADIUS][ERROR] accounting "+kind,
				zap.String("mac", s.DeviceMAC), zap.String("server", a.server), zap.Duration("elapsed", elapsed), zap.Error(err))
		}
		return fmt.Errorf("radius accounting %s: %w", kind, err)
	}
	if resp.Code != radius.CodeAccountingResponse {
		return fmt.Errorf("radius accounting %s: unexpected response code %v", kind, resp.Code)
	}

	a.log.Info("[RADIUS] accounting "+kind,
		zap.String("mac", s.DeviceMAC), zap.String("server", a.server), zap.Duration("elapsed", elapsed))
	return nil
}
