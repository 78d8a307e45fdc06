package portal

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bottle-gateway/internal/accounting"
	"bottle-gateway/internal/audit"
	"bottle-gateway/internal/identity"
	"bottle-gateway/internal/sensor"
	"bottle-gateway/internal/session"
	"bottle-gateway/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	devMAC = "aa:bb:cc:dd:ee:ff"
	devIP  = "10.6.6.23"
)

// ============================
// fakes
// ============================

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSensor struct {
	reading sensor.Reading
	err     error
}

func (f *fakeSensor) Poll(context.Context) (sensor.Reading, error) { return f.reading, f.err }

type fakeFirewall struct {
	mu      sync.Mutex
	grants  []string
	minutes []int
	revokes []string

	grantErr  error
	revokeErr error
	onGrant   func()
	calls     atomic.Int32
}

func (f *fakeFirewall) Grant(ctx context.Context, mac string, minutes int) error {
	f.calls.Add(1)
	if f.onGrant != nil {
		f.onGrant()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantErr != nil {
		return f.grantErr
	}
	f.grants = append(f.grants, mac)
	f.minutes = append(f.minutes, minutes)
	return nil
}

func (f *fakeFirewall) Revoke(_ context.Context, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revokes = append(f.revokes, mac)
	return nil
}

type fakeResolver map[string]string

func (f fakeResolver) Resolve(_ context.Context, ip string) (identity.Identity, error) {
	mac, ok := f[ip]
	if !ok {
		return identity.Identity{}, identity.ErrUnresolved
	}
	return identity.Identity{MAC: mac, IP: ip}, nil
}

// synthResolver always falls back to an address-derived MAC.
type synthResolver struct{}

func (synthResolver) Resolve(_ context.Context, ip string) (identity.Identity, error) {
	return identity.Identity{MAC: "02:00:0a:06:06:17", IP: ip, Synthesized: true}, nil
}

type fakeAccounting struct {
	mu     sync.Mutex
	starts []string
	stops  []accounting.StopCause
}

func (f *fakeAccounting) Start(_ context.Context, s session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, s.Token)
	return nil
}

func (f *fakeAccounting) Stop(_ context.Context, _ session.Session, cause accounting.StopCause) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, cause)
	return nil
}

type harness struct {
	ep        *Endpoint
	mgr       *session.Manager
	clk       *clock
	sensor    *fakeSensor
	fw        *fakeFirewall
	acct      *fakeAccounting
	auditBuf  *bytes.Buffer
	recycling *audit.RecyclingLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mgr := session.NewManager(store.NewMemoryStore(), session.DefaultConfig(), nil, session.WithClock(clk.Now))

	rec, err := audit.NewRecyclingLog(filepath.Join(t.TempDir(), "recycling_data.jsonl"))
	require.NoError(t, err)

	h := &harness{
		mgr:       mgr,
		clk:       clk,
		sensor:    &fakeSensor{reading: sensor.Reading{Detected: true, Pin: 17}},
		fw:        &fakeFirewall{},
		acct:      &fakeAccounting{},
		auditBuf:  &bytes.Buffer{},
		recycling: rec,
	}
	h.ep = New(Deps{
		Sessions:   mgr,
		Sensor:     h.sensor,
		Enforcer:   h.fw,
		Resolver:   fakeResolver{devIP: devMAC, "10.6.6.24": "11:22:33:44:55:66"},
		Accounting: h.acct,
		Audit:      audit.NewWithWriter(true, "k", h.auditBuf),
		Recycling:  rec,
		Now:        clk.Now,
	})
	return h
}

func (h *harness) detect(t *testing.T) session.Session {
	t.Helper()
	d, err := h.ep.Detect(context.Background(), devIP, "kiosk-browser")
	require.NoError(t, err)
	require.True(t, d.Detected)
	return d.Session
}

// ============================
// Detection
// ============================

func TestDetect_CreatesDonatedSession(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)

	assert.True(t, s.Donated)
	assert.False(t, s.Granted)
	assert.Equal(t, devMAC, s.DeviceMAC)
	assert.Equal(t, 300*time.Second, s.ExpiresAt.Sub(s.CreatedAt))

	hist, err := h.recycling.Tail(10)
	require.NoError(t, err)
	require.Equal(t, 1, hist.TotalBottles)
	assert.Equal(t, 5, hist.Recent[0].MinutesGranted)
	assert.Equal(t, "kiosk-browser", hist.Recent[0].UserAgent)

	assert.Contains(t, h.auditBuf.String(), `"event":"bottle.detected"`)
}

func TestDetect_NotDetectedRegistersBlockedDevice(t *testing.T) {
	h := newHarness(t)
	h.sensor.reading = sensor.Reading{Detected: false}

	d, err := h.ep.Detect(context.Background(), devIP, "")
	require.NoError(t, err)
	assert.False(t, d.Detected)

	all, err := h.mgr.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Donated)
	assert.Equal(t, devMAC, all[0].DeviceMAC)

	// a second empty poll does not add another session
	_, err = h.ep.Detect(context.Background(), devIP, "")
	require.NoError(t, err)

	st, err := h.mgr.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.BlockedCount)
	assert.Zero(t, st.DonatedCount)

	hist, err := h.recycling.Tail(10)
	require.NoError(t, err)
	assert.Zero(t, hist.TotalBottles)
}

func TestDetect_RecordsSynthesizedIdentity(t *testing.T) {
	h := newHarness(t)
	ep := New(Deps{
		Sessions: h.mgr,
		Sensor:   h.sensor,
		Enforcer: h.fw,
		Resolver: synthResolver{},
		Audit:    audit.NewWithWriter(true, "k", h.auditBuf),
		Now:      h.clk.Now,
	})

	d, err := ep.Detect(context.Background(), devIP, "")
	require.NoError(t, err)
	assert.True(t, d.Session.Synthesized)

	got, err := h.mgr.Get(context.Background(), d.Session.Token)
	require.NoError(t, err)
	assert.True(t, got.Synthesized)
	assert.Contains(t, h.auditBuf.String(), `"synthesized":true`)
}

func TestDetect_SensorErrorIsNotNegative(t *testing.T) {
	h := newHarness(t)
	h.sensor.err = sensor.ErrSensor

	_, err := h.ep.Detect(context.Background(), devIP, "")
	require.ErrorIs(t, err, ErrSensor)
	assert.Equal(t, CodeSensor, Code(err))

	all, err := h.mgr.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDetect_Unresolved(t *testing.T) {
	h := newHarness(t)
	_, err := h.ep.Detect(context.Background(), "fe80::1", "")
	assert.ErrorIs(t, err, identity.ErrUnresolved)
	assert.Equal(t, CodeUnresolved, Code(err))
}

func TestDetect_AlreadyActive(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)
	_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)

	_, err = h.ep.Detect(context.Background(), devIP, "")
	assert.ErrorIs(t, err, session.ErrAlreadyActive)
	assert.Equal(t, session.CodeAlreadyActive, Code(err))
}

func TestOnDetectionEvent(t *testing.T) {
	h := newHarness(t)
	s, err := h.ep.OnDetectionEvent(context.Background(), "AA:BB:CC:DD:EE:FF", devIP)
	require.NoError(t, err)
	assert.Equal(t, devMAC, s.DeviceMAC)
	assert.True(t, s.Donated)
}

// ============================
// Grant
// ============================

func TestGrant_OpensFirewallThenMarksGranted(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)

	out, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)
	assert.False(t, out.AlreadyGranted)
	assert.True(t, out.Session.Granted)

	assert.Equal(t, []string{devMAC}, h.fw.grants)
	assert.Equal(t, []int{5}, h.fw.minutes)
	assert.Equal(t, []string{s.Token}, h.acct.starts)
	assert.Contains(t, h.auditBuf.String(), `"event":"access.granted"`)
}

func TestGrant_IdempotentSingleAdapterCall(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)

	_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)
	again, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)

	assert.True(t, again.AlreadyGranted)
	assert.Equal(t, int32(1), h.fw.calls.Load())
}

func TestGrant_ConcurrentFirstGrantsShareOneAdapterCall(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)

	release := make(chan struct{})
	h.fw.onGrant = func() { <-release }

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), h.fw.calls.Load())
}

func TestGrant_AdapterFailureLeavesSessionUngranted(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)
	h.fw.grantErr = errors.New("iptables: permission denied")

	_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.ErrorIs(t, err, ErrAdapterFailure)
	assert.Equal(t, CodeAdapterFailure, Code(err))

	got, err := h.mgr.Get(context.Background(), s.Token)
	require.NoError(t, err)
	assert.False(t, got.Granted)
	assert.Empty(t, h.acct.starts)

	// retry succeeds once the firewall recovers
	h.fw.grantErr = nil
	out, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)
	assert.True(t, out.Session.Granted)
}

func TestGrant_Denials(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)

	_, err := h.ep.OnGrantRequest(context.Background(), "nope", devMAC)
	assert.Equal(t, session.CodeNotFound, Code(err))

	_, err = h.ep.OnGrantRequest(context.Background(), s.Token, "11:22:33:44:55:66")
	assert.Equal(t, session.CodeIdentityMismatch, Code(err))

	h.clk.Advance(301 * time.Second)
	_, err = h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	assert.Equal(t, session.CodeExpired, Code(err))

	assert.Zero(t, h.fw.calls.Load())
}

func TestGrant_SecondTokenForDeviceKeepsFirstRule(t *testing.T) {
	h := newHarness(t)
	t1 := h.detect(t)
	t2 := h.detect(t)
	require.NotEqual(t, t1.Token, t2.Token)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.fw.onGrant = func() {
		once.Do(func() { close(started) })
		<-release
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, tok := range []string{t1.Token, t2.Token} {
		i, tok := i, tok
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.ep.OnGrantRequest(context.Background(), tok, devMAC)
		}()
	}
	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	denied := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, session.ErrAlreadyActive)
			denied++
		}
	}
	assert.Equal(t, 1, denied)
	assert.Equal(t, int32(1), h.fw.calls.Load())
	assert.Empty(t, h.fw.revokes)

	active, err := h.ep.Status(context.Background(), devMAC)
	require.NoError(t, err)
	require.NotNil(t, active)
}

func TestGrant_SharedCallSurvivesFirstCallerCancel(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h.fw.onGrant = func() {
		close(started)
		<-release
	}

	ctx, cancel := context.WithCancel(context.Background())
	var firstErr, secondErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.ep.OnGrantRequest(ctx, s.Token, devMAC)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, secondErr = h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	assert.Equal(t, int32(1), h.fw.calls.Load())

	got, err := h.mgr.Get(context.Background(), s.Token)
	require.NoError(t, err)
	assert.True(t, got.Granted)
}

func TestClaimedGrant_DiagnosticOrder(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)
	other := "11:22:33:44:55:66"

	_, err := h.ep.OnClaimedGrantRequest(context.Background(), "deadbeef", devMAC, other)
	assert.ErrorIs(t, err, session.ErrNotFound)

	plain, err := h.mgr.RegisterConnection(context.Background(), "22:22:22:22:22:22", "10.6.6.30")
	require.NoError(t, err)
	_, err = h.ep.OnClaimedGrantRequest(context.Background(), plain.Token, "22:22:22:22:22:22", other)
	assert.ErrorIs(t, err, session.ErrNotDonated)

	_, err = h.ep.OnClaimedGrantRequest(context.Background(), s.Token, devMAC, other)
	assert.ErrorIs(t, err, session.ErrIdentityMismatch)
	assert.Zero(t, h.fw.calls.Load())

	out, err := h.ep.OnClaimedGrantRequest(context.Background(), s.Token, devMAC, devMAC)
	require.NoError(t, err)
	assert.True(t, out.Session.Granted)
}

func TestGrant_ExpiryDuringAdapterCallRollsBack(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)
	h.clk.Advance(299 * time.Second)
	h.fw.onGrant = func() { h.clk.Advance(2 * time.Second) }

	_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.ErrorIs(t, err, session.ErrExpired)

	assert.Equal(t, []string{devMAC}, h.fw.revokes)
	got, err := h.mgr.Get(context.Background(), s.Token)
	require.NoError(t, err)
	assert.False(t, got.Granted)
}

func TestMinutesLeft(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := session.Session{ExpiresAt: now.Add(299 * time.Second)}
	assert.Equal(t, 5, minutesLeft(s, now))
	s.ExpiresAt = now.Add(10 * time.Second)
	assert.Equal(t, 1, minutesLeft(s, now))
	s.ExpiresAt = now.Add(-time.Second)
	assert.Equal(t, 1, minutesLeft(s, now))
}

// ============================
// Revoke / Sweep
// ============================

func TestRevoke_ClosesFirewall(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)
	_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)

	r, err := h.ep.Revoke(context.Background(), s.Token)
	require.NoError(t, err)
	require.NotNil(t, r.RevokedAt)
	require.NotNil(t, r.ClosedAt)

	assert.Equal(t, []string{devMAC}, h.fw.revokes)
	assert.Equal(t, []accounting.StopCause{accounting.StopRevoked}, h.acct.stops)

	active, err := h.ep.Status(context.Background(), devMAC)
	require.NoError(t, err)
	assert.Nil(t, active)

	// nothing left for the sweeper
	res, err := h.ep.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Closed)
}

func TestRevoke_FirewallFailureLeftForSweeper(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)
	_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)

	h.fw.revokeErr = errors.New("busy")
	_, err = h.ep.Revoke(context.Background(), s.Token)
	require.ErrorIs(t, err, ErrAdapterFailure)

	h.fw.revokeErr = nil
	res, err := h.ep.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Equal(t, []accounting.StopCause{accounting.StopRevoked}, h.acct.stops)
}

func TestRevoke_UngrantedSessionSkipsFirewall(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)

	_, err := h.ep.Revoke(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Empty(t, h.fw.revokes)

	_, err = h.ep.Revoke(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSweep_ClosesExpiredGrantsAndPurges(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)
	_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)

	res, err := h.ep.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	h.clk.Advance(5 * time.Minute)
	res, err = h.ep.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Equal(t, []string{devMAC}, h.fw.revokes)
	assert.Equal(t, []accounting.StopCause{accounting.StopExpired}, h.acct.stops)

	// idempotent
	res, err = h.ep.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Closed)

	h.clk.Advance(time.Hour + time.Second)
	res, err = h.ep.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
}

func TestSweep_KeepsRuleOfNewerGrant(t *testing.T) {
	h := newHarness(t)
	old := h.detect(t)
	_, err := h.ep.OnGrantRequest(context.Background(), old.Token, devMAC)
	require.NoError(t, err)

	// window ends before the sweeper ran; the device donates again
	h.clk.Advance(301 * time.Second)
	fresh := h.detect(t)
	_, err = h.ep.OnGrantRequest(context.Background(), fresh.Token, devMAC)
	require.NoError(t, err)

	res, err := h.ep.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Empty(t, h.fw.revokes)
	assert.Equal(t, []accounting.StopCause{accounting.StopExpired}, h.acct.stops)

	closed, err := h.mgr.Get(context.Background(), old.Token)
	require.NoError(t, err)
	assert.NotNil(t, closed.ClosedAt)

	active, err := h.ep.Status(context.Background(), devMAC)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, fresh.Token, active.Token)
}

func TestRevoke_OldSessionKeepsRuleOfNewerGrant(t *testing.T) {
	h := newHarness(t)
	old := h.detect(t)
	_, err := h.ep.OnGrantRequest(context.Background(), old.Token, devMAC)
	require.NoError(t, err)

	h.clk.Advance(301 * time.Second)
	fresh := h.detect(t)
	_, err = h.ep.OnGrantRequest(context.Background(), fresh.Token, devMAC)
	require.NoError(t, err)

	r, err := h.ep.Revoke(context.Background(), old.Token)
	require.NoError(t, err)
	assert.NotNil(t, r.ClosedAt)
	assert.Empty(t, h.fw.revokes)

	// revoking the live grant does close the rule
	_, err = h.ep.Revoke(context.Background(), fresh.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{devMAC}, h.fw.revokes)
}

func TestSweep_CountsFailures(t *testing.T) {
	h := newHarness(t)
	s := h.detect(t)
	_, err := h.ep.OnGrantRequest(context.Background(), s.Token, devMAC)
	require.NoError(t, err)

	h.clk.Advance(5 * time.Minute)
	h.fw.revokeErr = errors.New("busy")
	res, err := h.ep.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	pending, err := h.mgr.PendingClose(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
