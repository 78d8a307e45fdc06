package enforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bottle-gateway/internal/command"
	"bottle-gateway/internal/config"
	"bottle-gateway/internal/identity"

	"go.uber.org/zap"
)

var (
	// ErrInvalidMAC is returned before the program is ever run.
	ErrInvalidMAC = errors.New("invalid device mac")
	// ErrFailed means the firewall program did not confirm the change.
	ErrFailed = errors.New("firewall control failed")
)

type result struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Firewall opens and closes per-device forwarding by running the firewall
// control program:
//
//	<cmd> grant <mac> <minutes>
//	<cmd> revoke <mac>
type Firewall struct {
	argv    []string
	timeout time.Duration
	run     command.Runner
	log     *zap.Logger
}

type Option func(*Firewall)

func WithRunner(run command.Runner) Option {
	return func(f *Firewall) { f.run = run }
}

func New(cfg config.Enforcer, lg *zap.Logger, opts ...Option) *Firewall {
	if lg == nil {
		lg = zap.NewNop()
	}
	f := &Firewall{
		argv:    cfg.Command,
		timeout: cfg.Timeout,
		run:     command.Exec,
		log:     lg,
	}
	if f.timeout <= 0 {
		f.timeout = 5 * time.Second
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func checkMAC(mac string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(mac), "all") {
		return "", fmt.Errorf("%w: refusing %q", ErrInvalidMAC, mac)
	}
	n, ok := identity.NormalizeMAC(mac)
	if !ok || !identity.ValidMAC(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return n, nil
}

// Grant allows forwarding for mac for the given minutes.
func (f *Firewall) Grant(ctx context.Context, mac string, minutes int) error {
	n, err := checkMAC(mac)
	if err != nil {
		return err
	}
	if minutes <= 0 {
		minutes = 1
	}
	return f.invoke(ctx, "grant", n, strconv.Itoa(minutes))
}

// Revoke removes the forwarding rule for mac.
func (f *Firewall) Revoke(ctx context.Context, mac string) error {
	n, err := checkMAC(mac)
	if err != nil {
		return err
	}
	return f.invoke(ctx, "revoke", n)
}

func (f *Firewall) invoke(ctx context.Context, action string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	argv := command.WithArgs(f.argv, append([]string{action}, args...)...)

	start := time.Now()
	out, runErr := f.run(ctx, argv)
	elapsed := time.Since(start)

	err := parse(out)
	if err != nil && runErr != nil {
		err = fmt.Errorf("%w: %w", ErrFailed, runErr)
	}
	if err != nil {
		f.log.Error("[FIREWALL][ERROR] "+action,
			zap.Strings("args", args),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return err
	}

	f.log.Info("[FIREWALL] "+action,
		zap.Strings("args", args),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func parse(out []byte) error {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return fmt.Errorf("%w: empty output", ErrFailed)
	}
	var r result
	if err := json.Unmarshal(out, &r); err != nil {
		return fmt.Errorf("%w: invalid output: %v", ErrFailed, err)
	}
	if r.Success == nil {
		return fmt.Errorf("%w: output has no success field", ErrFailed)
	}
	if !*r.Success {
		msg := r.Error
		if msg == "" {
			msg = r.Message
		}
		return fmt.Errorf("%w: %s", ErrFailed, msg)
	}
	return nil
}
