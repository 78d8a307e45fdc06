package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bottle-gateway/internal/command"
	"bottle-gateway/internal/config"

	"go.uber.org/zap"
)

// ErrSensor covers every way the sensor program can fail to give a reading.
// It is never a "not detected".
var ErrSensor = errors.New("sensor error")

type Reading struct {
	Detected bool `json:"detected"`
	Pin      int  `json:"pin"`
}

// output is what the sensor program prints.
type output struct {
	Detected *bool   `json:"detected"`
	Error    *string `json:"error"`
	Pin      int     `json:"pin"`
}

// Program polls the IR sensor by running an external program.
type Program struct {
	argv    []string
	timeout time.Duration
	run     command.Runner
	log     *zap.Logger
}

type Option func(*Program)

func WithRunner(run command.Runner) Option {
	return func(p *Program) { p.run = run }
}

func New(cfg config.Sensor, lg *zap.Logger, opts ...Option) *Program {
	if lg == nil {
		lg = zap.NewNop()
	}
	p := &Program{
		argv:    cfg.Command,
		timeout: cfg.Timeout,
		run:     command.Exec,
		log:     lg,
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Poll runs the sensor program once.
func (p *Program) Poll(ctx context.Context) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	out, runErr := p.run(ctx, p.argv)
	elapsed := time.Since(start)

	r, err := parse(out)
	if err != nil {
		if runErr != nil {
			err = fmt.Errorf("%w: %w", ErrSensor, runErr)
		}
		p.log.Error("[SENSOR][ERROR] poll failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return Reading{}, err
	}
	if runErr != nil {
		// the program exited non-zero but printed a reading; trust the reading
		p.log.Warn("[SENSOR] non-zero exit with valid output", zap.Error(runErr))
	}

	p.log.Debug("[SENSOR] poll",
		zap.Bool("detected", r.Detected),
		zap.Int("pin", r.Pin),
		zap.Duration("elapsed", elapsed),
	)
	return r, nil
}

func parse(out []byte) (Reading, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return Reading{}, fmt.Errorf("%w: empty output", ErrSensor)
	}
	var o output
	if err := json.Unmarshal(out, &o); err != nil {
		return Reading{}, fmt.Errorf("%w: invalid output: %v", ErrSensor, err)
	}
	if o.Error != nil && *o.Error != "" {
		return Reading{}, fmt.Errorf("%w: %s", ErrSensor, *o.Error)
	}
	if o.Detected == nil {
		return Reading{}, fmt.Errorf("%w: output has no detected field", ErrSensor)
	}
	return Reading{Detected: *o.Detected, Pin: o.Pin}, nil
}
