// Package timing maintains the adaptive inter-command delay for one adapter
// session. Pure bookkeeping, no I/O: the caller waits Delay() between
// commands and reports every outcome back.
package timing

import (
	"fmt"
	"time"
)

// Mode selects how aggressively the adapter itself adapts (ATAT0/1/2).
type Mode int

const (
	ModeOff Mode = iota
	ModeNormal
	ModeAggressive
)

func (m Mode) Command() string {
	return fmt.Sprintf("ATAT%d", int(m))
}

// Config bounds the delay walk.
type Config struct {
	Start     time.Duration
	Min       time.Duration
	Max       time.Duration
	Increment time.Duration
	Decrement time.Duration
	Mode      Mode
}

// DefaultConfig matches what cheap clones tolerate: start at 100ms, walk
// between 50 and 500ms, back off harder than it speeds up.
func DefaultConfig() Config {
	return Config{
		Start:     100 * time.Millisecond,
		Min:       50 * time.Millisecond,
		Max:       500 * time.Millisecond,
		Increment: 50 * time.Millisecond,
		Decrement: 10 * time.Millisecond,
		Mode:      ModeNormal,
	}
}

// Adaptive is the per-session timing state. Not safe for concurrent use; the
// single-outstanding-command invariant means it never needs to be.
type Adaptive struct {
	cfg   Config
	delay time.Duration
}

func New(cfg Config) *Adaptive {
	def := DefaultConfig()
	if cfg == (Config{}) {
		cfg = def
	}
	// Unset fields fall back individually so a partial config never
	// clamps the walk to zero.
	if cfg.Start == 0 {
		cfg.Start = def.Start
	}
	if cfg.Min == 0 {
		cfg.Min = def.Min
	}
	if cfg.Max == 0 {
		cfg.Max = def.Max
	}
	if cfg.Increment == 0 {
		cfg.Increment = def.Increment
	}
	if cfg.Decrement == 0 {
		cfg.Decrement = def.Decrement
	}
	return &Adaptive{cfg: cfg, delay: cfg.Start}
}

// Delay is the current inter-command delay.
func (a *Adaptive) Delay() time.Duration {
	return a.delay
}

// Mode is the configured adapter timing mode.
func (a *Adaptive) Mode() Mode {
	return a.cfg.Mode
}

// SetMode switches the adapter timing mode, used when a protocol wants a more
// aggressive profile (KWP).
func (a *Adaptive) SetMode(m Mode) {
	a.cfg.Mode = m
}

// OnSuccess walks the delay down, clamped at Min.
func (a *Adaptive) OnSuccess() {
	a.delay = clamp(a.delay-a.cfg.Decrement, a.cfg.Min, a.cfg.Max)
}

// OnFailure walks the delay up, clamped at Max.
func (a *Adaptive) OnFailure() {
	a.delay = clamp(a.delay+a.cfg.Increment, a.cfg.Min, a.cfg.Max)
}

// OnResult folds a command outcome into the delay.
func (a *Adaptive) OnResult(ok bool) {
	if ok {
		a.OnSuccess()
	} else {
		a.OnFailure()
	}
}

// Reset restores the start delay exactly, used on protocol re-configuration.
func (a *Adaptive) Reset() {
	a.delay = a.cfg.Start
}

// TimeoutCommand derives the ATST command for the current delay: delay*1.5
// rounded to the ELM 4ms timeout units, clamped to one byte.
func (a *Adaptive) TimeoutCommand() string {
	units := (a.delay.Milliseconds()*3/2 + 3) / 4
	if units < 1 {
		units = 1
	}
	if units > 0xFF {
		units = 0xFF
	}
	return fmt.Sprintf("ATST%02X", units)
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
