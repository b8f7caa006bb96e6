package proto

import (
	"context"
	"errors"
	"time"

	"github.com/roffe/goelm"
	"github.com/roffe/goelm/pkg/flowctl"
	"github.com/roffe/goelm/pkg/hexutil"
	"github.com/roffe/goelm/pkg/timing"
)

// TestCommand is the canonical probe: mode 01, supported PIDs 01-20. Every
// OBD-II compliant ECU answers it.
const TestCommand = "0100"

const (
	resetTimeout   = 5 * time.Second
	probeTimeout   = 3 * time.Second
	searchingDelay = 500 * time.Millisecond
)

var errNoProtocol = errors.New("no protocol produced a plausible response")

// Config tunes the detector. Zero values select the defaults.
type Config struct {
	Logger      goelm.Logger
	Timer       *timing.Adaptive
	TrialOrder  []ID
	AutoRetries int
}

// Detector drives adapter reset, automatic and manual protocol detection and
// the protocol-specific configuration that follows.
type Detector struct {
	ch          goelm.Channel
	log         goelm.Logger
	timer       *timing.Adaptive
	trialOrder  []ID
	autoRetries int
	lastResp    string
}

func NewDetector(ch goelm.Channel, cfg Config) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = goelm.NopLogger()
	}
	if cfg.Timer == nil {
		cfg.Timer = timing.New(timing.DefaultConfig())
	}
	if len(cfg.TrialOrder) == 0 {
		cfg.TrialOrder = DefaultTrialOrder()
	}
	if cfg.AutoRetries <= 0 {
		cfg.AutoRetries = 5
	}
	return &Detector{
		ch:          ch,
		log:         cfg.Logger,
		timer:       cfg.Timer,
		trialOrder:  cfg.TrialOrder,
		autoRetries: cfg.AutoRetries,
	}
}

// Timer exposes the adaptive timing state shared with the engines.
func (d *Detector) Timer() *timing.Adaptive {
	return d.timer
}

// LastResponse is the most recent raw adapter reply, kept for diagnosability
// of terminal failures.
func (d *Detector) LastResponse() string {
	return d.lastResp
}

// Command sends cmd through the detector's channel with the adaptive
// inter-command delay applied, the same pathway detection itself uses. The
// service engines issue their mode requests through it so every command on
// the wire feeds the shared timing state.
func (d *Detector) Command(ctx context.Context, cmd string, timeout time.Duration) goelm.Response {
	return d.send(ctx, cmd, timeout)
}

// send waits the adaptive delay, issues cmd and folds the outcome back into
// the timing state.
func (d *Detector) send(ctx context.Context, cmd string, timeout time.Duration) goelm.Response {
	if err := sleep(ctx, d.timer.Delay()); err != nil {
		return goelm.Failure(err)
	}
	d.log.Debugf("<o> %s", cmd)
	resp := d.ch.Send(ctx, cmd, timeout)
	switch resp.Kind {
	case goelm.ResponseOk:
		d.lastResp = resp.Text
		d.log.Debugf("<i> %s", hexutil.Clean(resp.Text))
		d.timer.OnResult(!hexutil.IsError(resp.Text))
	case goelm.ResponseTimeout:
		d.log.Debugf("<i> (timeout)")
		d.timer.OnFailure()
	}
	return resp
}

// Reset issues ATZ and the baseline configuration (echo, linefeeds and
// spaces off, headers on, adaptive timing 1). Returns the reset banner.
// Adapters vary in how strictly they acknowledge the baseline commands, so
// anything short of total silence on ATZ is accepted.
func (d *Detector) Reset(ctx context.Context) (string, error) {
	resp := d.send(ctx, "ATZ", resetTimeout)
	switch resp.Kind {
	case goelm.ResponseFailure:
		return "", resp.Err
	case goelm.ResponseTimeout:
		return "", goelm.ErrNoResponse
	}
	banner := hexutil.Clean(resp.Text)
	d.log.Infof("adapter reset: %s", banner)

	for _, cmd := range []string{"ATE0", "ATL0", "ATS0", "ATH1", timing.ModeNormal.Command()} {
		r := d.send(ctx, cmd, 0)
		if r.Kind == goelm.ResponseFailure {
			return banner, r.Err
		}
		if r.Kind == goelm.ResponseTimeout {
			d.log.Warnf("no reply to %s, continuing", cmd)
		}
	}
	return banner, nil
}

// Detect runs the full algorithm: AUTO first, then the manual trial order.
// The terminal failure carries the last raw response.
func (d *Detector) Detect(ctx context.Context) (Descriptor, error) {
	desc, err := d.detectAuto(ctx)
	if err == nil {
		d.log.Infof("protocol detected (auto): %s", desc.Name)
		return desc, nil
	}
	if !goelm.IsRecoverable(err) {
		return Descriptor{}, err
	}
	d.log.Infof("auto detection inconclusive: %v, walking trial list", err)

	desc, err = d.detectManual(ctx)
	if err == nil {
		d.log.Infof("protocol detected (manual): %s", desc.Name)
		return desc, nil
	}
	if !goelm.IsRecoverable(err) {
		return Descriptor{}, err
	}
	return Descriptor{}, &goelm.DetectionError{LastResponse: d.lastResp, Err: err}
}

func (d *Detector) detectAuto(ctx context.Context) (Descriptor, error) {
	if r := d.send(ctx, Auto.SetCommand(), 0); r.Kind == goelm.ResponseFailure {
		return Descriptor{}, r.Err
	}

	for attempt := 0; attempt < d.autoRetries; attempt++ {
		r := d.send(ctx, TestCommand, probeTimeout)
		switch r.Kind {
		case goelm.ResponseFailure:
			return Descriptor{}, r.Err
		case goelm.ResponseTimeout:
			continue
		}
		if hexutil.IsSearching(r.Text) && !hexutil.IsPlausible(r.Text) {
			// Bus probing still in progress, back off a little more
			// each round.
			if err := sleep(ctx, time.Duration(attempt+1)*searchingDelay); err != nil {
				return Descriptor{}, goelm.Unrecoverable(err)
			}
			continue
		}
		if !hexutil.IsPlausible(r.Text) {
			continue
		}
		// Ask which concrete protocol AUTO landed on.
		dpn := d.send(ctx, "ATDPN", 0)
		if dpn.Kind == goelm.ResponseFailure {
			return Descriptor{}, dpn.Err
		}
		if dpn.Kind == goelm.ResponseOk {
			if id, ok := ParseDPN(dpn.Text); ok && id != Auto {
				return Describe(id), nil
			}
		}
		return Descriptor{}, errors.New("auto selected but protocol number not resolvable")
	}
	return Descriptor{}, errors.New("auto detection exhausted")
}

func (d *Detector) detectManual(ctx context.Context) (Descriptor, error) {
	if r := d.send(ctx, "ATPC", 0); r.Kind == goelm.ResponseFailure {
		return Descriptor{}, r.Err
	}

	for _, id := range d.trialOrder {
		d.log.Debugf("trying protocol %d: %s", int(id), id)
		if r := d.send(ctx, id.TryCommand(), 0); r.Kind == goelm.ResponseFailure {
			return Descriptor{}, r.Err
		}
		r := d.send(ctx, TestCommand, probeTimeout)
		switch r.Kind {
		case goelm.ResponseFailure:
			return Descriptor{}, r.Err
		case goelm.ResponseTimeout:
			continue
		}
		if !hexutil.IsPlausible(r.Text) {
			continue
		}
		// Winner: persist it so it survives a protocol close.
		if p := d.send(ctx, id.SetCommand(), 0); p.Kind == goelm.ResponseFailure {
			return Descriptor{}, p.Err
		}
		return Describe(id), nil
	}
	return Descriptor{}, errNoProtocol
}

// Configure applies the protocol-specific settings after detection: a more
// aggressive adaptive timing profile for KWP, headers on for CAN (and for an
// unknown family, where headers are the only way to attribute lines) and off
// otherwise, and for CAN the auto-formatter plus a proactive default
// flow-control setup aimed at the conventional (or observed) ECU address.
func (d *Detector) Configure(ctx context.Context, desc Descriptor, ecuHeader string) error {
	return d.configure(ctx, desc, ecuHeader, false)
}

// ConfigureKeepHeaders is Configure with headers left on for every protocol
// family. Multi-line replies can only be attributed to their ECU when the
// header bytes are present, so the VIN read uses this variant.
func (d *Detector) ConfigureKeepHeaders(ctx context.Context, desc Descriptor, ecuHeader string) error {
	return d.configure(ctx, desc, ecuHeader, true)
}

func (d *Detector) configure(ctx context.Context, desc Descriptor, ecuHeader string, keepHeaders bool) error {
	mode := timing.ModeNormal
	if desc.Family == FamilyKWP {
		mode = timing.ModeAggressive
	}
	d.timer.SetMode(mode)
	d.timer.Reset()

	cmds := []string{mode.Command(), d.timer.TimeoutCommand()}
	switch {
	case desc.Family == FamilyCAN:
		cmds = append(cmds, "ATH1", "ATCAF1")
		cmds = append(cmds, flowctl.Default(desc.HeaderBits, ecuHeader).Commands()...)
	case keepHeaders, desc.Family == FamilyUnknown:
		cmds = append(cmds, "ATH1")
	default:
		cmds = append(cmds, "ATH0")
	}

	for _, cmd := range cmds {
		if r := d.send(ctx, cmd, 0); r.Kind == goelm.ResponseFailure {
			return r.Err
		}
	}
	return nil
}

// Close sends the protocol-close command. Failure is swallowed: the adapter
// may already be gone, the session is being torn down regardless.
func (d *Detector) Close(ctx context.Context) {
	if r := d.send(ctx, "ATPC", 0); r.Kind != goelm.ResponseOk {
		d.log.Debugf("protocol close not acknowledged")
	}
}

func sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
