// Package session owns the top-level adapter connection state machine:
// Undefined → Initializing → DetectingProtocol → EcuDetecting → Connected,
// with Error, CommandFailed and Disconnected reachable from anywhere.
// Connected and Disconnected are the only rest states.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roffe/goelm"
	"github.com/roffe/goelm/pkg/hexutil"
	"github.com/roffe/goelm/pkg/isotp"
	"github.com/roffe/goelm/pkg/proto"
	"github.com/roffe/goelm/pkg/timing"
)

// demoSignature in the reset banner marks a simulated adapter. Protocol
// detection is skipped entirely for those, there is no bus to probe.
const demoSignature = "OBDSIM"

// Config tunes a Session. Zero values select the defaults.
type Config struct {
	Logger      goelm.Logger
	OnStatus    goelm.StatusFunc
	Timer       *timing.Adaptive
	TrialOrder  []proto.ID
	AutoRetries int
	Timeout     time.Duration // per-command timeout, default goelm.DefaultTimeout
}

// Session drives one adapter connection. All methods serialize on the
// session mutex; the transport is half-duplex, one command outstanding.
type Session struct {
	ch       goelm.Channel
	log      goelm.Logger
	onStatus goelm.StatusFunc
	det      *proto.Detector
	timeout  time.Duration

	connectGroup singleflight.Group

	mu      sync.Mutex
	status  goelm.Status
	desc    proto.Descriptor
	ecus    []string
	primary string
	pids    []byte
	demo    bool
}

func New(ch goelm.Channel, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = goelm.NopLogger()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = goelm.DefaultTimeout
	}
	return &Session{
		ch:       ch,
		log:      cfg.Logger,
		onStatus: cfg.OnStatus,
		det: proto.NewDetector(ch, proto.Config{
			Logger:      cfg.Logger,
			Timer:       cfg.Timer,
			TrialOrder:  cfg.TrialOrder,
			AutoRetries: cfg.AutoRetries,
		}),
		timeout: cfg.Timeout,
		status:  goelm.StatusUndefined,
	}
}

// Detector exposes the protocol detector sharing this session's channel and
// timing state, for callers that run the service engines themselves.
func (s *Session) Detector() *proto.Detector {
	return s.det
}

// Status returns the current state-machine state.
func (s *Session) Status() goelm.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Protocol returns the detected protocol. ok is false before a successful
// connect and in demo mode.
func (s *Session) Protocol() (proto.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc, s.desc.ID != proto.Auto
}

// ECUs lists the header addresses that answered the discovery probe.
func (s *Session) ECUs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ecus))
	copy(out, s.ecus)
	return out
}

// PrimaryECU is the discovery winner the flow-control defaults target.
func (s *Session) PrimaryECU() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// SupportedPIDs lists the mode 01 PIDs the primary ECU advertised during
// discovery, decoded from the 0100 bitmask.
func (s *Session) SupportedPIDs() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.pids))
	copy(out, s.pids)
	return out
}

// Demo reports whether the connected adapter is a simulator.
func (s *Session) Demo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demo
}

func (s *Session) setStatus(st goelm.Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed && s.onStatus != nil {
		s.onStatus(st)
	}
}

// Connect runs the full connection sequence. Concurrent callers coalesce:
// a second Connect while one is in flight waits for and shares the first
// attempt's outcome. On failure the session reverts to Disconnected with
// all protocol and ECU state cleared.
func (s *Session) Connect(ctx context.Context) error {
	_, err, _ := s.connectGroup.Do("connect", func() (interface{}, error) {
		return nil, s.connect(ctx)
	})
	return err
}

func (s *Session) connect(ctx context.Context) error {
	s.setStatus(goelm.StatusInitializing)

	banner, err := s.det.Reset(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", goelm.ErrConnectionFailed, err))
	}
	if strings.Contains(banner, demoSignature) {
		s.log.Infof("simulated adapter detected: %s", banner)
		s.mu.Lock()
		s.demo = true
		s.mu.Unlock()
		s.setStatus(goelm.StatusConnected)
		return nil
	}

	s.setStatus(goelm.StatusDetectingProtocol)
	desc, err := s.det.Detect(ctx)
	if err != nil {
		return s.fail(err)
	}

	s.setStatus(goelm.StatusEcuDetecting)
	ecus, pids := s.discoverECUs(ctx)
	primary := pickPrimary(ecus)
	if err := s.det.Configure(ctx, desc, primary); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.desc = desc
	s.ecus = ecus
	s.primary = primary
	s.pids = pids
	s.demo = false
	s.mu.Unlock()
	s.setStatus(goelm.StatusConnected)
	s.log.Infof("connected: %s, %d ecu(s), primary %q", desc.Name, len(ecus), primary)
	return nil
}

// fail emits Error, clears everything and rests at Disconnected.
func (s *Session) fail(err error) error {
	s.log.Errorf("connect failed: %v", err)
	s.setStatus(goelm.StatusError)
	s.clear()
	s.setStatus(goelm.StatusDisconnected)
	return err
}

func (s *Session) clear() {
	s.mu.Lock()
	s.desc = proto.Descriptor{}
	s.ecus = nil
	s.primary = ""
	s.pids = nil
	s.demo = false
	s.mu.Unlock()
}

// discoverECUs probes with the supported-PIDs request, collects every
// header that answered and decodes the first PID bitmask seen. Best effort:
// a silent bus yields an empty list and the flow-control defaults fall back
// to the conventional address.
func (s *Session) discoverECUs(ctx context.Context) ([]string, []byte) {
	resp := s.det.Command(ctx, proto.TestCommand, s.timeout)
	if !resp.Ok() {
		return nil, nil
	}
	var (
		ecus []string
		pids []byte
		seen = map[string]bool{}
	)
	for _, m := range isotp.Reassemble(resp.Text) {
		if pids == nil {
			if mask := pidMask(m.Data); mask != nil {
				pids = proto.SupportedPIDs(mask)
			}
		}
		if m.Header == "" || seen[m.Header] {
			continue
		}
		seen[m.Header] = true
		ecus = append(ecus, m.Header)
	}
	return ecus, pids
}

// pidMask extracts the four bitmask bytes following a 41 00 marker.
func pidMask(data []byte) []byte {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == 0x41 && data[i+1] == 0x00 {
			mask := data[i+2:]
			if len(mask) > 4 {
				mask = mask[:4]
			}
			return mask
		}
	}
	return nil
}

// pickPrimary prefers the conventional first-engine-ECU addresses, then the
// first responder.
func pickPrimary(ecus []string) string {
	for _, want := range []string{"7E8", "18DAF110"} {
		for _, e := range ecus {
			if e == want {
				return e
			}
		}
	}
	if len(ecus) > 0 {
		return ecus[0]
	}
	return ""
}

// Disconnect always attempts a protocol close, swallows its failures,
// clears all session state and rests at Disconnected.
func (s *Session) Disconnect(ctx context.Context) {
	s.det.Close(ctx)
	s.clear()
	s.setStatus(goelm.StatusDisconnected)
}

// ReadVoltage asks the adapter for the vehicle battery voltage (ATRV).
// Works in demo mode too; simulators answer it.
func (s *Session) ReadVoltage(ctx context.Context) (string, error) {
	if st := s.Status(); st != goelm.StatusConnected && st != goelm.StatusCommandFailed {
		return "", goelm.ErrNotConnected
	}
	resp := s.det.Command(ctx, "ATRV", s.timeout)
	switch resp.Kind {
	case goelm.ResponseFailure:
		s.setStatus(goelm.StatusCommandFailed)
		return "", resp.Err
	case goelm.ResponseTimeout:
		s.setStatus(goelm.StatusCommandFailed)
		return "", goelm.ErrNoResponse
	}
	v := hexutil.Clean(resp.Text)
	if kw, bad := hexutil.ErrorKeyword(v); bad {
		s.setStatus(goelm.StatusCommandFailed)
		return "", fmt.Errorf("read voltage: %w: %s", goelm.ErrAdapterError, kw)
	}
	s.setStatus(goelm.StatusConnected)
	return v, nil
}
