// Package vin retrieves the vehicle identification number (mode 09 PID 02).
// The full reply spans three-plus CAN frames on every modern vehicle, which
// makes this the operation most sensitive to flow-control tuning.
package vin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/roffe/goelm"
	"github.com/roffe/goelm/pkg/flowctl"
	"github.com/roffe/goelm/pkg/hexutil"
	"github.com/roffe/goelm/pkg/isotp"
	"github.com/roffe/goelm/pkg/proto"
	"github.com/roffe/goelm/pkg/timing"
)

const (
	request = "0902"
	// 49 02 01 + 17 VIN characters.
	minReplyBytes = 20
)

// ErrInvalidVIN marks a decode that produced characters but failed the
// format gate. The decoded string is still returned alongside it so the
// caller can show the user what the vehicle actually said.
var ErrInvalidVIN = errors.New("decoded VIN failed format validation")

// ErrNotReported means the vehicle answered NO DATA or refused service 09,
// which pre-2002 vehicles legitimately do.
var ErrNotReported = errors.New("vehicle does not report a VIN")

// vinPattern: 17 characters, uppercase alphanumerics minus I, O and Q.
var vinPattern = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

// Valid reports whether s is a well-formed VIN.
func Valid(s string) bool {
	return vinPattern.MatchString(s)
}

// Config tunes a Reader. Zero values select the defaults.
type Config struct {
	Logger     goelm.Logger
	Timer      *timing.Adaptive
	TrialOrder []proto.ID
	Attempts   uint          // full detect-and-read cycles, default 3
	Timeout    time.Duration // per-command timeout, default goelm.DefaultTimeout
}

// Reader retrieves the VIN over a channel.
type Reader struct {
	ch       goelm.Channel
	log      goelm.Logger
	det      *proto.Detector
	opt      *flowctl.Optimizer
	attempts uint
	timeout  time.Duration
}

func NewReader(ch goelm.Channel, cfg Config) *Reader {
	if cfg.Logger == nil {
		cfg.Logger = goelm.NopLogger()
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = goelm.DefaultTimeout
	}
	return &Reader{
		ch:  ch,
		log: cfg.Logger,
		det: proto.NewDetector(ch, proto.Config{
			Logger:     cfg.Logger,
			Timer:      cfg.Timer,
			TrialOrder: cfg.TrialOrder,
		}),
		opt:      flowctl.New(ch, cfg.Logger),
		attempts: cfg.Attempts,
		timeout:  cfg.Timeout,
	}
}

// Read retrieves and validates the VIN. Each attempt reconfigures the
// adapter from scratch; a decode that yields the wrong shape is assumed to
// be a framing problem the next cycle may fix. When every attempt decodes
// the same malformed string it is returned together with ErrInvalidVIN
// rather than thrown away.
func (r *Reader) Read(ctx context.Context) (string, error) {
	var (
		vin     string
		invalid string
	)
	err := retry.Do(func() error {
		got, err := r.readOnce(ctx)
		if err != nil {
			return err
		}
		if !Valid(got) {
			invalid = got
			return fmt.Errorf("%w: %q", ErrInvalidVIN, got)
		}
		vin = got
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.log.Debugf("vin attempt %d: %v", n+1, err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrInvalidVIN) && invalid != "" {
			return invalid, ErrInvalidVIN
		}
		return "", err
	}
	return vin, nil
}

// readOnce runs one full cycle: reset, detect, configure, request, decode.
func (r *Reader) readOnce(ctx context.Context) (string, error) {
	if _, err := r.det.Reset(ctx); err != nil {
		return "", classify(err)
	}
	desc, err := r.det.Detect(ctx)
	if err != nil {
		return "", classify(err)
	}
	ecu := r.discoverECU(ctx)
	// Headers stay on for the whole read: a multi-frame reply is only
	// attributable with them, CAN or not.
	if err := r.det.ConfigureKeepHeaders(ctx, desc, ecu); err != nil {
		return "", classify(err)
	}

	resp := r.det.Command(ctx, request, r.timeout)
	switch resp.Kind {
	case goelm.ResponseFailure:
		return "", retry.Unrecoverable(resp.Err)
	case goelm.ResponseTimeout:
		return "", goelm.ErrNoResponse
	}
	raw := resp.Text
	if hexutil.IsNoData(raw) {
		return "", retry.Unrecoverable(ErrNotReported)
	}
	if desc.Family == proto.FamilyCAN && flowctl.NeedsRetune(raw, minReplyBytes) {
		fixed, _, ferr := r.opt.Optimize(ctx, ecu, request, r.timeout,
			flowctl.Candidates(desc.HeaderBits, ecu),
			flowctl.MinLengthValidator(minReplyBytes))
		switch {
		case ferr == nil:
			raw = fixed
		case errors.Is(ferr, flowctl.ErrExhausted):
			if fixed != "" {
				raw = fixed
			}
		default:
			return "", retry.Unrecoverable(ferr)
		}
	}
	if nre := negativeResponse(raw); nre != nil {
		return "", retry.Unrecoverable(fmt.Errorf("%w: %v", ErrNotReported, nre))
	}
	if kw, bad := hexutil.ErrorKeyword(raw); bad {
		return "", fmt.Errorf("vin request: %w: %s", goelm.ErrAdapterError, kw)
	}
	got := decode(raw)
	if got == "" {
		return "", fmt.Errorf("no vin payload in %q", hexutil.Clean(raw))
	}
	return got, nil
}

func (r *Reader) discoverECU(ctx context.Context) string {
	resp := r.det.Command(ctx, proto.TestCommand, r.timeout)
	if !resp.Ok() {
		return ""
	}
	for _, m := range isotp.Reassemble(resp.Text) {
		if m.Header != "" {
			return m.Header
		}
	}
	return ""
}

// decode reassembles raw and extracts the VIN characters from the first
// message carrying the 49 02 signature, or 09 02 for ECUs that echo the
// request service without the +40 shift. The optional record-count byte
// after the signature and any 00 padding are dropped.
func decode(raw string) string {
	sigs := [][]byte{{0x49, 0x02}, {0x09, 0x02}}
	for _, m := range isotp.Reassemble(raw) {
		for _, sig := range sigs {
			i := bytes.Index(m.Data, sig)
			if i < 0 {
				continue
			}
			p := m.Data[i+2:]
			if len(p) > 0 && p[0] == 0x01 {
				p = p[1:]
			}
			p = bytes.Trim(p, "\x00")
			if s := hexutil.ToASCII(p); s != "" {
				return s
			}
		}
	}
	return ""
}

// classify maps channel-level unrecoverable errors to retry stoppers while
// leaving transient detection trouble retryable; the next cycle starts from
// a fresh reset anyway.
func classify(err error) error {
	if !goelm.IsRecoverable(err) {
		return retry.Unrecoverable(err)
	}
	return err
}

func negativeResponse(raw string) error {
	for _, m := range isotp.Reassemble(raw) {
		for i := 0; i+2 < len(m.Data); i++ {
			if m.Data[i] == 0x7F && m.Data[i+1] == 0x09 {
				return &goelm.NegativeResponseError{Service: 0x09, Code: m.Data[i+2]}
			}
		}
	}
	return nil
}
