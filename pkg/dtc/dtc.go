// Package dtc reads and clears diagnostic trouble codes over an ELM-style
// adapter channel. Each operation configures the adapter from scratch
// (reset, protocol detection, protocol configuration) so a reader can be
// pointed at a cold adapter and just asked for codes.
package dtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/roffe/goelm"
	"github.com/roffe/goelm/pkg/flowctl"
	"github.com/roffe/goelm/pkg/hexutil"
	"github.com/roffe/goelm/pkg/isotp"
	"github.com/roffe/goelm/pkg/proto"
	"github.com/roffe/goelm/pkg/timing"
)

// Mode selects which DTC store to read.
type Mode byte

const (
	ModeCurrent   Mode = 0x03 // confirmed codes
	ModePending   Mode = 0x07 // pending codes
	ModePermanent Mode = 0x0A // permanent codes
)

func (m Mode) String() string {
	switch m {
	case ModeCurrent:
		return "current"
	case ModePending:
		return "pending"
	case ModePermanent:
		return "permanent"
	}
	return fmt.Sprintf("mode %02X", byte(m))
}

// Request is the hex request string for the mode, e.g. "03".
func (m Mode) Request() string {
	return fmt.Sprintf("%02X", byte(m))
}

// responsePrefix is the positive-response marker, mode + 0x40.
func (m Mode) responsePrefix() byte {
	return byte(m) + 0x40
}

const clearService byte = 0x04

// DTC is one decoded trouble code and the ECU header it came from. ECU is
// empty when the protocol runs headerless.
type DTC struct {
	Code string
	ECU  string
}

func (d DTC) String() string {
	if d.ECU == "" {
		return d.Code
	}
	return d.Code + " (" + d.ECU + ")"
}

// MILStatus is the decoded mode 01 PID 01 reply.
type MILStatus struct {
	MILOn bool
	Count int // DTC count reported by the ECU
}

// Config tunes a Reader. Zero values select the defaults.
type Config struct {
	Logger     goelm.Logger
	Timer      *timing.Adaptive // shared adaptive timing state
	TrialOrder []proto.ID       // manual detection order override
	Retries    uint             // mode-request attempts, default 3
	RetryDelay time.Duration    // fixed delay between attempts, default 300ms
	Timeout    time.Duration    // per-command timeout, default goelm.DefaultTimeout
}

// Reader runs DTC operations over a channel.
type Reader struct {
	ch         goelm.Channel
	log        goelm.Logger
	det        *proto.Detector
	opt        *flowctl.Optimizer
	retries    uint
	retryDelay time.Duration
	timeout    time.Duration
}

func NewReader(ch goelm.Channel, cfg Config) *Reader {
	if cfg.Logger == nil {
		cfg.Logger = goelm.NopLogger()
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 300 * time.Millisecond
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
		opt:        flowctl.New(ch, cfg.Logger),
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.Timeout,
	}
}

// Detector exposes the underlying protocol detector, mainly so callers can
// inspect the last raw response after a failure.
func (r *Reader) Detector() *proto.Detector {
	return r.det
}

// prepare resets the adapter, detects the protocol and configures it,
// returning the descriptor and the primary ECU response header.
func (r *Reader) prepare(ctx context.Context) (proto.Descriptor, string, error) {
	if _, err := r.det.Reset(ctx); err != nil {
		return proto.Descriptor{}, "", err
	}
	desc, err := r.det.Detect(ctx)
	if err != nil {
		return proto.Descriptor{}, "", err
	}
	ecu := r.discoverECU(ctx)
	if err := r.det.Configure(ctx, desc, ecu); err != nil {
		return proto.Descriptor{}, "", err
	}
	return desc, ecu, nil
}

// discoverECU probes with the supported-PIDs request and returns the first
// response header seen. Headerless protocols yield "".
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

// Read retrieves codes from the store mode selects. A NO DATA reply and an
// empty positive reply both mean the store is empty, not that the read
// failed.
func (r *Reader) Read(ctx context.Context, mode Mode) ([]DTC, error) {
	desc, ecu, err := r.prepare(ctx)
	if err != nil {
		return nil, err
	}
	return r.readCodes(ctx, desc, ecu, mode)
}

// readCodes issues the mode request against an already configured adapter.
func (r *Reader) readCodes(ctx context.Context, desc proto.Descriptor, ecu string, mode Mode) ([]DTC, error) {
	var (
		codes   []DTC
		retuned bool
	)
	err := retry.Do(func() error {
		resp := r.det.Command(ctx, mode.Request(), r.timeout)
		switch resp.Kind {
		case goelm.ResponseFailure:
			return retry.Unrecoverable(resp.Err)
		case goelm.ResponseTimeout:
			return goelm.ErrNoResponse
		}
		raw := resp.Text
		if hexutil.IsNoData(raw) {
			codes = nil
			return nil
		}
		if desc.Family == proto.FamilyCAN && !retuned && flowctl.NeedsRetune(raw, 0) {
			retuned = true
			fixed, _, ferr := r.opt.Optimize(ctx, ecu, mode.Request(), r.timeout,
				flowctl.Candidates(desc.HeaderBits, ecu), markerValidator(mode.responsePrefix()))
			switch {
			case ferr == nil:
				raw = fixed
			case errors.Is(ferr, flowctl.ErrExhausted):
				// Soft failure: decode whatever the walk last saw.
				if fixed != "" {
					raw = fixed
				}
			default:
				return retry.Unrecoverable(ferr)
			}
		}
		if kw, bad := hexutil.ErrorKeyword(raw); bad {
			return fmt.Errorf("read %s codes: %w: %s", mode, goelm.ErrAdapterError, kw)
		}
		got, derr := decodeResponse(raw, mode)
		if derr != nil {
			var nre *goelm.NegativeResponseError
			if errors.As(derr, &nre) {
				return retry.Unrecoverable(derr)
			}
			return derr
		}
		codes = got
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(r.retries),
		retry.Delay(r.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.log.Debugf("read %s codes attempt %d: %v", mode, n+1, err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// Clear erases stored codes (mode 04) and verifies the result by re-reading
// the current store. The MIL status afterwards is advisory only: some ECUs
// keep the lamp commanded until a drive cycle completes.
func (r *Reader) Clear(ctx context.Context) error {
	desc, ecu, err := r.prepare(ctx)
	if err != nil {
		return err
	}
	err = retry.Do(func() error {
		resp := r.det.Command(ctx, fmt.Sprintf("%02X", clearService), r.timeout)
		switch resp.Kind {
		case goelm.ResponseFailure:
			return retry.Unrecoverable(resp.Err)
		case goelm.ResponseTimeout:
			return goelm.ErrNoResponse
		}
		if clearAcknowledged(resp.Text) {
			return nil
		}
		if nre := negativeResponse(resp.Text, clearService); nre != nil {
			return retry.Unrecoverable(nre)
		}
		if kw, bad := hexutil.ErrorKeyword(resp.Text); bad {
			return fmt.Errorf("clear codes: %w: %s", goelm.ErrAdapterError, kw)
		}
		return fmt.Errorf("clear codes: unexpected reply %q", hexutil.Clean(resp.Text))
	},
		retry.Context(ctx),
		retry.Attempts(r.retries),
		retry.Delay(r.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}

	remaining, err := r.readCodes(ctx, desc, ecu, ModeCurrent)
	if err != nil {
		return fmt.Errorf("clear verification: %w", err)
	}
	if len(remaining) > 0 {
		return fmt.Errorf("clear verification: %d code(s) still stored", len(remaining))
	}
	if st, serr := r.readStatus(ctx); serr == nil {
		if st.MILOn {
			r.log.Warnf("codes cleared but MIL still commanded on (count %d)", st.Count)
		} else {
			r.log.Debugf("MIL off after clear")
		}
	}
	return nil
}

// ReadStatus fetches the MIL lamp state and DTC count (mode 01 PID 01).
func (r *Reader) ReadStatus(ctx context.Context) (MILStatus, error) {
	if _, _, err := r.prepare(ctx); err != nil {
		return MILStatus{}, err
	}
	return r.readStatus(ctx)
}

func (r *Reader) readStatus(ctx context.Context) (MILStatus, error) {
	resp := r.det.Command(ctx, "0101", r.timeout)
	if !resp.Ok() {
		if resp.Kind == goelm.ResponseFailure {
			return MILStatus{}, resp.Err
		}
		return MILStatus{}, goelm.ErrNoResponse
	}
	for _, m := range isotp.Reassemble(resp.Text) {
		p := afterMarker(m.Data, 0x41)
		if len(p) < 2 || p[0] != 0x01 {
			continue
		}
		return MILStatus{
			MILOn: p[1]&0x80 != 0,
			Count: int(p[1] & 0x7F),
		}, nil
	}
	return MILStatus{}, fmt.Errorf("mil status: no 4101 reply in %q", hexutil.Clean(resp.Text))
}

// decodeResponse reassembles raw and decodes every ECU's positive reply for
// mode. A positive reply carrying zero codes is fine; no positive reply at
// all is an error so the caller retries.
func decodeResponse(raw string, mode Mode) ([]DTC, error) {
	var (
		out   []DTC
		found bool
	)
	for _, m := range isotp.Reassemble(raw) {
		payload := afterMarker(m.Data, mode.responsePrefix())
		if payload == nil {
			if nre := negativeResponseData(m.Data, byte(mode)); nre != nil {
				return nil, nre
			}
			continue
		}
		found = true
		for _, code := range DecodePayload(payload) {
			out = append(out, DTC{Code: code, ECU: m.Header})
		}
	}
	if !found {
		return nil, fmt.Errorf("no %s reply in %q", mode, hexutil.Clean(raw))
	}
	return out, nil
}

// afterMarker returns the bytes after the first occurrence of marker, or nil
// when marker is absent. The marker is searched for rather than assumed at
// offset zero because headers-on KWP lines carry the three header bytes in
// front of it.
func afterMarker(data []byte, marker byte) []byte {
	for i, b := range data {
		if b == marker {
			return data[i+1:]
		}
	}
	return nil
}

// negativeResponseData spots a 7F <service> <nrc> reply in one message.
func negativeResponseData(data []byte, service byte) *goelm.NegativeResponseError {
	p := afterMarker(data, 0x7F)
	if len(p) >= 2 && p[0] == service {
		return &goelm.NegativeResponseError{Service: service, Code: p[1]}
	}
	return nil
}

func negativeResponse(raw string, service byte) *goelm.NegativeResponseError {
	for _, m := range isotp.Reassemble(raw) {
		if nre := negativeResponseData(m.Data, service); nre != nil {
			return nre
		}
	}
	return nil
}

// clearAcknowledged accepts the mode 04 success shapes: a 44 positive
// response, a textual OK, or an empty/prompt-only reply.
func clearAcknowledged(raw string) bool {
	clean := hexutil.Clean(raw)
	if clean == "" || strings.Contains(clean, "OK") {
		return true
	}
	for _, m := range isotp.Reassemble(raw) {
		if afterMarker(m.Data, clearService+0x40) != nil {
			return true
		}
	}
	return false
}

// markerValidator accepts flow-control walk responses that contain a
// positive reply for the awaited service.
func markerValidator(marker byte) flowctl.Validator {
	return func(_ string, msgs []isotp.Message) bool {
		for _, m := range msgs {
			if afterMarker(m.Data, marker) != nil {
				return true
			}
		}
		return false
	}
}
