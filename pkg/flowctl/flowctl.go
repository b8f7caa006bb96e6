// Package flowctl tunes the adapter's CAN flow-control settings when a
// multi-frame response stalls. It walks a fixed priority list of
// block-size/separation-time/mode tuples against the adapter until the
// request produces a validated response, and remembers the winning tuple per
// ECU header.
package flowctl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/roffe/goelm"
	"github.com/roffe/goelm/pkg/hexutil"
	"github.com/roffe/goelm/pkg/isotp"
)

// ErrExhausted is the soft failure after the whole candidate list struck out.
// The caller proceeds with whatever raw response it last saw.
var ErrExhausted = errors.New("flow control candidates exhausted")

// Params is one flow-control configuration: the header the adapter answers
// multi-frame senders with, and the FC frame it sends (30 BS ST).
type Params struct {
	Header         string
	BlockSize      byte
	SeparationTime byte
	Mode           byte // ATFCSM 0..2
}

// Commands renders the adapter command sequence applying p.
func (p Params) Commands() []string {
	return []string{
		"ATFCSH" + p.Header,
		fmt.Sprintf("ATFCSD30%02X%02X", p.BlockSize, p.SeparationTime),
		"ATFCSM" + strconv.Itoa(int(p.Mode)),
	}
}

func (p Params) String() string {
	return fmt.Sprintf("fc{h:%s bs:%02X st:%02X m:%d}", p.Header, p.BlockSize, p.SeparationTime, p.Mode)
}

// Default is the proactive configuration applied right after protocol
// detection: conventional request header, no block limit, no separation.
func Default(headerBits int, ecuHeader string) Params {
	return Params{Header: RequestHeader(ecuHeader, headerBits), Mode: 1}
}

// RequestHeader derives the tester-to-ECU request header from an observed
// response header. 7E8..7EF answer 7E0..7E7; 29-bit physical responses
// 18DAF1xx are addressed back as 18DAxxF1. Falls back to the conventional
// first-ECU address when nothing real has been observed yet.
func RequestHeader(ecuHeader string, headerBits int) string {
	h := strings.ToUpper(strings.TrimSpace(ecuHeader))
	if headerBits == 29 {
		if len(h) == 8 && strings.HasPrefix(h, "18DAF1") {
			return "18DA" + h[6:] + "F1"
		}
		return "18DA10F1"
	}
	if len(h) == 3 {
		if n, err := strconv.ParseUint(h, 16, 32); err == nil && n >= 0x7E8 && n <= 0x7EF {
			return fmt.Sprintf("%03X", n-8)
		}
	}
	return "7E0"
}

// Candidates is the fixed priority list for one ECU. The order is part of
// the contract: standard auto first, then no-wait and extended-wait
// variants, then block-size variants, and for 29-bit CAN the alternate
// request headers last.
func Candidates(headerBits int, ecuHeader string) []Params {
	hdr := RequestHeader(ecuHeader, headerBits)
	list := []Params{
		{Header: hdr, BlockSize: 0x00, SeparationTime: 0x00, Mode: 1},
		{Header: hdr, BlockSize: 0x00, SeparationTime: 0x0F, Mode: 1},
		{Header: hdr, BlockSize: 0x00, SeparationTime: 0x7F, Mode: 1},
		{Header: hdr, BlockSize: 0x08, SeparationTime: 0x00, Mode: 1},
		{Header: hdr, BlockSize: 0x0F, SeparationTime: 0x0A, Mode: 1},
		{Header: hdr, BlockSize: 0x02, SeparationTime: 0x14, Mode: 1},
		{Header: hdr, BlockSize: 0x00, SeparationTime: 0x00, Mode: 0},
		{Header: hdr, BlockSize: 0x00, SeparationTime: 0x00, Mode: 2},
	}
	if headerBits == 29 {
		for _, alt := range []string{"18DA10F1", "18DA0BF1", "18DA33F1"} {
			if alt == hdr {
				continue
			}
			list = append(list, Params{Header: alt, Mode: 1})
		}
	}
	return list
}

// Validator accepts or rejects the response a candidate produced. msgs is the
// reassembled view of raw.
type Validator func(raw string, msgs []isotp.Message) bool

// MinLengthValidator passes any reassembled message of at least n bytes.
func MinLengthValidator(n int) Validator {
	return func(_ string, msgs []isotp.Message) bool {
		for _, m := range msgs {
			if len(m.Data) >= n {
				return true
			}
		}
		return false
	}
}

// NeedsRetune reports whether raw shows the flow-control failure signature:
// an explicit buffer/feedback error, or a reply too short to be the
// multi-frame message the caller expected (minBytes reassembled).
func NeedsRetune(raw string, minBytes int) bool {
	if kw, ok := hexutil.ErrorKeyword(raw); ok {
		return kw == "BUFFER FULL" || kw == "FB ERROR"
	}
	if minBytes <= 0 {
		return false
	}
	for _, m := range isotp.Reassemble(raw) {
		if len(m.Data) >= minBytes {
			return false
		}
	}
	return true
}

// Optimizer drives the candidate walk over one command channel. The winning
// Params are cached per ECU header so later requests to the same ECU skip
// straight to them.
type Optimizer struct {
	ch    goelm.Channel
	log   goelm.Logger
	cache *ttlcache.Cache[string, Params]
}

func New(ch goelm.Channel, log goelm.Logger) *Optimizer {
	if log == nil {
		log = goelm.NopLogger()
	}
	return &Optimizer{
		ch:  ch,
		log: log,
		cache: ttlcache.New[string, Params](
			ttlcache.WithTTL[string, Params](30 * time.Minute),
		),
	}
}

// Cached returns the remembered winning params for an ECU header.
func (o *Optimizer) Cached(ecuHeader string) (Params, bool) {
	if item := o.cache.Get(ecuHeader); item != nil {
		return item.Value(), true
	}
	return Params{}, false
}

// Remember stores params for an ECU header without running the walk, used
// when the proactive default turned out to work.
func (o *Optimizer) Remember(ecuHeader string, p Params) {
	o.cache.Set(ecuHeader, p, ttlcache.DefaultTTL)
}

// Apply configures the adapter with p. Responses are not inspected beyond
// channel health; adapters differ in how they acknowledge FC commands.
func (o *Optimizer) Apply(ctx context.Context, p Params) error {
	for _, cmd := range p.Commands() {
		resp := o.ch.Send(ctx, cmd, 0)
		if resp.Kind == goelm.ResponseFailure {
			return resp.Err
		}
	}
	return nil
}

// Optimize walks candidates, applying each and re-issuing req until valid
// accepts the response. Returns the accepted raw response and the winning
// params. On exhaustion it returns the last raw response together with
// ErrExhausted; the caller decides whether that is still usable.
func (o *Optimizer) Optimize(ctx context.Context, ecuHeader, req string, timeout time.Duration, candidates []Params, valid Validator) (string, Params, error) {
	var lastRaw string

	// A previous win for this ECU goes first.
	if p, ok := o.Cached(ecuHeader); ok {
		candidates = append([]Params{p}, candidates...)
	}

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return lastRaw, Params{}, err
		}
		o.log.Debugf("flowctl: trying %s", p)
		if err := o.Apply(ctx, p); err != nil {
			return lastRaw, Params{}, err
		}
		resp := o.ch.Send(ctx, req, timeout)
		switch resp.Kind {
		case goelm.ResponseFailure:
			return lastRaw, Params{}, resp.Err
		case goelm.ResponseTimeout:
			continue
		}
		lastRaw = resp.Text
		if valid(resp.Text, isotp.Reassemble(resp.Text)) {
			o.log.Debugf("flowctl: accepted %s", p)
			o.Remember(ecuHeader, p)
			return resp.Text, p, nil
		}
	}
	return lastRaw, Params{}, ErrExhausted
}
