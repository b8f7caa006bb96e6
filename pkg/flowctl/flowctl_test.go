package flowctl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/roffe/goelm"
)

// scriptChannel answers from a script map and records everything sent.
type scriptChannel struct {
	script map[string]goelm.Response
	sent   []string
	// hook lets a test mutate behavior per command.
	hook func(cmd string) (goelm.Response, bool)
}

func (c *scriptChannel) Send(_ context.Context, cmd string, _ time.Duration) goelm.Response {
	c.sent = append(c.sent, cmd)
	if c.hook != nil {
		if r, ok := c.hook(cmd); ok {
			return r
		}
	}
	if r, ok := c.script[cmd]; ok {
		return r
	}
	return goelm.OK("OK\r>")
}

func (c *scriptChannel) Close() error { return nil }

func TestRequestHeader(t *testing.T) {
	tests := []struct {
		ecu  string
		bits int
		want string
	}{
		{"7E8", 11, "7E0"},
		{"7E9", 11, "7E1"},
		{"", 11, "7E0"},
		{"garbage", 11, "7E0"},
		{"18DAF110", 29, "18DA10F1"},
		{"18DAF10B", 29, "18DA0BF1"},
		{"", 29, "18DA10F1"},
	}
	for _, tt := range tests {
		if got := RequestHeader(tt.ecu, tt.bits); got != tt.want {
			t.Errorf("RequestHeader(%q, %d) = %q, want %q", tt.ecu, tt.bits, got, tt.want)
		}
	}
}

func TestParamsCommands(t *testing.T) {
	p := Params{Header: "7E0", BlockSize: 0x08, SeparationTime: 0x14, Mode: 1}
	want := []string{"ATFCSH7E0", "ATFCSD300814", "ATFCSM1"}
	got := p.Commands()
	if len(got) != len(want) {
		t.Fatalf("got %d commands, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCandidatesOrder(t *testing.T) {
	list := Candidates(11, "7E8")
	if len(list) == 0 {
		t.Fatal("empty candidate list")
	}
	// First candidate is always the standard no-limit, no-separation tuple.
	first := list[0]
	if first.Header != "7E0" || first.BlockSize != 0 || first.SeparationTime != 0 || first.Mode != 1 {
		t.Errorf("first candidate = %s, want standard auto", first)
	}
	for _, p := range list {
		if p.Header != "7E0" {
			t.Errorf("11-bit candidate uses header %q", p.Header)
		}
	}

	list29 := Candidates(29, "18DAF110")
	var altSeen bool
	for _, p := range list29 {
		if p.Header != "18DA10F1" {
			altSeen = true
		}
	}
	if !altSeen {
		t.Error("29-bit candidate list carries no alternate headers")
	}
}

func TestNeedsRetune(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		min  int
		want bool
	}{
		{name: "buffer full", raw: "BUFFER FULL\r>", min: 0, want: true},
		{name: "fb error", raw: "FB ERROR\r>", min: 0, want: true},
		{name: "other error is not a flow problem", raw: "CAN ERROR\r>", min: 0, want: false},
		{name: "short reply", raw: "7E8 06 49 02 01 31 44 34\r>", min: 20, want: true},
		{name: "full reply", raw: "7E8 10 14 49 02 01 31 44 34\r7E8 21 47 50 30 30 52 35 35\r7E8 22 42 31 32 33 34 35 36\r>", min: 20, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsRetune(tt.raw, tt.min); got != tt.want {
				t.Errorf("NeedsRetune() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptimizeWalksUntilValid(t *testing.T) {
	full := "7E8 10 14 49 02 01 31 44 34\r7E8 21 47 50 30 30 52 35 35\r7E8 22 42 31 32 33 34 35 36\r>"
	short := "7E8 10 14 49 02 01 31 44 34\r>"

	var unlocked bool
	ch := &scriptChannel{hook: func(cmd string) (goelm.Response, bool) {
		// Only the third candidate's separation time makes the ECU happy.
		if strings.HasPrefix(cmd, "ATFCSD") {
			unlocked = cmd == "ATFCSD30007F"
			return goelm.OK("OK\r>"), true
		}
		if cmd == "0902" {
			if unlocked {
				return goelm.OK(full), true
			}
			return goelm.OK(short), true
		}
		return goelm.Response{}, false
	}}

	o := New(ch, goelm.NopLogger())
	raw, won, err := o.Optimize(context.Background(), "7E8", "0902", 0, Candidates(11, "7E8"), MinLengthValidator(20))
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if won.SeparationTime != 0x7F {
		t.Errorf("winning params = %s, want st:7F", won)
	}
	if !strings.Contains(raw, "21 47 50") {
		t.Errorf("raw = %q, want full response", raw)
	}

	// The win must be cached for the ECU header.
	if cached, ok := o.Cached("7E8"); !ok || cached != won {
		t.Errorf("Cached() = %v, %v, want %v", cached, ok, won)
	}
}

func TestOptimizeExhaustedReturnsLastRaw(t *testing.T) {
	short := "7E8 06 49 02 01 31 44 34\r>"
	ch := &scriptChannel{hook: func(cmd string) (goelm.Response, bool) {
		if cmd == "0902" {
			return goelm.OK(short), true
		}
		return goelm.Response{}, false
	}}
	o := New(ch, goelm.NopLogger())
	raw, _, err := o.Optimize(context.Background(), "7E8", "0902", 0, Candidates(11, "7E8"), MinLengthValidator(20))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if raw != short {
		t.Errorf("raw = %q, want last response", raw)
	}
}

func TestOptimizeChannelFailureShortCircuits(t *testing.T) {
	ch := &scriptChannel{hook: func(cmd string) (goelm.Response, bool) {
		return goelm.Failure(errors.New("radio gone")), true
	}}
	o := New(ch, goelm.NopLogger())
	_, _, err := o.Optimize(context.Background(), "7E8", "0902", 0, Candidates(11, "7E8"), MinLengthValidator(20))
	if err == nil || goelm.IsRecoverable(err) {
		t.Fatalf("error = %v, want unrecoverable", err)
	}
	// Only the first candidate's first command should have been attempted.
	if len(ch.sent) != 1 {
		t.Errorf("sent %d commands, want 1", len(ch.sent))
	}
}
