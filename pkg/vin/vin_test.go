package vin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roffe/goelm"
	"github.com/roffe/goelm/pkg/proto"
	"github.com/roffe/goelm/pkg/timing"
)

// Reply for 1D4GP00R55B123456: first frame declares 20 bytes (49 02 01 +
// 17 characters), two consecutive frames carry the rest.
const vinReply = "7E8 10 14 49 02 01 31 44 34\r" +
	"7E8 21 47 50 30 30 52 35 35\r" +
	"7E8 22 42 31 32 33 34 35 36\r>"

type scriptVehicle struct {
	sent    []string
	replies map[string][]string
}

func (v *scriptVehicle) Send(_ context.Context, cmd string, _ time.Duration) goelm.Response {
	v.sent = append(v.sent, cmd)
	if q := v.replies[cmd]; len(q) > 0 {
		r := q[0]
		if len(q) > 1 {
			v.replies[cmd] = q[1:]
		}
		return goelm.OK(r)
	}
	switch cmd {
	case "ATZ":
		return goelm.OK("ELM327 v1.5\r>")
	case proto.TestCommand:
		return goelm.OK("7E8 06 41 00 BE 3F B8 13\r>")
	case "ATDPN":
		return goelm.OK("A6\r>")
	}
	return goelm.OK("OK\r>")
}

func (v *scriptVehicle) Close() error { return nil }

func (v *scriptVehicle) count(cmd string) int {
	n := 0
	for _, c := range v.sent {
		if c == cmd {
			n++
		}
	}
	return n
}

func fastTimer() *timing.Adaptive {
	return timing.New(timing.Config{
		Start:     time.Millisecond,
		Min:       time.Millisecond,
		Max:       5 * time.Millisecond,
		Increment: time.Millisecond,
		Decrement: time.Millisecond,
	})
}

func newTestReader(v *scriptVehicle) *Reader {
	return NewReader(v, Config{
		Timer:   fastTimer(),
		Timeout: 50 * time.Millisecond,
	})
}

func TestValid(t *testing.T) {
	tests := []struct {
		vin  string
		want bool
	}{
		{"1D4GP00R55B123456", true},
		{"WVWZZZ1JZ3W386752", true},
		{"1D4GP00R55B12345", false},       // 16 chars
		{"1D4GP00R55B1234567", false},     // 18 chars
		{"ID4GP00R55B123456", false},      // leading I
		{"1D4GP00R55O123456", false},      // O
		{"1D4GP00R55Q123456", false},      // Q
		{"1d4gp00r55b123456", false},      // lowercase
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.vin); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.vin, got, tt.want)
		}
	}
}

func TestReadMultiFrame(t *testing.T) {
	v := &scriptVehicle{replies: map[string][]string{
		"0902": {vinReply},
	}}
	got, err := newTestReader(v).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != "1D4GP00R55B123456" {
		t.Errorf("Read() = %q, want 1D4GP00R55B123456", got)
	}
	if v.count("0902") != 1 {
		t.Errorf("sent 0902 %d times, want 1", v.count("0902"))
	}
}

func TestReadRetunesShortReply(t *testing.T) {
	// First try only delivers the first frame, the classic symptom of a
	// flow-control mismatch. The retune walk must recover the full VIN.
	v := &scriptVehicle{replies: map[string][]string{
		"0902": {"7E8 10 14 49 02 01 31 44 34\r>", vinReply},
	}}
	got, err := newTestReader(v).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != "1D4GP00R55B123456" {
		t.Errorf("Read() = %q, want 1D4GP00R55B123456", got)
	}
	// Configure applies the default flow-control once, the walk again.
	if v.count("ATFCSD300000") < 2 {
		t.Error("short reply did not trigger a flow-control retune")
	}
}

func TestReadInvalidVINStillReturned(t *testing.T) {
	// A leading I decodes cleanly but fails the format gate. Every attempt
	// sees the same reply, so the malformed string comes back with the
	// sentinel instead of vanishing.
	bogus := "7E8 10 14 49 02 01 49 44 34\r" +
		"7E8 21 47 50 30 30 52 35 35\r" +
		"7E8 22 42 31 32 33 34 35 36\r>"
	v := &scriptVehicle{replies: map[string][]string{
		"0902": {bogus},
	}}
	got, err := newTestReader(v).Read(context.Background())
	if !errors.Is(err, ErrInvalidVIN) {
		t.Fatalf("error = %v, want ErrInvalidVIN", err)
	}
	if got != "ID4GP00R55B123456" {
		t.Errorf("Read() = %q, want the malformed decode", got)
	}
	if v.count("0902") != 3 {
		t.Errorf("sent 0902 %d times, want 3 full attempts", v.count("0902"))
	}
}

func TestReadNoData(t *testing.T) {
	v := &scriptVehicle{replies: map[string][]string{
		"0902": {"NO DATA\r>"},
	}}
	_, err := newTestReader(v).Read(context.Background())
	if !errors.Is(err, ErrNotReported) {
		t.Fatalf("error = %v, want ErrNotReported", err)
	}
	if v.count("0902") != 1 {
		t.Errorf("NO DATA was retried, sent 0902 %d times", v.count("0902"))
	}
}

func TestReadUnshiftedServiceEcho(t *testing.T) {
	// Some ECUs echo the request service without the +40 shift: the reply
	// is signed 09 02 instead of 49 02 and must decode all the same.
	unshifted := "7E8 10 14 09 02 01 31 44 34\r" +
		"7E8 21 47 50 30 30 52 35 35\r" +
		"7E8 22 42 31 32 33 34 35 36\r>"
	v := &scriptVehicle{replies: map[string][]string{
		"0902": {unshifted},
	}}
	got, err := newTestReader(v).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != "1D4GP00R55B123456" {
		t.Errorf("Read() = %q, want 1D4GP00R55B123456", got)
	}
	if v.count("0902") != 1 {
		t.Errorf("sent 0902 %d times, want 1", v.count("0902"))
	}
}

func TestReadKWPKeepsHeaders(t *testing.T) {
	// On a KWP vehicle the headers must stay on for the whole read; the
	// reply lines carry the three header bytes in front of the payload.
	v := &scriptVehicle{replies: map[string][]string{
		"ATDPN": {"A5\r>"},
		"0902": {"48 6B 10 49 02 01 31 44 34 47 50 30 30 52 35 35" +
			" 42 31 32 33 34 35 36\r>"},
	}}
	got, err := newTestReader(v).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != "1D4GP00R55B123456" {
		t.Errorf("Read() = %q, want 1D4GP00R55B123456", got)
	}
	if v.count("ATH0") != 0 {
		t.Error("headers were turned off during the VIN read")
	}
	if v.count("ATH1") == 0 {
		t.Error("headers were never turned on")
	}
}

func TestReadNegativeResponse(t *testing.T) {
	v := &scriptVehicle{replies: map[string][]string{
		"0902": {"7E8 03 7F 09 11\r>"},
	}}
	_, err := newTestReader(v).Read(context.Background())
	if !errors.Is(err, ErrNotReported) {
		t.Fatalf("error = %v, want ErrNotReported", err)
	}
}
