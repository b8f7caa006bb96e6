package proto

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/roffe/goelm"
	"github.com/roffe/goelm/pkg/timing"
)

// fakeECU simulates an adapter attached to a vehicle that only speaks one
// protocol. AUTO never locks on, mimicking the misbehaving clones the manual
// trial order exists for.
type fakeECU struct {
	live    ID
	current ID
	sent    []string
}

func (f *fakeECU) Send(_ context.Context, cmd string, _ time.Duration) goelm.Response {
	f.sent = append(f.sent, cmd)
	switch {
	case cmd == "ATZ":
		return goelm.OK("ELM327 v1.5\r>")
	case cmd == "ATSP0":
		f.current = Auto
		return goelm.OK("OK\r>")
	case strings.HasPrefix(cmd, "ATTP"), strings.HasPrefix(cmd, "ATSP"):
		id, _ := ParseDPN(cmd[4:])
		f.current = id
		return goelm.OK("OK\r>")
	case cmd == "ATDPN":
		return goelm.OK("A0\r>")
	case cmd == TestCommand:
		if f.current == f.live {
			return goelm.OK("7E8 06 41 00 BE 3F B8 13\r>")
		}
		return goelm.OK("UNABLE TO CONNECT\r>")
	default:
		return goelm.OK("OK\r>")
	}
}

func (f *fakeECU) Close() error { return nil }

func (f *fakeECU) sentContains(cmd string) bool {
	for _, c := range f.sent {
		if c == cmd {
			return true
		}
	}
	return false
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

func TestDetectFallsBackToTrialOrder(t *testing.T) {
	// The vehicle only answers on CAN 11/250 (protocol 8). AUTO and the
	// first trial candidate (protocol 6) must fail before 8 wins and is
	// persisted with ATSP8, not the provisional ATTP8.
	ecu := &fakeECU{live: CAN11_250}
	d := NewDetector(ecu, Config{
		Timer:       fastTimer(),
		TrialOrder:  []ID{CAN11_500, CAN11_250},
		AutoRetries: 1,
	})

	if _, err := d.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	desc, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if desc.ID != CAN11_250 {
		t.Errorf("detected %v, want CAN11_250", desc.ID)
	}
	if !ecu.sentContains("ATTP6") {
		t.Error("protocol 6 was never tried")
	}
	if !ecu.sentContains("ATTP8") {
		t.Error("protocol 8 was never tried")
	}
	if !ecu.sentContains("ATSP8") {
		t.Error("winner was not persisted with ATSP8")
	}
}

func TestDetectAllCandidatesFail(t *testing.T) {
	ecu := &fakeECU{live: ID(-1)} // nothing answers
	d := NewDetector(ecu, Config{
		Timer:       fastTimer(),
		TrialOrder:  []ID{CAN11_500, CAN11_250},
		AutoRetries: 1,
	})
	_, err := d.Detect(context.Background())
	if err == nil {
		t.Fatal("Detect() succeeded against a dead bus")
	}
	var derr *goelm.DetectionError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %T, want *goelm.DetectionError", err)
	}
	if derr.LastResponse == "" {
		t.Error("terminal detection failure lost the last raw response")
	}
}

func TestDetectAutoResolvesDPN(t *testing.T) {
	// AUTO locks on immediately and ATDPN resolves to a concrete protocol.
	ecu := &dpnECU{}
	d := NewDetector(ecu, Config{Timer: fastTimer(), AutoRetries: 2})
	desc, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if desc.ID != CAN11_500 {
		t.Errorf("detected %v, want CAN11_500", desc.ID)
	}
}

type dpnECU struct{}

func (e *dpnECU) Send(_ context.Context, cmd string, _ time.Duration) goelm.Response {
	switch cmd {
	case TestCommand:
		return goelm.OK("SEARCHING...\r41 00 BE 3F B8 13\r>")
	case "ATDPN":
		return goelm.OK("A6\r>")
	default:
		return goelm.OK("OK\r>")
	}
}

func (e *dpnECU) Close() error { return nil }

func TestConfigureCAN(t *testing.T) {
	ecu := &fakeECU{live: CAN11_250}
	d := NewDetector(ecu, Config{Timer: fastTimer()})
	if err := d.Configure(context.Background(), Describe(CAN11_250), "7E8"); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	for _, want := range []string{"ATAT1", "ATH1", "ATCAF1", "ATFCSH7E0", "ATFCSM1"} {
		if !ecu.sentContains(want) {
			t.Errorf("Configure(CAN) did not send %s, sent %v", want, ecu.sent)
		}
	}
}

func TestConfigureKeepHeadersKWP(t *testing.T) {
	ecu := &fakeECU{live: KWPFast}
	d := NewDetector(ecu, Config{Timer: fastTimer()})
	if err := d.ConfigureKeepHeaders(context.Background(), Describe(KWPFast), ""); err != nil {
		t.Fatalf("ConfigureKeepHeaders() error = %v", err)
	}
	if ecu.sentContains("ATH0") {
		t.Error("headers were turned off")
	}
	if !ecu.sentContains("ATH1") {
		t.Error("headers were not forced on")
	}
	if ecu.sentContains("ATCAF1") {
		t.Error("CAN auto-format must not be sent for KWP")
	}
}

func TestConfigureUnknownFamilyKeepsHeaders(t *testing.T) {
	ecu := &fakeECU{live: CAN11_250}
	d := NewDetector(ecu, Config{Timer: fastTimer()})
	if err := d.Configure(context.Background(), Descriptor{}, ""); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if ecu.sentContains("ATH0") {
		t.Error("unknown family must not turn headers off")
	}
	if !ecu.sentContains("ATH1") {
		t.Error("headers were not forced on")
	}
}

func TestConfigureKWP(t *testing.T) {
	ecu := &fakeECU{live: KWPFast}
	d := NewDetector(ecu, Config{Timer: fastTimer()})
	if err := d.Configure(context.Background(), Describe(KWPFast), ""); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if !ecu.sentContains("ATAT2") {
		t.Error("KWP must select the aggressive timing mode")
	}
	if !ecu.sentContains("ATH0") {
		t.Error("non-CAN protocols must turn headers off")
	}
	if ecu.sentContains("ATCAF1") {
		t.Error("CAN auto-format must not be sent for KWP")
	}
}
