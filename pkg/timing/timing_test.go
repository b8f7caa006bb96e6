package timing

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Start:     100 * time.Millisecond,
		Min:       50 * time.Millisecond,
		Max:       200 * time.Millisecond,
		Increment: 30 * time.Millisecond,
		Decrement: 20 * time.Millisecond,
		Mode:      ModeNormal,
	}
}

func TestAdaptiveBounds(t *testing.T) {
	a := New(testConfig())

	for i := 0; i < 100; i++ {
		a.OnSuccess()
	}
	if a.Delay() != 50*time.Millisecond {
		t.Errorf("delay after repeated success = %v, want min 50ms", a.Delay())
	}

	for i := 0; i < 100; i++ {
		a.OnFailure()
	}
	if a.Delay() != 200*time.Millisecond {
		t.Errorf("delay after repeated failure = %v, want max 200ms", a.Delay())
	}
}

func TestAdaptiveWalk(t *testing.T) {
	a := New(testConfig())
	a.OnFailure()
	if a.Delay() != 130*time.Millisecond {
		t.Errorf("delay after one failure = %v, want 130ms", a.Delay())
	}
	a.OnSuccess()
	if a.Delay() != 110*time.Millisecond {
		t.Errorf("delay after failure+success = %v, want 110ms", a.Delay())
	}
}

func TestPartialConfigFillsBounds(t *testing.T) {
	// Only Start set: the unset walk bounds come from the defaults instead
	// of clamping every delay to zero.
	a := New(Config{Start: 80 * time.Millisecond})
	a.OnFailure()
	if a.Delay() != 130*time.Millisecond {
		t.Errorf("delay after failure = %v, want 130ms", a.Delay())
	}
	for i := 0; i < 100; i++ {
		a.OnSuccess()
	}
	if a.Delay() != 50*time.Millisecond {
		t.Errorf("delay floor = %v, want default min 50ms", a.Delay())
	}
}

func TestReset(t *testing.T) {
	a := New(testConfig())
	a.OnFailure()
	a.OnFailure()
	a.Reset()
	if a.Delay() != 100*time.Millisecond {
		t.Errorf("delay after reset = %v, want start 100ms", a.Delay())
	}
}

func TestTimeoutCommand(t *testing.T) {
	tests := []struct {
		delay time.Duration
		want  string
	}{
		// 100ms * 1.5 = 150ms -> ceil(150/4) = 38 = 0x26
		{100 * time.Millisecond, "ATST26"},
		// 50ms * 1.5 = 75ms -> ceil(75/4) = 19 = 0x13
		{50 * time.Millisecond, "ATST13"},
		// 200ms * 1.5 = 300ms -> 75 = 0x4B
		{200 * time.Millisecond, "ATST4B"},
	}
	for _, tt := range tests {
		a := New(Config{Start: tt.delay, Min: tt.delay, Max: tt.delay, Increment: 1, Decrement: 1})
		if got := a.TimeoutCommand(); got != tt.want {
			t.Errorf("TimeoutCommand(%v) = %q, want %q", tt.delay, got, tt.want)
		}
	}
}

func TestModeCommand(t *testing.T) {
	if got := ModeAggressive.Command(); got != "ATAT2" {
		t.Errorf("Command() = %q, want ATAT2", got)
	}
	if got := ModeNormal.Command(); got != "ATAT1" {
		t.Errorf("Command() = %q, want ATAT1", got)
	}
}
