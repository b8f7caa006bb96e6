package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roffe/goelm"
)

// SimBanner is what the simulator answers to ATZ. The OBDSIM token is the
// signature the session controller short-circuits on.
const SimBanner = "ELM327 v1.5 OBDSIM"

// Simulator is an in-memory vehicle behind a fake adapter: one ECU on
// 11-bit CAN at 500 kbit, a couple of stored trouble codes and a VIN. It
// backs the demo mode and the engine tests.
type Simulator struct {
	mu     sync.Mutex
	vin    string
	codes  [][2]byte
	closed bool
}

// NewSimulator returns a simulator with one stored code and a well-formed
// VIN. Satisfies NewChannelFunc; the config is not needed.
func NewSimulator(_ *goelm.AdapterConfig) (goelm.Channel, error) {
	return &Simulator{
		vin:   "1D4GP00R55B123456",
		codes: [][2]byte{{0x01, 0x43}},
	}, nil
}

// NewSimulatorWith returns a simulator with a specific VIN and code set.
func NewSimulatorWith(vin string, codes [][2]byte) *Simulator {
	return &Simulator{vin: vin, codes: codes}
}

func (s *Simulator) Send(_ context.Context, cmd string, _ time.Duration) goelm.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return goelm.Failure(goelm.ErrChannelClosed)
	}
	return goelm.OK(s.reply(cmd) + "\r>")
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) reply(cmd string) string {
	switch {
	case cmd == "ATZ":
		return SimBanner
	case cmd == "ATRV":
		return "12.6V"
	case cmd == "ATDPN":
		return "A6"
	case strings.HasPrefix(cmd, "AT"):
		return "OK"
	case cmd == "0100":
		return frame([]byte{0x41, 0x00, 0xBE, 0x3F, 0xB8, 0x13})
	case cmd == "0101":
		return frame([]byte{0x41, 0x01, byte(len(s.codes)) | s.milBit(), 0x07, 0xE5, 0x00})
	case cmd == "03":
		if len(s.codes) == 0 {
			return "NO DATA"
		}
		payload := []byte{0x43, byte(len(s.codes))}
		for _, c := range s.codes {
			payload = append(payload, c[0], c[1])
		}
		return frame(payload)
	case cmd == "07", cmd == "0A":
		return "NO DATA"
	case cmd == "04":
		s.codes = nil
		return frame([]byte{0x44})
	case cmd == "0902":
		return s.vinFrames()
	}
	return "?"
}

func (s *Simulator) milBit() byte {
	if len(s.codes) > 0 {
		return 0x80
	}
	return 0
}

// frame renders one single-frame CAN line the way the adapter prints it
// with spaces off: header, PCI length nibble pair, payload, zero padding.
func frame(payload []byte) string {
	var sb strings.Builder
	sb.WriteString("7E8")
	fmt.Fprintf(&sb, "%02X", len(payload))
	for _, b := range payload {
		fmt.Fprintf(&sb, "%02X", b)
	}
	for i := len(payload); i < 7; i++ {
		sb.WriteString("00")
	}
	return sb.String()
}

// vinFrames renders the multi-frame 49 02 reply: a first frame and as many
// consecutive frames as the VIN needs.
func (s *Simulator) vinFrames() string {
	payload := append([]byte{0x49, 0x02, 0x01}, []byte(s.vin)...)

	var lines []string
	var sb strings.Builder
	sb.WriteString("7E8")
	fmt.Fprintf(&sb, "1%03X", len(payload))
	for _, b := range payload[:6] {
		fmt.Fprintf(&sb, "%02X", b)
	}
	lines = append(lines, sb.String())

	rest := payload[6:]
	for seq := 1; len(rest) > 0; seq++ {
		n := len(rest)
		if n > 7 {
			n = 7
		}
		sb.Reset()
		sb.WriteString("7E8")
		fmt.Fprintf(&sb, "2%X", seq%16)
		for _, b := range rest[:n] {
			fmt.Fprintf(&sb, "%02X", b)
		}
		for i := n; i < 7; i++ {
			sb.WriteString("00")
		}
		lines = append(lines, sb.String())
		rest = rest[n:]
	}
	return strings.Join(lines, "\r")
}
