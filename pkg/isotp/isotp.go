// Package isotp reconstructs logical OBD payloads from raw multi-line ELM327
// response text (ISO 15765-2 segmentation). Lines are grouped by the CAN
// header that produced them, classified by their PCI nibble and folded into
// one byte sequence per responding ECU.
package isotp

import (
	"strings"

	"github.com/roffe/goelm/pkg/hexutil"
)

// FrameType is the ISO-TP PCI type, the first nibble of the payload.
type FrameType byte

const (
	SingleFrame      FrameType = 0x0
	FirstFrame       FrameType = 0x1
	ConsecutiveFrame FrameType = 0x2
	FlowControlFrame FrameType = 0x3
	// RawLine is anything that carries no recognizable PCI, e.g. a
	// headerless reply on a non-CAN protocol. Passed through as-is.
	RawLine FrameType = 0xF
)

// RawFrame is one physical response line, split into its parts. Transient,
// only lives for the duration of one reassembly pass.
type RawFrame struct {
	Header string // "" when the line carried no recognizable header
	Index  int    // ELM segment index from a "N:" line, -1 otherwise
	Data   []byte
	Raw    string
}

// Type classifies the frame by its first payload nibble.
func (f RawFrame) Type() FrameType {
	if f.Index >= 0 {
		return RawLine
	}
	if len(f.Data) == 0 {
		return RawLine
	}
	t := FrameType(f.Data[0] >> 4)
	if t > FlowControlFrame {
		return RawLine
	}
	return t
}

// Message is the reassembled payload of one responding ECU.
type Message struct {
	Header string
	Data   []byte
}

// assembler tracks one header's in-progress multi-frame message.
type assembler struct {
	buf       []byte
	total     int
	expectSeq int
	active    bool

	// ELM pre-segmented mode ("N:" lines with a standalone length line)
	segBuf  []byte
	segLen  int
	segNext int
	segErr  bool
}

// Reassemble folds the full raw response text of one command into messages,
// one per responding header, in order of first appearance.
func Reassemble(raw string) []Message {
	var order []string
	asms := make(map[string]*assembler)
	var out []Message

	get := func(h string) *assembler {
		a, ok := asms[h]
		if !ok {
			a = &assembler{segLen: -1}
			asms[h] = a
			order = append(order, h)
		}
		return a
	}
	emit := func(h string, data []byte) {
		if len(data) > 0 {
			out = append(out, Message{Header: h, Data: data})
		}
	}

	pendingLen := -1 // standalone length line preceding "N:" segments

	for _, line := range hexutil.Lines(raw) {
		if hexutil.IsStatus(line) {
			continue
		}
		f, lenDecl, ok := ParseLine(line)
		if !ok {
			continue
		}
		if lenDecl >= 0 {
			pendingLen = lenDecl
			continue
		}

		a := get(f.Header)

		if f.Index >= 0 {
			if pendingLen >= 0 && a.segLen < 0 {
				a.segLen = pendingLen
			}
			if a.segErr {
				continue
			}
			if f.Index != a.segNext%16 {
				// Out-of-order segment, the whole message is suspect.
				a.segBuf = nil
				a.segErr = true
				continue
			}
			a.segBuf = append(a.segBuf, f.Data...)
			a.segNext++
			continue
		}

		switch f.Type() {
		case SingleFrame:
			length := int(f.Data[0] & 0x0F)
			if length == 0 || length > 7 || len(f.Data)-1 < length {
				emit(f.Header, f.Data)
				continue
			}
			emit(f.Header, f.Data[1:1+length])
			a.active = false

		case FirstFrame:
			if len(f.Data) < 2 {
				continue
			}
			a.total = (int(f.Data[0]&0x0F) << 8) | int(f.Data[1])
			a.buf = append([]byte(nil), f.Data[2:]...)
			a.expectSeq = 1
			a.active = true

		case ConsecutiveFrame:
			if !a.active {
				continue
			}
			seq := int(f.Data[0] & 0x0F)
			if seq != a.expectSeq {
				// Sequence error: fail closed, discard the whole
				// in-progress message for this header.
				a.buf = nil
				a.active = false
				continue
			}
			a.buf = append(a.buf, f.Data[1:]...)
			a.expectSeq = (a.expectSeq + 1) % 16
			if len(a.buf) >= a.total {
				emit(f.Header, a.buf[:a.total])
				a.buf = nil
				a.active = false
			}

		case FlowControlFrame:
			// Flow control sent by the ECU is not application data.

		case RawLine:
			emit(f.Header, f.Data)
		}
	}

	// Flush ELM pre-segmented buffers.
	for _, h := range order {
		a := asms[h]
		if len(a.segBuf) == 0 {
			continue
		}
		data := a.segBuf
		if a.segLen >= 0 && len(data) > a.segLen {
			data = data[:a.segLen]
		}
		emit(h, data)
	}

	return out
}

// ParseLine splits one cleaned response line into a RawFrame. A standalone
// byte-count line (the ELM prefix before "N:" segments) is reported via
// lenDecl instead. ok is false for lines that decode to nothing.
func ParseLine(line string) (f RawFrame, lenDecl int, ok bool) {
	lenDecl = -1
	f.Index = -1
	f.Raw = line

	// ELM segment index form: "1: 47 50 30 30 52 35 35"
	if i := strings.Index(line, ":"); i == 1 {
		idx := hexNibble(line[0])
		if idx < 0 {
			return f, -1, false
		}
		data, err := hexutil.Decode(line[2:])
		if err != nil || len(data) == 0 {
			return f, -1, false
		}
		f.Index = idx
		f.Data = data
		return f, -1, true
	}

	flat := strings.ReplaceAll(line, " ", "")
	if !hexutil.IsHex(flat) {
		return f, -1, false
	}

	// A short odd-length pure-hex line preceding indexed segments is the
	// total byte count of the segmented message.
	if len(flat) == 3 {
		if n := parseHexInt(flat); n >= 8 {
			return f, n, true
		}
	}

	switch {
	case len(flat) > 8 && is29BitHeader(flat[:8]):
		f.Header = flat[:8]
		flat = flat[8:]
	case len(flat)%2 == 1 && len(flat) >= 3:
		f.Header = flat[:3]
		flat = flat[3:]
	}

	data, err := hexutil.Decode(flat)
	if err != nil || len(data) == 0 {
		return f, -1, false
	}
	f.Data = data
	return f, -1, true
}

// is29BitHeader matches the ISO 15765-4 29-bit diagnostic identifiers
// (18DAxxxx physical, 18DBxxxx functional, 18EFxxxx UDS on J1939).
func is29BitHeader(h string) bool {
	return strings.HasPrefix(h, "18DA") || strings.HasPrefix(h, "18DB") || strings.HasPrefix(h, "18EF")
}

func hexNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

func parseHexInt(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		d := hexNibble(s[i])
		if d < 0 {
			return -1
		}
		n = n<<4 | d
	}
	return n
}
