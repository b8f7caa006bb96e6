// Package hexutil holds the byte and response-text helpers shared by the
// protocol engines: hex conversion, printable-ASCII extraction, response
// cleaning and ELM error-keyword classification.
package hexutil

import (
	"encoding/hex"
	"strings"
)

// errorKeywords is the ELM327 adapter-level error vocabulary. NO DATA is
// deliberately absent, it means "zero items" and is handled by the callers.
var errorKeywords = []string{
	"UNABLE TO CONNECT",
	"BUS INIT",
	"BUS ERROR",
	"CAN ERROR",
	"DATA ERROR",
	"BUFFER FULL",
	"FB ERROR",
	"STOPPED",
	"ERROR",
	"?",
}

// Decode converts a hex string to bytes. Spaces, tabs and a trailing prompt
// are tolerated since adapter output is passed in as-is.
func Decode(s string) ([]byte, error) {
	return hex.DecodeString(stripJunk(s))
}

// Encode converts bytes to an uppercase hex string.
func Encode(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// ToASCII extracts the printable ASCII characters from data, dropping
// everything else. Used to turn a reassembled VIN payload into text.
func ToASCII(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		if b >= 0x20 && b <= 0x7E {
			sb.WriteByte(b)
		}
	}
	return sb.String()
}

// Clean normalizes a raw adapter response: prompt removed, line endings and
// runs of whitespace collapsed to single spaces, uppercased and trimmed.
func Clean(raw string) string {
	s := strings.ReplaceAll(raw, ">", "")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// Lines splits a raw response into cleaned uppercase lines, dropping blanks
// and the prompt.
func Lines(raw string) []string {
	var out []string
	repl := strings.NewReplacer("\r", "\n", ">", "")
	for _, l := range strings.Split(repl.Replace(raw), "\n") {
		l = strings.ToUpper(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// ErrorKeyword returns the adapter error keyword contained in resp, if any.
func ErrorKeyword(resp string) (string, bool) {
	c := Clean(resp)
	for _, kw := range errorKeywords {
		if kw == "?" {
			if c == "?" {
				return kw, true
			}
			continue
		}
		if strings.Contains(c, kw) {
			return kw, true
		}
	}
	return "", false
}

// IsError reports whether resp contains an adapter-level error keyword.
func IsError(resp string) bool {
	_, ok := ErrorKeyword(resp)
	return ok
}

// IsNoData reports whether resp is the benign empty result, ignoring the
// prompt and whitespace.
func IsNoData(resp string) bool {
	return Clean(resp) == "NO DATA"
}

// IsSearching reports whether the adapter is still probing the bus.
func IsSearching(resp string) bool {
	return strings.Contains(Clean(resp), "SEARCHING")
}

// IsStatus reports whether line is ELM chatter rather than frame data.
func IsStatus(line string) bool {
	c := Clean(line)
	switch c {
	case "OK", "NO DATA", "SEARCHING...", "SEARCHING":
		return true
	}
	if strings.HasPrefix(c, "ELM327") || strings.HasPrefix(c, "ATZ") {
		return true
	}
	return IsError(c)
}

// IsHex reports whether s consists solely of hex digits (spaces ignored).
func IsHex(s string) bool {
	s = stripJunk(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'F':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// IsPlausible is the deliberately lenient test-response validator used during
// protocol detection. Anything carrying a mode-01 response marker or a known
// ECU header prefix passes; only explicit error keywords and empty replies
// are rejected.
func IsPlausible(resp string) bool {
	c := Clean(resp)
	if c == "" || IsError(c) {
		return false
	}
	flat := strings.ReplaceAll(c, " ", "")
	for _, marker := range []string{"41", "7E8", "7E9", "7E0", "18DAF110", "486B"} {
		if strings.Contains(flat, marker) {
			return true
		}
	}
	return false
}

func stripJunk(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n', '>':
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
