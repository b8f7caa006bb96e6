package dtc

// How to read DTC codes
//B0 B1    First DTC character
//-- --    -------------------
// 0  0    P - Powertrain
// 0  1    C - Chassis
// 1  0    B - Body
// 1  1    U - Network

//B2 B3    Second DTC character
//-- --    --------------------
// 0  0    0
// 0  1    1
// 1  0    2
// 1  1    3

// The remaining 4+8 bits are the three hex digits of the fault number.
//
// Example
// 01 43 ->
// 0000 0001 0100 0011
// 00=P
//   00=0
//      0001=1
//           0100=4
//                0011=3
// ----------------------
// P0143

// Decode decodes a 2-byte DTC value (a,b) into a string like "P0143".
// Returns "" if both bytes are zero, which is padding rather than a code.
func Decode(a, b byte) string {
	if a == 0 && b == 0 {
		return ""
	}

	systemChars := [4]byte{'P', 'C', 'B', 'U'}
	secondDigit := [4]byte{'0', '1', '2', '3'}
	hexDigits := "0123456789ABCDEF"

	code := make([]byte, 5)
	code[0] = systemChars[(a>>6)&0x03]
	code[1] = secondDigit[(a>>4)&0x03]
	code[2] = hexDigits[a&0x0F]
	code[3] = hexDigits[(b>>4)&0x0F]
	code[4] = hexDigits[b&0x0F]

	return string(code)
}

// DecodePayload decodes the bytes following the mode-response marker into
// trouble codes. A leading count byte (CAN responses carry one, the legacy
// buses do not) is stripped only when it is self-consistent with the number
// of bytes that follow; trailing 00 00 padding pairs are skipped.
func DecodePayload(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}

	if len(payload)%2 == 1 {
		count := int(payload[0])
		rest := payload[1:]
		if count*2 <= len(rest) {
			payload = rest
		} else {
			// Not a believable count byte. Decode what pairs up and
			// drop the stray byte.
			payload = payload[:len(payload)-1]
		}
	}

	var codes []string
	for i := 0; i+1 < len(payload); i += 2 {
		if c := Decode(payload[i], payload[i+1]); c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}
