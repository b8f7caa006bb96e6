package proto

// SupportedPIDs decodes the four-byte bitmask following a 41 00 reply into
// the PID numbers (0x01..0x20) the ECU supports. Bit 7 of the first byte is
// PID 01, bit 0 of the last byte is PID 20.
func SupportedPIDs(mask []byte) []byte {
	if len(mask) > 4 {
		mask = mask[:4]
	}
	var out []byte
	for i, b := range mask {
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				out = append(out, byte(i*8+bit+1))
			}
		}
	}
	return out
}
