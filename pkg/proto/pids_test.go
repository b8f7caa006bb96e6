package proto

import "testing"

func TestSupportedPIDs(t *testing.T) {
	tests := []struct {
		name string
		mask []byte
		want []byte
	}{
		{"none", []byte{0, 0, 0, 0}, nil},
		{"first and last", []byte{0x80, 0x00, 0x00, 0x01}, []byte{0x01, 0x20}},
		{"single byte", []byte{0x18}, []byte{0x04, 0x05}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SupportedPIDs(tt.mask)
			if len(got) != len(tt.want) {
				t.Fatalf("SupportedPIDs(% X) = %v, want %v", tt.mask, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("pid[%d] = %02X, want %02X", i, got[i], tt.want[i])
				}
			}
		})
	}
}
