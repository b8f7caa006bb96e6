// Package proto identifies the OBD-II bus protocols an ELM327 speaks and
// drives protocol detection and post-detection adapter configuration.
package proto

import (
	"fmt"
	"strings"
)

// ID is the ELM327 protocol number (ATSP/ATDPN value).
type ID int

const (
	Auto ID = iota
	J1850PWM
	J1850VPW
	ISO9141
	KWPSlow
	KWPFast
	CAN11_500
	CAN29_500
	CAN11_250
	CAN29_250
	J1939
	User1CAN
	User2CAN
	CAN11_500Ext
	CAN29_500Ext
	CAN11_250Ext
	CAN29_250Ext
	SWCAN33
	SWCAN83
	FTCAN11
	FTCAN29

	maxID = FTCAN29
)

// Family groups protocols by how the adapter must be configured for them.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyCAN
	FamilyKWP
	FamilyISO9141
	FamilyJ1850
)

func (f Family) String() string {
	switch f {
	case FamilyCAN:
		return "CAN"
	case FamilyKWP:
		return "KWP"
	case FamilyISO9141:
		return "ISO9141"
	case FamilyJ1850:
		return "J1850"
	default:
		return "UNKNOWN"
	}
}

// Descriptor is everything derived from an ID. Computed, never stored.
type Descriptor struct {
	ID         ID
	Family     Family
	HeaderBits int // 11, 29 or 0 for non-CAN
	Name       string
}

var names = map[ID]string{
	Auto:         "Automatic",
	J1850PWM:     "SAE J1850 PWM (41.6 kbaud)",
	J1850VPW:     "SAE J1850 VPW (10.4 kbaud)",
	ISO9141:      "ISO 9141-2 (5 baud init)",
	KWPSlow:      "ISO 14230-4 KWP (5 baud init)",
	KWPFast:      "ISO 14230-4 KWP (fast init)",
	CAN11_500:    "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
	CAN29_500:    "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
	CAN11_250:    "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
	CAN29_250:    "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
	J1939:        "SAE J1939 CAN (29 bit ID, 250 kbaud)",
	User1CAN:     "User1 CAN (11 bit ID, 125 kbaud)",
	User2CAN:     "User2 CAN (11 bit ID, 50 kbaud)",
	CAN11_500Ext: "ISO 15765-4 CAN (11 bit ID, 500 kbaud, extended addressing)",
	CAN29_500Ext: "ISO 15765-4 CAN (29 bit ID, 500 kbaud, extended addressing)",
	CAN11_250Ext: "ISO 15765-4 CAN (11 bit ID, 250 kbaud, extended addressing)",
	CAN29_250Ext: "ISO 15765-4 CAN (29 bit ID, 250 kbaud, extended addressing)",
	SWCAN33:      "Single-wire CAN (11 bit ID, 33.3 kbaud)",
	SWCAN83:      "Medium-speed CAN (11 bit ID, 83.3 kbaud)",
	FTCAN11:      "Fault-tolerant CAN (11 bit ID, 125 kbaud)",
	FTCAN29:      "Fault-tolerant CAN (29 bit ID, 125 kbaud)",
}

// Valid reports whether id is inside the enumerated range.
func (id ID) Valid() bool {
	return id >= Auto && id <= maxID
}

func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("protocol %d", int(id))
}

// Family tags the protocol by configuration behavior.
func (id ID) Family() Family {
	switch id {
	case J1850PWM, J1850VPW:
		return FamilyJ1850
	case ISO9141:
		return FamilyISO9141
	case KWPSlow, KWPFast:
		return FamilyKWP
	case CAN11_500, CAN29_500, CAN11_250, CAN29_250, J1939, User1CAN, User2CAN,
		CAN11_500Ext, CAN29_500Ext, CAN11_250Ext, CAN29_250Ext,
		SWCAN33, SWCAN83, FTCAN11, FTCAN29:
		return FamilyCAN
	default:
		return FamilyUnknown
	}
}

// HeaderBits is the CAN identifier width, 0 for non-CAN protocols.
func (id ID) HeaderBits() int {
	switch id {
	case CAN11_500, CAN11_250, User1CAN, User2CAN, CAN11_500Ext, CAN11_250Ext,
		SWCAN33, SWCAN83, FTCAN11:
		return 11
	case CAN29_500, CAN29_250, J1939, CAN29_500Ext, CAN29_250Ext, FTCAN29:
		return 29
	default:
		return 0
	}
}

// Describe derives the full descriptor.
func Describe(id ID) Descriptor {
	return Descriptor{
		ID:         id,
		Family:     id.Family(),
		HeaderBits: id.HeaderBits(),
		Name:       id.String(),
	}
}

// SetCommand is the persisted protocol select (ATSP).
func (id ID) SetCommand() string {
	return fmt.Sprintf("ATSP%X", int(id))
}

// TryCommand is the provisional protocol select (ATTP), reverted by the
// adapter if the bus stays silent.
func (id ID) TryCommand() string {
	return fmt.Sprintf("ATTP%X", int(id))
}

// ParseDPN parses an ATDPN reply. The adapter prefixes "A" when the protocol
// was chosen by auto-detection ("A6" means auto-selected protocol 6).
func ParseDPN(resp string) (ID, bool) {
	s := strings.ToUpper(strings.TrimSpace(strings.Trim(resp, ">\r\n ")))
	s = strings.TrimPrefix(s, "A")
	if s == "" {
		return Auto, false
	}
	var n int
	if _, err := fmt.Sscanf(s, "%X", &n); err != nil {
		return Auto, false
	}
	id := ID(n)
	if !id.Valid() {
		return Auto, false
	}
	return id, true
}

// DefaultTrialOrder is the manual fallback priority: common CAN variants
// first, then KWP, then the legacy buses.
func DefaultTrialOrder() []ID {
	return []ID{
		CAN11_500, CAN11_250, CAN29_500, CAN29_250,
		KWPFast, KWPSlow,
		ISO9141, J1850PWM, J1850VPW,
	}
}
