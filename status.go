package goelm

// Status is the session connection state. Connected and Disconnected are the
// only stable rest states, everything else is a transition.
type Status int

const (
	StatusUndefined Status = iota
	StatusInitializing
	StatusDetectingProtocol
	StatusEcuDetecting
	StatusConnected
	StatusCommandFailed
	StatusError
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusUndefined:
		return "UNDEFINED"
	case StatusInitializing:
		return "INITIALIZING"
	case StatusDetectingProtocol:
		return "DETECTING_PROTOCOL"
	case StatusEcuDetecting:
		return "ECU_DETECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusCommandFailed:
		return "COMMAND_FAILED"
	case StatusError:
		return "ERROR"
	case StatusDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// StatusFunc receives every session state transition. Purely observational,
// must not block.
type StatusFunc func(Status)
