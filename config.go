package goelm

// AdapterConfig carries what a channel implementation needs to reach the
// physical adapter. Logger nil means silent.
type AdapterConfig struct {
	Port         string
	PortBaudrate int
	Logger       Logger
}
