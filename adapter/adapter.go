// Package adapter provides goelm.Channel implementations and a name-based
// registry so callers can pick one from a config file or a flag.
package adapter

import (
	"fmt"
	"strings"

	"go.bug.st/serial"

	"github.com/roffe/goelm"
)

type NewChannelFunc func(*goelm.AdapterConfig) (goelm.Channel, error)

type Item struct {
	Name               string
	Alias              []string
	RequiresSerialPort bool
	New                NewChannelFunc
}

var channelList = []Item{
	{
		Name:               "ELM327",
		Alias:              []string{"elm", "elm327", "obdii"},
		RequiresSerialPort: true,
		New:                NewELM327,
	},
	{
		Name:  "Simulator",
		Alias: []string{"sim", "demo"},
		New:   NewSimulator,
	},
}

func List() []Item {
	return channelList
}

func ListNames() []string {
	var out []string
	for _, a := range channelList {
		out = append(out, a.Name)
	}
	return out
}

// New creates a channel by name or alias, case-insensitive.
func New(name string, cfg *goelm.AdapterConfig) (goelm.Channel, error) {
	normalized := strings.ToLower(name)
	for _, a := range channelList {
		if strings.ToLower(a.Name) == normalized {
			return a.New(cfg)
		}
		for _, alias := range a.Alias {
			if normalized == strings.ToLower(alias) {
				return a.New(cfg)
			}
		}
	}
	return nil, fmt.Errorf("unknown adapter %q", name)
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
