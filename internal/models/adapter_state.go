package models

import "fmt"

// AdapterState is the connection state reported by the diagnostic adapter.
type AdapterState int

const (
	AdapterDisconnected AdapterState = iota
	AdapterDiscovering
	AdapterConnected
	AdapterUnsupportedProtocol
	AdapterGone
)

func (s AdapterState) String() string {
	switch s {
	case AdapterDisconnected:
		return "Disconnected"
	case AdapterDiscovering:
		return "Discovering"
	case AdapterConnected:
		return "Connected"
	case AdapterUnsupportedProtocol:
		return "UnsupportedProtocol"
	case AdapterGone:
		return "Gone"
	default:
		return fmt.Sprintf("AdapterState(%d)", int(s))
	}
}
