// Package host adapts signals from the host process: network reachability
// and device activity. Both are polled on fixed intervals and only changes
// are reported.
package host

import (
	"fmt"
	"strings"
)

// DeviceState is the activity state of the device running the engine.
type DeviceState string

const (
	DeviceActive   DeviceState = "active"
	DeviceIdle     DeviceState = "idle"
	DeviceLocked   DeviceState = "locked"
	DeviceSleeping DeviceState = "sleeping"
)

// ParseDeviceState parses a state name, ignoring case and surrounding space.
func ParseDeviceState(s string) (DeviceState, error) {
	switch st := DeviceState(strings.ToLower(strings.TrimSpace(s))); st {
	case DeviceActive, DeviceIdle, DeviceLocked, DeviceSleeping:
		return st, nil
	default:
		return "", fmt.Errorf("unknown device state %q", s)
	}
}
