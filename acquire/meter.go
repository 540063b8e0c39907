package acquire

import "github.com/battlab/benchd/device"

// Meter adapts a device session to the monitor's sampling interface.
type Meter struct {
	S *device.Session
}

// Connected reports whether the session's link is up.
func (m Meter) Connected() bool {
	return m.S.Connected()
}

// Busy reports whether an exclusive operation holds the device.
func (m Meter) Busy() bool {
	return m.S.Busy()
}

// Measure performs the monitor's direct reads.
func (m Meter) Measure() (voltage, current, power *float64) {
	return Measurements(m.S)
}
