package device

import (
	"fmt"
	"strconv"
)

// RangeError is a precondition failure for a set point outside the
// instrument's ratings.  It is raised before any command is sent.
type RangeError struct {
	What     string
	Value    float64
	Min, Max float64
}

func (e RangeError) Error() string {
	return fmt.Sprintf("%s must be between %g and %g, got %g", e.What, e.Min, e.Max, e.Value)
}

// MeasureVoltage reads the instrument's output voltage in volts.
func (s *Session) MeasureVoltage() (float64, error) {
	resp, err := s.QueryCmd("measure_voltage")
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// MeasureCurrent reads the instrument's output current in amps.
func (s *Session) MeasureCurrent() (float64, error) {
	resp, err := s.QueryCmd("measure_current")
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// MeasurePower reads power in watts.  Families without a power query get
// the product of separate voltage and current reads.
func (s *Session) MeasurePower() (float64, error) {
	if _, ok := s.Spec.Command("measure_power"); ok {
		resp, err := s.QueryCmd("measure_power")
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(resp, 64)
	}
	v, err := s.MeasureVoltage()
	if err != nil {
		return 0, err
	}
	i, err := s.MeasureCurrent()
	if err != nil {
		return 0, err
	}
	return v * i, nil
}

// OutputOn energizes the instrument's output (or load).
func (s *Session) OutputOn() error {
	return s.Send("output_on")
}

// OutputOff de-energizes the instrument's output (or load).
func (s *Session) OutputOff() error {
	return s.Send("output_off")
}

// PowerSupply is a DC supply (Sorensen SGX family).
type PowerSupply struct {
	*Session
}

// NewPowerSupply wraps a session in the power supply capability set.
func NewPowerSupply(s *Session) *PowerSupply {
	return &PowerSupply{Session: s}
}

// SetVoltage programs the output voltage set point.
func (p *PowerSupply) SetVoltage(v float64) error {
	if v < 0 || v > p.Spec.MaxVoltage {
		return RangeError{What: "voltage", Value: v, Min: 0, Max: p.Spec.MaxVoltage}
	}
	return p.Send("set_voltage", v)
}

// SetCurrent programs the current limit.
func (p *PowerSupply) SetCurrent(i float64) error {
	if i < 0 || i > p.Spec.MaxCurrent {
		return RangeError{What: "current", Value: i, Min: 0, Max: p.Spec.MaxCurrent}
	}
	return p.Send("set_current", i)
}

// SetOVP programs the overvoltage protection threshold.
func (p *PowerSupply) SetOVP(v float64) error {
	if v < 0 || v > p.Spec.MaxVoltage {
		return RangeError{What: "OVP voltage", Value: v, Min: 0, Max: p.Spec.MaxVoltage}
	}
	return p.Send("set_ovp", v)
}

// BatterySimulator is a battery simulator/tester (Keithley 2281S family).
// The test sequencers in package sequence drive its battery-test function.
type BatterySimulator struct {
	*Session
}

// NewBatterySimulator wraps a session in the battery simulator capability set.
func NewBatterySimulator(s *Session) *BatterySimulator {
	return &BatterySimulator{Session: s}
}

// SetVoltage programs the source voltage set point.
func (b *BatterySimulator) SetVoltage(v float64) error {
	if v < 0 || v > b.Spec.MaxVoltage {
		return RangeError{What: "voltage", Value: v, Min: 0, Max: b.Spec.MaxVoltage}
	}
	return b.Send("set_voltage", v)
}

// SetCurrentLimit programs the source current limit.
func (b *BatterySimulator) SetCurrentLimit(i float64) error {
	if i < 0 || i > b.Spec.MaxCurrent {
		return RangeError{What: "current", Value: i, Min: 0, Max: b.Spec.MaxCurrent}
	}
	return b.Send("set_current", i)
}

// BatteryTestMode switches the instrument into its battery test function.
func (b *BatterySimulator) BatteryTestMode() error {
	return b.Send("battery_test_mode")
}

// PowerSupplyMode switches the instrument into its power supply function.
func (b *BatterySimulator) PowerSupplyMode() error {
	return b.Send("power_supply_mode")
}

// ElectronicLoad is a programmable load (Prodigit 34205A family).
type ElectronicLoad struct {
	*Session
}

// NewElectronicLoad wraps a session in the electronic load capability set.
func NewElectronicLoad(s *Session) *ElectronicLoad {
	return &ElectronicLoad{Session: s}
}

// SetModeCC selects constant current mode at the given level.
func (l *ElectronicLoad) SetModeCC(i float64) error {
	if i < 0 || i > l.Spec.MaxCurrent {
		return RangeError{What: "current", Value: i, Min: 0, Max: l.Spec.MaxCurrent}
	}
	if err := l.Send("mode_cc"); err != nil {
		return err
	}
	return l.Send("set_current", i)
}

// SetModeCV selects constant voltage mode at the given level.
func (l *ElectronicLoad) SetModeCV(v float64) error {
	if v < 0 || v > l.Spec.MaxVoltage {
		return RangeError{What: "voltage", Value: v, Min: 0, Max: l.Spec.MaxVoltage}
	}
	if err := l.Send("mode_cv"); err != nil {
		return err
	}
	return l.Send("set_voltage", v)
}

// SetModeCP selects constant power mode at the given level.
func (l *ElectronicLoad) SetModeCP(w float64) error {
	if w < 0 || w > l.Spec.MaxPower {
		return RangeError{What: "power", Value: w, Min: 0, Max: l.Spec.MaxPower}
	}
	if err := l.Send("mode_cp"); err != nil {
		return err
	}
	return l.Send("set_power", w)
}

// SetModeCR selects constant resistance mode at the given level.
func (l *ElectronicLoad) SetModeCR(ohms float64) error {
	if ohms <= 0 {
		return RangeError{What: "resistance", Value: ohms, Min: 0, Max: 1e9}
	}
	if err := l.Send("mode_cr"); err != nil {
		return err
	}
	return l.Send("set_resistance", ohms)
}

// LoadOn sinks current.
func (l *ElectronicLoad) LoadOn() error {
	return l.Send("output_on")
}

// LoadOff stops sinking current.
func (l *ElectronicLoad) LoadOff() error {
	return l.Send("output_off")
}
