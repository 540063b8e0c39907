/*Package device provides sessions and command tables for bench instruments.

A Session wraps one instrument behind a comm.Transport and owns its busy
gate.  SCPI command strings live in per-model tables keyed by logical
operation name; everything above this package speaks logical names only,
never literal command text.
*/
package device

import (
	"fmt"
	"strings"
)

// Type enumerates the supported instrument families.
type Type int

const (
	// PowerSupplyType is a DC power supply (Sorensen SGX).
	PowerSupplyType Type = iota

	// BatterySimulatorType is a battery simulator/tester (Keithley 2281S).
	BatterySimulatorType

	// ElectronicLoadType is an electronic load (Prodigit 34205A).
	ElectronicLoadType
)

func (t Type) String() string {
	switch t {
	case PowerSupplyType:
		return "power supply"
	case BatterySimulatorType:
		return "battery simulator"
	case ElectronicLoadType:
		return "electronic load"
	}
	return "unknown"
}

// Spec holds one instrument model's identity, ratings, and command table.
// Command strings may contain fmt verbs for parameters.
type Spec struct {
	Name       string
	Type       Type
	MaxVoltage float64
	MaxCurrent float64
	MaxPower   float64
	Commands   map[string]string
}

// Command returns the command string for a logical operation name.
func (s Spec) Command(name string) (string, bool) {
	cmd, ok := s.Commands[name]
	return cmd, ok
}

// SorensenSGX is the Sorensen SGX400-12 D power supply.
func SorensenSGX() Spec {
	return Spec{
		Name:       "Sorensen SGX400-12 D",
		Type:       PowerSupplyType,
		MaxVoltage: 400.0,
		MaxCurrent: 12.0,
		MaxPower:   4800.0,
		Commands: map[string]string{
			"identify":        "*IDN?",
			"set_voltage":     "SOUR:VOLT %.6f",
			"set_current":     "SOUR:CURR %.6f",
			"set_ovp":         "SOUR:VOLT:PROT %.6f",
			"output_on":       "OUTP:STAT ON",
			"output_off":      "OUTP:STAT OFF",
			"measure_voltage": "MEAS:VOLT?",
			"measure_current": "MEAS:CURR?",
		},
	}
}

// Keithley2281S is the Keithley 2281S battery simulator/tester.
func Keithley2281S() Spec {
	return Spec{
		Name:       "Keithley 2281S",
		Type:       BatterySimulatorType,
		MaxVoltage: 20.0,
		MaxCurrent: 6.0,
		MaxPower:   120.0,
		Commands: map[string]string{
			"identify":           "*IDN?",
			"clear":              "*CLS",
			"reset":              "*RST",
			"opc":                "*OPC?",
			"remote_mode":        "SYST:REM",
			"local_mode":         "SYST:LOC",
			"set_voltage":        ":SOUR:VOLT %.6f",
			"set_current":        ":SOUR:CURR %.6f",
			"set_ovp":            ":VOLT:PROT %.6f",
			"output_on":          ":OUTP ON",
			"output_off":         ":OUTP OFF",
			"measure_voltage":    ":MEAS:VOLT?",
			"measure_current":    ":MEAS:CURR?",
			"power_supply_mode":  ":ENTR:FUNC POW",
			"battery_test_mode":  ":ENTR:FUNC TEST",
			"query_mode":         ":ENTR:FUNC?",
			"test_discharge":     ":BATT:TEST:MODE DIS",
			"test_voltage":       ":BATT:TEST:VOLT %.6f",
			"current_limit":      ":BATT:TEST:CURR:LIM:SOUR %.6f",
			"current_limit?":     ":BATT:TEST:CURR:LIM:SOUR?",
			"current_end":        ":BATT:TEST:CURR:END %.6f",
			"battery_output_on":  ":BATT:OUTP ON",
			"battery_output_off": ":BATT:OUTP OFF",
			"sample_interval":    ":BATT:TEST:SENS:SAMP:INT %g",
			"evoc_delay":         ":BATT:TEST:SENS:EVOC:DELA %g",
			"measure_evoc":       ":BATT:TEST:MEAS:EVOC?",
			"units_off":          ":FORM:UNITS OFF",
			"azero_off":          ":SYST:AZER OFF",
			"read_buffer":        `:BATT:DATA:DATA? "CURR,VOLT,REL"`,
			"buffer_clear":       ":BATT:DATA:CLE",
			"buffer_on":          ":BATT:DATA:STAT ON",
			"buffer_off":         ":BATT:DATA:STAT OFF",
			"exec_start":         ":BATT:TEST:EXEC STAR",
			"exec_stop":          ":BATT:TEST:EXEC STOP",
			"condition":          ":STAT:OPER:INST:ISUM:COND?",
			"battery_voltage":    ":BATT:VOLT?",
			"battery_current":    ":BATT:CURR?",
			"ah_vfull":           ":BATT:TEST:SENS:AH:VFUL %.6f",
			"ah_ilimit":          ":BATT:TEST:SENS:AH:ILIM %.6f",
			"ah_esr_interval":    ":BATT:TEST:SENS:AH:ESRI S%d",
			"ah_exec_start":      ":BATT:TEST:SENS:AH:EXEC STAR",
			"trace_clear":        ":TRAC:CLE",
			"trace_auto_clear":   ":TRAC:CLE:AUTO ON",
			"trace_feed":         ":TRAC:FEED:CONT ALW",
			"trace_points":       ":TRAC:POIN:ACT?",
			"model_range":        ":BATT:TEST:SENS:AH:GMOD:RANG %g,%g",
			"model_save":         ":BATT:TEST:SENS:AH:GMOD:SAVE:INT %d",
			"model_catalog":      ":BATT:TEST:SENS:AH:GMOD:CAT?",
			"model_recall":       ":BATT:MOD:RCL %d",
			"model_row":          ":BATT:MOD%d:ROW%d?",
			"buffer_select":      `:BATT1:DATA:DATA:SEL? %d,%d,"VOLT,CURR,AH,RES,REL"`,
		},
	}
}

// Prodigit34205A is the Prodigit 34205A electronic load.  Its output_off
// maps to LOAD OFF so generic safe-state handling works across families.
func Prodigit34205A() Spec {
	return Spec{
		Name:       "Prodigit 34205A",
		Type:       ElectronicLoadType,
		MaxVoltage: 600.0,
		MaxCurrent: 160.0,
		MaxPower:   5000.0,
		Commands: map[string]string{
			"identify":        "*IDN?",
			"mode_cc":         "MODE CC",
			"set_current":     "CC:HIGH %.6f",
			"mode_cv":         "MODE CV",
			"set_voltage":     "CV:HIGH %.6f",
			"mode_cp":         "MODE CP",
			"set_power":       "CP:HIGH %.6f",
			"mode_cr":         "MODE CR",
			"set_resistance":  "CR:HIGH %.6f",
			"output_on":       "LOAD ON",
			"output_off":      "LOAD OFF",
			"measure_voltage": "MEAS:VOLT?",
			"measure_current": "MEAS:CURR?",
			"measure_power":   "MEAS:POW?",
			"query_mode":      "MODE?",
			"query_load":      "LOAD?",
			"query_error":     "ERR?",
		},
	}
}

// SpecFor maps a config file type string to a Spec.
func SpecFor(typ string) (Spec, error) {
	switch strings.ToLower(typ) {
	case "sorensen", "sgx", "sgx400", "powersupply":
		return SorensenSGX(), nil
	case "keithley", "2281s", "batterysimulator":
		return Keithley2281S(), nil
	case "prodigit", "34205a", "load", "electronicload":
		return Prodigit34205A(), nil
	}
	return Spec{}, fmt.Errorf("device: unknown device type %q", typ)
}
