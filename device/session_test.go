package device_test

import (
	"errors"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/battlab/benchd/comm"
	"github.com/battlab/benchd/device"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(ioutil.Discard)
	return log
}

func newTestSession(t *testing.T, spec device.Spec) (*device.Session, *comm.Mock) {
	t.Helper()
	m := comm.NewMock()
	m.Replies["*IDN?"] = "KEITHLEY INSTRUMENTS,MODEL 2281S-20-6,4587429,1.05"
	s := device.NewSession("dut", m, spec, quietLogger())
	return s, m
}

func TestConnectIdentifies(t *testing.T) {
	s, _ := newTestSession(t, device.Keithley2281S())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.Model, "2281S") {
		t.Errorf("model = %q, want identify reply", s.Model)
	}
	if !s.Connected() {
		t.Error("session not connected after Connect")
	}
}

func TestConnectIdentifyFailureIsNotFatal(t *testing.T) {
	m := comm.NewMock() // no *IDN? reply scripted
	s := device.NewSession("dut", m, device.SorensenSGX(), quietLogger())
	if err := s.Connect(); err != nil {
		t.Fatal("identify failure must not fail Connect:", err)
	}
	if s.Model != "Unknown" {
		t.Errorf("model = %q, want Unknown", s.Model)
	}
}

func TestConnectTransportFailurePropagates(t *testing.T) {
	m := comm.NewMock()
	m.ConnectErr = errors.New("no route to host")
	s := device.NewSession("dut", m, device.SorensenSGX(), quietLogger())
	if err := s.Connect(); err == nil {
		t.Fatal("transport failure swallowed by Connect")
	}
	if s.Connected() {
		t.Error("session usable after failed Connect")
	}
}

func TestDisconnectCommandsSafeState(t *testing.T) {
	s, m := newTestSession(t, device.Keithley2281S())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	writes := m.Writes()
	var sawOff, sawLocal bool
	for _, w := range writes {
		if w == ":OUTP OFF" {
			sawOff = true
		}
		if w == "SYST:LOC" {
			sawLocal = true
		}
	}
	if !sawOff || !sawLocal {
		t.Errorf("disconnect writes = %v, want output off and local mode", writes)
	}
	if s.Connected() {
		t.Error("session connected after Disconnect")
	}
}

func TestDisconnectSwallowsSafeStateFailure(t *testing.T) {
	s, m := newTestSession(t, device.Keithley2281S())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	m.OnWrite = func(string) error { return errors.New("link lost") }
	if err := s.Disconnect(); err != nil {
		t.Fatal("best-effort safe state must not fail Disconnect:", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	s, _ := newTestSession(t, device.SorensenSGX())
	if err := s.Send("output_on"); err != device.ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	s, _ := newTestSession(t, device.SorensenSGX())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	err := s.Send("measure_evoc") // battery simulator only
	if !errors.Is(err, device.ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestCommandFormatting(t *testing.T) {
	s, m := newTestSession(t, device.SorensenSGX())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	ps := device.NewPowerSupply(s)
	if err := ps.SetVoltage(12.5); err != nil {
		t.Fatal(err)
	}
	writes := m.Writes()
	if writes[len(writes)-1] != "SOUR:VOLT 12.500000" {
		t.Errorf("formatted command = %q", writes[len(writes)-1])
	}
}

func TestRangeValidationBeforeCommand(t *testing.T) {
	s, m := newTestSession(t, device.SorensenSGX())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	before := len(m.Writes())
	ps := device.NewPowerSupply(s)
	err := ps.SetVoltage(401)
	if err == nil {
		t.Fatal("over-range voltage accepted")
	}
	var re device.RangeError
	if !errors.As(err, &re) {
		t.Fatalf("error type = %T, want RangeError", err)
	}
	if len(m.Writes()) != before {
		t.Error("command sent to hardware despite validation failure")
	}
}

func TestAvailableForMonitoring(t *testing.T) {
	s, _ := newTestSession(t, device.Keithley2281S())
	if s.AvailableForMonitoring() {
		t.Error("unconnected session available for monitoring")
	}
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	if !s.AvailableForMonitoring() {
		t.Error("connected idle session not available")
	}
	if err := s.TryClaim("pulse test"); err != nil {
		t.Fatal(err)
	}
	if s.AvailableForMonitoring() {
		t.Error("busy session available for monitoring")
	}
	s.Release()
	if !s.AvailableForMonitoring() {
		t.Error("released session not available")
	}
}

func TestLocalModeNoopWithoutCommand(t *testing.T) {
	s, m := newTestSession(t, device.Prodigit34205A())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	before := len(m.Writes())
	if err := s.LocalMode(); err != nil {
		t.Fatal("local mode on load must be a no-op, got:", err)
	}
	if len(m.Writes()) != before {
		t.Error("no-op local mode sent a command")
	}
}

func TestElectronicLoadModes(t *testing.T) {
	s, m := newTestSession(t, device.Prodigit34205A())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	load := device.NewElectronicLoad(s)
	if err := load.SetModeCC(5.0); err != nil {
		t.Fatal(err)
	}
	if err := load.LoadOn(); err != nil {
		t.Fatal(err)
	}
	writes := m.Writes()
	want := []string{"MODE CC", "CC:HIGH 5.000000", "LOAD ON"}
	if len(writes) < len(want) {
		t.Fatalf("writes = %v, want at least %v", writes, want)
	}
	tail := writes[len(writes)-len(want):]
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("write %d = %q, want %q", i, tail[i], want[i])
		}
	}
	if err := load.SetModeCP(6000); err == nil {
		t.Error("over-range power accepted")
	}
}

func TestBatterySimulatorModeSwitch(t *testing.T) {
	s, m := newTestSession(t, device.Keithley2281S())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	bt := device.NewBatterySimulator(s)
	if err := bt.BatteryTestMode(); err != nil {
		t.Fatal(err)
	}
	if err := bt.PowerSupplyMode(); err != nil {
		t.Fatal(err)
	}
	writes := m.Writes()
	if writes[len(writes)-2] != ":ENTR:FUNC TEST" || writes[len(writes)-1] != ":ENTR:FUNC POW" {
		t.Errorf("mode switch writes = %v", writes[len(writes)-2:])
	}
}

func TestMeasurePowerFallsBackToProduct(t *testing.T) {
	s, m := newTestSession(t, device.SorensenSGX())
	m.Replies["MEAS:VOLT?"] = "12.0"
	m.Replies["MEAS:CURR?"] = "2.5"
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	p, err := s.MeasurePower()
	if err != nil {
		t.Fatal(err)
	}
	if p != 30.0 {
		t.Errorf("power = %g, want 30", p)
	}
}
