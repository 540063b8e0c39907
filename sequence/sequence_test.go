package sequence_test

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/battlab/benchd/acquire"
	"github.com/battlab/benchd/comm"
	"github.com/battlab/benchd/device"
	"github.com/battlab/benchd/sequence"
)

// fakeClock lets runner sleeps advance time instead of passing it.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(ioutil.Discard)
	return l
}

func newKeithley(t *testing.T) (*device.Session, *comm.Mock) {
	t.Helper()
	m := comm.NewMock()
	m.Replies["*IDN?"] = "KEITHLEY INSTRUMENTS,MODEL 2281S-20-6"
	s := device.NewSession("keithley", m, device.Keithley2281S(), quietLog())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	return s, m
}

func fastPolicy(clk *fakeClock) acquire.Policy {
	p := acquire.DefaultPolicy()
	p.Sleep = clk.advance
	return p
}

func newPulseRunner(s *device.Session, clk *fakeClock, dir string) *sequence.PulseRunner {
	return &sequence.PulseRunner{
		S:      s,
		Policy: fastPolicy(clk),
		OutDir: dir,
		Now:    clk.now,
		Sleep:  clk.advance,
	}
}

func wrote(writes []string, cmd string) bool {
	for _, w := range writes {
		if w == cmd {
			return true
		}
	}
	return false
}

func countWrites(writes []string, cmd string) int {
	n := 0
	for _, w := range writes {
		if w == cmd {
			n++
		}
	}
	return n
}

func TestLoadProfileDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.csv")
	content := "time_s,current_a\n0,1.0\n10,0.5\n25,-1.0\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	segs, err := sequence.LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []sequence.Segment{
		{Current: 1.0, Duration: 10 * time.Second},
		{Current: 0.5, Duration: 15 * time.Second},
		{Current: -1.0, Duration: 15 * time.Second}, // last reuses prior
	}
	if len(segs) != len(want) {
		t.Fatalf("got %d segments, want %d", len(segs), len(want))
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, segs[i], want[i])
		}
	}
}

func TestLoadProfileSingleRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.csv")
	if err := os.WriteFile(path, []byte("time_s,current_a\n0,2.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	segs, err := sequence.LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 || segs[0].Duration != time.Second {
		t.Errorf("single-row profile = %+v, want one 1s segment", segs)
	}
}

func TestLoadProfileRejectsNonIncreasingTimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(path, []byte("time_s,current_a\n0,1\n0,2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := sequence.LoadProfile(path); err == nil {
		t.Error("duplicate start times accepted")
	}
}

func TestPartitionSameSignBatches(t *testing.T) {
	segs := []sequence.Segment{
		{Current: 1.0, Duration: 10 * time.Second},
		{Current: 0.5, Duration: 10 * time.Second},
		{Current: -1.0, Duration: 10 * time.Second},
		{Current: -0.5, Duration: 10 * time.Second},
		{Current: 2.0, Duration: 10 * time.Second},
	}
	batches := sequence.Partition(segs)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	wantModes := []sequence.Mode{sequence.ModeCharge, sequence.ModeDischarge, sequence.ModeCharge}
	wantLens := []int{2, 2, 1}
	for i, b := range batches {
		if b.Mode != wantModes[i] {
			t.Errorf("batch %d mode = %s, want %s", i, b.Mode, wantModes[i])
		}
		if len(b.Segments) != wantLens[i] {
			t.Errorf("batch %d has %d segments, want %d", i, len(b.Segments), wantLens[i])
		}
	}
}

func TestPartitionZeroCurrentIsCharge(t *testing.T) {
	batches := sequence.Partition([]sequence.Segment{
		{Current: 0, Duration: time.Second},
		{Current: 0.5, Duration: time.Second},
	})
	if len(batches) != 1 || batches[0].Mode != sequence.ModeCharge {
		t.Errorf("zero current not batched as charge: %+v", batches)
	}
}

func TestPulseValidationDistinctErrors(t *testing.T) {
	base := sequence.PulseParams{
		Pulses:    5,
		PulseTime: 60 * time.Second,
		RestTime:  60 * time.Second,
		IPulse:    1.0,
	}
	max := device.Keithley2281S().MaxCurrent

	cases := []struct {
		name   string
		mutate func(*sequence.PulseParams)
		want   string
	}{
		{"zero pulses", func(p *sequence.PulseParams) { p.Pulses = 0 }, "pulse count"},
		{"short pulse time", func(p *sequence.PulseParams) { p.PulseTime = 500 * time.Millisecond }, "pulse time"},
		{"zero rest time", func(p *sequence.PulseParams) { p.RestTime = 0 }, "rest time"},
		{"current above rating", func(p *sequence.PulseParams) { p.IPulse = max + 1 }, "pulse current"},
	}
	for _, tc := range cases {
		p := base
		tc.mutate(&p)
		err := p.Validate(max)
		if err == nil {
			t.Errorf("%s: accepted", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
	if err := base.Validate(max); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestPulseValidationPrecedesAnyCommand(t *testing.T) {
	s, m := newKeithley(t)
	clk := newFakeClock()
	r := newPulseRunner(s, clk, t.TempDir())

	_, _, err := r.Run(sequence.PulseParams{Pulses: 0, PulseTime: time.Minute, RestTime: time.Minute, IPulse: 1})
	if err == nil {
		t.Fatal("invalid params accepted")
	}
	if len(m.Writes()) != 0 {
		t.Errorf("validation failure still sent %d commands", len(m.Writes()))
	}
	if s.Busy() {
		t.Error("gate claimed despite validation failure")
	}
}

func TestPulseRunnerWritesBothFiles(t *testing.T) {
	s, m := newKeithley(t)
	m.Replies[`:BATT:DATA:DATA? "CURR,VOLT,REL"`] = "0.5,3.9,1.0"
	m.Replies[":BATT:TEST:MEAS:EVOC?"] = "0.05,4.1"
	clk := newFakeClock()
	dir := t.TempDir()
	r := newPulseRunner(s, clk, dir)

	pulsePath, restPath, err := r.Run(sequence.PulseParams{
		Pulses:    2,
		PulseTime: 2 * time.Second,
		RestTime:  2 * time.Second,
		IPulse:    1.0,
	})
	if err != nil {
		t.Fatal(err)
	}

	pulse, err := os.ReadFile(pulsePath)
	if err != nil {
		t.Fatal(err)
	}
	plines := strings.Split(strings.TrimSpace(string(pulse)), "\n")
	if plines[0] != "t_rel_s,volt_v,curr_a" {
		t.Errorf("pulse header = %q", plines[0])
	}
	if len(plines) < 2 {
		t.Error("pulse file has no data rows")
	}
	if !strings.Contains(plines[1], "3.900000") || !strings.Contains(plines[1], "0.500000") {
		t.Errorf("pulse row = %q, want buffered v/i", plines[1])
	}

	rest, err := os.ReadFile(restPath)
	if err != nil {
		t.Fatal(err)
	}
	rlines := strings.Split(strings.TrimSpace(string(rest)), "\n")
	if rlines[0] != "t_rel_s,voc_v,esr_ohm" {
		t.Errorf("rest header = %q", rlines[0])
	}
	if len(rlines) < 2 {
		t.Error("rest file has no data rows")
	}
	if !strings.Contains(rlines[1], "4.100000") || !strings.Contains(rlines[1], "0.050000") {
		t.Errorf("rest row = %q, want voc then esr", rlines[1])
	}

	writes := m.Writes()
	for _, cmd := range []string{":BATT:OUTP OFF", ":BATT:TEST:EXEC STOP", ":BATT:DATA:STAT OFF", "SYST:LOC"} {
		if !wrote(writes, cmd) {
			t.Errorf("cleanup command %q never sent", cmd)
		}
	}
	if s.Busy() {
		t.Error("gate still held after successful run")
	}
}

func TestPulseBusyThroughoutAndReleasedAfterError(t *testing.T) {
	s, m := newKeithley(t)
	clk := newFakeClock()
	r := newPulseRunner(s, clk, t.TempDir())

	busyAtFailure := false
	m.OnWrite = func(cmd string) error {
		if cmd == ":BATT:TEST:EXEC STAR" {
			busyAtFailure = s.Busy()
			return errors.New("link dropped")
		}
		return nil
	}

	_, _, err := r.Run(sequence.PulseParams{
		Pulses:    1,
		PulseTime: 2 * time.Second,
		RestTime:  2 * time.Second,
		IPulse:    1.0,
	})
	if err == nil {
		t.Fatal("mid-init failure not reported")
	}
	if !busyAtFailure {
		t.Error("gate not held while the test was running")
	}
	if s.Busy() {
		t.Error("gate still held after a failed run")
	}
	if !wrote(m.Writes(), ":BATT:OUTP OFF") {
		t.Error("output not commanded off after a failed run")
	}
}

func TestPulseSecondClaimFailsFast(t *testing.T) {
	s, m := newKeithley(t)
	if err := s.TryClaim("another test"); err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	clk := newFakeClock()
	r := newPulseRunner(s, clk, t.TempDir())
	before := len(m.Writes())
	_, _, err := r.Run(sequence.PulseParams{
		Pulses: 1, PulseTime: time.Minute, RestTime: time.Minute, IPulse: 1,
	})
	if err == nil {
		t.Fatal("claim against a busy device succeeded")
	}
	if !strings.Contains(err.Error(), "busy") {
		t.Errorf("error %q does not report the device busy", err)
	}
	if len(m.Writes()) != before {
		t.Error("busy-precondition failure still sent commands")
	}
}

func newProfileRunner(s *device.Session, clk *fakeClock, dir string) *sequence.ProfileRunner {
	return &sequence.ProfileRunner{
		S:      s,
		Policy: fastPolicy(clk),
		OutDir: dir,
		Now:    clk.now,
		Sleep:  clk.advance,
	}
}

func profileSegments() []sequence.Segment {
	return []sequence.Segment{
		{Current: 1.0, Duration: 10 * time.Second},
		{Current: 0.5, Duration: 10 * time.Second},
		{Current: -1.0, Duration: 10 * time.Second},
		{Current: -0.5, Duration: 10 * time.Second},
		{Current: 2.0, Duration: 10 * time.Second},
	}
}

func TestProfileRunRoundTrip(t *testing.T) {
	s, m := newKeithley(t)
	m.Replies[":MEAS:VOLT?"] = "4.0"
	m.Replies[":MEAS:CURR?"] = "0.5"
	m.Replies[`:BATT:DATA:DATA? "CURR,VOLT,REL"`] = "0.9,3.8,5.0"
	clk := newFakeClock()
	r := newProfileRunner(s, clk, t.TempDir())

	logPath, err := r.Run(profileSegments())
	if err != nil {
		t.Fatal(err)
	}
	if logPath == "" {
		t.Fatal("no log path returned")
	}

	rows, err := sequence.ReadTestLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("log has %d rows, want 5", len(rows))
	}
	wantModes := []sequence.Mode{
		sequence.ModeCharge, sequence.ModeCharge,
		sequence.ModeDischarge, sequence.ModeDischarge,
		sequence.ModeCharge,
	}
	for i, row := range rows {
		if row.Step != i+1 {
			t.Errorf("row %d step = %d, want %d", i, row.Step, i+1)
		}
		if row.Mode != wantModes[i] {
			t.Errorf("row %d mode = %s, want %s", i, row.Mode, wantModes[i])
		}
		if row.Status != "OK" {
			t.Errorf("row %d status = %q, want OK", i, row.Status)
		}
	}

	// three batches, three mode switches
	writes := m.Writes()
	if n := countWrites(writes, ":ENTR:FUNC POW"); n != 2 {
		t.Errorf("power supply mode commanded %d times, want 2", n)
	}
	if n := countWrites(writes, ":ENTR:FUNC TEST"); n != 1 {
		t.Errorf("battery test mode commanded %d times, want 1", n)
	}
	if s.Busy() {
		t.Error("gate still held after run")
	}
}

func TestProfileSegmentFailureContinues(t *testing.T) {
	s, m := newKeithley(t)
	// no direct-read replies: charge measurements fail, buffered succeed
	m.Replies[`:BATT:DATA:DATA? "CURR,VOLT,REL"`] = "0.9,3.8,5.0"
	clk := newFakeClock()
	r := newProfileRunner(s, clk, t.TempDir())

	logPath, err := r.Run(profileSegments())
	if err != nil {
		t.Fatal(err)
	}
	rows, err := sequence.ReadTestLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("log has %d rows, want 5", len(rows))
	}
	for _, row := range rows {
		switch row.Mode {
		case sequence.ModeCharge:
			if !strings.HasPrefix(row.Status, "ERROR") {
				t.Errorf("step %d: failed measurement logged as %q", row.Step, row.Status)
			}
			if row.MeasuredV != nil {
				t.Errorf("step %d: failed measurement carries a value", row.Step)
			}
		case sequence.ModeDischarge:
			if row.Status != "OK" {
				t.Errorf("step %d: buffered measurement failed: %q", row.Step, row.Status)
			}
		}
	}
	if s.Busy() {
		t.Error("gate still held after run")
	}
	if !wrote(m.Writes(), ":OUTP OFF") {
		t.Error("output not commanded off at cleanup")
	}
}

func TestTestLogRoundTripPreservesErrorRows(t *testing.T) {
	v := 3.9
	i := 0.4
	tlog := &sequence.TestLog{}
	tlog.Append(sequence.Row{Step: 1, Mode: sequence.ModeCharge, SetCurrent: 1.0, MeasuredV: &v, MeasuredI: &i, Elapsed: 1.5, Status: "OK"})
	tlog.Append(sequence.Row{Step: 2, Mode: sequence.ModeDischarge, SetCurrent: 0.5, Elapsed: 12.0, Status: "ERROR: measurement failed after 3 attempts"})

	path, err := tlog.Flush(t.TempDir(), "20260314_090000")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := sequence.ReadTestLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].MeasuredV == nil || *rows[0].MeasuredV != 3.9 {
		t.Error("measured voltage lost in round trip")
	}
	if rows[1].MeasuredV != nil || rows[1].MeasuredI != nil {
		t.Error("ERROR fields did not come back nil")
	}
	if rows[1].Mode != sequence.ModeDischarge || !strings.HasPrefix(rows[1].Status, "ERROR") {
		t.Error("mode or status lost in round trip")
	}
}

func TestModelValidationDistinctErrors(t *testing.T) {
	base := sequence.ModelParams{
		DischargeVoltage:    3.0,
		DischargeCurrentEnd: 0.4,
		ChargeVFull:         4.2,
		ChargeILimit:        1.0,
		ESRIntervalSec:      30,
		ModelSlot:           4,
		VMin:                2.5,
		VMax:                4.2,
	}
	max := device.Keithley2281S().MaxCurrent

	cases := []struct {
		name   string
		mutate func(*sequence.ModelParams)
		want   string
	}{
		{"discharge voltage", func(p *sequence.ModelParams) { p.DischargeVoltage = 5.0 }, "discharge voltage"},
		{"end current", func(p *sequence.ModelParams) { p.DischargeCurrentEnd = 3.0 }, "discharge end current"},
		{"charge voltage", func(p *sequence.ModelParams) { p.ChargeVFull = 2.0 }, "charge voltage"},
		{"charge current", func(p *sequence.ModelParams) { p.ChargeILimit = max + 1 }, "charge current"},
		{"slot", func(p *sequence.ModelParams) { p.ModelSlot = 0 }, "model slot"},
		{"esr interval", func(p *sequence.ModelParams) { p.ESRIntervalSec = 0 }, "ESR interval"},
	}
	for _, tc := range cases {
		p := base
		tc.mutate(&p)
		err := p.Validate(max)
		if err == nil {
			t.Errorf("%s: accepted", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
	if err := base.Validate(max); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestModelRunExportsModelAndData(t *testing.T) {
	s, m := newKeithley(t)
	condCalls := 0
	m.OnQuery = func(cmd string) (string, error) {
		switch {
		case cmd == "*IDN?":
			return "KEITHLEY", nil
		case cmd == ":STAT:OPER:INST:ISUM:COND?":
			condCalls++
			if condCalls <= 2 {
				return "16", nil // measuring bit set
			}
			return "0", nil
		case cmd == ":BATT:VOLT?":
			return "3.5", nil
		case cmd == ":BATT:CURR?":
			return "0.8", nil
		case cmd == "*OPC?":
			return "1", nil
		case cmd == ":BATT:TEST:SENS:AH:GMOD:CAT?":
			return "4", nil
		case strings.HasPrefix(cmd, ":BATT:MOD4:ROW"):
			return "4.1000,0.0500", nil
		case cmd == ":TRAC:POIN:ACT?":
			return "2", nil
		case strings.HasPrefix(cmd, ":BATT1:DATA:DATA:SEL?"):
			return "4.0,0.5,1.2,0.05,10;3.9,0.5,1.1,0.05,20", nil
		}
		return "", errors.New("unscripted query: " + cmd)
	}

	clk := newFakeClock()
	r := &sequence.ModelRunner{
		S:      s,
		OutDir: t.TempDir(),
		Now:    clk.now,
		Sleep:  clk.advance,
	}
	res, err := r.Run(sequence.ModelParams{
		DischargeVoltage:    3.0,
		DischargeCurrentEnd: 0.4,
		ChargeVFull:         4.2,
		ChargeILimit:        1.0,
		ESRIntervalSec:      30,
		ModelSlot:           4,
		VMin:                2.5,
		VMax:                4.2,
		ExportCSV:           true,
	})
	if err != nil {
		t.Fatal(err)
	}

	model, err := os.ReadFile(res.ModelFile)
	if err != nil {
		t.Fatal(err)
	}
	mlines := strings.Split(strings.TrimSpace(string(model)), "\n")
	if len(mlines) != 102 { // header + 101 points
		t.Errorf("model file has %d lines, want 102", len(mlines))
	}

	data, err := os.ReadFile(res.DataFile)
	if err != nil {
		t.Fatal(err)
	}
	dlines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(dlines) != 3 { // header + 2 buffered rows
		t.Errorf("data file has %d lines, want 3", len(dlines))
	}

	writes := m.Writes()
	for _, cmd := range []string{
		":BATT:TEST:VOLT 3.000000",
		":BATT:TEST:SENS:AH:ESRI S30",
		":BATT:TEST:SENS:AH:GMOD:SAVE:INT 4",
		":BATT:MOD:RCL 4",
		":BATT:OUTP OFF",
	} {
		if !wrote(writes, cmd) {
			t.Errorf("command %q never sent", cmd)
		}
	}
	if s.Busy() {
		t.Error("gate still held after run")
	}
}

func TestModelRunBoundedDischarge(t *testing.T) {
	s, m := newKeithley(t)
	m.OnQuery = func(cmd string) (string, error) {
		switch cmd {
		case "*IDN?":
			return "KEITHLEY", nil
		case ":STAT:OPER:INST:ISUM:COND?":
			return "16", nil // never finishes
		case ":BATT:VOLT?":
			return "3.5", nil
		case ":BATT:CURR?":
			return "0.8", nil
		}
		return "", errors.New("unscripted")
	}
	clk := newFakeClock()
	r := &sequence.ModelRunner{
		S:            s,
		OutDir:       t.TempDir(),
		MaxDischarge: 2 * time.Minute,
		Now:          clk.now,
		Sleep:        clk.advance,
	}
	_, err := r.Run(sequence.ModelParams{
		DischargeVoltage:    3.0,
		DischargeCurrentEnd: 0.4,
		ChargeVFull:         4.2,
		ChargeILimit:        1.0,
		ESRIntervalSec:      30,
		ModelSlot:           4,
		VMin:                2.5,
		VMax:                4.2,
	})
	if err == nil {
		t.Fatal("unbounded discharge not cut off")
	}
	if !strings.Contains(err.Error(), "discharge") {
		t.Errorf("error %q does not name the phase", err)
	}
	if s.Busy() {
		t.Error("gate still held after bounded abort")
	}
	if !wrote(m.Writes(), ":BATT:OUTP OFF") {
		t.Error("output not commanded off after abort")
	}
}
