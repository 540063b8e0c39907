package sequence

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/battlab/benchd/acquire"
	"github.com/battlab/benchd/device"
)

// Ramp current limits either side of the pulse.  Stepping the limit keeps
// the cell's terminal voltage from slewing hard into the pulse current.
var (
	rampUp   = []float64{0.05, 0.20}
	rampDown = []float64{0.20, 0.05}
)

const (
	// rampHold is how long each ramp step is held.
	rampHold = 2 * time.Second

	// defaultStep is the sampling cadence within a phase.
	defaultStep = 500 * time.Millisecond

	// defaultEvocDelay is the instrument's settle before an open-circuit
	// voltage measurement, in seconds.
	defaultEvocDelay = 0.05

	// defaultIRest keeps a token current limit programmed during rest.
	defaultIRest = 0.0001
)

// PulseParams configures one pulse discharge test.
type PulseParams struct {
	// Pulses is the number of pulse/rest cycles, 1 to 100.
	Pulses int

	// PulseTime is the sustained high-current phase duration, 1 to 300s.
	PulseTime time.Duration

	// RestTime is the recovery phase duration, 1 to 300s.
	RestTime time.Duration

	// IPulse is the pulse current in amps, 1mA up to the instrument's
	// rated maximum.
	IPulse float64

	// IRest is the current limit programmed during rest.  Defaults to a
	// token 0.1mA.
	IRest float64

	// SampleInterval is the instrument's internal buffer cadence in
	// seconds.  Defaults to 0.5.
	SampleInterval float64
}

// Validate checks the parameter ranges against an instrument's rated
// maximum current.  It runs before the busy gate is claimed; no command
// reaches the device on failure.
func (p PulseParams) Validate(maxCurrent float64) error {
	if p.Pulses < 1 || p.Pulses > 100 {
		return errors.New("pulse count must be between 1 and 100")
	}
	if p.PulseTime < time.Second || p.PulseTime > 300*time.Second {
		return errors.New("pulse time must be between 1 and 300 seconds")
	}
	if p.RestTime < time.Second || p.RestTime > 300*time.Second {
		return errors.New("rest time must be between 1 and 300 seconds")
	}
	if p.IPulse < 0.001 || p.IPulse > maxCurrent {
		return errors.Errorf("pulse current must be between 0.001 and %gA", maxCurrent)
	}
	return nil
}

// PulseRunner drives a battery simulator through a pulse discharge test:
// init, then N cycles of ramp-up, pulse, ramp-down, and rest, then
// unconditional cleanup.  V/I samples land in one CSV during the powered
// phases; open-circuit voltage and internal resistance land in another
// during rest.
type PulseRunner struct {
	S      *device.Session
	Policy acquire.Policy

	// OutDir receives the two CSV files.
	OutDir string

	// Step overrides the sampling cadence.  Zero means 500ms.
	Step time.Duration

	// EvocDelay overrides the open-circuit measurement settle, seconds.
	EvocDelay float64

	// Now and Sleep default to the wall clock; tests substitute both.
	Now   func() time.Time
	Sleep func(time.Duration)
}

func (r *PulseRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *PulseRunner) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if r.Sleep != nil {
		r.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (r *PulseRunner) step() time.Duration {
	if r.Step > 0 {
		return r.Step
	}
	return defaultStep
}

func (r *PulseRunner) evocDelay() float64 {
	if r.EvocDelay > 0 {
		return r.EvocDelay
	}
	return defaultEvocDelay
}

// settle is the post-command pause on networked links.
func (r *PulseRunner) settle() {
	if r.S.Networked() {
		r.sleep(r.Policy.NetDelay)
	}
}

// send issues a logical command and settles the link afterward.
func (r *PulseRunner) send(op string, args ...interface{}) error {
	if err := r.S.Send(op, args...); err != nil {
		return err
	}
	r.settle()
	return nil
}

// Run executes the pulse test and returns the paths of the two CSV files.
// Parameter validation and the busy-gate claim happen before any command
// reaches the device; cleanup and the gate release happen on every exit
// path.
func (r *PulseRunner) Run(p PulseParams) (pulsePath, restPath string, err error) {
	if p.IRest <= 0 {
		p.IRest = defaultIRest
	}
	if p.SampleInterval <= 0 {
		p.SampleInterval = 0.5
	}

	if !r.S.Connected() {
		return "", "", errors.Errorf("%s is not connected", r.S.Name)
	}
	if err := p.Validate(r.S.Spec.MaxCurrent); err != nil {
		return "", "", err
	}
	if err := r.S.TryClaim("pulse test"); err != nil {
		return "", "", err
	}
	log := r.S.Logger()
	defer func() {
		for _, op := range []string{"battery_output_off", "exec_stop", "buffer_off"} {
			if cerr := r.S.Send(op); cerr != nil {
				log.WithError(cerr).Debugf("cleanup %s failed", op)
			}
		}
		if cerr := r.S.LocalMode(); cerr != nil {
			log.WithError(cerr).Debug("cleanup local mode failed")
		}
		r.S.Release()
	}()

	if err := r.initialize(p); err != nil {
		return "", "", errors.Wrap(err, "initialize pulse test")
	}

	stamp := runStamp(r.now())
	pulsePath = filepath.Join(r.OutDir, fmt.Sprintf("pulse_bt_%s.csv", stamp))
	restPath = filepath.Join(r.OutDir, fmt.Sprintf("rest_evoc_%s.csv", stamp))

	fpulse, err := os.Create(pulsePath)
	if err != nil {
		return "", "", errors.Wrap(err, "create pulse csv")
	}
	defer fpulse.Close()
	frest, err := os.Create(restPath)
	if err != nil {
		return "", "", errors.Wrap(err, "create rest csv")
	}
	defer frest.Close()

	wp := csv.NewWriter(fpulse)
	wr := csv.NewWriter(frest)
	wp.Write([]string{"t_rel_s", "volt_v", "curr_a"})
	wr.Write([]string{"t_rel_s", "voc_v", "esr_ohm"})
	wp.Flush()
	wr.Flush()

	t0 := r.now()
	for cyc := 1; cyc <= p.Pulses; cyc++ {
		log.Infof("pulse %d/%d", cyc, p.Pulses)

		for _, lim := range rampUp {
			if err := r.send("current_limit", lim); err != nil {
				return pulsePath, restPath, errors.Wrapf(err, "ramp up pulse %d", cyc)
			}
			if err := r.S.Send("battery_output_on"); err != nil {
				return pulsePath, restPath, errors.Wrapf(err, "output on pulse %d", cyc)
			}
			r.samplePhase(wp, t0, rampHold)
		}

		if err := r.send("current_limit", p.IPulse); err != nil {
			return pulsePath, restPath, errors.Wrapf(err, "set pulse current %d", cyc)
		}
		if err := r.send("current_end", p.IPulse); err != nil {
			return pulsePath, restPath, errors.Wrapf(err, "set pulse end current %d", cyc)
		}
		r.samplePhase(wp, t0, p.PulseTime)

		for _, lim := range rampDown {
			if err := r.send("current_limit", lim); err != nil {
				return pulsePath, restPath, errors.Wrapf(err, "ramp down pulse %d", cyc)
			}
			r.samplePhase(wp, t0, rampHold)
		}

		if err := r.S.Send("battery_output_off"); err != nil {
			return pulsePath, restPath, errors.Wrapf(err, "output off pulse %d", cyc)
		}
		if err := r.send("current_limit", p.IRest); err != nil {
			return pulsePath, restPath, errors.Wrapf(err, "set rest current %d", cyc)
		}
		r.restPhase(wr, t0, p.RestTime)
	}

	log.Info("pulse test complete")
	return pulsePath, restPath, nil
}

// initialize puts the instrument into battery test mode with the data
// logger running.  Any command failure aborts the run.
func (r *PulseRunner) initialize(p PulseParams) error {
	log := r.S.Logger()

	if err := r.S.Send("reset"); err != nil {
		return err
	}
	if r.S.Networked() {
		r.sleep(3 * time.Second)
	} else {
		r.sleep(1 * time.Second)
	}
	if _, err := r.S.QueryCmd("identify"); err != nil {
		return errors.Wrap(err, "instrument not responding after reset")
	}

	steps := []struct {
		op   string
		args []interface{}
	}{
		{op: "clear"},
		{op: "remote_mode"},
		{op: "battery_test_mode"},
		{op: "test_discharge"},
		{op: "current_end", args: []interface{}{p.IPulse}},
		{op: "current_limit", args: []interface{}{p.IPulse}},
		{op: "sample_interval", args: []interface{}{p.SampleInterval}},
		{op: "evoc_delay", args: []interface{}{r.evocDelay()}},
		{op: "units_off"},
		{op: "azero_off"},
	}
	for _, step := range steps {
		if err := r.send(step.op, step.args...); err != nil {
			return errors.Wrapf(err, "init %s", step.op)
		}
	}

	// verify the programmed current, for the log only
	if resp, err := r.S.QueryCmd("current_limit?"); err == nil {
		log.Debugf("current limit confirmed at %s", resp)
	}

	// the buffer occasionally keeps stale rows through a single clear
	for n := 0; n < 3; n++ {
		if err := r.send("buffer_clear"); err != nil {
			return errors.Wrap(err, "init buffer_clear")
		}
		r.sleep(100 * time.Millisecond)
	}
	if err := r.send("buffer_on"); err != nil {
		return errors.Wrap(err, "init buffer_on")
	}
	r.sleep(200 * time.Millisecond)
	if err := r.send("exec_start"); err != nil {
		return errors.Wrap(err, "init exec_start")
	}
	if r.S.Networked() {
		r.sleep(3 * time.Second)
	} else {
		r.sleep(1 * time.Second)
	}

	// confirm data collection started; acquisition falls back to direct
	// reads if it did not, so this is informational
	if resp, err := r.S.QueryCmd("read_buffer"); err == nil && strings.Contains(resp, ",") {
		log.Debug("data collection active")
	} else {
		log.Warn("buffer empty after init, direct-read fallback will carry the test")
	}
	return nil
}

// samplePhase polls V/I until the phase duration elapses, appending one
// CSV row per successful sample.  A failed sample or row write skips the
// row and the phase continues.
func (r *PulseRunner) samplePhase(w *csv.Writer, t0 time.Time, d time.Duration) {
	end := r.now().Add(d)
	for r.now().Before(end) {
		v, i, rel := acquire.LastVI(r.S, r.Policy, t0)
		if v != nil && i != nil && rel != nil {
			w.Write([]string{
				fmt.Sprintf("%.3f", *rel),
				fmt.Sprintf("%.6f", *v),
				fmt.Sprintf("%.6f", *i),
			})
			w.Flush()
			if err := w.Error(); err != nil {
				r.S.Logger().WithError(err).Debug("pulse row write failed")
			}
		}
		r.sleep(r.step())
	}
}

// restPhase polls the open-circuit voltage and internal resistance until
// the rest duration elapses.  The instrument replies "esr,voc".
func (r *PulseRunner) restPhase(w *csv.Writer, t0 time.Time, d time.Duration) {
	log := r.S.Logger()
	end := r.now().Add(d)
	for r.now().Before(end) {
		resp, err := r.S.QueryCmd("measure_evoc")
		if err == nil {
			if esr, voc, perr := parseEVOC(resp); perr == nil {
				w.Write([]string{
					fmt.Sprintf("%.3f", r.now().Sub(t0).Seconds()),
					fmt.Sprintf("%.6f", voc),
					fmt.Sprintf("%.6f", esr),
				})
				w.Flush()
				if werr := w.Error(); werr != nil {
					log.WithError(werr).Debug("rest row write failed")
				}
			} else {
				log.WithError(perr).Debug("evoc reply unparseable")
			}
		} else {
			log.WithError(err).Debug("evoc measurement failed")
		}
		r.sleep(r.step())
	}
}

func parseEVOC(resp string) (esr, voc float64, err error) {
	parts := strings.Split(strings.TrimSpace(resp), ",")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("evoc reply %q is not esr,voc", resp)
	}
	esr, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	voc, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	return esr, voc, err
}
