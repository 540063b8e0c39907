package sequence

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/battlab/benchd/acquire"
	"github.com/battlab/benchd/device"
)

const (
	defaultChargeVoltage  = 4.2
	defaultProtectVoltage = 4.3

	// defaultModeSwitchDelay lets the instrument settle after an
	// operating-mode change before it accepts further commands.
	defaultModeSwitchDelay = 3 * time.Second

	defaultMeasureRetries = 3
	defaultRetryGap       = time.Second
)

// ProfileRunner executes a current profile against a battery simulator,
// batching consecutive same-sign segments so the slow operating-mode
// switch happens only when the sign flips.  Charge batches run in power
// supply mode; discharge batches run in battery test mode.  Every segment
// produces one structured log row, flushed to CSV once at the end.
type ProfileRunner struct {
	S      *device.Session
	Policy acquire.Policy

	// OutDir receives the structured log CSV.
	OutDir string

	// ChargeVoltage and ProtectVoltage configure the power supply mode
	// during charge batches.  Zero means 4.2V / 4.3V.
	ChargeVoltage  float64
	ProtectVoltage float64

	// ModeSwitchDelay overrides the settle after a mode switch.
	ModeSwitchDelay time.Duration

	// MeasureRetries and RetryGap bound the per-segment measurement.
	MeasureRetries int
	RetryGap       time.Duration

	// Now and Sleep default to the wall clock; tests substitute both.
	Now   func() time.Time
	Sleep func(time.Duration)
}

func (r *ProfileRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *ProfileRunner) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if r.Sleep != nil {
		r.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (r *ProfileRunner) chargeVoltage() float64 {
	if r.ChargeVoltage > 0 {
		return r.ChargeVoltage
	}
	return defaultChargeVoltage
}

func (r *ProfileRunner) protectVoltage() float64 {
	if r.ProtectVoltage > 0 {
		return r.ProtectVoltage
	}
	return defaultProtectVoltage
}

func (r *ProfileRunner) modeSwitchDelay() time.Duration {
	if r.ModeSwitchDelay > 0 {
		return r.ModeSwitchDelay
	}
	return defaultModeSwitchDelay
}

func (r *ProfileRunner) retries() int {
	if r.MeasureRetries > 0 {
		return r.MeasureRetries
	}
	return defaultMeasureRetries
}

func (r *ProfileRunner) retryGap() time.Duration {
	if r.RetryGap > 0 {
		return r.RetryGap
	}
	return defaultRetryGap
}

// Run executes the profile and returns the path of the flushed log CSV.
// The busy gate is held for the whole run; one segment's measurement
// failure logs an ERROR row and the run continues.
func (r *ProfileRunner) Run(segments []Segment) (logPath string, err error) {
	if len(segments) == 0 {
		return "", errors.New("profile has no segments")
	}
	if !r.S.Connected() {
		return "", errors.Errorf("%s is not connected", r.S.Name)
	}
	if err := r.S.TryClaim("profile execution"); err != nil {
		return "", err
	}

	log := r.S.Logger()
	tlog := &TestLog{}
	t0 := r.now()

	defer func() {
		for _, op := range []string{"output_off", "battery_output_off"} {
			if cerr := r.S.Send(op); cerr != nil {
				log.WithError(cerr).Debugf("cleanup %s failed", op)
			}
		}
		r.S.Release()
		path, ferr := tlog.Flush(r.OutDir, runStamp(t0))
		if ferr != nil {
			log.WithError(ferr).Error("test log flush failed")
			if err == nil {
				err = ferr
			}
			return
		}
		logPath = path
	}()

	batches := Partition(segments)
	log.Infof("profile: %d segments in %d batches", len(segments), len(batches))

	var mode Mode
	step := 0
	for _, batch := range batches {
		if err := r.switchMode(batch.Mode, &mode); err != nil {
			log.WithError(err).Errorf("mode switch to %s failed, skipping %d segments", batch.Mode, len(batch.Segments))
			for range batch.Segments {
				step++
				tlog.Append(Row{
					Step:    step,
					Mode:    ModeError,
					Elapsed: r.now().Sub(t0).Seconds(),
					Status:  "ERROR: mode switch failed",
				})
			}
			continue
		}
		if batch.Mode == ModeCharge {
			step = r.runChargeBatch(batch.Segments, step, t0, tlog)
		} else {
			step = r.runDischargeBatch(batch.Segments, step, t0, tlog)
		}
	}
	return "", nil
}

// switchMode changes the instrument's operating mode when the target
// differs from the tracked one.  Verification is best-effort; a failed
// verify query assumes the switch took.
func (r *ProfileRunner) switchMode(target Mode, current *Mode) error {
	if *current == target {
		return nil
	}
	log := r.S.Logger()

	// outputs off before any function change
	for _, op := range []string{"output_off", "battery_output_off"} {
		if err := r.S.Send(op); err != nil {
			return errors.Wrapf(err, "%s before mode switch", op)
		}
	}
	r.sleep(500 * time.Millisecond)

	op, want := "power_supply_mode", "POW"
	if target == ModeDischarge {
		op, want = "battery_test_mode", "TEST"
	}
	if err := r.S.Send(op); err != nil {
		return err
	}
	r.sleep(r.modeSwitchDelay())

	if resp, err := r.S.QueryCmd("query_mode"); err == nil {
		if !strings.Contains(strings.ToUpper(strings.TrimSpace(resp)), want) {
			log.Warnf("mode verify reported %q, expected %s", resp, want)
		}
	} else {
		log.WithError(err).Debug("mode verify failed, assuming switch took")
	}
	*current = target
	return nil
}

// runChargeBatch drives the segments in power supply mode: constant
// voltage with the segment's current as the limit.
func (r *ProfileRunner) runChargeBatch(segments []Segment, step int, t0 time.Time, tlog *TestLog) int {
	log := r.S.Logger()
	configured := false
	if err := r.S.Send("set_voltage", r.chargeVoltage()); err == nil {
		if err := r.S.Send("set_ovp", r.protectVoltage()); err == nil {
			if err := r.S.Send("output_on"); err == nil {
				configured = true
			}
		}
	}
	if !configured {
		log.Error("charge batch configuration failed")
	}

	for _, seg := range segments {
		step++
		if !configured {
			tlog.Append(Row{
				Step: step, Mode: ModeError, SetCurrent: seg.Current,
				Elapsed: r.now().Sub(t0).Seconds(),
				Status:  "ERROR: batch configuration failed",
			})
			continue
		}
		if err := r.S.Send("set_current", seg.Current); err != nil {
			tlog.Append(Row{
				Step: step, Mode: ModeCharge, SetCurrent: seg.Current,
				Elapsed: r.now().Sub(t0).Seconds(),
				Status:  "ERROR: set current failed",
			})
			continue
		}
		v, i, status := r.measureDirect()
		tlog.Append(Row{
			Step: step, Mode: ModeCharge, SetCurrent: seg.Current,
			MeasuredV: v, MeasuredI: i,
			Elapsed: r.now().Sub(t0).Seconds(),
			Status:  status,
		})
		r.sleep(seg.Duration)
	}

	if err := r.S.Send("output_off"); err != nil {
		log.WithError(err).Debug("output off after charge batch failed")
	}
	return step
}

// runDischargeBatch drives the segments in battery test mode, sinking the
// segment's current magnitude.
func (r *ProfileRunner) runDischargeBatch(segments []Segment, step int, t0 time.Time, tlog *TestLog) int {
	log := r.S.Logger()
	configured := r.S.Send("test_discharge") == nil

	outputOn := false
	for _, seg := range segments {
		step++
		magnitude := seg.Current
		if magnitude < 0 {
			magnitude = -magnitude
		}
		if !configured {
			tlog.Append(Row{
				Step: step, Mode: ModeError, SetCurrent: magnitude,
				Elapsed: r.now().Sub(t0).Seconds(),
				Status:  "ERROR: batch configuration failed",
			})
			continue
		}
		if err := r.S.Send("current_limit", magnitude); err != nil {
			tlog.Append(Row{
				Step: step, Mode: ModeDischarge, SetCurrent: magnitude,
				Elapsed: r.now().Sub(t0).Seconds(),
				Status:  "ERROR: set current limit failed",
			})
			continue
		}
		if !outputOn {
			if err := r.S.Send("battery_output_on"); err != nil {
				tlog.Append(Row{
					Step: step, Mode: ModeDischarge, SetCurrent: magnitude,
					Elapsed: r.now().Sub(t0).Seconds(),
					Status:  "ERROR: battery output on failed",
				})
				continue
			}
			outputOn = true
		}
		v, i, status := r.measureBuffered(t0)
		tlog.Append(Row{
			Step: step, Mode: ModeDischarge, SetCurrent: magnitude,
			MeasuredV: v, MeasuredI: i,
			Elapsed: r.now().Sub(t0).Seconds(),
			Status:  status,
		})
		r.sleep(seg.Duration)
	}

	if err := r.S.Send("battery_output_off"); err != nil {
		log.WithError(err).Debug("battery output off after discharge batch failed")
	}
	return step
}

// measureDirect reads V/I with discrete queries under the retry budget.
func (r *ProfileRunner) measureDirect() (v, i *float64, status string) {
	for attempt := 1; attempt <= r.retries(); attempt++ {
		mv, errV := r.S.MeasureVoltage()
		mi, errI := r.S.MeasureCurrent()
		if errV == nil && errI == nil {
			return &mv, &mi, "OK"
		}
		if attempt < r.retries() {
			r.sleep(r.retryGap())
		}
	}
	return nil, nil, errStatus(r.retries())
}

// measureBuffered reads V/I from the instrument's sample buffer under the
// retry budget.
func (r *ProfileRunner) measureBuffered(t0 time.Time) (v, i *float64, status string) {
	for attempt := 1; attempt <= r.retries(); attempt++ {
		mv, mi, _ := acquire.LastVI(r.S, r.Policy, t0)
		if mv != nil && mi != nil {
			return mv, mi, "OK"
		}
		if attempt < r.retries() {
			r.sleep(r.retryGap())
		}
	}
	return nil, nil, errStatus(r.retries())
}

func errStatus(attempts int) string {
	return fmt.Sprintf("ERROR: measurement failed after %d attempts", attempts)
}
