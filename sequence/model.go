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

	"github.com/battlab/benchd/device"
)

// condMeasuringBit is set in the instrument's condition register while a
// battery test measurement is in progress.
const condMeasuringBit = 0x10

const (
	defaultPollInterval   = 30 * time.Second
	defaultStatusRetry    = 5 * time.Second
	defaultMaxDischarge   = 4 * time.Hour
	defaultMaxCharge      = 8 * time.Hour
	modelPoints           = 101
	dataExportChunk       = 100
	defaultESRIntervalSec = 30
)

// ModelParams configures a battery model characterization run.
type ModelParams struct {
	// DischargeVoltage is the end voltage of the initial discharge, 2.0
	// to 4.5V.
	DischargeVoltage float64

	// DischargeCurrentEnd ends the discharge when the current falls to
	// it, 0.1 to 2.0A.
	DischargeCurrentEnd float64

	// ChargeVFull is the full-charge voltage, 3.0 to 4.5V.
	ChargeVFull float64

	// ChargeILimit is the charge current limit, 0.1A up to the
	// instrument's rated maximum.
	ChargeILimit float64

	// ESRIntervalSec is the internal-resistance measurement cadence
	// during charge, 1 to 300 seconds.
	ESRIntervalSec int

	// ModelSlot is the instrument memory slot receiving the generated
	// model, 1 to 9.
	ModelSlot int

	// VMin and VMax bound the model's voltage range.
	VMin, VMax float64

	// ExportCSV also pulls the model rows and buffered measurement data
	// off the instrument into CSV files.
	ExportCSV bool
}

// Validate checks the parameter ranges before the busy gate is claimed.
func (p ModelParams) Validate(maxCurrent float64) error {
	if p.DischargeVoltage < 2.0 || p.DischargeVoltage > 4.5 {
		return errors.New("discharge voltage must be between 2.0 and 4.5V")
	}
	if p.DischargeCurrentEnd < 0.1 || p.DischargeCurrentEnd > 2.0 {
		return errors.New("discharge end current must be between 0.1 and 2.0A")
	}
	if p.ChargeVFull < 3.0 || p.ChargeVFull > 4.5 {
		return errors.New("charge voltage must be between 3.0 and 4.5V")
	}
	if p.ChargeILimit < 0.1 || p.ChargeILimit > maxCurrent {
		return errors.Errorf("charge current must be between 0.1 and %gA", maxCurrent)
	}
	if p.ModelSlot < 1 || p.ModelSlot > 9 {
		return errors.New("model slot must be between 1 and 9")
	}
	if p.ESRIntervalSec < 1 || p.ESRIntervalSec > 300 {
		return errors.New("ESR interval must be between 1 and 300 seconds")
	}
	return nil
}

// ModelResult reports where a characterization run left its artifacts.
type ModelResult struct {
	TestID    string
	ModelSlot int
	ModelFile string
	DataFile  string
}

// ModelRunner characterizes a battery into an instrument model: a bounded
// discharge to the end voltage, a charge with periodic internal-resistance
// measurements, model generation into an instrument slot, and an optional
// CSV export of the model and the buffered data.
type ModelRunner struct {
	S *device.Session

	// OutDir receives the exported CSV files.
	OutDir string

	// PollInterval is the cadence of condition-register checks during the
	// discharge and charge phases.  Zero means 30s.
	PollInterval time.Duration

	// StatusRetryDelay is the pause after a failed condition query.
	StatusRetryDelay time.Duration

	// MaxDischarge and MaxCharge bound the two open-ended phases.
	MaxDischarge time.Duration
	MaxCharge    time.Duration

	// Now and Sleep default to the wall clock; tests substitute both.
	Now   func() time.Time
	Sleep func(time.Duration)
}

func (r *ModelRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *ModelRunner) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if r.Sleep != nil {
		r.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (r *ModelRunner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return defaultPollInterval
}

func (r *ModelRunner) statusRetry() time.Duration {
	if r.StatusRetryDelay > 0 {
		return r.StatusRetryDelay
	}
	return defaultStatusRetry
}

func (r *ModelRunner) maxDischarge() time.Duration {
	if r.MaxDischarge > 0 {
		return r.MaxDischarge
	}
	return defaultMaxDischarge
}

func (r *ModelRunner) maxCharge() time.Duration {
	if r.MaxCharge > 0 {
		return r.MaxCharge
	}
	return defaultMaxCharge
}

// Run executes the characterization.  Validation and the busy-gate claim
// precede any command; cleanup and the gate release are unconditional.
func (r *ModelRunner) Run(p ModelParams) (ModelResult, error) {
	if p.ESRIntervalSec == 0 {
		p.ESRIntervalSec = defaultESRIntervalSec
	}
	res := ModelResult{ModelSlot: p.ModelSlot}

	if !r.S.Connected() {
		return res, errors.Errorf("%s is not connected", r.S.Name)
	}
	if err := p.Validate(r.S.Spec.MaxCurrent); err != nil {
		return res, err
	}
	if err := r.S.TryClaim("model characterization"); err != nil {
		return res, err
	}
	log := r.S.Logger()
	defer func() {
		if cerr := r.S.Send("battery_output_off"); cerr != nil {
			log.WithError(cerr).Debug("cleanup battery output off failed")
		}
		if cerr := r.S.LocalMode(); cerr != nil {
			log.WithError(cerr).Debug("cleanup local mode failed")
		}
		r.S.Release()
	}()

	res.TestID = runStamp(r.now())
	log.Infof("model characterization %s starting", res.TestID)

	for _, op := range []string{"clear", "buffer_clear", "trace_clear"} {
		if err := r.S.Send(op); err != nil {
			return res, errors.Wrapf(err, "init %s", op)
		}
	}

	// discharge to the end voltage
	steps := []struct {
		op   string
		args []interface{}
	}{
		{op: "test_discharge"},
		{op: "test_voltage", args: []interface{}{p.DischargeVoltage}},
		{op: "current_end", args: []interface{}{p.DischargeCurrentEnd}},
		{op: "battery_output_on"},
	}
	for _, step := range steps {
		if err := r.S.Send(step.op, step.args...); err != nil {
			return res, errors.Wrapf(err, "discharge %s", step.op)
		}
	}
	if err := r.waitIdle("discharge", r.maxDischarge()); err != nil {
		return res, err
	}
	if err := r.S.Send("battery_output_off"); err != nil {
		return res, errors.Wrap(err, "output off after discharge")
	}
	log.Info("discharge complete")

	// charge and characterize
	steps = []struct {
		op   string
		args []interface{}
	}{
		{op: "ah_vfull", args: []interface{}{p.ChargeVFull}},
		{op: "ah_ilimit", args: []interface{}{p.ChargeILimit}},
		{op: "ah_esr_interval", args: []interface{}{p.ESRIntervalSec}},
		{op: "trace_auto_clear"},
		{op: "trace_feed"},
		{op: "battery_output_on"},
		{op: "ah_exec_start"},
	}
	for _, step := range steps {
		if err := r.S.Send(step.op, step.args...); err != nil {
			return res, errors.Wrapf(err, "charge %s", step.op)
		}
	}
	if err := r.waitIdle("charge", r.maxCharge()); err != nil {
		return res, err
	}
	log.Info("charge and characterization complete")

	// generate the model into the slot
	if err := r.S.Send("model_range", p.VMin, p.VMax); err != nil {
		return res, errors.Wrap(err, "model range")
	}
	if err := r.S.Send("model_save", p.ModelSlot); err != nil {
		return res, errors.Wrap(err, "model save")
	}
	r.sleep(2 * time.Second)
	if _, err := r.S.QueryCmd("opc"); err != nil {
		return res, errors.Wrap(err, "model generation did not complete")
	}
	if slots, err := r.S.QueryCmd("model_catalog"); err == nil {
		log.Infof("model saved to slot %d, catalog: %s", p.ModelSlot, slots)
	}

	if !p.ExportCSV {
		return res, nil
	}

	modelFile, err := r.exportModel(p.ModelSlot, res.TestID)
	if err != nil {
		return res, errors.Wrap(err, "export model")
	}
	res.ModelFile = modelFile

	// data export is best-effort; the model itself already landed
	dataFile, err := r.exportData(res.TestID)
	if err != nil {
		log.WithError(err).Error("measurement data export failed")
	} else {
		res.DataFile = dataFile
	}
	return res, nil
}

// waitIdle polls the condition register until the measuring bit clears,
// bounded by max.  Failed status queries retry on a shorter cadence.
func (r *ModelRunner) waitIdle(phase string, max time.Duration) error {
	log := r.S.Logger()
	start := r.now()
	for {
		resp, err := r.S.QueryCmd("condition")
		if err == nil {
			cond, perr := strconv.Atoi(strings.TrimSpace(resp))
			if perr == nil && cond&condMeasuringBit == 0 {
				return nil
			}
			// progress readout, informational only
			if v, verr := r.S.QueryCmd("battery_voltage"); verr == nil {
				if i, ierr := r.S.QueryCmd("battery_current"); ierr == nil {
					log.Infof("%s progress %.1f min, V=%s I=%s",
						phase, r.now().Sub(start).Minutes(), v, i)
				}
			}
		} else {
			log.WithError(err).Debugf("%s status check failed", phase)
		}

		if r.now().Sub(start) > max {
			return errors.Errorf("%s exceeded %v", phase, max)
		}
		if err != nil {
			r.sleep(r.statusRetry())
		} else {
			r.sleep(r.pollInterval())
		}
	}
}

// exportModel recalls the slot and reads its rows into
// battery_model_slot<slot>_<id>.csv.  Unreadable rows are skipped.
func (r *ModelRunner) exportModel(slot int, testID string) (string, error) {
	log := r.S.Logger()
	if err := r.S.Send("model_recall", slot); err != nil {
		return "", err
	}
	r.sleep(time.Second)

	path := filepath.Join(r.OutDir, fmt.Sprintf("battery_model_slot%d_%s.csv", slot, testID))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"soc_pct", "voc_v", "esr_ohm"}); err != nil {
		return "", err
	}

	written := 0
	for i := 0; i < modelPoints; i++ {
		resp, err := r.S.QueryCmd("model_row", slot, i)
		if err != nil {
			log.WithError(err).Debugf("model row %d unreadable", i)
			continue
		}
		parts := strings.Split(strings.TrimSpace(resp), ",")
		if len(parts) < 2 {
			continue
		}
		voc, errV := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		esr, errE := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if errV != nil || errE != nil {
			continue
		}
		if err := w.Write([]string{
			strconv.Itoa(i),
			fmt.Sprintf("%.4f", voc),
			fmt.Sprintf("%.4f", esr),
		}); err != nil {
			return "", err
		}
		written++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	log.Infof("model exported to %s (%d rows)", path, written)
	return path, nil
}

// exportData pulls the buffered measurement rows off the instrument in
// chunks into battery_measurements_<id>.csv.
func (r *ModelRunner) exportData(testID string) (string, error) {
	log := r.S.Logger()
	resp, err := r.S.QueryCmd("trace_points")
	if err != nil {
		return "", err
	}
	points, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return "", errors.Wrapf(err, "trace point count %q", resp)
	}
	if points == 0 {
		return "", errors.New("trace buffer is empty")
	}

	path := filepath.Join(r.OutDir, fmt.Sprintf("battery_measurements_%s.csv", testID))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	// column order matches the selection in the buffer_select command
	if err := w.Write([]string{"voltage_v", "current_a", "capacity_ah", "esr_ohm", "time_s"}); err != nil {
		return "", err
	}

	total := 0
	for start := 1; start <= points; start += dataExportChunk {
		end := start + dataExportChunk - 1
		if end > points {
			end = points
		}
		data, err := r.S.QueryCmd("buffer_select", start, end)
		if err != nil {
			log.WithError(err).Debugf("chunk %d-%d unreadable", start, end)
			continue
		}
		for _, row := range strings.Split(data, ";") {
			fields := strings.Split(row, ",")
			if len(fields) < 5 {
				continue
			}
			if err := w.Write(fields[:5]); err != nil {
				return "", err
			}
			total++
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	log.Infof("measurement data exported to %s (%d rows)", path, total)
	return path, nil
}
