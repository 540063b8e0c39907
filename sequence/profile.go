/*Package sequence contains the exclusive multi-phase test runners.

Each runner claims its device's busy gate for the whole test, drives the
instrument through the phases, and writes CSV artifacts keyed by a
timestamp-derived run identifier.  Cleanup (output off, gate released) is
unconditional; per-sample failures degrade to ERROR rows while the run
continues.
*/
package sequence

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Mode labels what the instrument was doing when a log row was taken.
type Mode string

const (
	ModeCharge    Mode = "charge"
	ModeDischarge Mode = "discharge"
	ModePulse     Mode = "pulse"
	ModeRest      Mode = "rest"
	ModeError     Mode = "error"
)

// Segment is one step of a current profile: hold Current for Duration.
// Current carries sign; non-negative is charge.
type Segment struct {
	Current  float64
	Duration time.Duration
}

// Charge reports whether this segment charges the cell.
func (s Segment) Charge() bool {
	return s.Current >= 0
}

// Batch is a maximal run of same-sign segments, executed without switching
// the instrument's operating mode.
type Batch struct {
	Mode     Mode
	Segments []Segment
}

// LoadProfile reads a profile CSV with columns time_s,current_a.  The time
// column holds each segment's start; a segment's duration is the delta to
// the next start.  The last segment reuses the previous duration, or 1s
// for a single-row profile.
func LoadProfile(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open profile")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read profile")
	}

	var starts []float64
	var currents []float64
	for idx, row := range rows {
		if len(row) < 2 {
			return nil, errors.Errorf("profile row %d has %d columns, want at least 2", idx+1, len(row))
		}
		t, errT := strconv.ParseFloat(row[0], 64)
		c, errC := strconv.ParseFloat(row[1], 64)
		if errT != nil || errC != nil {
			if idx == 0 {
				// header row
				continue
			}
			return nil, errors.Errorf("profile row %d is not numeric: %v", idx+1, row)
		}
		starts = append(starts, t)
		currents = append(currents, c)
	}
	if len(starts) == 0 {
		return nil, errors.New("profile is empty")
	}

	segs := make([]Segment, len(starts))
	for i := range starts {
		var dur float64
		switch {
		case i+1 < len(starts):
			dur = starts[i+1] - starts[i]
			if dur <= 0 {
				return nil, errors.Errorf("profile times not increasing at row %d", i+1)
			}
		case i > 0:
			dur = starts[i] - starts[i-1]
		default:
			dur = 1.0
		}
		segs[i] = Segment{
			Current:  currents[i],
			Duration: time.Duration(dur * float64(time.Second)),
		}
	}
	return segs, nil
}

// Partition splits an ordered profile into maximal same-sign batches.
// Mode switches on the instrument are slow, so consecutive segments that
// share a sign execute under one switch.
func Partition(segments []Segment) []Batch {
	var batches []Batch
	for _, seg := range segments {
		mode := ModeDischarge
		if seg.Charge() {
			mode = ModeCharge
		}
		if n := len(batches); n > 0 && batches[n-1].Mode == mode {
			batches[n-1].Segments = append(batches[n-1].Segments, seg)
			continue
		}
		batches = append(batches, Batch{Mode: mode, Segments: []Segment{seg}})
	}
	return batches
}
