package sequence

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Row is one structured log entry from a profile execution.  Measured
// fields are nil when the measurement failed; they render as "ERROR" in
// the CSV.
type Row struct {
	Step       int
	Mode       Mode
	SetCurrent float64
	MeasuredV  *float64
	MeasuredI  *float64
	Elapsed    float64
	Status     string
}

// TestLog accumulates rows across one run and flushes them to CSV once at
// the end.  Rows are append-only and never mutated after creation.
type TestLog struct {
	mu   sync.Mutex
	rows []Row
}

// Append adds one row to the log.
func (l *TestLog) Append(row Row) {
	l.mu.Lock()
	l.rows = append(l.rows, row)
	l.mu.Unlock()
}

// Len returns the number of accumulated rows.
func (l *TestLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// Rows returns a copy of the accumulated rows.
func (l *TestLog) Rows() []Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Row, len(l.rows))
	copy(out, l.rows)
	return out
}

var testLogHeader = []string{
	"step", "mode", "set_current_a",
	"measured_voltage_v", "measured_current_a",
	"elapsed_time_s", "status",
}

// Flush writes the log to profile_log_<stamp>.csv under dir and returns
// the path.  An empty log writes nothing and returns "".
func (l *TestLog) Flush(dir string, stamp string) (string, error) {
	rows := l.Rows()
	if len(rows) == 0 {
		return "", nil
	}
	path := filepath.Join(dir, fmt.Sprintf("profile_log_%s.csv", stamp))
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create test log")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(testLogHeader); err != nil {
		return "", err
	}
	for _, row := range rows {
		rec := []string{
			strconv.Itoa(row.Step),
			string(row.Mode),
			fmt.Sprintf("%.6f", row.SetCurrent),
			measuredField(row.MeasuredV),
			measuredField(row.MeasuredI),
			fmt.Sprintf("%.3f", row.Elapsed),
			row.Status,
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return path, nil
}

func measuredField(v *float64) string {
	if v == nil {
		return "ERROR"
	}
	return fmt.Sprintf("%.6f", *v)
}

// ReadTestLog reloads a flushed log.  "ERROR" measured fields come back
// nil; a round trip through Flush and ReadTestLog preserves step count,
// modes, and statuses.
func ReadTestLog(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open test log")
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read test log")
	}
	if len(records) < 1 {
		return nil, errors.New("test log is empty")
	}

	var rows []Row
	for _, rec := range records[1:] {
		if len(rec) != len(testLogHeader) {
			return nil, errors.Errorf("test log row has %d fields, want %d", len(rec), len(testLogHeader))
		}
		step, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, errors.Wrap(err, "parse step")
		}
		set, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse set current")
		}
		elapsed, err := strconv.ParseFloat(rec[5], 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse elapsed time")
		}
		rows = append(rows, Row{
			Step:       step,
			Mode:       Mode(rec[1]),
			SetCurrent: set,
			MeasuredV:  parseMeasured(rec[3]),
			MeasuredI:  parseMeasured(rec[4]),
			Elapsed:    elapsed,
			Status:     rec[6],
		})
	}
	return rows, nil
}

func parseMeasured(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// runStamp formats a run identifier from a wall-clock time.  Filenames
// derived from it do not collide across runs.
func runStamp(t time.Time) string {
	return t.Format("20060102_150405")
}
