/*Package monitor contains the background measurement scheduler.

One goroutine polls every registered device at a fixed cadence and emits a
single timestamped record per cycle into a bounded handoff queue.  A
consumer on its own schedule (the UI tick, or the daemon's HTTP surface)
drains the queue into an append-only log and fans records out to callbacks.

Devices held busy by an exclusive test are never sampled; they appear in
the record as a busy marker so the display can show the state.  One
device's failure never stops the cycle or the loop.
*/
package monitor

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// MinInterval is the floor of the sampling cadence.
	MinInterval = 100 * time.Millisecond

	// QueueDepth bounds the handoff queue.  The producer never blocks on a
	// full queue; it drops the record and counts the drop.
	QueueDepth = 256

	// stopJoin bounds how long Stop waits for the loop to exit.
	stopJoin = 2 * time.Second
)

// Source is one monitorable device.  *acquire.Meter adapts a device
// session to this interface.
type Source interface {
	Connected() bool
	Busy() bool
	Measure() (voltage, current, power *float64)
}

// Sample is one device's reading in one cycle.  Fields are nil when the
// read failed; they are never defaulted to zero.  Busy marks a device that
// was skipped because an exclusive operation holds it.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Voltage   *float64  `json:"voltage"`
	Current   *float64  `json:"current"`
	Power     *float64  `json:"power"`
	Busy      bool      `json:"busy"`
}

// Record is one cycle's snapshot across all registered devices.  Names
// preserves registration order; records are immutable once queued.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	Names     []string          `json:"names"`
	Samples   map[string]Sample `json:"samples"`
}

// Scheduler runs the background sampling loop and owns the handoff queue.
type Scheduler struct {
	mu        sync.Mutex
	devices   map[string]Source
	order     []string
	interval  time.Duration
	running   bool
	stop      chan struct{}
	done      chan struct{}
	queue     *Handoff
	records   []Record
	callbacks []func(Record)
	log       logrus.FieldLogger
}

// New returns a stopped scheduler with the given cadence.
func New(interval time.Duration, log logrus.FieldLogger) *Scheduler {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Scheduler{
		devices:  map[string]Source{},
		interval: interval,
		queue:    NewHandoff(QueueDepth),
		log:      log.WithField("comp", "monitor"),
	}
}

// AddDevice registers a device for sampling.  Re-adding a name replaces
// its source but keeps its position in the cycle order.
func (s *Scheduler) AddDevice(name string, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[name]; !ok {
		s.order = append(s.order, name)
	}
	s.devices[name] = src
}

// RemoveDevice unregisters a device.  Unknown names are ignored.
func (s *Scheduler) RemoveDevice(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[name]; !ok {
		return
	}
	delete(s.devices, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// SetSampleInterval changes the cadence, floored at MinInterval.  Takes
// effect on the next cycle.
func (s *Scheduler) SetSampleInterval(d time.Duration) {
	if d < MinInterval {
		d = MinInterval
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// Interval returns the current cadence.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// AddCallback registers a function invoked for every record drained by
// GetNewData.  A panicking callback is logged and never interrupts the
// drain.
func (s *Scheduler) AddCallback(fn func(Record)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Start launches the sampling loop.  Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
}

// Stop halts the loop cooperatively and joins it within a bounded timeout.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(stopJoin):
		s.log.Warn("sampling loop did not stop within the join timeout")
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		s.cycle()
		select {
		case <-stop:
			return
		case <-time.After(s.Interval()):
		}
	}
}

// cycle samples every registered device and queues one record.  An
// unexpected panic is logged and followed by a 1s pause; the loop never
// terminates on a bad cycle.
func (s *Scheduler) cycle() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("monitoring cycle panic: %v", r)
			time.Sleep(1 * time.Second)
		}
	}()

	// snapshot the device set so registration during the cycle is safe
	s.mu.Lock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	devices := make(map[string]Source, len(s.devices))
	for k, v := range s.devices {
		devices[k] = v
	}
	s.mu.Unlock()

	rec := Record{Timestamp: time.Now(), Samples: map[string]Sample{}}
	for _, name := range names {
		src := devices[name]
		if src == nil || !src.Connected() {
			continue
		}
		rec.Names = append(rec.Names, name)
		rec.Samples[name] = s.sampleOne(name, src)
	}

	if !s.queue.Push(rec) {
		s.log.Warnf("handoff queue full, dropped record (%d total)", s.queue.Dropped())
	}
}

// sampleOne reads a single device.  A panic inside the device is confined
// to that device's sample; its fields stay nil and the cycle moves on.
func (s *Scheduler) sampleOne(name string, src Source) (sample Sample) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("sampling %s panicked: %v", name, r)
		}
	}()
	sample = Sample{Timestamp: time.Now()}
	if src.Busy() {
		sample.Busy = true
		return sample
	}
	sample.Voltage, sample.Current, sample.Power = src.Measure()
	return sample
}

// GetNewData drains the handoff queue, appends each record to the
// in-memory log, invokes the callbacks, and returns the drained records.
// Called by the consumer on its own schedule.
func (s *Scheduler) GetNewData() []Record {
	drained := s.queue.Drain()
	s.mu.Lock()
	s.records = append(s.records, drained...)
	callbacks := make([]func(Record), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()
	for _, rec := range drained {
		for _, fn := range callbacks {
			s.invoke(fn, rec)
		}
	}
	return drained
}

func (s *Scheduler) invoke(fn func(Record), rec Record) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("monitor callback panic: %v", r)
		}
	}()
	fn(rec)
}

// Count returns the number of records in the in-memory log.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Dropped returns how many records were lost to a full handoff queue.
func (s *Scheduler) Dropped() uint64 {
	return s.queue.Dropped()
}

// Clear discards the in-memory log and anything still queued.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
	s.queue.Drain()
}

// Devices returns the registered device names in cycle order.
func (s *Scheduler) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Latest returns the most recent sample for a device, or nil if the device
// has not appeared in any logged record.
func (s *Scheduler) Latest(name string) *Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if sample, ok := s.records[i].Samples[name]; ok {
			return &sample
		}
	}
	return nil
}

// SaveCSV writes the in-memory log to path, one row per record with
// voltage/current/power/busy columns per device, blank fields for failed
// reads.  Returns false when there is nothing to save.
func (s *Scheduler) SaveCSV(path string) (bool, error) {
	s.mu.Lock()
	records := make([]Record, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()
	if len(records) == 0 {
		return false, nil
	}

	nameSet := map[string]struct{}{}
	for _, rec := range records {
		for name := range rec.Samples {
			nameSet[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	f, err := os.Create(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	header := []string{"timestamp"}
	for _, name := range names {
		header = append(header,
			name+"_voltage", name+"_current", name+"_power", name+"_busy")
	}
	if err := w.Write(header); err != nil {
		return false, err
	}
	for _, rec := range records {
		row := []string{rec.Timestamp.Format("2006-01-02 15:04:05.000")}
		for _, name := range names {
			sample, ok := rec.Samples[name]
			if !ok {
				row = append(row, "", "", "", "")
				continue
			}
			row = append(row,
				fmtField(sample.Voltage),
				fmtField(sample.Current),
				fmtField(sample.Power),
				strconv.FormatBool(sample.Busy))
		}
		if err := w.Write(row); err != nil {
			return false, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return false, err
	}
	return true, nil
}

func fmtField(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.6f", *v)
}
