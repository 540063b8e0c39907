/*Package acquire obtains measurements from instruments over flaky links.

The battery simulator keeps its own recent-sample buffer; one buffer query
round trip yields current, voltage, and a relative timestamp and is much
cheaper than discrete measurement commands, so it is tried first.  When the
buffer is empty or the query fails, acquisition falls back to discrete
voltage and current queries under a bounded retry policy.

Networked links get materially longer timeouts and small inter-command
delays to absorb round-trip jitter; local buses use shorter ones.  The
transport's original timeout is restored on every exit path.

Ordinary IO failure is non-fatal here: callers receive nil readings and
carry on.  No error escapes this package for a failed measurement.
*/
package acquire

import (
	"strconv"
	"strings"
	"time"

	"github.com/battlab/benchd/device"
)

// Policy bounds the retries, backoff, and timeout overrides of one
// acquisition call site.  The defaults mirror behavior proven against the
// real instruments, but none of the numbers are load-bearing; tune per
// call site as needed.
type Policy struct {
	// MaxAttempts bounds the direct-read fallback attempts.
	MaxAttempts int

	// Backoff returns the wait before retrying a failed attempt.
	// attempt is 1-based.
	Backoff func(attempt int) time.Duration

	// NetTimeout is the per-call timeout applied to networked transports.
	NetTimeout time.Duration

	// LocalTimeout is the per-call timeout applied to local-bus transports.
	LocalTimeout time.Duration

	// NetDelay is the inter-command settle on networked links.
	NetDelay time.Duration

	// NetRetryDelay is the pre-attempt settle on networked links.
	NetRetryDelay time.Duration

	// Sleep is time.Sleep unless a test substitutes it.
	Sleep func(time.Duration)
}

// DefaultPolicy returns the policy used by the sequencers and monitor.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   5,
		Backoff:       LinearBackoff(500 * time.Millisecond),
		NetTimeout:    15 * time.Second,
		LocalTimeout:  5 * time.Second,
		NetDelay:      100 * time.Millisecond,
		NetRetryDelay: 200 * time.Millisecond,
		Sleep:         time.Sleep,
	}
}

// LinearBackoff returns a backoff of step × attempt.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

func (p Policy) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

// LastVI returns the most recent voltage, current, and relative timestamp
// for the device, or all nils when nothing could be read.  start anchors
// the relative timestamp of direct-read fallbacks; buffered reads carry
// the instrument's own relative time.
//
// The buffer reply is comma-separated with the fields of interest last;
// a reply of "1.0,2.0,3.5" yields current 1.0, voltage 2.0, time 3.5.
func LastVI(s *device.Session, p Policy, start time.Time) (voltage, current, relTime *float64) {
	tr := s.Transport()
	original := tr.Timeout()
	defer tr.SetTimeout(original)
	if tr.Networked() {
		tr.SetTimeout(p.NetTimeout)
		p.sleep(p.NetDelay)
	} else {
		tr.SetTimeout(p.LocalTimeout)
	}

	if v, i, rel, ok := readBuffer(s); ok {
		return v, i, rel
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if tr.Networked() {
			p.sleep(p.NetRetryDelay)
		}
		v, i, ok := readDirect(s, p)
		if ok {
			rel := time.Since(start).Seconds()
			return &v, &i, &rel
		}
		if attempt < p.MaxAttempts {
			p.sleep(p.Backoff(attempt))
		}
	}
	return nil, nil, nil
}

// readBuffer queries the instrument's sample buffer.  The reply must have
// at least three comma-separated numeric fields; the last three are
// (current, voltage, relative time).
func readBuffer(s *device.Session) (voltage, current, relTime *float64, ok bool) {
	resp, err := s.QueryCmd("read_buffer")
	if err != nil || resp == "" {
		return nil, nil, nil, false
	}
	fields := strings.Split(resp, ",")
	if len(fields) < 3 {
		return nil, nil, nil, false
	}
	last := fields[len(fields)-3:]
	vals := make([]float64, 3)
	for idx, f := range last {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, nil, nil, false
		}
		vals[idx] = v
	}
	return &vals[1], &vals[0], &vals[2], true
}

// readDirect issues discrete voltage then current queries.
func readDirect(s *device.Session, p Policy) (voltage, current float64, ok bool) {
	v, err := s.MeasureVoltage()
	if err != nil {
		return 0, 0, false
	}
	if s.Transport().Networked() {
		p.sleep(p.NetDelay)
	}
	i, err := s.MeasureCurrent()
	if err != nil {
		return 0, 0, false
	}
	return v, i, true
}

// Measurements performs the monitor's direct voltage/current/power reads.
// A failed read yields a nil field, never an error; the caller shows a
// blank and moves on.
func Measurements(s *device.Session) (voltage, current, power *float64) {
	if v, err := s.MeasureVoltage(); err == nil {
		voltage = &v
	}
	if i, err := s.MeasureCurrent(); err == nil {
		current = &i
	}
	if pw, err := s.MeasurePower(); err == nil {
		power = &pw
	}
	return voltage, current, power
}
