/*Package comm provides transports for communication with bench instruments.

A Transport hides the physical link (TCP socket, RS232 serial port, USBTMC
bulk endpoint) behind write/query semantics with a per-transport timeout.
Commands are ASCII SCPI strings; the transport owns line termination.

The Networked method distinguishes links with real round-trip jitter (TCP)
from local buses, so callers can pick appropriate timeouts.  Timeouts are
mutable at runtime because measurement code temporarily lengthens them for
slow queries and restores them afterward.
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// DefaultTimeout is the per-call timeout applied to new transports.
	DefaultTimeout = 5 * time.Second

	terminator = '\n'
)

// ErrNotConnected is generated when IO is attempted on a closed transport.
var ErrNotConnected = errors.New("comm: not connected to remote")

// Transport is a bidirectional command link to one instrument.
type Transport interface {
	// Connect opens the link.  It is an error to connect twice.
	Connect() error

	// Close tears the link down.  Safe to call when not connected.
	Close() error

	// Connected returns true if the link is believed to be up.
	Connected() bool

	// Write sends a command that produces no reply.
	Write(cmd string) error

	// Query sends a command and reads one line-terminated reply.
	Query(cmd string) (string, error)

	// Timeout returns the current per-call timeout.
	Timeout() time.Duration

	// SetTimeout changes the per-call timeout for subsequent calls.
	SetTimeout(time.Duration)

	// Networked returns true if the link crosses a network.
	Networked() bool
}

// TCP is a Transport over a raw TCP socket, as used by instruments with
// LAN interfaces (SCPI raw socket, typically port 5025).
type TCP struct {
	// Addr is the host:port of the instrument.
	Addr string

	timeout time.Duration
	conn    net.Conn
}

// NewTCP returns a TCP transport with the default timeout.  The connection
// is not opened until Connect.
func NewTCP(addr string) *TCP {
	return &TCP{Addr: addr, timeout: DefaultTimeout}
}

// Connect dials the instrument.  Connection attempts back off exponentially;
// some instrument NICs drop the listener briefly after a disconnect and do
// not like being connection thrashed.
func (t *TCP) Connect() error {
	wasTimeout := false
	op := func() error {
		conn, err := net.DialTimeout("tcp", t.Addr, t.timeout)
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		t.conn = conn
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("comm: connection timeout to %s", t.Addr)
	}
	return err
}

// Close closes the socket and marks the transport disconnected.
func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Connected returns true if the socket is open.
func (t *TCP) Connected() bool {
	return t.conn != nil
}

// Write sends cmd with the terminator appended, under the write deadline.
func (t *TCP) Write(cmd string) error {
	if t.conn == nil {
		return ErrNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	_, err := t.conn.Write(append([]byte(cmd), terminator))
	return err
}

// Query sends cmd and reads one reply line, under the read deadline.
func (t *TCP) Query(cmd string) (string, error) {
	if err := t.Write(cmd); err != nil {
		return "", err
	}
	t.conn.SetReadDeadline(time.Now().Add(t.timeout))
	buf, err := bufio.NewReader(t.conn).ReadBytes(terminator)
	if err != nil {
		return "", err
	}
	return stripLine(buf), nil
}

// Timeout returns the per-call timeout.
func (t *TCP) Timeout() time.Duration {
	return t.timeout
}

// SetTimeout changes the per-call timeout.
func (t *TCP) SetTimeout(d time.Duration) {
	t.timeout = d
}

// Networked returns true.
func (t *TCP) Networked() bool {
	return true
}

// stripLine drops the trailing terminator and any carriage return from a
// reply, and trims surrounding whitespace.
func stripLine(buf []byte) string {
	s := string(buf)
	s = strings.TrimSuffix(s, string(terminator))
	s = strings.TrimSuffix(s, "\r")
	return strings.TrimSpace(s)
}
