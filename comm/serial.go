package comm

import (
	"bufio"
	"time"

	"github.com/tarm/serial"
)

// Serial is a Transport over an RS232 serial port.
type Serial struct {
	// Port is the filesystem path of the port, e.g. /dev/ttyUSB0 or COM3.
	Port string

	// Baud is the line rate, typically 9600 for these instruments.
	Baud int

	timeout time.Duration
	conn    *serial.Port
}

// NewSerial returns a serial transport with the default timeout.
func NewSerial(port string, baud int) *Serial {
	return &Serial{Port: port, Baud: baud, timeout: DefaultTimeout}
}

// Connect opens the serial port.
func (s *Serial) Connect() error {
	conn, err := serial.OpenPort(s.conf())
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Serial) conf() *serial.Config {
	return &serial.Config{
		Name:        s.Port,
		Baud:        s.Baud,
		ReadTimeout: s.timeout}
}

// Close closes the port.
func (s *Serial) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Connected returns true if the port is open.
func (s *Serial) Connected() bool {
	return s.conn != nil
}

// Write sends cmd with the terminator appended.
func (s *Serial) Write(cmd string) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	_, err := s.conn.Write(append([]byte(cmd), terminator))
	return err
}

// Query sends cmd and reads one reply line.  The port's ReadTimeout bounds
// the blocking time of the read.
func (s *Serial) Query(cmd string) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}
	buf, err := bufio.NewReader(s.conn).ReadBytes(terminator)
	if err != nil {
		return "", err
	}
	return stripLine(buf), nil
}

// Timeout returns the per-call timeout.
func (s *Serial) Timeout() time.Duration {
	return s.timeout
}

// SetTimeout changes the per-call timeout.  The tarm serial package binds
// the read timeout at open, so an open port is cycled to apply the change.
func (s *Serial) SetTimeout(d time.Duration) {
	s.timeout = d
	if s.conn != nil {
		s.conn.Close()
		conn, err := serial.OpenPort(s.conf())
		if err != nil {
			s.conn = nil
			return
		}
		s.conn = conn
	}
}

// Networked returns false.
func (s *Serial) Networked() bool {
	return false
}
