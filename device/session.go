package device

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/battlab/benchd/comm"
	"github.com/battlab/benchd/gate"
)

var (
	// ErrNotConnected is generated when a command is issued before Connect.
	ErrNotConnected = errors.New("device: not connected")

	// ErrUnknownCommand is generated when a logical operation name has no
	// entry in the device's command table.
	ErrUnknownCommand = errors.New("device: unknown command")
)

// Session is one live instrument: a transport, a command table, and the
// device's busy gate.  A Session is owned by whoever registered it and is
// torn down on Disconnect.
type Session struct {
	// Name is the operator-facing name of this device, e.g. "keithley".
	Name string

	// Spec is the instrument model's ratings and command table.
	Spec Spec

	// Model is the identify reply, or "Unknown" when identification failed.
	Model string

	transport comm.Transport
	gate      gate.Gate
	connected bool
	log       logrus.FieldLogger
}

// NewSession wires a transport and spec into a session.  The logger is
// required; construct it once in main and thread it through.
func NewSession(name string, t comm.Transport, spec Spec, log logrus.FieldLogger) *Session {
	return &Session{
		Name:      name,
		Spec:      spec,
		transport: t,
		log:       log.WithField("device", name),
	}
}

// Transport exposes the underlying link, for acquisition code that adjusts
// timeouts around slow queries.
func (s *Session) Transport() comm.Transport {
	return s.transport
}

// Connect opens the transport and identifies the instrument.  A transport
// failure propagates and the session stays unusable; an identify failure
// does not (the model is recorded as Unknown).
func (s *Session) Connect() error {
	if err := s.transport.Connect(); err != nil {
		s.connected = false
		return err
	}
	s.connected = true
	s.Identify()
	return nil
}

// Identify queries the instrument's identity and stores the model string.
func (s *Session) Identify() {
	resp, err := s.QueryCmd("identify")
	if err != nil || resp == "" {
		s.log.WithError(err).Warn("identification failed")
		s.Model = "Unknown"
		return
	}
	s.Model = resp
}

// Disconnect commands a safe state (output off, local control) best-effort
// and closes the transport.  Safe-state failures are logged, not raised;
// the link is going away regardless.
func (s *Session) Disconnect() error {
	if err := s.Send("output_off"); err != nil {
		s.log.WithError(err).Debug("output off on disconnect failed")
	}
	if err := s.LocalMode(); err != nil {
		s.log.WithError(err).Debug("local mode on disconnect failed")
	}
	s.connected = false
	return s.transport.Close()
}

// Connected conjoins the session's own flag with a live transport check.
func (s *Session) Connected() bool {
	return s.connected && s.transport.Connected()
}

// TryClaim takes the device's busy gate for the named exclusive operation.
func (s *Session) TryClaim(op string) error {
	return s.gate.TryClaim(op)
}

// Release returns the busy gate.
func (s *Session) Release() {
	s.gate.Release()
}

// Busy returns true while an exclusive operation holds the device.
func (s *Session) Busy() bool {
	return s.gate.Busy()
}

// AvailableForMonitoring returns true when the background monitor may
// sample this device.
func (s *Session) AvailableForMonitoring() bool {
	return s.Connected() && !s.Busy()
}

// command resolves a logical operation name against the spec's table and
// formats any parameters into it.
func (s *Session) command(name string, args ...interface{}) (string, error) {
	cmd, ok := s.Spec.Command(name)
	if !ok {
		return "", fmt.Errorf("%w: %s has no %q", ErrUnknownCommand, s.Spec.Name, name)
	}
	if len(args) > 0 {
		cmd = fmt.Sprintf(cmd, args...)
	}
	return cmd, nil
}

// Send issues a logical command that produces no reply.
func (s *Session) Send(name string, args ...interface{}) error {
	if !s.connected {
		return ErrNotConnected
	}
	cmd, err := s.command(name, args...)
	if err != nil {
		return err
	}
	return s.transport.Write(cmd)
}

// QueryCmd issues a logical command and returns the instrument's reply.
func (s *Session) QueryCmd(name string, args ...interface{}) (string, error) {
	if !s.connected {
		return "", ErrNotConnected
	}
	cmd, err := s.command(name, args...)
	if err != nil {
		return "", err
	}
	return s.transport.Query(cmd)
}

// Raw passes a literal command through, returning a reply if it was a
// query.  Exposed for the operator's debug console only.
func (s *Session) Raw(cmd string) (string, error) {
	if !s.connected {
		return "", ErrNotConnected
	}
	if containsQuery(cmd) {
		return s.transport.Query(cmd)
	}
	return "", s.transport.Write(cmd)
}

func containsQuery(cmd string) bool {
	for i := 0; i < len(cmd); i++ {
		if cmd[i] == '?' {
			return true
		}
	}
	return false
}

// RemoteMode puts the instrument under remote control.  A no-op for
// families without the command; the battery simulator supports it.
func (s *Session) RemoteMode() error {
	if _, ok := s.Spec.Command("remote_mode"); !ok {
		return nil
	}
	return s.Send("remote_mode")
}

// LocalMode returns the instrument's front panel to the operator.  A no-op
// for families without the command.
func (s *Session) LocalMode() error {
	if _, ok := s.Spec.Command("local_mode"); !ok {
		return nil
	}
	return s.Send("local_mode")
}

// Networked reports whether the transport crosses a network.
func (s *Session) Networked() bool {
	return s.transport.Networked()
}

// Logger returns this session's tagged log entry.
func (s *Session) Logger() logrus.FieldLogger {
	return s.log
}
