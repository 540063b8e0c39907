package comm

import (
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Transport used to exercise sessions, acquisition,
// and sequencing without hardware.  Replies are served from a canned map;
// OnQuery, when set, takes precedence and may script arbitrary behavior.
type Mock struct {
	mu sync.Mutex

	// Replies maps full command strings to their canned reply.
	Replies map[string]string

	// OnQuery, if non-nil, handles every query.
	OnQuery func(cmd string) (string, error)

	// OnWrite, if non-nil, observes or fails every write.
	OnWrite func(cmd string) error

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// Net controls the Networked answer.
	Net bool

	writes    []string
	queries   []string
	connected bool
	timeout   time.Duration
}

// NewMock returns a mock transport with an empty reply table.
func NewMock() *Mock {
	return &Mock{Replies: map[string]string{}, timeout: DefaultTimeout}
}

// Connect marks the mock connected, or fails with ConnectErr.
func (m *Mock) Connect() error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close marks the mock disconnected.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// Connected reports the mock's connection flag.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Write records the command.
func (m *Mock) Write(cmd string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.writes = append(m.writes, cmd)
	onWrite := m.OnWrite
	m.mu.Unlock()
	if onWrite != nil {
		return onWrite(cmd)
	}
	return nil
}

// Query records the command and serves a reply from OnQuery or Replies.
func (m *Mock) Query(cmd string) (string, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	m.queries = append(m.queries, cmd)
	onQuery := m.OnQuery
	reply, ok := m.Replies[cmd]
	m.mu.Unlock()
	if onQuery != nil {
		return onQuery(cmd)
	}
	if !ok {
		return "", fmt.Errorf("comm: mock has no reply scripted for %q", cmd)
	}
	return reply, nil
}

// Writes returns a copy of every command sent with Write.
func (m *Mock) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

// Queries returns a copy of every command sent with Query.
func (m *Mock) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queries))
	copy(out, m.queries)
	return out
}

// Timeout returns the mock's timeout.
func (m *Mock) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// SetTimeout stores the mock's timeout.
func (m *Mock) SetTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// Networked reports the configured link class.
func (m *Mock) Networked() bool {
	return m.Net
}
