package comm_test

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/battlab/benchd/comm"
)

// scpiEchoServer accepts connections and answers every line with reply.
// It returns the address it listens on.
func scpiEchoServer(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				r := bufio.NewReader(c)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						c.Close()
						return
					}
					c.Write([]byte(reply + "\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTCPQueryRoundTrip(t *testing.T) {
	addr := scpiEchoServer(t, "KEITHLEY INSTRUMENTS,MODEL 2281S-20-6\r")
	tr := comm.NewTCP(addr)
	if err := tr.Connect(); err != nil {
		t.Fatal("connect:", err)
	}
	defer tr.Close()
	if !tr.Connected() {
		t.Fatal("transport did not report connected after Connect")
	}
	resp, err := tr.Query("*IDN?")
	if err != nil {
		t.Fatal("query:", err)
	}
	if strings.Contains(resp, "\r") || strings.Contains(resp, "\n") {
		t.Errorf("reply not stripped of line termination: %q", resp)
	}
	if !strings.HasPrefix(resp, "KEITHLEY") {
		t.Errorf("unexpected reply %q", resp)
	}
}

func TestTCPWriteWithoutConnect(t *testing.T) {
	tr := comm.NewTCP("127.0.0.1:1")
	if err := tr.Write("OUTP OFF"); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := tr.Query("*IDN?"); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestTCPConnectRefusedFailsFast(t *testing.T) {
	// grab a port and close it so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := comm.NewTCP(addr)
	start := time.Now()
	if err := tr.Connect(); err == nil {
		tr.Close()
		t.Fatal("expected connect to a closed port to fail")
	}
	// refused connections should not ride out the full backoff window
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("connect took %v, refused connections should fail fast", elapsed)
	}
}

func TestTCPTimeoutMutable(t *testing.T) {
	tr := comm.NewTCP("127.0.0.1:1")
	if tr.Timeout() != comm.DefaultTimeout {
		t.Errorf("default timeout = %v, want %v", tr.Timeout(), comm.DefaultTimeout)
	}
	tr.SetTimeout(15 * time.Second)
	if tr.Timeout() != 15*time.Second {
		t.Errorf("timeout after SetTimeout = %v, want 15s", tr.Timeout())
	}
	if !tr.Networked() {
		t.Error("TCP transport must report Networked")
	}
}

func TestQueryReadTimeout(t *testing.T) {
	// server that accepts but never replies
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 256)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()

	tr := comm.NewTCP(ln.Addr().String())
	if err := tr.Connect(); err != nil {
		t.Fatal("connect:", err)
	}
	defer tr.Close()
	tr.SetTimeout(100 * time.Millisecond)
	if _, err := tr.Query("MEAS:VOLT?"); err == nil {
		t.Fatal("expected timeout error from silent server")
	}
}
