package comm

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
)

// USBTMC message IDs, per the standard's Table 2.
const (
	devDepMsgOut        = 0x01
	requestDevDepMsgIn  = 0x02
	usbtmcReserved      = 0x00
	usbtmcHeaderLen     = 12
	usbtmcAlignment     = 4
	usbtmcInBufSize     = 1500
)

// bTags identify datagrams.  They are a single byte, minimum 1, incrementing
// and wrapping with each message.  Generation is concurrent safe.
type bTags struct {
	sync.Mutex
	value byte
}

func (b *bTags) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < 1 {
		b.value = 1
	}
	return b.value
}

// invert computes the bitwise inversion of a bTag, standard Table 1 offset 2.
func invert(b byte) byte {
	return b ^ 0xff
}

// bulkOutHeader encodes the standard's Table 3 header for a device
// dependent message of datalen body bytes, single message (EOM set).
func bulkOutHeader(tag byte, datalen int) [usbtmcHeaderLen]byte {
	out := [usbtmcHeaderLen]byte{}
	out[0] = devDepMsgOut
	out[1] = tag
	out[2] = invert(tag)
	out[3] = usbtmcReserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // end of message
	return out
}

// bulkInHeader encodes the standard's Table 4 header requesting up to
// bufsize bytes, terminated on term.
func bulkInHeader(tag byte, bufsize int, term byte) [usbtmcHeaderLen]byte {
	out := [usbtmcHeaderLen]byte{}
	out[0] = requestDevDepMsgIn
	out[1] = tag
	out[2] = invert(tag)
	out[3] = usbtmcReserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	out[8] = 0x02 // termination character enabled
	out[9] = term
	return out
}

// USB is a Transport over USBTMC bulk transfers, for instruments on a local
// USB bus (the bus-resource case, where a VISA layer would otherwise sit).
// It assumes single-packet messages that fit the remote's buffer.
type USB struct {
	// VID and PID identify the instrument on the bus.
	VID, PID uint16

	timeout time.Duration
	tags    bTags

	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	done   func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

// NewUSB returns a USBTMC transport for the given vendor and product ID.
func NewUSB(vid, pid uint16) *USB {
	return &USB{VID: vid, PID: pid, timeout: DefaultTimeout}
}

// Connect claims the device's default interface and bulk endpoints.
func (u *USB) Connect() error {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(u.VID), gousb.ID(u.PID))
	if err != nil {
		ctx.Close()
		return err
	}
	if dev == nil {
		ctx.Close()
		return fmt.Errorf("comm: no USB device %04x:%04x on the bus", u.VID, u.PID)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return err
	}
	iface, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return err
	}
	in, err := iface.InEndpoint(2)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return err
	}
	out, err := iface.OutEndpoint(2)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return err
	}
	u.ctx, u.device, u.iface, u.done, u.in, u.out = ctx, dev, iface, done, in, out
	return nil
}

// Close releases the interface and device.
func (u *USB) Close() error {
	if u.device == nil {
		return nil
	}
	u.done()
	err := u.device.Close()
	u.ctx.Close()
	u.ctx, u.device, u.iface, u.done, u.in, u.out = nil, nil, nil, nil, nil, nil
	return err
}

// Connected returns true if the device is claimed.
func (u *USB) Connected() bool {
	return u.device != nil
}

// Write sends cmd as one bulk-out datagram, padded to 4-byte alignment.
func (u *USB) Write(cmd string) error {
	if u.device == nil {
		return ErrNotConnected
	}
	body := append([]byte(cmd), terminator)
	hdr := bulkOutHeader(u.tags.next(), len(body))
	msg := append(hdr[:], body...)
	if residual := len(msg) % usbtmcAlignment; residual > 0 {
		msg = append(msg, make([]byte, usbtmcAlignment-residual)...)
	}
	_, err := u.out.Write(msg)
	return err
}

// Query sends cmd, requests a bulk-in datagram, and returns the payload
// with the terminator stripped.
func (u *USB) Query(cmd string) (string, error) {
	if err := u.Write(cmd); err != nil {
		return "", err
	}
	hdr := bulkInHeader(u.tags.next(), usbtmcInBufSize, terminator)
	n, err := u.out.Write(hdr[:])
	if err != nil {
		return "", err
	}
	if n < usbtmcHeaderLen {
		return "", fmt.Errorf("comm: wrote %d of %d read-request bytes", n, usbtmcHeaderLen)
	}
	buf := make([]byte, usbtmcInBufSize)
	n, err = u.in.Read(buf)
	if err != nil {
		return "", err
	}
	if n < usbtmcHeaderLen {
		return "", fmt.Errorf("comm: received %d bytes, need at least %d to form header", n, usbtmcHeaderLen)
	}
	payload := buf[usbtmcHeaderLen:n]
	return strings.TrimSpace(stripLine(payload)), nil
}

// Timeout returns the per-call timeout.
func (u *USB) Timeout() time.Duration {
	return u.timeout
}

// SetTimeout changes the per-call timeout.
func (u *USB) SetTimeout(d time.Duration) {
	u.timeout = d
}

// Networked returns false; the device is on a local bus.
func (u *USB) Networked() bool {
	return false
}
