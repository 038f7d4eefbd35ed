package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Channel is a blocking control endpoint over a unix stream socket.
// The supervisor and the ctl client use it directly; workers instead
// register the raw inherited descriptor with their event loop and
// drive a Decoder by hand so the read never blocks the loop.
type Channel struct {
	conn *net.UnixConn
	dec  *Decoder
	rbuf []byte
	fds  []int
}

// Dial connects to the control socket at path.
func Dial(path string) (*Channel, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("dialing control socket %s: %w", path, err)
	}
	return NewChannel(conn), nil
}

// NewChannel wraps an established unix connection.
func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn, dec: NewDecoder(), rbuf: make([]byte, 16*1024)}
}

// FromFD wraps an inherited descriptor, typically fd 3 passed to a
// worker process at spawn time.
func FromFD(fd uintptr, name string) (*Channel, error) {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil, fmt.Errorf("invalid control descriptor %d", fd)
	}
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping control descriptor: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("control descriptor %d is not a unix socket", fd)
	}
	return NewChannel(uc), nil
}

// Conn exposes the underlying connection, e.g. for deadline control.
func (c *Channel) Conn() *net.UnixConn { return c.conn }

// SetDeadline bounds all pending and future reads and writes.
func (c *Channel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the connection and any received but unclaimed
// descriptors.
func (c *Channel) Close() error {
	for _, fd := range c.fds {
		unix.Close(fd)
	}
	c.fds = nil
	return c.conn.Close()
}

// WriteMessage sends one order.
func (c *Channel) WriteMessage(m *Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// WriteAck sends one acknowledgement.
func (c *Channel) WriteAck(a *Ack) error {
	frame, err := EncodeFrame(a)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// WriteMessageFD sends one order with an open descriptor attached as
// SCM_RIGHTS ancillary data. This is how a listening socket travels
// with a transfer_listener order.
func (c *Channel) WriteMessageFD(m *Message, fd int) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	rights := unix.UnixRights(fd)
	n, oobn, err := c.conn.WriteMsgUnix(frame, rights, nil)
	if err != nil {
		return fmt.Errorf("sending control frame with descriptor: %w", err)
	}
	if n < len(frame) || oobn < len(rights) {
		return fmt.Errorf("short control write: %d/%d bytes, %d/%d oob", n, len(frame), oobn, len(rights))
	}
	return nil
}

// ReadMessage blocks until one complete order arrives.
func (c *Channel) ReadMessage() (*Message, error) {
	for {
		m, err := c.dec.NextMessage()
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// ReadMessageFD blocks until one complete order arrives and returns
// any descriptor that accompanied it. The returned fd is -1 when the
// order carried none; ownership of a returned fd passes to the caller.
func (c *Channel) ReadMessageFD() (*Message, int, error) {
	m, err := c.ReadMessage()
	if err != nil {
		return nil, -1, err
	}
	fd := -1
	if len(c.fds) > 0 {
		fd = c.fds[0]
		c.fds = c.fds[1:]
	}
	return m, fd, nil
}

// ReadAck blocks until one complete acknowledgement arrives.
func (c *Channel) ReadAck() (*Ack, error) {
	for {
		a, err := c.dec.NextAck()
		if err != nil {
			return nil, err
		}
		if a != nil {
			return a, nil
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// WaitAck reads acknowledgements for the given request ID until a
// final ok or error arrives, skipping intermediate processing acks.
// Acks for other IDs are discarded; callers that multiplex requests
// read acks themselves.
func (c *Channel) WaitAck(id string) (*Ack, error) {
	for {
		a, err := c.ReadAck()
		if err != nil {
			return nil, err
		}
		if a.ID != id || a.Status == StatusProcessing {
			continue
		}
		return a, nil
	}
}

// fill reads more stream bytes into the decoder, harvesting any
// SCM_RIGHTS descriptors that ride along.
func (c *Channel) fill() error {
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(c.rbuf, oob)
	if err != nil {
		return err
	}
	if n == 0 && oobn == 0 {
		return errors.New("control channel closed")
	}
	if oobn > 0 {
		fds, err := ParseRights(oob[:oobn])
		if err != nil {
			return err
		}
		c.fds = append(c.fds, fds...)
	}
	c.dec.Feed(c.rbuf[:n])
	return nil
}

// ParseRights extracts descriptors from SCM_RIGHTS ancillary data.
func ParseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control ancillary data: %w", err)
	}
	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// ReadWithFDs performs one non-blocking read on a raw control
// descriptor, returning stream bytes read into buf plus any attached
// descriptors. Workers call this from the event loop when the control
// fd polls readable; n == 0 with a nil error means the peer closed.
func ReadWithFDs(fd int, buf []byte) (n int, fds []int, err error) {
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return 0, nil, err
	}
	if oobn > 0 {
		fds, err = ParseRights(oob[:oobn])
		if err != nil {
			return n, nil, err
		}
	}
	return n, fds, nil
}
