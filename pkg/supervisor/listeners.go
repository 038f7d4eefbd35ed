package supervisor

import (
	"fmt"
	"net"
	"os"

	"mercator-hq/ganymede/pkg/control"
)

// boundListener is a listening socket owned by the supervisor. Workers
// only ever receive duplicates of it, so worker restarts and upgrades
// never drop the socket and never race over the port.
type boundListener struct {
	spec control.ListenerSpec
	ln   *net.TCPListener
}

// bindListener binds the listener's address. The supervisor never
// accepts on the socket itself.
func bindListener(spec control.ListenerSpec) (*boundListener, error) {
	ln, err := net.Listen("tcp", spec.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to bind listener %s on %s: %w", spec.ID, spec.Address, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listener %s: unexpected socket type %T", spec.ID, ln)
	}
	return &boundListener{spec: spec, ln: tcpLn}, nil
}

// dup returns a fresh duplicate of the listening descriptor, suitable
// for attaching to a transfer_listener order. The caller closes it
// after sending; the kernel gives the receiver its own copy.
func (b *boundListener) dup() (*os.File, error) {
	f, err := b.ln.File()
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate listener %s: %w", b.spec.ID, err)
	}
	return f, nil
}

func (b *boundListener) close() error {
	return b.ln.Close()
}

// transferTo hands a duplicate of the socket to one worker.
func (b *boundListener) transferTo(wp *workerProc) error {
	f, err := b.dup()
	if err != nil {
		return err
	}
	defer f.Close()

	m := control.NewMessage(control.OrderTransferListener)
	spec := b.spec
	m.Listener = &spec

	a, err := wp.requestFD(m, int(f.Fd()))
	if err != nil {
		return err
	}
	if a.Status != control.StatusOK {
		return fmt.Errorf("worker %d rejected listener %s: %s", wp.id, b.spec.ID, a.Detail)
	}
	return nil
}
