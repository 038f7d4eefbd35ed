//go:build !linux

package reactor

import "errors"

// ErrUnsupported is returned on platforms without an epoll-style poller.
var ErrUnsupported = errors.New("reactor: no poller implementation for this platform")

// NewLoop is unavailable off Linux; workers only run there.
func NewLoop() (Loop, error) {
	return nil, ErrUnsupported
}
