package session

// State is the session's position in its lifecycle.
type State int

const (
	// StateAccepted is the instant between accept and the first
	// transition; the socket is registered and buffers are acquired.
	StateAccepted State = iota

	// StateHandshaking applies to TLS listeners only, while the bridge
	// completes the handshake.
	StateHandshaking

	// StateParsingFrontRequest reads client bytes and feeds them to the
	// request parser until the head is complete.
	StateParsingFrontRequest

	// StateConnectingBackend waits for a non-blocking connect (or a
	// pooled connection probe) to resolve.
	StateConnectingBackend

	// StateProxying relays bytes in both directions.
	StateProxying

	// StateClosing flushes remaining client-bound bytes, then tears
	// down.
	StateClosing

	// StateClosed means all descriptors are closed and the slot is
	// released. Terminal.
	StateClosed
)

var stateNames = map[State]string{
	StateAccepted:            "accepted",
	StateHandshaking:         "handshaking",
	StateParsingFrontRequest: "parsing-front-request",
	StateConnectingBackend:   "connecting-backend",
	StateProxying:            "proxying",
	StateClosing:             "closing",
	StateClosed:              "closed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
