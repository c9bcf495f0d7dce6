package ice

import "errors"

// Typed errors, following the stable taxonomy in spec.md §7.
var (
	errReadTimeout        = errors.New("ice: read timeout")
	errSTUNInvalidMessage = errors.New("ice: STUN message is malformed")
	errNotConfigured      = errors.New("ice: agent not configured")
	errChecklistExhausted = errors.New("ice: checklist exhausted, no pair succeeded")
	errNoComponent        = errors.New("ice: no usable network interface for this component")
)

// ErrTransportLost is surfaced when the nominated pair's base fails after a
// connection was established (spec.md §7: TransportLost).
var ErrTransportLost = errors.New("ice: transport lost")
