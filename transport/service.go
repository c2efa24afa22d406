package transport

// Service is the canonical interface an SSH sub-protocol (ssh-userauth,
// ssh-connection) implements to receive dispatched packets from a
// TransportProtocol, resolving SPEC_FULL.md's Open Question in favor of
// the richer of the teacher's two parallel Service-shaped interfaces:
// this one carries the unimplemented-notification and error hooks
// rather than the narrower handle-only variant. It has no method that
// returns the owning transport.
type Service interface {
	// Name returns the SSH service name this instance implements
	// ("ssh-userauth", "ssh-connection").
	Name() string

	// Handle receives one dispatched packet: its message number and
	// payload (with the message-number byte already consumed).
	Handle(msgID byte, payload []byte) error

	// NotifyUnimplemented is called when the peer signals
	// SSH_MSG_UNIMPLEMENTED against a sequence number this service
	// previously sent, so it can fail an in-flight request rather than
	// hang waiting for a reply that will never come.
	NotifyUnimplemented(seq uint32)

	// NotifyError propagates a fatal transport error to every
	// awaitable this service currently holds (pending requests,
	// blocked callers), per spec.md §4's failure-propagation policy.
	NotifyError(err error)
}
