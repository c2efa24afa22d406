package connection

import (
	"io"
	"net"

	"blitter.com/go/sshcore/wire"
)

// TCPForwarder is a ForwardedChannelOpener for RFC 4254 §7.2's
// "forwarded-tcpip" channel type: when the server relays an inbound
// connection on a port the client previously asked it to forward (via
// a "tcpip-forward" global request), TCPForwarder dials Target locally
// and splices the two streams together.
//
// Grounded on hkexnet/hkextun.go's startServerTunnel/StartClientTunnel:
// the same one-goroutine-per-direction splice, rebuilt against
// Channel's flow-controlled Read/Write instead of hkexnet's raw,
// unwindowed WritePacket/tuns channel. The teacher's port-policy
// questions (which rport may be dialed, refusal logging) are out of
// scope here per SPEC_FULL.md's tunneling-policy Non-goal: TCPForwarder
// dials unconditionally.
type TCPForwarder struct {
	// Target is the local "host:port" every accepted channel is
	// connected to.
	Target string

	// Dial defaults to net.Dial("tcp", Target) when nil.
	Dial func(network, address string) (net.Conn, error)
}

// Accept implements ForwardedChannelOpener.
func (f *TCPForwarder) Accept(ch *Channel, typeSpecific []byte) error {
	dial := f.Dial
	if dial == nil {
		dial = net.Dial
	}
	conn, err := dial("tcp", f.Target)
	if err != nil {
		return newOpenRejected(uint32(wire.ChannelOpenConnectFailed), err.Error())
	}
	go spliceChannel(ch, conn)
	return nil
}

// spliceChannel runs the two directions of a forwarded connection:
// local socket -> channel, and channel -> local socket. EOF on the
// local socket sends CHANNEL_EOF; the end of the channel's input closes
// the local socket. Neither direction sends CHANNEL_CLOSE.
func spliceChannel(ch *Channel, conn net.Conn) {
	go func() {
		defer conn.Close()
		io.Copy(ch, conn)
		ch.SendEOF()
	}()
	go func() {
		defer conn.Close()
		io.Copy(conn, ch.In)
	}()
}

// DirectTCPIP opens an RFC 4254 §7.2 "direct-tcpip" channel to
// host:port, the client-initiated counterpart to TCPForwarder: relay a
// locally accepted connection to a host/port reachable from the server.
func DirectTCPIP(svc *Service, host string, port uint32, originatorIP string, originatorPort uint32) (*Channel, error) {
	b := wire.NewPacketBuffer()
	b.PutString(host)
	b.PutUint32(port)
	b.PutString(originatorIP)
	b.PutUint32(originatorPort)
	return svc.OpenChannel("direct-tcpip", b.Bytes())
}
