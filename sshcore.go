// Package sshcore is the client-facing entry point: it wires the
// transport, key-exchange, userauth and connection layers into the
// single Dial/Authenticate/OpenChannel sequence a caller actually
// drives, generalizing the teacher's monolithic xsnet.Dial into the
// layered architecture the rest of this module implements.
package sshcore

import (
	"net"

	"blitter.com/go/sshcore/connection"
	"blitter.com/go/sshcore/cryptoprovider"
	"blitter.com/go/sshcore/kex"
	"blitter.com/go/sshcore/transport"
	"blitter.com/go/sshcore/userauth"
	"blitter.com/go/sshcore/wire"
)

// Client bundles one connection's transport, negotiated session and
// (once authenticated) its ssh-connection multiplexer.
type Client struct {
	Proto     *transport.Protocol
	KexResult *kex.Result

	username string
	conn     *connection.Service
}

// Config collects the pieces a Dial needs beyond the bare address:
// the algorithm provider to propose from and the host-key verifiers
// to consult. A nil Provider falls back to
// cryptoprovider.NewDefaultProvider.
type Config struct {
	Provider  *cryptoprovider.Provider
	Proposal  kex.Proposal
	Verifiers []kex.HostKeyVerifier
}

// DefaultProposal builds a Proposal offering every algorithm a
// Provider knows. The Provider lists names by map iteration, so the
// order within each list (and with it the client's preference) is not
// defined. Callers
// wanting a narrower or reordered proposal (preferring one cipher,
// excluding an extra KEX method) should build their own Proposal
// instead of calling this.
func DefaultProposal(p *cryptoprovider.Provider) kex.Proposal {
	ciphers := p.CipherNames()
	macs := p.MACNames()
	comps := p.CompressionNames()
	return kex.Proposal{
		KexAlgos:        p.KeyExchangeNames(),
		HostKeyAlgos:    p.HostKeyNames(),
		CiphersC2S:      ciphers,
		CiphersS2C:      ciphers,
		MACsC2S:         macs,
		MACsS2C:         macs,
		CompressionsC2S: comps,
		CompressionsS2C: comps,
	}
}

// Dial opens conn, runs the version exchange and initial key exchange,
// and returns a Client ready for Authenticate. conn is typically the
// result of transport.Dial/DialTCP/DialKCP.
func Dial(conn net.Conn, cfg Config) (*Client, error) {
	provider := cfg.Provider
	if provider == nil {
		provider = cryptoprovider.NewDefaultProvider()
	}
	proposal := cfg.Proposal
	if proposal.KexAlgos == nil {
		proposal = DefaultProposal(provider)
	}

	proto := transport.NewProtocol(provider, proposal)
	for _, v := range cfg.Verifiers {
		proto.AddHostKeyVerifier(v)
	}

	result, err := proto.Connect(conn)
	if err != nil {
		return nil, err
	}

	return &Client{Proto: proto, KexResult: result}, nil
}

// Authenticate drives the ssh-userauth method loop (spec.md §4.4)
// against the given username, trying each supplied AuthMethod in the
// order the server's USERAUTH_FAILURE advertises them. On success it
// installs and returns the ssh-connection Service, ready for
// OpenChannel/GlobalRequest.
func (c *Client) Authenticate(username string, methods []userauth.AuthMethod) (*connection.Service, error) {
	authSvc := userauth.NewUserAuthService(c.Proto, c.KexResult.SessionID, username)
	c.Proto.SetService(authSvc)

	if err := authSvc.Run(methods); err != nil {
		return nil, err
	}

	c.username = username
	c.conn = connection.NewService(c.Proto)
	c.Proto.SetService(c.conn)
	return c.conn, nil
}

// Connection returns the ssh-connection Service installed by a prior
// successful Authenticate, or nil if authentication hasn't completed.
func (c *Client) Connection() *connection.Service { return c.conn }

// Username returns the name Authenticate succeeded with, or "" before
// authentication completes.
func (c *Client) Username() string { return c.username }

// Close sends SSH_MSG_DISCONNECT and tears down the underlying
// connection.
func (c *Client) Close(reason string) error {
	return c.Proto.Disconnect(wire.DisconnectByApplication, reason)
}
