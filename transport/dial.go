package transport

import (
	"crypto/sha1"
	"net"

	kcp "github.com/xtaci/kcp-go"
	"golang.org/x/crypto/pbkdf2"
)

// kcpKeyBytes/kcpSaltBytes seed the PBKDF2 derivation used to build the
// KCP-level BlockCrypt. These are a session-established shared secret
// in a real deployment; SetKCPObfuscation lets a caller install one
// before dialing, mirroring the teacher's package-level
// SetKCPKeyAndSalt (hkexnet/kcp.go) rather than threading the value
// through every call.
var (
	kcpKeyBytes  = []byte("sshcore-kcp-default-key")
	kcpSaltBytes = []byte("sshcore-kcp-default-salt")
)

// SetKCPObfuscation installs the passphrase/salt pair used to derive
// the KCP transport's outer BlockCrypt (a layer below SSH's own
// encryption, obscuring the link against passive KCP fingerprinting).
func SetKCPObfuscation(key, salt []byte) {
	kcpKeyBytes = key
	kcpSaltBytes = salt
}

func newKCPBlockCrypt() (kcp.BlockCrypt, error) {
	key := pbkdf2.Key(kcpKeyBytes, kcpSaltBytes, 1024, 32, sha1.New)
	return kcp.NewAESBlockCrypt(key)
}

// DialTCP opens a plain TCP connection, the common case.
func DialTCP(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

// DialKCP opens a KCP (reliable-UDP) connection obfuscated with the
// installed BlockCrypt, grounded on hkexnet/kcp.go's kcpDial.
func DialKCP(addr string) (net.Conn, error) {
	block, err := newKCPBlockCrypt()
	if err != nil {
		return nil, err
	}
	return kcp.DialWithOptions(addr, block, 10, 3)
}

// ListenKCP starts a KCP listener symmetric with DialKCP, grounded on
// hkexnet/kcp.go's kcpListen.
func ListenKCP(addr string) (net.Listener, error) {
	block, err := newKCPBlockCrypt()
	if err != nil {
		return nil, err
	}
	return kcp.ListenWithOptions(addr, block, 10, 3)
}

// Dial opens a net.Conn over the named substrate ("tcp" or "kcp"), the
// client-facing entry point generalizing the teacher's protocol switch
// in xsnet.Dial beyond a single compiled-in choice.
func Dial(substrate, addr string) (net.Conn, error) {
	if substrate == "kcp" {
		return DialKCP(addr)
	}
	return net.Dial(substrate, addr)
}
