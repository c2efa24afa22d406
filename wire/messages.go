// Package wire implements the SSH-2 binary wire format: packet buffers,
// message-number constants and the disconnect/channel-failure reason
// codes defined by RFC 4250/4251/4253/4254. It has no knowledge of
// encryption, negotiation or channel state — those live in kex,
// transport and connection respectively.
package wire

// Message numbers, RFC 4250 §4.1.2.
const (
	MsgDisconnect     = 1
	MsgIgnore         = 2
	MsgUnimplemented  = 3
	MsgDebug          = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6

	MsgKexInit = 20
	MsgNewKeys = 21

	// 30-49 are key-exchange-method-specific (RFC 4250 §4.1.2); the
	// dhGroup1/dhGroup14 exchange and the extra KEX methods registered
	// in cryptoprovider all reuse this band per their own sub-protocol.
	MsgKexDHInit  = 30
	MsgKexDHReply = 31

	MsgUserauthRequest = 50
	MsgUserauthFailure = 51
	MsgUserauthSuccess = 52
	MsgUserauthBanner  = 53

	MsgUserauthPasswdChangereq = 60
	MsgUserauthPKOK            = 60
	MsgUserauthInfoRequest     = 60
	MsgUserauthInfoResponse    = 61

	MsgGlobalRequest      = 80
	MsgRequestSuccess     = 81
	MsgRequestFailure     = 82
	MsgChannelOpen        = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure = 92
	MsgChannelWindowAdjust = 93
	MsgChannelData        = 94
	MsgChannelExtendedData = 95
	MsgChannelEOF         = 96
	MsgChannelClose       = 97
	MsgChannelRequest     = 98
	MsgChannelSuccess     = 99
	MsgChannelFailure     = 100
)

// ServiceNames, RFC 4253 §10 / RFC 4254 §4.
const (
	ServiceUserAuth   = "ssh-userauth"
	ServiceConnection = "ssh-connection"
)

// Extended data type codes, RFC 4254 §5.2.
const (
	ExtendedDataStderr = 1
)

// Global-request / channel-request "want reply" style names used by
// the connection service, RFC 4254 §4, §5.4, §6.9/6.10/7.1/7.2.
const (
	RequestTCPIPForward       = "tcpip-forward"
	RequestCancelTCPIPForward = "cancel-tcpip-forward"
	RequestPTYReq             = "pty-req"
	RequestShell              = "shell"
	RequestExec               = "exec"
	RequestSubsystem          = "subsystem"
	RequestWindowChange       = "window-change"
	RequestExitStatus         = "exit-status"
	RequestExitSignal         = "exit-signal"
)

// Channel types, RFC 4254 §5.1/7.2/8.
const (
	ChannelTypeSession      = "session"
	ChannelTypeDirectTCPIP  = "direct-tcpip"
	ChannelTypeForwardedTCPIP = "forwarded-tcpip"
)
