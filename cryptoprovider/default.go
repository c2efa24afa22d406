package cryptoprovider

// NewDefaultProvider returns a Provider populated with every algorithm
// this package knows: the RFC 4253 §6 mandatory minimum (ciphers,
// MACs, compression, the two DH groups, the two host-key types) plus
// every extra, non-RFC algorithm contributed by the teacher and the
// rest of the retrieval pack. sshcore.DefaultProposal, which
// sshcore.Dial falls back to when the caller's Config has no KEX list,
// proposes every name registered here, extras included.
func NewDefaultProvider() *Provider {
	p := New()
	RegisterMandatoryCiphers(p)
	RegisterExtraCiphers(p)
	RegisterMandatoryMACs(p)
	RegisterMandatoryCompressions(p)
	RegisterMandatoryKeyExchanges(p)
	RegisterHerraduraKeyExchanges(p)
	RegisterKyberKeyExchanges(p)
	RegisterNewHopeKeyExchanges(p)
	RegisterMandatoryHostKeys(p)
	return p
}
