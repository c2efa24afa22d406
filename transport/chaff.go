package transport

import (
	"crypto/rand"
	mrand "math/rand"
	"time"

	"blitter.com/go/sshcore/wire"
)

// Chaff support: periodic SSH_MSG_IGNORE cover traffic masking real
// traffic's size/timing signature from a passive observer. Grounded on
// xsnet/net.go's EnableChaff/chaffHelper, rebuilt against
// SSH_MSG_IGNORE (RFC 4253 §11.3's actual cover-traffic message)
// instead of the teacher's bespoke CSOChaff wire opcode, and against
// Protocol.rawWrite (which does not wait for an in-flight KEX) instead
// of the teacher's raw WritePacket.

// SetupChaff configures the random interval (msecsMin..msecsMax) and
// maximum payload size of future chaff packets; it does not itself
// start sending them.
func (p *Protocol) SetupChaff(msecsMin, msecsMax, szMax uint) {
	p.chaffMu.Lock()
	p.chaffMsecsMin = msecsMin
	p.chaffMsecsMax = msecsMax
	p.chaffSzMax = szMax
	p.chaffMu.Unlock()
}

// EnableChaff turns on chaff sending, starting the background goroutine
// on first call.
func (p *Protocol) EnableChaff() {
	p.chaffMu.Lock()
	p.chaffEnabled = true
	started := p.chaffStarted
	p.chaffStarted = true
	p.chaffMu.Unlock()
	if !started {
		go p.chaffHelper()
	}
}

// DisableChaff stops new chaff packets from being sent; the background
// goroutine keeps running (so a later EnableChaff resumes immediately)
// until the connection ends or a chaff write fails.
func (p *Protocol) DisableChaff() {
	p.chaffMu.Lock()
	p.chaffEnabled = false
	p.chaffMu.Unlock()
}

func (p *Protocol) chaffHelper() {
	for {
		p.chaffMu.Lock()
		enabled := p.chaffEnabled
		min, max, szMax := p.chaffMsecsMin, p.chaffMsecsMax, p.chaffSzMax
		p.chaffMu.Unlock()

		if enabled && max > min && szMax > 0 {
			buf := make([]byte, mrand.Intn(int(szMax))+1)
			_, _ = rand.Read(buf)
			b := wire.NewPacketBuffer()
			b.PutByte(wire.MsgIgnore)
			b.PutBytes(buf)
			if err := p.rawWrite(b.Bytes()); err != nil {
				return
			}
		}

		wait := time.Duration(min) * time.Millisecond
		if enabled && max > min {
			wait = time.Duration(mrand.Intn(int(max-min))+int(min)) * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-p.done:
			return
		}
	}
}
