package device

import (
	"log"

	"github.com/v5serial/v5ctl/pkg/protocol"
)

// ChannelGuard is a scoped acquisition of a non-Pit controller radio
// channel for the duration of one transfer (spec.md §4.5). It is not
// safe to nest: acquiring a second guard on the same session while
// one is already held will simply issue another SwitchChannel, which
// the device accepts, but the release semantics only belong to
// whichever guard closes last.
type ChannelGuard struct {
	session *Session
	armed   bool
}

// AcquireChannel switches the session to ch and returns a guard that
// restores Pit on Release. If session is not a controller, acquiring
// is a no-op — Release is then also a no-op — since the channel
// concept only applies to controllers (spec.md §4.5 describes this as
// something the facade does "before entering the transfer loop on a
// controller").
func AcquireChannel(session *Session, ch protocol.Channel) (*ChannelGuard, error) {
	if !session.IsController() {
		return &ChannelGuard{session: session}, nil
	}
	if err := session.SwitchChannel(ch); err != nil {
		return nil, err
	}
	return &ChannelGuard{session: session, armed: true}, nil
}

// Release switches back to Pit, unconditionally, exactly once. If
// firstErr is non-nil, any error from the return-to-Pit switch is
// logged and suppressed in favour of firstErr, per spec.md §4.5 and
// §5's "if release itself fails, log and subordinate to the first
// error".
func (g *ChannelGuard) Release(firstErr error) error {
	if !g.armed {
		return firstErr
	}
	g.armed = false
	if err := g.session.SwitchChannel(protocol.ChannelPit); err != nil {
		if firstErr != nil {
			log.Printf("device: return-to-pit failed after prior error: %v", err)
			return firstErr
		}
		return err
	}
	return firstErr
}
