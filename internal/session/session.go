// Package session tracks the single controller admitted to the script
// console and arbitrates new admission requests.
//
// At most one session is held at a time.  A second controller is
// answered with a rejection, which is a normal protocol exchange and
// not an error.
package session

import (
	"fmt"
	"sync"

	ncerr "scriptcon/internal/errors"
	"scriptcon/util"
)

// MaxPeerLen is the longest peer address a session can record.
const MaxPeerLen = 15

// PeerAddr is a peer address held in a fixed-capacity buffer.
type PeerAddr struct {
	buf [MaxPeerLen]byte
	n   uint8
}

// NewPeerAddr copies s into a PeerAddr.  It fails with ErrResources,
// leaving nothing recorded, when s does not fit.
func NewPeerAddr(s string) (PeerAddr, error) {
	var p PeerAddr
	if len(s) > MaxPeerLen {
		return p, fmt.Errorf("peer address %q is %d bytes, max %d: %w", s, len(s), MaxPeerLen, ncerr.ErrResources)
	}
	p.n = uint8(copy(p.buf[:], s))
	return p, nil
}

func (p PeerAddr) String() string { return string(p.buf[:p.n]) }

// Session identifies the admitted controller.  ID 0 means none.
type Session struct {
	ID   uint32
	Peer PeerAddr
}

// Admission is the outcome of an admission request.
type Admission int

const (
	// Unmatched means the request was for another service port and
	// belongs to some other handler.
	Unmatched Admission = iota
	Accepted
	Rejected
)

func (a Admission) String() string {
	switch a {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unmatched"
	}
}

// Guard owns the current session.
type Guard struct {
	port   uint16
	logger *util.Logger

	mu  sync.Mutex
	cur Session
}

// NewGuard returns a guard that admits controllers on port.
func NewGuard(port uint16, logger *util.Logger) *Guard {
	return &Guard{port: port, logger: logger}
}

// Port returns the service port the guard answers for.
func (g *Guard) Port() uint16 { return g.port }

// TryAdmit decides an admission request.  A non-nil error is returned
// only together with Rejected, when the request itself was unusable.
func (g *Guard) TryAdmit(port uint16, sessionID uint32, peer string) (Admission, error) {
	if port != g.port {
		return Unmatched, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cur.ID != 0 {
		g.logger.Verbose("rejecting %q (session %d): %q already attached", peer, sessionID, g.cur.Peer)
		return Rejected, nil
	}
	if sessionID == 0 {
		return Rejected, fmt.Errorf("admit %q: session id 0 is reserved", peer)
	}
	addr, err := NewPeerAddr(peer)
	if err != nil {
		return Rejected, err
	}
	g.cur = Session{ID: sessionID, Peer: addr}
	g.logger.Info("controller %s attached (session %d)", addr, sessionID)
	return Accepted, nil
}

// NotifySessionLost clears the held session if it is sessionID and
// reports whether it did.
func (g *Guard) NotifySessionLost(sessionID uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sessionID == 0 || g.cur.ID != sessionID {
		return false
	}
	g.logger.Info("controller %s detached (session %d)", g.cur.Peer, sessionID)
	g.cur = Session{}
	return true
}

// HasSession reports whether a controller is attached.
func (g *Guard) HasSession() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur.ID != 0
}

// Current returns the held session, or the zero Session.
func (g *Guard) Current() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur
}

// Clear drops the held session unconditionally.
func (g *Guard) Clear() {
	g.mu.Lock()
	g.cur = Session{}
	g.mu.Unlock()
}
