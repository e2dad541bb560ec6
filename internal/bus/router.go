package bus

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	ncerr "scriptcon/internal/errors"
	"scriptcon/util"
)

// Router accepts controller connections and funnels every inbound
// message, from every connection, through a single inbox.  A
// connection stops reading until the message it delivered has been
// released, so chunked bodies are consumed in order on their own
// stream and only one message is in flight at a time.
//
// The router also stands in for the bus daemon: a JoinSession call
// becomes an AcceptSession call for the handlers, and a closed
// connection becomes a SessionLost signal.
type Router struct {
	logger *util.Logger
	opts   []Option

	inbox chan *Message

	mu       sync.Mutex
	sessions map[uint32]*Conn
	nextID   atomic.Uint32
	connSeq  atomic.Uint32

	wg sync.WaitGroup
}

// NewRouter creates a router whose connections use opts.
func NewRouter(logger *util.Logger, opts ...Option) *Router {
	return &Router{
		logger:   logger,
		opts:     opts,
		inbox:    make(chan *Message),
		sessions: make(map[uint32]*Conn),
	}
}

// Inbox yields inbound messages one at a time.  The consumer must call
// Release on each message when done with it.
func (r *Router) Inbox() <-chan *Message { return r.inbox }

// Serve accepts connections on ln until ctx is cancelled.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	r.logger.Verbose("listening on %s", ln.Addr())

	// Shut the listener down when the context expires.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				r.wg.Wait()
				return nil
			default:
				return ncerr.Wrap("accept", ln.Addr().String(), err)
			}
		}

		r.logger.Verbose("connection from %s", conn.RemoteAddr())
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn reads frames from rwc until it fails or ctx is cancelled.
func (r *Router) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) {
	name := fmt.Sprintf("link-%d", r.connSeq.Add(1))
	c := NewConn(rwc, append(append([]Option{}, r.opts...), WithName(name))...)
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.Close()

	var session uint32
	reason := ReasonLinkClosed
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			if !util.IsHarmless(err) {
				r.logger.Warn("%s: %v", name, err)
				if ncerr.Is(err, ncerr.ErrTimeout) || isTimeout(err) {
					reason = ReasonLinkTimedOut
				}
			}
			break
		}
		r.logger.Debug("%s: %s id=0x%08x serial=%d len=%d", name, msg.Type, msg.MsgID, msg.Serial, msg.BodyLen)

		if msg.Type == MethodCall && msg.MsgID == MsgJoinSession {
			id, ok := r.join(ctx, c, msg, session)
			if id != 0 {
				session = id
			}
			if !ok {
				break
			}
		} else if reserved(msg) {
			r.logger.Warn("%s: peer sent bus message 0x%08x, refused", name, msg.MsgID)
			if msg.Type == MethodCall && !msg.NoReplyExpected() {
				r.reply(msg, msg.NewErrorReply(ErrorFailed, "message is reserved to the bus"))
			}
		} else {
			// Frames speak for the session this link joined, never for
			// the id the peer wrote into the header.
			msg.SessionID = session
			if !r.deliver(ctx, msg) {
				break
			}
		}
		if err := msg.Discard(); err != nil {
			r.logger.Warn("%s: %v", name, err)
			if isTimeout(err) {
				reason = ReasonLinkTimedOut
			}
			break
		}
	}

	if session != 0 {
		r.lose(ctx, session, reason)
	}
	r.logger.Verbose("%s closed", name)
}

// NewSignal starts a signal addressed to the connection that joined
// sessionID.  If that connection is gone the signal has no route and
// Deliver reports ErrNoRoute.
func (r *Router) NewSignal(msgID, sessionID uint32) *Outgoing {
	r.mu.Lock()
	c := r.sessions[sessionID]
	r.mu.Unlock()
	if c == nil {
		return newOutgoing(nil, Signal, msgID, sessionID).SetFlags(FlagNoReplyExpected)
	}
	return c.NewSignal(msgID, sessionID)
}

// HandleDefault answers messages no handler claimed.  It re-reads the
// arguments of messages an earlier handler rewound.
func (r *Router) HandleDefault(msg *Message) {
	switch {
	case msg.Type == MethodCall && msg.MsgID == MsgPing:
		r.reply(msg, msg.NewReply())

	case msg.Type == MethodCall && msg.MsgID == MsgAcceptSession:
		port, err := msg.ReadUint16()
		if err != nil {
			r.reply(msg, msg.NewStatusReply(err))
			return
		}
		r.logger.Verbose("no service bound to session port %d", port)
		r.reply(msg, msg.NewReply().PutBool(false))

	case msg.Type == Signal && msg.MsgID == MsgSessionLost:
		id, err := msg.ReadUint32()
		if err != nil {
			r.logger.Warn("session lost: %v", err)
			return
		}
		reason, _ := msg.ReadUint32()
		r.logger.Verbose("session %d lost (reason %d), no owner", id, reason)

	case msg.Type == MethodCall && !msg.NoReplyExpected():
		r.reply(msg, msg.NewErrorReply(ErrorUnknownMethod,
			fmt.Sprintf("no handler for message 0x%08x", msg.MsgID)))

	default:
		r.logger.Debug("dropping unhandled %s 0x%08x", msg.Type, msg.MsgID)
	}
}

// join turns a JoinSession call into an AcceptSession call for the
// handlers.  It returns the session id the link now holds, or 0 if the
// join was refused.  The session is only routable once a handler has
// answered the accept positively.
func (r *Router) join(ctx context.Context, c *Conn, msg *Message, current uint32) (uint32, bool) {
	port, err := msg.ReadUint16()
	var joiner string
	if err == nil {
		joiner, err = msg.ReadString()
	}
	if err != nil {
		r.reply(msg, msg.NewStatusReply(err))
		return 0, true
	}
	if current != 0 {
		r.reply(msg, msg.NewErrorReply(ErrorFailed, "link already joined a session"))
		return 0, true
	}

	id := r.nextSessionID()
	o := newOutgoing(nil, MethodCall, MsgAcceptSession, id)
	o.Serial = msg.Serial
	o.PutUint16(port).PutUint32(id).PutString(joiner)
	accept, err := o.Loopback(c.rxSize, c)
	if err != nil {
		r.logger.Error("synthesise accept: %v", err)
		return 0, true
	}

	var accepted atomic.Bool
	accept.onReply = func(reply *Outgoing) {
		if !acceptsSession(reply) {
			return
		}
		// Bind before the reply leaves so signals sent right after the
		// accept already have a route.
		r.mu.Lock()
		r.sessions[id] = c
		r.mu.Unlock()
		accepted.Store(true)
	}

	r.logger.Verbose("%s: join port=%d session=%d joiner=%q", c.name, port, id, joiner)
	ok := r.deliver(ctx, accept)
	if !accepted.Load() {
		r.logger.Verbose("%s: session %d refused", c.name, id)
		return 0, ok
	}
	return id, ok
}

// reserved reports whether msg is one only the router itself may
// originate.
func reserved(msg *Message) bool {
	return msg.MsgID == MsgAcceptSession || msg.MsgID == MsgSessionLost
}

// acceptsSession reports whether o is a positive AcceptSession reply.
func acceptsSession(o *Outgoing) bool {
	return o.Type == MethodReply && len(o.body) >= 4 && o.Endian.Uint32(o.body) != 0
}

// lose forgets sessionID and tells the handlers.
func (r *Router) lose(ctx context.Context, sessionID, reason uint32) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	o := newOutgoing(nil, Signal, MsgSessionLost, sessionID).SetFlags(FlagNoReplyExpected)
	o.PutUint32(sessionID).PutUint32(reason)
	lost, err := o.Loopback(DefaultRxBufferSize, nil)
	if err != nil {
		r.logger.Error("synthesise session lost: %v", err)
		return
	}
	r.deliver(ctx, lost)
}

// deliver hands msg to the inbox consumer and waits for it to be
// released.  It returns false if ctx ended first.
func (r *Router) deliver(ctx context.Context, msg *Message) bool {
	select {
	case r.inbox <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Router) reply(msg *Message, o *Outgoing) {
	if err := o.Deliver(); err != nil {
		r.logger.Warn("reply to 0x%08x: %v", msg.MsgID, err)
	}
}

func (r *Router) nextSessionID() uint32 {
	for {
		if id := r.nextID.Add(1); id != 0 {
			return id
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return ncerr.As(err, &ne) && ne.Timeout()
}
