package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/driftlab/driftdb/errs"
	"github.com/driftlab/driftdb/internal/codec"
	"github.com/driftlab/driftdb/internal/observability"
	"github.com/driftlab/driftdb/internal/schema"
	"github.com/driftlab/driftdb/internal/store"
)

// Connection mediates one websocket: it decodes inbound messages into store
// operations and relays fan-out from its subscriptions back to the client.
//
// The read loop and a single writer goroutine share a bounded outbound
// queue. Stream fan-out enqueues without blocking; a connection that cannot
// keep up is torn down rather than reordered or skipped.
type Connection struct {
	id           uuid.UUID
	room         *store.Room
	sock         *websocket.Conn
	codec        codec.Codec
	debug        bool
	limiter      *rate.Limiter
	writeTimeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan *schema.ServerMessage

	mu   sync.Mutex
	subs map[*store.Stream]store.SubscriptionID

	closeOnce sync.Once
}

type connOptions struct {
	debug          bool
	binary         bool
	limiter        *rate.Limiter
	writeTimeout   time.Duration
	outboundBuffer int
}

func newConnection(ctx context.Context, room *store.Room, sock *websocket.Conn, opts connOptions) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:           uuid.New(),
		room:         room,
		sock:         sock,
		codec:        codec.ForBinary(opts.binary),
		debug:        opts.debug,
		limiter:      opts.limiter,
		writeTimeout: opts.writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		outbound:     make(chan *schema.ServerMessage, opts.outboundBuffer),
		subs:         make(map[*store.Stream]store.SubscriptionID),
	}
}

// run drives the connection until the transport closes or the room evicts
// it. It blocks; the caller owns the HTTP handler goroutine.
func (c *Connection) run() {
	defer c.close()

	if !c.room.Attach(c.id, c.cancel) {
		c.sock.Close(websocket.StatusGoingAway, "room closed")
		return
	}

	go c.writeLoop()

	if c.debug {
		// Debug connections see the whole room: dump every existing
		// stream, then auto-subscribe to each new one.
		c.room.Watch(c)
		for _, s := range c.room.Streams() {
			c.subscribe(s, 0)
		}
	}

	metrics().connections.Add(c.ctx, 1)
	defer metrics().connections.Add(context.Background(), -1)

	c.readLoop()
}

func (c *Connection) readLoop() {
	for {
		typ, data, err := c.sock.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				observability.Log().Debug("read failed",
					observability.Field{Key: "conn", Value: c.id},
					observability.Field{Key: "error", Value: err})
			}
			return
		}
		metrics().inbound.Add(c.ctx, 1)
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}
		c.room.Touch()
		if typ != c.codec.FrameType() {
			c.sendError("frame type does not match negotiated " + c.codec.Name() + " encoding")
			continue
		}
		msg, err := c.codec.DecodeClient(data)
		if err != nil {
			c.sendError(errorText(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Connection) handle(msg *schema.ClientMessage) {
	switch msg.Type {
	case schema.ClientSubscribe:
		c.handleSubscribe(msg.Key, msg.Seq)
	case schema.ClientGet:
		c.Deliver(snapshotMessage(c.room, msg.Key, msg.Seq))
	case schema.ClientPush:
		stream := c.room.GetOrCreate(msg.Key)
		var value schema.Value
		if msg.Value != nil {
			value = *msg.Value
		}
		if _, err := stream.Push(msg.Action, value); err != nil {
			c.sendError(errorText(err))
		}
	case schema.ClientPing:
		c.Deliver(&schema.ServerMessage{Type: schema.ServerPong, Nonce: msg.Nonce})
	}
}

func (c *Connection) handleSubscribe(key string, since uint64) {
	c.subscribe(c.room.GetOrCreate(key), since)
}

func (c *Connection) subscribe(s *store.Stream, since uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		return
	}
	if id, ok := c.subs[s]; ok {
		// Already registered: replay a fresh snapshot instead of
		// double-subscribing.
		s.Replay(id, since)
		return
	}
	if id := s.Subscribe(c, since); id != 0 {
		c.subs[s] = id
	}
}

// StreamCreated implements store.StreamObserver for debug connections.
func (c *Connection) StreamCreated(s *store.Stream) {
	c.subscribe(s, 0)
}

// Deliver implements store.Sink. It never blocks: a full outbound queue
// means the peer cannot keep up, and the connection is dropped so no
// subscriber ever observes a gap or reordering.
func (c *Connection) Deliver(msg *schema.ServerMessage) bool {
	select {
	case <-c.ctx.Done():
		return false
	case c.outbound <- msg:
		return true
	default:
		observability.Log().Info("outbound queue overflow, dropping connection",
			observability.Field{Key: "conn", Value: c.id},
			observability.Field{Key: "room", Value: c.room.ID()})
		c.cancel()
		return false
	}
}

func (c *Connection) sendError(message string) {
	metrics().protocolErrors.Add(context.Background(), 1)
	c.Deliver(schema.NewErrorMessage(message))
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbound:
			data, err := c.codec.EncodeServer(msg)
			if err != nil {
				observability.Log().Error("encode failed",
					observability.Field{Key: "conn", Value: c.id},
					observability.Field{Key: "error", Value: err})
				continue
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err = c.sock.Write(writeCtx, c.codec.FrameType(), data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// close releases every stream subscription before the connection reaches
// its final state, so no stream retains a stale reference.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.debug {
			c.room.Unwatch(c)
		}
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for s, id := range subs {
			s.Unsubscribe(id)
		}
		c.room.Detach(c.id)
		c.sock.Close(websocket.StatusNormalClosure, "")
	})
}

// snapshotMessage builds the one-shot init for a get. A read of an absent
// key returns an empty snapshot without creating the stream.
func snapshotMessage(room *store.Room, key string, since uint64) *schema.ServerMessage {
	msg := &schema.ServerMessage{Type: schema.ServerInit, Key: key, Seq: since}
	if stream, ok := room.Get(key); ok {
		msg.Data = stream.Get(since)
	} else {
		msg.Data = []schema.SequenceValue{}
	}
	return msg
}

func errorText(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
