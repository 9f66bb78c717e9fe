// Package store holds the in-memory room state: per-key append-only streams
// with compaction, subscriber fan-out, and the room that owns them.
package store

import (
	"context"
	"sync"

	"github.com/driftlab/driftdb/errs"
	"github.com/driftlab/driftdb/internal/schema"
)

// SubscriptionID identifies one registration on one stream.
type SubscriptionID uint64

// Sink receives outbound messages for one subscriber. Deliver must not
// block; it returns false when the subscriber can no longer accept messages,
// which drops the registration.
type Sink interface {
	Deliver(msg *schema.ServerMessage) bool
}

// PushResult reports the outcome of a push.
type PushResult struct {
	// Seq is the sequence number assigned to the pushed value. Compaction
	// reports the floor it settled at.
	Seq uint64
	// Size is the log length after the push.
	Size uint64
}

// Stream is the append-only value log for one (room, key) pair.
//
// Entries carry strictly increasing sequence numbers starting at 1. A
// compaction discards the prefix below its floor but never rewinds nextSeq.
// All operations are non-suspending critical sections; fan-out only enqueues
// into subscriber sinks.
type Stream struct {
	key string

	mu       sync.Mutex
	log      []schema.SequenceValue
	firstSeq uint64
	nextSeq  uint64
	subs     map[SubscriptionID]Sink
	nextSub  SubscriptionID
}

func newStream(key string) *Stream {
	return &Stream{
		key:      key,
		log:      nil,
		firstSeq: 1,
		nextSeq:  1,
		subs:     make(map[SubscriptionID]Sink),
		nextSub:  0,
	}
}

// Key returns the stream's key within its room.
func (s *Stream) Key() string { return s.key }

// Subscribe atomically registers the sink and delivers the current snapshot
// through it as an init message, so no append can slip between snapshot and
// registration. Entries with seq <= since are filtered from the snapshot.
func (s *Stream) Subscribe(sink Sink, since uint64) SubscriptionID {
	s.mu.Lock()
	defer s.mu.Unlock()

	init := &schema.ServerMessage{
		Type: schema.ServerInit,
		Key:  s.key,
		Data: s.snapshotLocked(since),
		Seq:  since,
	}
	if !sink.Deliver(init) {
		metrics().droppedDeliveries.Add(context.Background(), 1)
		return 0
	}

	s.nextSub++
	id := s.nextSub
	s.subs[id] = sink
	metrics().subscribers.Add(context.Background(), 1)
	return id
}

// Replay re-delivers the current snapshot to an existing registration as an
// init message. Like Subscribe, delivery happens inside the stream lock, so
// no append can land between the snapshot and its enqueue and the subscriber
// never resets to a snapshot older than a push it already received.
func (s *Stream) Replay(id SubscriptionID, since uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink, ok := s.subs[id]
	if !ok {
		return
	}
	init := &schema.ServerMessage{
		Type: schema.ServerInit,
		Key:  s.key,
		Data: s.snapshotLocked(since),
		Seq:  since,
	}
	if !sink.Deliver(init) {
		delete(s.subs, id)
		metrics().subscribers.Add(context.Background(), -1)
		metrics().droppedDeliveries.Add(context.Background(), 1)
	}
}

// Unsubscribe removes a registration. Idempotent.
func (s *Stream) Unsubscribe(id SubscriptionID) {
	s.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		metrics().subscribers.Add(context.Background(), -1)
	}
}

// SubscriberCount reports the number of live registrations.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Get returns the snapshot that Subscribe would deliver, without registering.
func (s *Stream) Get(since uint64) []schema.SequenceValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(since)
}

// Push applies a mutation and fans the result out to every subscriber.
func (s *Stream) Push(action *schema.Action, value schema.Value) (PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch action.Type {
	case schema.ActionAppend:
		sv := s.assignLocked(value)
		s.log = append(s.log, sv)
		s.broadcastPushLocked(sv)
		s.broadcastSizeLocked()
		return PushResult{Seq: sv.Seq, Size: uint64(len(s.log))}, nil

	case schema.ActionRelay:
		// Ephemeral: consumes a sequence number but stores nothing, so
		// late subscribers never replay it.
		sv := s.assignLocked(value)
		s.broadcastPushLocked(sv)
		return PushResult{Seq: sv.Seq, Size: uint64(len(s.log))}, nil

	case schema.ActionReplace:
		sv := s.assignLocked(value)
		s.log = append(s.log[:0], sv)
		s.firstSeq = sv.Seq
		s.broadcastPushLocked(sv)
		return PushResult{Seq: sv.Seq, Size: 1}, nil

	case schema.ActionCompact:
		return s.compactLocked(action.Seq, value)

	default:
		return PushResult{}, errs.New("store/push", errs.CodeInvalid, errs.WithMessage("unknown push action"))
	}
}

// compactLocked replaces every entry with seq <= floor by a single reset
// entry at the floor. Subscribers receive a full re-init so they drop prior
// state without understanding compaction.
func (s *Stream) compactLocked(floor uint64, value schema.Value) (PushResult, error) {
	if floor >= s.nextSeq {
		return PushResult{}, errs.New("store/compact", errs.CodeInvalid,
			errs.WithMessage("cannot compact at an unassigned sequence number"))
	}
	if floor < s.firstSeq {
		// Prefix already compacted away.
		return PushResult{Size: uint64(len(s.log))}, nil
	}

	kept := s.log[:0:0]
	kept = append(kept, schema.SequenceValue{Seq: floor, Value: value})
	for _, sv := range s.log {
		if sv.Seq > floor {
			kept = append(kept, sv)
		}
	}
	s.log = kept
	s.firstSeq = floor

	init := &schema.ServerMessage{
		Type: schema.ServerInit,
		Key:  s.key,
		Data: s.snapshotLocked(0),
	}
	s.broadcastLocked(init)
	return PushResult{Seq: floor, Size: uint64(len(s.log))}, nil
}

func (s *Stream) assignLocked(value schema.Value) schema.SequenceValue {
	sv := schema.SequenceValue{Seq: s.nextSeq, Value: value}
	s.nextSeq++
	return sv
}

func (s *Stream) snapshotLocked(since uint64) []schema.SequenceValue {
	out := make([]schema.SequenceValue, 0, len(s.log))
	for _, sv := range s.log {
		if sv.Seq > since {
			out = append(out, sv)
		}
	}
	return out
}

func (s *Stream) broadcastPushLocked(sv schema.SequenceValue) {
	value := sv.Value
	s.broadcastLocked(&schema.ServerMessage{
		Type:  schema.ServerPush,
		Key:   s.key,
		Seq:   sv.Seq,
		Value: &value,
	})
	metrics().pushes.Add(context.Background(), 1)
}

// broadcastSizeLocked advises subscribers of the post-append length so they
// can decide to compact. A single-entry log never needs compaction, so the
// advisory starts at length two.
func (s *Stream) broadcastSizeLocked() {
	if len(s.log) <= 1 {
		return
	}
	s.broadcastLocked(&schema.ServerMessage{
		Type: schema.ServerStreamSize,
		Key:  s.key,
		Size: uint64(len(s.log)),
	})
}

// broadcastLocked enqueues msg into every subscriber sink in registration
// order. Sinks that refuse delivery are dropped; a sink must never observe a
// gap while it stays registered.
func (s *Stream) broadcastLocked(msg *schema.ServerMessage) {
	metrics().fanout.Record(context.Background(), int64(len(s.subs)))
	for id, sink := range s.subs {
		if !sink.Deliver(msg) {
			delete(s.subs, id)
			metrics().subscribers.Add(context.Background(), -1)
			metrics().droppedDeliveries.Add(context.Background(), 1)
		}
	}
}
