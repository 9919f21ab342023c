package registry

import (
	"log/slog"
	"sync"

	"github.com/skypro1111/anim-stream-service/internal/anim"
)

// Registry maps stream ids to the consumer that receives their animation data.
// A single lock guards both directions of the mapping and the set of live
// consumers; consumer hooks always run after the lock is released.
type Registry struct {
	mu        sync.Mutex
	byStream  map[anim.StreamID]anim.Consumer
	byConsume map[anim.Consumer]anim.StreamID
	active    map[anim.Consumer]struct{}
	pending   map[anim.Consumer]pendingAttach
	nextID    anim.StreamID
	attachSeq uint64

	logger *slog.Logger
}

// pendingAttach is an Attach whose PrepareNewStream hook is still running.
// A later Attach or Unregister of the same consumer replaces or removes it,
// and the first Attach then leaves the mapping alone.
type pendingAttach struct {
	seq uint64
	id  anim.StreamID
}

// New creates an empty registry
func New(logger *slog.Logger) *Registry {
	return &Registry{
		byStream:  make(map[anim.StreamID]anim.Consumer),
		byConsume: make(map[anim.Consumer]anim.StreamID),
		active:    make(map[anim.Consumer]struct{}),
		pending:   make(map[anim.Consumer]pendingAttach),
		logger:    logger,
	}
}

// CreateStreamID returns a fresh, never reused stream id
func (r *Registry) CreateStreamID() anim.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	return r.nextID
}

// Register adds c to the set of live consumers
func (r *Registry) Register(c anim.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[c] = struct{}{}
}

// Unregister removes c from the live set and tears down any mapping it still
// has so it never receives another callback
func (r *Registry) Unregister(c anim.Consumer) {
	r.mu.Lock()
	delete(r.active, c)
	delete(r.pending, c)
	id, mapped := r.unmapConsumerLocked(c)
	r.mu.Unlock()

	if mapped {
		r.logger.Debug("Consumer unregistered with live stream",
			slog.Int64("stream_id", int64(id)),
		)
	}
}

// Attach routes stream id to c. If c was attached to another stream, that
// stream is closed for c first with a synthetic "no more data" chunk.
// PrepareNewStream runs before any data for id can be dispatched. When a
// later Attach or an Unregister of c overtakes this call while the hook runs,
// the later call wins and id is left unmapped.
func (r *Registry) Attach(id anim.StreamID, c anim.Consumer, format anim.AudioFormat) {
	r.mu.Lock()
	oldID, hadOld := r.unmapConsumerLocked(c)
	if prev, ok := r.pending[c]; ok && !hadOld {
		// An overtaken Attach announced its stream but never mapped it
		oldID, hadOld = prev.id, true
	}
	displaced, hasDisplaced := r.displaceLocked(id, c)
	r.attachSeq++
	seq := r.attachSeq
	r.pending[c] = pendingAttach{seq: seq, id: id}
	r.mu.Unlock()

	if hadOld && oldID != id {
		c.ConsumeAnimData(anim.NoMoreData(), oldID)
	}
	if hasDisplaced {
		displaced.ConsumeAnimData(anim.NoMoreData(), id)
	}

	c.PrepareNewStream(id, format)

	r.mu.Lock()
	if p, ok := r.pending[c]; !ok || p.seq != seq {
		r.mu.Unlock()
		r.logger.Debug("Attach overtaken, stream left unmapped",
			slog.Int64("stream_id", int64(id)),
		)
		return
	}
	delete(r.pending, c)
	// Another consumer may have claimed id while the hook ran
	displaced, hasDisplaced = r.displaceLocked(id, c)
	r.byStream[id] = c
	r.byConsume[c] = id
	r.mu.Unlock()

	if hasDisplaced {
		displaced.ConsumeAnimData(anim.NoMoreData(), id)
	}
}

// Detach removes the mapping of c and delivers one "no more data" chunk for
// the stream it was attached to
func (r *Registry) Detach(c anim.Consumer) {
	r.mu.Lock()
	id, mapped := r.unmapConsumerLocked(c)
	r.mu.Unlock()

	if mapped {
		c.ConsumeAnimData(anim.NoMoreData(), id)
	}
}

// RemoveStream removes the mapping of id and delivers one "no more data"
// chunk to its consumer if it still had one
func (r *Registry) RemoveStream(id anim.StreamID) {
	r.mu.Lock()
	c, mapped := r.byStream[id]
	if mapped {
		delete(r.byStream, id)
		delete(r.byConsume, c)
	}
	r.mu.Unlock()

	if mapped {
		c.ConsumeAnimData(anim.NoMoreData(), id)
	}
}

// Dispatch delivers chunk to the consumer of id and returns how many
// consumers were notified. A chunk with StatusOKNoMoreData also removes the
// mapping.
func (r *Registry) Dispatch(chunk *anim.Chunk, id anim.StreamID) int {
	r.mu.Lock()
	c, mapped := r.byStream[id]
	if mapped && chunk.Status == anim.StatusOKNoMoreData {
		delete(r.byStream, id)
		delete(r.byConsume, c)
	}
	r.mu.Unlock()

	if !mapped {
		return 0
	}
	c.ConsumeAnimData(chunk, id)
	return 1
}

// NumConsumers returns how many consumers are listening to id
func (r *Registry) NumConsumers(id anim.StreamID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byStream[id]; ok {
		return 1
	}
	return 0
}

// StreamFor returns the stream c is attached to
func (r *Registry) StreamFor(c anim.Consumer) (anim.StreamID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConsume[c]
	return id, ok
}

// IsRegistered reports whether c is in the live set
func (r *Registry) IsRegistered(c anim.Consumer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.active[c]
	return ok
}

// Len returns the number of live mappings
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byStream)
}

// displaceLocked removes the mapping of id when it belongs to a consumer
// other than c, since a stream id carries exactly one consumer
func (r *Registry) displaceLocked(id anim.StreamID, c anim.Consumer) (anim.Consumer, bool) {
	displaced, ok := r.byStream[id]
	if !ok || displaced == c {
		return nil, false
	}
	delete(r.byStream, id)
	delete(r.byConsume, displaced)
	return displaced, true
}

// unmapConsumerLocked removes the mapping of c, if any
func (r *Registry) unmapConsumerLocked(c anim.Consumer) (anim.StreamID, bool) {
	id, ok := r.byConsume[c]
	if !ok {
		return anim.NoStream, false
	}
	delete(r.byConsume, c)
	if r.byStream[id] == c {
		delete(r.byStream, id)
	}
	return id, true
}
