package registry

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/skypro1111/anim-stream-service/internal/anim"
)

type event struct {
	kind   string
	id     anim.StreamID
	status anim.Status
}

type recordingConsumer struct {
	mu     sync.Mutex
	events []event
}

func (c *recordingConsumer) PrepareNewStream(id anim.StreamID, format anim.AudioFormat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{kind: "prepare", id: id})
}

func (c *recordingConsumer) ConsumeAnimData(chunk *anim.Chunk, id anim.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{kind: "data", id: id, status: chunk.Status})
}

func (c *recordingConsumer) snapshot() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var format16k = anim.AudioFormat{SampleRate: 16000, Channels: 1, ByteWidth: 2}

func TestCreateStreamIDMonotonic(t *testing.T) {
	r := New(testLogger())

	prev := r.CreateStreamID()
	if prev == anim.NoStream {
		t.Fatal("Expected a non-zero stream id")
	}
	for i := 0; i < 100; i++ {
		id := r.CreateStreamID()
		if id <= prev {
			t.Fatalf("Expected increasing ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestAttachDispatch(t *testing.T) {
	r := New(testLogger())
	c := &recordingConsumer{}
	id := r.CreateStreamID()

	r.Attach(id, c, format16k)
	if r.NumConsumers(id) != 1 {
		t.Fatalf("Expected 1 consumer, got %d", r.NumConsumers(id))
	}

	if n := r.Dispatch(&anim.Chunk{Status: anim.StatusOK}, id); n != 1 {
		t.Errorf("Expected 1 consumer notified, got %d", n)
	}
	if n := r.Dispatch(&anim.Chunk{Status: anim.StatusOK}, id+1); n != 0 {
		t.Errorf("Expected unknown stream to notify nobody, got %d", n)
	}

	events := c.snapshot()
	if len(events) != 2 || events[0].kind != "prepare" || events[1].kind != "data" {
		t.Errorf("Unexpected events %+v", events)
	}
}

func TestDispatchNoMoreDataSelfCleans(t *testing.T) {
	r := New(testLogger())
	c := &recordingConsumer{}
	id := r.CreateStreamID()

	r.Attach(id, c, format16k)
	if n := r.Dispatch(&anim.Chunk{Status: anim.StatusOKNoMoreData}, id); n != 1 {
		t.Fatalf("Expected final chunk delivered, got %d", n)
	}

	if r.NumConsumers(id) != 0 {
		t.Error("Expected mapping removed after OkNoMoreData")
	}
	if _, ok := r.StreamFor(c); ok {
		t.Error("Expected reverse mapping removed after OkNoMoreData")
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d mappings", r.Len())
	}
	if r.Dispatch(&anim.Chunk{Status: anim.StatusOK}, id) != 0 {
		t.Error("Expected no delivery after self-cleaning")
	}
}

func TestAttachReplacesPreviousStream(t *testing.T) {
	r := New(testLogger())
	c := &recordingConsumer{}
	first := r.CreateStreamID()
	second := r.CreateStreamID()

	r.Attach(first, c, format16k)
	r.Attach(second, c, format16k)

	events := c.snapshot()
	want := []event{
		{kind: "prepare", id: first},
		{kind: "data", id: first, status: anim.StatusOKNoMoreData},
		{kind: "prepare", id: second},
	}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %+v", len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %+v, got %+v", i, want[i], events[i])
		}
	}

	if r.NumConsumers(first) != 0 || r.NumConsumers(second) != 1 {
		t.Error("Expected only the second stream to remain mapped")
	}
}

func TestDetachAndRemove(t *testing.T) {
	tests := []struct {
		name     string
		teardown func(r *Registry, c *recordingConsumer, id anim.StreamID)
	}{
		{name: "detach", teardown: func(r *Registry, c *recordingConsumer, id anim.StreamID) { r.Detach(c) }},
		{name: "remove stream", teardown: func(r *Registry, c *recordingConsumer, id anim.StreamID) { r.RemoveStream(id) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(testLogger())
			c := &recordingConsumer{}
			id := r.CreateStreamID()
			r.Attach(id, c, format16k)

			tt.teardown(r, c, id)
			// Second teardown must not deliver again
			tt.teardown(r, c, id)

			events := c.snapshot()
			if len(events) != 2 {
				t.Fatalf("Expected prepare plus one final chunk, got %+v", events)
			}
			if events[1].status != anim.StatusOKNoMoreData || events[1].id != id {
				t.Errorf("Expected OkNoMoreData for %d, got %+v", id, events[1])
			}
			if r.Len() != 0 {
				t.Errorf("Expected empty registry, got %d", r.Len())
			}
		})
	}
}

func TestUnregisterDropsMapping(t *testing.T) {
	r := New(testLogger())
	c := &recordingConsumer{}
	r.Register(c)
	if !r.IsRegistered(c) {
		t.Fatal("Expected consumer to be registered")
	}

	id := r.CreateStreamID()
	r.Attach(id, c, format16k)
	r.Unregister(c)

	if r.IsRegistered(c) {
		t.Error("Expected consumer to be unregistered")
	}
	if r.Dispatch(&anim.Chunk{Status: anim.StatusOK}, id) != 0 {
		t.Error("Unregistered consumer must not receive data")
	}
	// Only the prepare hook ran
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("Expected 1 event, got %d", n)
	}
}

func TestAttachDisplacesOtherConsumer(t *testing.T) {
	r := New(testLogger())
	a := &recordingConsumer{}
	b := &recordingConsumer{}
	id := r.CreateStreamID()

	r.Attach(id, a, format16k)
	r.Attach(id, b, format16k)

	if _, ok := r.StreamFor(a); ok {
		t.Error("Expected displaced consumer to lose its mapping")
	}
	got, ok := r.StreamFor(b)
	if !ok || got != id {
		t.Errorf("Expected b on stream %d, got %d (%v)", id, got, ok)
	}

	events := a.snapshot()
	if len(events) != 2 || events[1].status != anim.StatusOKNoMoreData {
		t.Errorf("Expected displaced consumer to get OkNoMoreData, got %+v", events)
	}
}

func TestConcurrentDispatchAcrossStreams(t *testing.T) {
	r := New(testLogger())

	const streams = 8
	consumers := make([]*recordingConsumer, streams)
	ids := make([]anim.StreamID, streams)
	for i := range consumers {
		consumers[i] = &recordingConsumer{}
		ids[i] = r.CreateStreamID()
		r.Attach(ids[i], consumers[i], format16k)
	}

	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Dispatch(&anim.Chunk{Status: anim.StatusOK}, ids[i])
			}
			r.Dispatch(&anim.Chunk{Status: anim.StatusOKNoMoreData}, ids[i])
		}(i)
	}
	wg.Wait()

	for i, c := range consumers {
		if n := len(c.snapshot()); n != 102 {
			t.Errorf("Consumer %d: expected 102 events, got %d", i, n)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Expected all streams cleaned up, got %d", r.Len())
	}
}

// gatedConsumer blocks in PrepareNewStream for one stream id until released
type gatedConsumer struct {
	recordingConsumer
	gate    anim.StreamID
	entered chan struct{}
	release chan struct{}
}

func newGatedConsumer(gate anim.StreamID) *gatedConsumer {
	return &gatedConsumer{
		gate:    gate,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *gatedConsumer) PrepareNewStream(id anim.StreamID, format anim.AudioFormat) {
	c.recordingConsumer.PrepareNewStream(id, format)
	if id == c.gate {
		close(c.entered)
		<-c.release
	}
}

// checkConsistent verifies both directions of the mapping agree
func checkConsistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.byStream {
		if got, ok := r.byConsume[c]; !ok || got != id {
			t.Errorf("Stream %d maps to a consumer attached to %d (mapped=%v)", id, got, ok)
		}
	}
	for c, id := range r.byConsume {
		if r.byStream[id] != c {
			t.Errorf("Consumer attached to %d is not the consumer of that stream", id)
		}
	}
}

func TestInterleavedAttachKeepsOneMapping(t *testing.T) {
	r := New(testLogger())
	first := r.CreateStreamID()
	second := r.CreateStreamID()
	c := newGatedConsumer(first)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Attach(first, c, format16k)
	}()
	<-c.entered

	r.Attach(second, c, format16k)
	close(c.release)
	<-done

	checkConsistent(t, r)
	if r.Len() != 1 {
		t.Fatalf("Expected one mapping, got %d", r.Len())
	}
	if id, ok := r.StreamFor(c); !ok || id != second {
		t.Errorf("Expected consumer on stream %d, got %d", second, id)
	}
	if r.Dispatch(&anim.Chunk{Status: anim.StatusOK}, first) != 0 {
		t.Error("Expected the overtaken stream to stay unmapped")
	}

	// The overtaken stream is closed for the consumer exactly once
	closed := 0
	for _, e := range c.snapshot() {
		if e.kind == "data" && e.id == first && e.status == anim.StatusOKNoMoreData {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("Expected one OkNoMoreData for stream %d, got %d", first, closed)
	}
}

func TestInterleavedAttachOfOneStream(t *testing.T) {
	r := New(testLogger())
	id := r.CreateStreamID()
	a := newGatedConsumer(id)
	b := &recordingConsumer{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Attach(id, a, format16k)
	}()
	<-a.entered

	r.Attach(id, b, format16k)
	close(a.release)
	<-done

	checkConsistent(t, r)
	if r.Len() != 1 {
		t.Errorf("Expected one mapping, got %d", r.Len())
	}
	if r.NumConsumers(id) != 1 {
		t.Errorf("Expected one consumer on %d, got %d", id, r.NumConsumers(id))
	}
}

func TestUnregisterDuringAttach(t *testing.T) {
	r := New(testLogger())
	id := r.CreateStreamID()
	c := newGatedConsumer(id)
	r.Register(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Attach(id, c, format16k)
	}()
	<-c.entered

	r.Unregister(c)
	close(c.release)
	<-done

	if r.IsRegistered(c) {
		t.Error("Expected Attach not to re-register a destroyed consumer")
	}
	if n := r.Dispatch(&anim.Chunk{Status: anim.StatusOK}, id); n != 0 {
		t.Errorf("Expected no delivery to a destroyed consumer, got %d", n)
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}
	// Only the prepare hook ran
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("Expected 1 event, got %d", n)
	}
}
