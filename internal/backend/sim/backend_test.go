package sim

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/anim-stream-service/internal/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	frames []*backend.Outputs
	final  []backend.CallbackState
	cancel int // cancel after this many frames when > 0
}

func (r *recorder) callback(out *backend.Outputs, state backend.CallbackState) backend.CallbackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state != backend.StateDataPending {
		r.final = append(r.final, state)
		return backend.StateCancel
	}
	r.frames = append(r.frames, out)
	if r.cancel > 0 && len(r.frames) >= r.cancel {
		return backend.StateCancel
	}
	return backend.StateDataPending
}

func (r *recorder) counts() (int, []backend.CallbackState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), append([]backend.CallbackState(nil), r.final...)
}

func newInstance(t *testing.T, b *Backend) backend.Handle {
	t.Helper()
	h, err := b.CreateInstance(context.Background(), backend.InstanceParams{})
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	t.Cleanup(func() { b.DestroyInstance(h) })
	return h
}

func TestEvaluateFramesAndPadding(t *testing.T) {
	b := New(Config{FrameRate: 30, SampleRate: 16000}, testLogger())
	h := newInstance(t, b)
	ctx := context.Background()

	rec := &recorder{}
	ec := &backend.ExecutionContext{Instance: h, Callback: rec.callback}

	// 2.5 frames of 533 samples
	if err := b.Evaluate(ctx, ec, backend.Input{Audio: make([]int16, 1332)}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if err := b.Evaluate(ctx, ec, backend.Input{End: true}); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	frames, final := rec.counts()
	if frames != 3 {
		t.Errorf("Expected 3 frames including the padded tail, got %d", frames)
	}
	if len(final) != 1 || final[0] != backend.StateDone {
		t.Errorf("Expected a single Done callback, got %v", final)
	}

	rec.mu.Lock()
	first, last := rec.frames[0], rec.frames[len(rec.frames)-1]
	rec.mu.Unlock()
	if len(first.BlendShapeNames) != len(BlendShapeNames) {
		t.Error("Expected blend shape names on the first frame")
	}
	if len(last.BlendShapeNames) != 0 {
		t.Error("Expected names only on the first frame")
	}
	if len(last.Audio) != 533*2 {
		t.Errorf("Expected a whole padded frame of audio, got %d bytes", len(last.Audio))
	}
}

func TestEvaluateSecondContextBusy(t *testing.T) {
	b := New(Config{}, testLogger())
	h := newInstance(t, b)
	ctx := context.Background()

	first := &backend.ExecutionContext{Instance: h, Callback: (&recorder{}).callback}
	second := &backend.ExecutionContext{Instance: h, Callback: (&recorder{}).callback}

	if err := b.Evaluate(ctx, first, backend.Input{Audio: make([]int16, 100)}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if err := b.Evaluate(ctx, second, backend.Input{Audio: make([]int16, 100)}); !errors.Is(err, backend.ErrInstanceBusy) {
		t.Fatalf("Expected ErrInstanceBusy, got %v", err)
	}

	// Once the first context was told to end, the instance takes the next one
	if err := b.Evaluate(ctx, first, backend.Input{End: true, NoWait: true}); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := b.Evaluate(ctx, second, backend.Input{Audio: make([]int16, 100)}); err != nil {
		t.Errorf("Expected second context accepted after end, got %v", err)
	}
	b.Evaluate(ctx, second, backend.Input{End: true})
}

func TestEvaluateCancelDropsRemainingWork(t *testing.T) {
	b := New(Config{}, testLogger())
	h := newInstance(t, b)
	ctx := context.Background()

	rec := &recorder{cancel: 2}
	ec := &backend.ExecutionContext{Instance: h, Callback: rec.callback}

	if err := b.Evaluate(ctx, ec, backend.Input{Audio: make([]int16, 533*10)}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if err := b.Evaluate(ctx, ec, backend.Input{End: true}); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	frames, final := rec.counts()
	if frames != 2 {
		t.Errorf("Expected frames to stop at the cancel, got %d", frames)
	}
	if len(final) != 1 || final[0] != backend.StateCancel {
		t.Errorf("Expected a single Cancel callback, got %v", final)
	}
}

func TestLostInstance(t *testing.T) {
	b := New(Config{}, testLogger())
	h := newInstance(t, b)
	ctx := context.Background()

	b.Lose(h)

	ec := &backend.ExecutionContext{Instance: h, Callback: (&recorder{}).callback}
	if err := b.Evaluate(ctx, ec, backend.Input{Audio: make([]int16, 100)}); !errors.Is(err, backend.ErrInstanceLost) {
		t.Errorf("Expected ErrInstanceLost, got %v", err)
	}

	if err := b.DestroyInstance(h); err != nil {
		t.Errorf("Destroying a lost instance should succeed, got %v", err)
	}
	if b.Instances() != 0 {
		t.Errorf("Expected no instances, got %d", b.Instances())
	}
}

func TestEvaluateWithoutInstance(t *testing.T) {
	b := New(Config{}, testLogger())
	ec := &backend.ExecutionContext{Callback: (&recorder{}).callback}
	if err := b.Evaluate(context.Background(), ec, backend.Input{}); !errors.Is(err, backend.ErrNotAvailable) {
		t.Errorf("Expected ErrNotAvailable, got %v", err)
	}
}

func TestEvaluateStreamUnknownName(t *testing.T) {
	b := New(Config{}, testLogger())

	var got []*backend.StreamFrame
	err := b.EvaluateStream(context.Background(), &backend.StreamRequest{StreamName: "nobody"},
		func(f *backend.StreamFrame, state backend.CallbackState) backend.CallbackState {
			got = append(got, f)
			return backend.StateDataPending
		})
	if err != nil {
		t.Fatalf("EvaluateStream failed: %v", err)
	}
	if len(got) != 1 || got[0].Status != backend.StatusInvalidStreamID {
		t.Errorf("Expected one InvalidStreamID frame, got %v", got)
	}
}

func TestEvaluateStreamFollowsPublisher(t *testing.T) {
	b := New(Config{}, testLogger())
	h := newInstance(t, b)
	ctx := context.Background()

	ec := &backend.ExecutionContext{Instance: h, StreamName: "live", Callback: (&recorder{}).callback}
	if err := b.Evaluate(ctx, ec, backend.Input{Audio: make([]int16, 10)}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	type result struct {
		frames []*backend.StreamFrame
		done   bool
		err    error
	}
	results := make(chan result, 1)
	subscribed := make(chan struct{})
	go func() {
		var r result
		close(subscribed)
		r.err = b.EvaluateStream(ctx, &backend.StreamRequest{StreamName: "live", SampleRate: 16000},
			func(f *backend.StreamFrame, state backend.CallbackState) backend.CallbackState {
				if state == backend.StateDone {
					r.done = true
					return backend.StateCancel
				}
				r.frames = append(r.frames, f)
				return backend.StateDataPending
			})
		results <- r
	}()
	<-subscribed

	// Wait until the subscriber is registered
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.subs["live"])
		b.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := b.Evaluate(ctx, ec, backend.Input{Audio: make([]int16, 533*2)}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if err := b.Evaluate(ctx, ec, backend.Input{End: true}); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("EvaluateStream failed: %v", r.err)
		}
		if !r.done {
			t.Error("Expected Done once the publisher ended")
		}
		// 10 + 1066 samples make two whole frames and a padded tail
		if len(r.frames) != 3 {
			t.Fatalf("Expected 3 frames, got %d", len(r.frames))
		}
		if r.frames[1].Timestamp <= r.frames[0].Timestamp {
			t.Error("Expected increasing timestamps")
		}
		if r.frames[0].FrameDuration <= 0 {
			t.Error("Expected a frame duration")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("EvaluateStream did not return")
	}
}
