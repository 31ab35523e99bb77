package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/conductor/internal/cache"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// collectingWriter records every event it receives.
type collectingWriter struct {
	mu     sync.Mutex
	events []models.StreamEvent
	fail   bool
}

func (w *collectingWriter) WriteEvent(ev models.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("writer broken")
	}
	w.events = append(w.events, ev)
	return nil
}

func (w *collectingWriter) tokens() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, ev := range w.events {
		out = append(out, ev.Token)
	}
	return out
}

func newTestDistributor() *Distributor {
	return NewDistributor(cache.NewMemory(), zerolog.Nop())
}

func publishTokens(t *testing.T, d *Distributor, runID string, tokens ...string) {
	t.Helper()
	ctx := context.Background()
	for _, tok := range tokens {
		err := d.Publish(ctx, runID, models.StreamEvent{
			Type:  models.StreamEventToken,
			Token: tok,
		})
		if err != nil {
			t.Fatalf("Publish %q: %v", tok, err)
		}
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	d := newTestDistributor()
	w := &collectingWriter{}
	d.RegisterWriter("run-1", w)

	publishTokens(t, d, "run-1", "A", "B", "C")

	got := w.tokens()
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Errorf("tokens = %v, want [A B C]", got)
	}
}

func TestFailingWriterDoesNotBlockOthers(t *testing.T) {
	d := newTestDistributor()
	broken := &collectingWriter{fail: true}
	healthy := &collectingWriter{}
	d.RegisterWriter("run-1", broken)
	d.RegisterWriter("run-1", healthy)

	publishTokens(t, d, "run-1", "A", "B")

	if got := healthy.tokens(); len(got) != 2 {
		t.Errorf("healthy writer got %v, want 2 events", got)
	}
}

func TestPublishWithoutWriters(t *testing.T) {
	d := newTestDistributor()
	publishTokens(t, d, "run-1", "A")
}

func TestWritersAreRunScoped(t *testing.T) {
	d := newTestDistributor()
	w1 := &collectingWriter{}
	w2 := &collectingWriter{}
	d.RegisterWriter("run-1", w1)
	d.RegisterWriter("run-2", w2)

	publishTokens(t, d, "run-1", "A")

	if len(w1.tokens()) != 1 {
		t.Errorf("run-1 writer got %v", w1.tokens())
	}
	if len(w2.tokens()) != 0 {
		t.Errorf("run-2 writer leaked events: %v", w2.tokens())
	}
}

func TestUnregisterWriter(t *testing.T) {
	d := newTestDistributor()
	w := &collectingWriter{}
	d.RegisterWriter("run-1", w)

	if n := d.WriterCount("run-1"); n != 1 {
		t.Fatalf("WriterCount = %d, want 1", n)
	}

	d.UnregisterWriter("run-1", w)
	if n := d.WriterCount("run-1"); n != 0 {
		t.Fatalf("WriterCount after unregister = %d, want 0", n)
	}

	// Unregistering again is a no-op.
	d.UnregisterWriter("run-1", w)

	publishTokens(t, d, "run-1", "A")
	if len(w.tokens()) != 0 {
		t.Errorf("unregistered writer received events: %v", w.tokens())
	}
}

func TestPublishStampsRunIDAndTimestamp(t *testing.T) {
	d := newTestDistributor()
	w := &collectingWriter{}
	d.RegisterWriter("run-1", w)

	publishTokens(t, d, "run-1", "A")

	w.mu.Lock()
	ev := w.events[0]
	w.mu.Unlock()
	if ev.RunID != "run-1" {
		t.Errorf("RunID = %q", ev.RunID)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp not stamped")
	}
}

func TestSubscribeDecodesCacheChannel(t *testing.T) {
	d := newTestDistributor()
	ctx := context.Background()

	ch, cancel, err := d.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	publishTokens(t, d, "run-1", "A")

	select {
	case ev := <-ch:
		if ev.Type != models.StreamEventToken || ev.Token != "A" {
			t.Errorf("decoded event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event arrived on the cache channel")
	}
}
