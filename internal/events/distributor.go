// Package events fans out run-level stream events to live subscribers and
// mirrors every event onto the cache's pub/sub channel for cross-process
// delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/conductor/internal/cache"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Writer receives stream events for a run. Implementations must tolerate
// concurrent calls; a Writer that returns an error keeps receiving events.
type Writer interface {
	WriteEvent(ev models.StreamEvent) error
}

// ChannelKey returns the cache pub/sub channel for a run's events.
func ChannelKey(runID string) string {
	return "run:events:" + runID
}

// Distributor delivers every published event to all attached writers for
// the run and to the cache channel. A slow or failing writer never blocks
// publication to the others.
type Distributor struct {
	cache cache.Cache
	log   zerolog.Logger

	mu sync.RWMutex
	// writers maps run ID to its subscriber list. Lists are created on
	// first registration and removed when they empty out.
	writers map[string][]Writer
}

// NewDistributor creates a Distributor over the given cache.
func NewDistributor(c cache.Cache, log zerolog.Logger) *Distributor {
	return &Distributor{
		cache:   c,
		log:     log,
		writers: make(map[string][]Writer),
	}
}

// RegisterWriter attaches a writer to a run's event stream.
func (d *Distributor) RegisterWriter(runID string, w Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writers[runID] = append(d.writers[runID], w)
}

// UnregisterWriter detaches a writer from a run's event stream. Writers are
// compared by identity; unregistering an unknown writer is a no-op.
func (d *Distributor) UnregisterWriter(runID string, w Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.writers[runID]
	for i, existing := range list {
		if existing == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(d.writers, runID)
	} else {
		d.writers[runID] = list
	}
}

// WriterCount returns the number of writers attached to a run.
func (d *Distributor) WriterCount(runID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.writers[runID])
}

// Publish delivers an event. The cache channel is written first so that a
// subscriber attaching after publication can recover recent events if the
// backing channel supports replay; then each live writer gets the event.
// Writer failures are logged and swallowed.
func (d *Distributor) Publish(ctx context.Context, runID string, ev models.StreamEvent) error {
	ev.RunID = runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}

	if err := d.cache.Publish(ctx, ChannelKey(runID), payload); err != nil {
		d.log.Warn().Err(err).Str("run_id", runID).Str("type", string(ev.Type)).
			Msg("[events] cache publish failed")
	}

	d.mu.RLock()
	// Copy so a writer unregistering mid-publish can't shift the list.
	list := append([]Writer(nil), d.writers[runID]...)
	d.mu.RUnlock()

	for _, w := range list {
		if err := w.WriteEvent(ev); err != nil {
			d.log.Warn().Err(err).Str("run_id", runID).Str("type", string(ev.Type)).
				Msg("[events] subscriber write failed")
		}
	}

	return nil
}

// Subscribe attaches to a run's cache channel and decodes events from it.
// This is the cross-process read path; in-process consumers usually attach
// a Writer instead.
func (d *Distributor) Subscribe(ctx context.Context, runID string) (<-chan models.StreamEvent, func(), error) {
	raw, cancel, err := d.cache.Subscribe(ctx, ChannelKey(runID))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}

	out := make(chan models.StreamEvent, 64)
	go func() {
		defer close(out)
		for payload := range raw {
			var ev models.StreamEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				d.log.Warn().Err(err).Str("run_id", runID).Msg("[events] bad event payload")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// WriterFunc adapts a function to the Writer interface.
type WriterFunc func(ev models.StreamEvent) error

// WriteEvent calls the wrapped function.
func (f WriterFunc) WriteEvent(ev models.StreamEvent) error {
	return f(ev)
}
