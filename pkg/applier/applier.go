package applier

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
	"github.com/Vic-Dev/flux-capacitor/pkg/metrics"
	"github.com/Vic-Dev/flux-capacitor/pkg/store"
)

// DefaultDedupWindow is how many sequenced event keys are remembered for duplicate suppression.
const DefaultDedupWindow = 4096

// Applier is the only path from decoded events into the store. Batches never interleave: a batch holds the lock
// until its last event has been dispatched, and the application sequence grows in dispatch order.
type Applier struct {
	lock     sync.Mutex
	store    store.Store
	seen     *lru.Cache[string, struct{}]
	sequence []event.Event
	logger   *slog.Logger
}

func New(st store.Store, dedupWindow int, logger *slog.Logger) (*Applier, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen, err := lru.New[string, struct{}](dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup window: %w", err)
	}
	return &Applier{store: st, seen: seen, logger: logger}, nil
}

// Apply dispatches events in order and returns how many were applied. Events with a sequence number that was
// already applied are skipped.
func (a *Applier) Apply(events []event.Event) int {
	a.lock.Lock()
	defer a.lock.Unlock()

	applied := 0
	for _, e := range events {
		if e.Sequenced() {
			if a.seen.Contains(e.Key()) {
				a.logger.Debug("skipping duplicate event", "key", e.Key())
				metrics.DuplicateEvents.Inc()
				continue
			}
			a.seen.Add(e.Key(), struct{}{})
		}
		if !event.Known(e.Type) {
			a.logger.Debug("applying event with unknown type", "type", e.Type, "id", e.ID)
		}
		a.store.Dispatch(e)
		a.sequence = append(a.sequence, e)
		metrics.AppliedEvents.WithLabelValues(e.Type).Inc()
		applied++
	}
	return applied
}

// Sequence returns a copy of every event applied so far, in application order.
func (a *Applier) Sequence() []event.Event {
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make([]event.Event, len(a.sequence))
	copy(out, a.sequence)
	return out
}

func (a *Applier) Len() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.sequence)
}
