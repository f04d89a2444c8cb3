// Package session wires the snapshot loader, the push channel and the applier into one object per client run.
//
// Push batches that arrive before both snapshot fetches have resolved are held back and applied, in arrival order,
// right after the snapshots. The same happens while a resync after a reconnect is in flight, so a snapshot taken
// before a pushed change can never be applied on top of it. Reducers are upsert-idempotent as well, so a push that
// references an entity the snapshot has not delivered yet is still safe.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Vic-Dev/flux-capacitor/pkg/applier"
	"github.com/Vic-Dev/flux-capacitor/pkg/channel"
	"github.com/Vic-Dev/flux-capacitor/pkg/event"
	"github.com/Vic-Dev/flux-capacitor/pkg/snapshot"
	"github.com/Vic-Dev/flux-capacitor/pkg/store"
)

type Options struct {
	// PageURL is the url the client was served from. The API base and the push endpoint derive from it unless
	// APIBase or Endpoint are set.
	PageURL  *url.URL
	APIBase  *url.URL
	Endpoint *url.URL

	DevProxyPort int
	BackendPort  int

	EventsParams snapshot.Params
	NotesParams  snapshot.Params

	Store      store.Store
	HTTPClient *http.Client

	Policy         channel.ReconnectPolicy
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	OnStateChange  func(channel.State)

	DedupWindow int
	// ResyncOnReconnect reloads both snapshots after the channel comes back, so events pushed while disconnected
	// are not lost. Sequenced duplicates are filtered by the applier, and the resynced notes list replaces the local
	// one: notes the server no longer returns are removed.
	ResyncOnReconnect bool
	// MaxMessageBytes caps a single push message. Zero means channel.DefaultMaxMessageBytes.
	MaxMessageBytes int64

	Logger *slog.Logger
}

type Session struct {
	opts    Options
	logger  *slog.Logger
	store   store.Store
	applier *applier.Applier
	loader  *snapshot.Loader
	channel *channel.Manager
	gate    *pushGate
	ready   chan struct{}
	wg      sync.WaitGroup

	lock    sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	handle  *channel.Handle
	started bool
	closed  bool
}

func New(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.DevProxyPort == 0 {
		opts.DevProxyPort = channel.DefaultDevProxyPort
	}
	if opts.BackendPort == 0 {
		opts.BackendPort = channel.DefaultBackendPort
	}
	if opts.EventsParams == (snapshot.Params{}) {
		opts.EventsParams = snapshot.Events.Params
	}
	if opts.NotesParams == (snapshot.Params{}) {
		opts.NotesParams = snapshot.Notes.Params
	}

	apiBase := opts.APIBase
	if apiBase == nil {
		if opts.PageURL == nil {
			return nil, fmt.Errorf("page url or api base is required")
		}
		apiBase = &url.URL{Scheme: opts.PageURL.Scheme, Host: opts.PageURL.Host}
	}
	endpoint := opts.Endpoint
	if endpoint == nil {
		var err error
		if endpoint, err = channel.Endpoint(opts.PageURL, opts.DevProxyPort, opts.BackendPort); err != nil {
			return nil, fmt.Errorf("failed to derive push endpoint: %w", err)
		}
	}

	a, err := applier.New(opts.Store, opts.DedupWindow, logger.With("component", "applier"))
	if err != nil {
		return nil, err
	}

	s := &Session{
		opts:    opts,
		logger:  logger,
		store:   opts.Store,
		applier: a,
		loader:  snapshot.NewLoader(apiBase, opts.HTTPClient, logger.With("component", "snapshot")),
		gate:    &pushGate{apply: a.Apply, holds: 1},
		ready:   make(chan struct{}),
	}

	s.channel, err = channel.NewManager(channel.Options{
		Endpoint:        endpoint,
		Sink:            s.gate.push,
		Policy:          opts.Policy,
		ConnectTimeout:  opts.ConnectTimeout,
		PingInterval:    opts.PingInterval,
		MaxMessageBytes: opts.MaxMessageBytes,
		OnStateChange:   opts.OnStateChange,
		OnReconnect:     s.onReconnect,
		Logger:          logger.With("component", "channel"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return s, nil
}

// Start issues both snapshot fetches and opens the push channel without waiting for any of them. A failed fetch is
// logged and does not stop the other fetch or the channel.
func (s *Session) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return fmt.Errorf("session is closed")
	}
	if s.started {
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loadSnapshots(s.ctx, false)
		flushed := s.gate.release()
		if flushed > 0 {
			s.logger.Info("applied buffered push batches", "batches", flushed)
		}
		close(s.ready)
	}()

	h, err := s.channel.Connect(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	s.handle = h
	return nil
}

// loadSnapshots fetches both resources concurrently and applies each as one batch. An authoritative notes batch
// also removes every local note the server did not return.
func (s *Session) loadSnapshots(ctx context.Context, authoritative bool) {
	wg := new(sync.WaitGroup)
	for _, r := range []struct {
		res    snapshot.Resource
		params snapshot.Params
	}{
		{snapshot.Events, s.opts.EventsParams},
		{snapshot.Notes, s.opts.NotesParams},
	} {
		wg.Add(1)
		go func(res snapshot.Resource, params snapshot.Params) {
			defer wg.Done()
			snap, err := s.loader.Load(ctx, res, params)
			if err != nil {
				s.logger.Error("failed to load snapshot", "resource", res.Name, "err", err)
				return
			}
			events := snap.Events
			if authoritative && res.Name == snapshot.Notes.Name {
				retain, err := retainNotes(events)
				if err != nil {
					s.logger.Error("failed to build notes retain event", "err", err)
					return
				}
				events = append(events[:len(events):len(events)], retain)
			}
			applied := s.applier.Apply(events)
			s.logger.Info("applied snapshot", "resource", res.Name, "events", len(snap.Events), "applied", applied)
		}(r.res, r.params)
	}
	wg.Wait()
}

func (s *Session) onReconnect() {
	if !s.opts.ResyncOnReconnect {
		return
	}
	s.lock.Lock()
	ctx := s.ctx
	s.lock.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	// pushes on the new connection wait until the resync is in
	s.gate.hold()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("resyncing snapshots after reconnect")
		s.loadSnapshots(ctx, true)
		if flushed := s.gate.release(); flushed > 0 {
			s.logger.Info("applied buffered push batches", "batches", flushed)
		}
	}()
}

func retainNotes(events []event.Event) (event.Event, error) {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	return event.New(event.TypeNotesRetained, snapshot.Notes.Name, 0, store.RetainedNotes{IDs: ids})
}

// Close closes the push channel and waits for in-flight work. It is safe to call more than once, and before Start.
func (s *Session) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	h, cancel := s.handle, s.cancel
	s.lock.Unlock()

	if h != nil {
		_ = h.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// Ready is closed once both snapshot fetches have resolved, successfully or not, and buffered pushes were applied.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

func (s *Session) ChannelState() channel.State {
	return s.channel.State()
}

// Sequence is every event applied so far, in application order.
func (s *Session) Sequence() []event.Event {
	return s.applier.Sequence()
}

func (s *Session) Store() store.Store {
	return s.store
}

// pushGate holds push batches back while any snapshot load is in flight. Every hold is matched by one release;
// the pending batches are flushed in arrival order when the last hold is released.
type pushGate struct {
	lock    sync.Mutex
	holds   int
	pending [][]event.Event
	apply   func([]event.Event) int
}

func (g *pushGate) push(events []event.Event) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.holds > 0 {
		g.pending = append(g.pending, events)
		return
	}
	g.apply(events)
}

func (g *pushGate) hold() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.holds++
}

// release drops one hold and returns how many batches it flushed.
func (g *pushGate) release() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.holds > 0 {
		g.holds--
	}
	if g.holds > 0 {
		return 0
	}
	n := len(g.pending)
	for _, batch := range g.pending {
		g.apply(batch)
	}
	g.pending = nil
	return n
}
