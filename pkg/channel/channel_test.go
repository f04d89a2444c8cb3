package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
	"github.com/Vic-Dev/flux-capacitor/pkg/metrics"
)

func TestEndpoint(t *testing.T) {
	for _, tc := range []struct {
		page string
		want string
	}{
		{"http://localhost:3000/", "ws://localhost:4000/websocket"},
		{"https://localhost:3000/notes", "wss://localhost:4000/websocket"},
		{"http://example.com:8080", "ws://example.com:8080/websocket"},
		{"HTTPS://example.com:443/", "wss://example.com:443/websocket"},
		{"https://example.com", "wss://example.com/websocket"},
		{"http://[::1]:3000", "ws://[::1]:4000/websocket"},
		{"http://[::1]", "ws://[::1]/websocket"},
		{"file://example.com:4000", "ws://example.com:4000/websocket"},
	} {
		page, err := url.Parse(tc.page)
		require.NoError(t, err)
		got, err := Endpoint(page, DefaultDevProxyPort, DefaultBackendPort)
		require.NoError(t, err, tc.page)
		assert.Equal(t, tc.want, got.String(), tc.page)
	}

	_, err := Endpoint(&url.URL{Path: "/relative"}, DefaultDevProxyPort, DefaultBackendPort)
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 6}
	var got []time.Duration
	for attempt := 1; ; attempt++ {
		d, ok := b.Next(attempt)
		if !ok {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond, time.Second, time.Second,
	}, got)

	jittered := Backoff{Min: time.Second, Max: time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d, ok := jittered.Next(3)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}

	_, ok := NoReconnect{}.Next(1)
	assert.False(t, ok)
}

// pushServer is a websocket backend whose accepted connections are handed to the test.
type pushServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
		// drain so control frames are handled
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) endpoint() *url.URL {
	u, _ := url.Parse(strings.Replace(ps.srv.URL, "http://", "ws://", 1) + Path)
	return u
}

func (ps *pushServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ps.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

type collector struct {
	lock   sync.Mutex
	events []event.Event
}

func (c *collector) sink(events []event.Event) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.events = append(c.events, events...)
}

func (c *collector) names() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.String()
	}
	return out
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	assert.Eventually(t, func() bool { return m.State() == want }, 5*time.Second, 5*time.Millisecond, "want %s got %s", want, m.State())
}

func TestManager_DeliversMessagesInOrder(t *testing.T) {
	ps := newPushServer(t)
	c := &collector{}
	m, err := NewManager(Options{Endpoint: ps.endpoint(), Sink: c.sink})
	require.NoError(t, err)
	assert.Equal(t, Disconnected, m.State())

	h, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer h.Close()

	conn := ps.accept(t)
	waitState(t, m, Connected)

	_, err = m.Connect(context.Background())
	assert.Error(t, err, "a second live connection must be refused")

	for _, msg := range []string{
		`[{"type":"EVENT_LOGGED","id":1},{"type":"EVENT_LOGGED","id":2}]`,
		`[]`,
		`[{"type":"NOTE_CREATED","id":"a"}]`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}
	want := []string{"EVENT_LOGGED(1)", "EVENT_LOGGED(2)", "NOTE_CREATED(a)"}
	assert.Eventually(t, func() bool { return len(c.names()) == len(want) }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, c.names())
}

func TestManager_MalformedMessagesAreDropped(t *testing.T) {
	ps := newPushServer(t)
	c := &collector{}
	m, err := NewManager(Options{Endpoint: ps.endpoint(), Sink: c.sink})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer h.Close()

	conn := ps.accept(t)
	waitState(t, m, Connected)

	for _, msg := range []string{`not json`, `{"type":"NOTE_CREATED","id":"x"}`, `[{"id":"no-type"}]`, `[{"type":"NOTE_CREATED","id":"ok"}]`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}
	assert.Eventually(t, func() bool { return len(c.names()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"NOTE_CREATED(ok)"}, c.names())
	assert.Equal(t, Connected, m.State())
}

func TestManager_NoReconnectStaysDisconnected(t *testing.T) {
	ps := newPushServer(t)
	m, err := NewManager(Options{Endpoint: ps.endpoint(), Sink: func([]event.Event) {}})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)

	conn := ps.accept(t)
	waitState(t, m, Connected)
	_ = conn.Close()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection loop did not stop")
	}
	assert.Equal(t, Disconnected, m.State())
	assert.NoError(t, h.Close())
	assert.Equal(t, Closing, m.State())
}

func TestManager_ReconnectsWithPolicy(t *testing.T) {
	ps := newPushServer(t)
	c := &collector{}
	reconnected := make(chan struct{}, 1)
	var seen []State
	var seenLock sync.Mutex
	m, err := NewManager(Options{
		Endpoint: ps.endpoint(),
		Sink:     c.sink,
		Policy:   Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond},
		OnReconnect: func() {
			reconnected <- struct{}{}
		},
		OnStateChange: func(s State) {
			seenLock.Lock()
			defer seenLock.Unlock()
			seen = append(seen, s)
		},
	})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer h.Close()

	first := ps.accept(t)
	waitState(t, m, Connected)
	_ = first.Close()

	second := ps.accept(t)
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect hook not called")
	}
	waitState(t, m, Connected)
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`[{"type":"NOTE_CREATED","id":"b"}]`)))
	assert.Eventually(t, func() bool { return len(c.names()) == 1 }, 5*time.Second, 5*time.Millisecond)

	seenLock.Lock()
	defer seenLock.Unlock()
	assert.Equal(t, []State{Connecting, Connected, Disconnected, Connecting, Connected}, seen)
}

func TestManager_CloseWhileConnecting(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// never answer the handshake
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()
	u, _ := url.Parse(strings.Replace(srv.URL, "http://", "ws://", 1) + Path)

	m, err := NewManager(Options{Endpoint: u, Sink: func([]event.Event) {}, Policy: DefaultBackoff()})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connecting, m.State())

	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
	assert.Equal(t, Closing, m.State())

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("connection left open after close")
	}

	_, err = m.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Closing, m.State())
}

func TestManager_ConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	u, _ := url.Parse(strings.Replace(srv.URL, "http://", "ws://", 1) + Path)

	m, err := NewManager(Options{Endpoint: u, Sink: func([]event.Event) {}, ConnectTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dial did not time out")
	}
	assert.Equal(t, Disconnected, m.State())
}

func TestManager_DialFailureReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	u, _ := url.Parse(strings.Replace(srv.URL, "http://", "ws://", 1) + Path)

	m, err := NewManager(Options{Endpoint: u, Sink: func([]event.Event) {}})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)
	<-h.Done()
	assert.Equal(t, Disconnected, m.State())
}

func TestManager_OversizeMessageDropsConnection(t *testing.T) {
	ps := newPushServer(t)
	c := &collector{}
	readErrors := testutil.ToFloat64(metrics.ChannelErrors.WithLabelValues("read"))
	m, err := NewManager(Options{Endpoint: ps.endpoint(), Sink: c.sink, MaxMessageBytes: 64})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer h.Close()

	conn := ps.accept(t)
	waitState(t, m, Connected)
	big := `[{"type":"NOTE_CREATED","id":"` + strings.Repeat("x", 200) + `"}]`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("oversize message did not drop the connection")
	}
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, c.names())
	assert.Equal(t, readErrors+1, testutil.ToFloat64(metrics.ChannelErrors.WithLabelValues("read")))
}

func TestManager_PingKeepsHealthyConnection(t *testing.T) {
	ps := newPushServer(t)
	m, err := NewManager(Options{Endpoint: ps.endpoint(), Sink: func([]event.Event) {}, PingInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer h.Close()

	ps.accept(t)
	waitState(t, m, Connected)
	// the server answers pings while it reads, so the read deadline keeps moving
	assert.Never(t, func() bool { return m.State() != Connected }, 300*time.Millisecond, 10*time.Millisecond)
}

func TestManager_PingDropsSilentConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// never read, so pings are never answered
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	u, _ := url.Parse(strings.Replace(srv.URL, "http://", "ws://", 1) + Path)

	connected := make(chan struct{}, 1)
	m, err := NewManager(Options{
		Endpoint:     u,
		Sink:         func([]event.Event) {},
		PingInterval: 30 * time.Millisecond,
		OnStateChange: func(s State) {
			if s == Connected {
				connected <- struct{}{}
			}
		},
	})
	require.NoError(t, err)
	h, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer h.Close()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("silent connection was not dropped")
	}
	assert.Equal(t, Disconnected, m.State())
}

func TestManager_StateMetricFollowsLastTransition(t *testing.T) {
	var lastLock sync.Mutex
	var last State
	m, err := NewManager(Options{
		Endpoint: &url.URL{Scheme: "ws", Host: "localhost:4000", Path: Path},
		Sink:     func([]event.Event) {},
		OnStateChange: func(s State) {
			lastLock.Lock()
			defer lastLock.Unlock()
			last = s
		},
	})
	require.NoError(t, err)

	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.setState([]State{Connecting, Connected, Disconnected}[(i+j)%3])
			}
		}(i)
	}
	wg.Wait()

	final := m.State()
	for _, s := range states {
		want := 0.0
		if s == final {
			want = 1
		}
		assert.Equal(t, want, testutil.ToFloat64(metrics.ChannelState.WithLabelValues(s.String())), s.String())
	}
	lastLock.Lock()
	defer lastLock.Unlock()
	assert.Equal(t, final, last)

	// a racing close always wins
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.setState(Connected)
	}()
	go func() {
		defer wg.Done()
		m.setState(Closing)
	}()
	wg.Wait()
	assert.Equal(t, Closing, m.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ChannelState.WithLabelValues(Closing.String())))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ChannelState.WithLabelValues(Connected.String())))
}

func TestNewManager_Validates(t *testing.T) {
	_, err := NewManager(Options{Sink: func([]event.Event) {}})
	assert.Error(t, err)
	_, err = NewManager(Options{Endpoint: &url.URL{Scheme: "ws", Host: "x"}})
	assert.Error(t, err)
}
