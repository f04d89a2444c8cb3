package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
	"github.com/Vic-Dev/flux-capacitor/pkg/metrics"
)

// DefaultMaxMessageBytes caps a single push message, matching the cap on a snapshot body.
const DefaultMaxMessageBytes = 32 << 20

// Sink receives every decoded push message in arrival order.
type Sink func(events []event.Event)

type Options struct {
	Endpoint *url.URL
	Sink     Sink
	// Policy defaults to NoReconnect.
	Policy ReconnectPolicy
	// ConnectTimeout bounds each dial including the handshake. Zero means no limit.
	ConnectTimeout time.Duration
	// PingInterval enables keepalive pings; the connection is dropped when no pong arrives within two intervals.
	PingInterval time.Duration
	// MaxMessageBytes caps a single push message. A larger message drops the connection. Zero means
	// DefaultMaxMessageBytes.
	MaxMessageBytes int64
	Dialer          *websocket.Dialer
	Header          http.Header
	// OnStateChange is called after every transition, in transition order. It must not call Handle.Close.
	OnStateChange func(State)
	// OnReconnect is called once a connection is established after an earlier one dropped. It must not block.
	OnReconnect func()
	Logger      *slog.Logger
}

// Manager owns the single push connection of a session.
type Manager struct {
	opts   Options
	logger *slog.Logger

	// transitions orders state changes together with their metrics and observers
	transitions sync.Mutex
	lock        sync.Mutex
	state       State
	handle      *Handle
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Endpoint == nil {
		return nil, fmt.Errorf("endpoint is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if opts.Policy == nil {
		opts.Policy = NoReconnect{}
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		opts.Dialer = &d
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{opts: opts, logger: logger.With("endpoint", opts.Endpoint.String())}
	m.publish(Disconnected)
	return m, nil
}

func (m *Manager) Endpoint() *url.URL {
	return m.opts.Endpoint
}

func (m *Manager) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Connect starts connecting in the background and returns straight away in the Connecting state. Only one handle
// may be live at a time, and a manager whose handle was closed cannot connect again.
func (m *Manager) Connect(ctx context.Context) (*Handle, error) {
	m.lock.Lock()
	if m.state == Closing {
		m.lock.Unlock()
		return nil, fmt.Errorf("channel is closed")
	}
	if m.handle != nil && !m.handle.finished() {
		m.lock.Unlock()
		return nil, fmt.Errorf("channel is already connected")
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{m: m, cancel: cancel, done: make(chan struct{})}
	m.handle = h
	m.lock.Unlock()

	m.setState(Connecting)
	go h.run(ctx)
	return h, nil
}

func (m *Manager) setState(s State) {
	m.transitions.Lock()
	defer m.transitions.Unlock()

	m.lock.Lock()
	if m.state == s || (m.state == Closing && s != Closing) {
		m.lock.Unlock()
		return
	}
	m.state = s
	m.lock.Unlock()

	m.logger.Info("channel state changed", "state", s.String())
	m.publish(s)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

func (m *Manager) publish(s State) {
	for _, other := range states {
		v := 0.0
		if other == s {
			v = 1
		}
		metrics.ChannelState.WithLabelValues(other.String()).Set(v)
	}
}

// Handle is one live push connection. Close releases it.
type Handle struct {
	m      *Manager
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	lock sync.Mutex
	conn *websocket.Conn
}

// Close tears the connection down and waits for the background loop to exit. It is safe to call more than once
// and in any state, including before the connection was ever established.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.m.setState(Closing)
		h.cancel()

		h.lock.Lock()
		if h.conn != nil {
			_ = h.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(time.Second),
			)
			_ = h.conn.Close()
		}
		h.lock.Unlock()
	})
	<-h.done
	return nil
}

// Done is closed once the connection loop has exited for good.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	defer h.m.setState(Disconnected)

	m := h.m
	attempt := 0
	connectedBefore := false
	for {
		m.setState(Connecting)
		conn, err := h.dial(ctx)
		if err == nil {
			attempt = 0
			m.setState(Connected)
			m.logger.Info("connected")
			if connectedBefore {
				metrics.ChannelReconnects.Inc()
				if m.opts.OnReconnect != nil {
					m.opts.OnReconnect()
				}
			}
			connectedBefore = true
			err = h.read(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		var ce *ChannelError
		if errors.As(err, &ce) {
			metrics.ChannelErrors.WithLabelValues(ce.Op).Inc()
		}
		m.setState(Disconnected)
		m.logger.Error("channel dropped", "err", err)

		attempt++
		delay, ok := m.opts.Policy.Next(attempt)
		if !ok {
			m.logger.Warn("not reconnecting", "attempts", attempt)
			return
		}
		m.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (h *Handle) dial(ctx context.Context) (*websocket.Conn, error) {
	m := h.m
	dialCtx := ctx
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}

	// the handshake read does not watch the context, so closing the raw connection is what aborts it
	dialer := *m.opts.Dialer
	netDial := dialer.NetDialContext
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	var rawLock sync.Mutex
	var raw net.Conn
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := netDial(ctx, network, addr)
		if err == nil {
			rawLock.Lock()
			raw = c
			rawLock.Unlock()
		}
		return c, err
	}
	stop := context.AfterFunc(dialCtx, func() {
		rawLock.Lock()
		defer rawLock.Unlock()
		if raw != nil {
			_ = raw.Close()
		}
	})
	defer stop()

	conn, resp, err := dialer.DialContext(dialCtx, m.opts.Endpoint.String(), m.opts.Header)
	if err != nil {
		ce := &ChannelError{Op: "dial", Err: err}
		if resp != nil {
			ce.Status = resp.StatusCode
		}
		return nil, ce
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if ctx.Err() != nil {
		_ = conn.Close()
		return nil, &ChannelError{Op: "dial", Err: ctx.Err()}
	}
	h.conn = conn
	return conn, nil
}

func (h *Handle) read(ctx context.Context, conn *websocket.Conn) error {
	m := h.m
	defer func() {
		h.lock.Lock()
		h.conn = nil
		h.lock.Unlock()
		_ = conn.Close()
	}()

	conn.SetReadLimit(m.opts.MaxMessageBytes)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if interval := m.opts.PingInterval; interval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * interval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * interval))
		})
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
						return
					}
				case <-stop:
					return
				}
			}
		}()
	}

	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return &ChannelError{Op: "read", Err: err}
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			h.deliver(p)
		default:
		}
	}
}

func (h *Handle) deliver(p []byte) {
	m := h.m
	events, err := event.DecodeBatch(p)
	if err != nil {
		var pe *event.ProtocolError
		reason := "element"
		if errors.As(err, &pe) && pe.Index < 0 {
			reason = "message"
		}
		metrics.DroppedMessages.WithLabelValues(reason).Inc()
		m.logger.Warn("dropping malformed push data", "reason", reason, "err", err)
	}
	if len(events) > 0 {
		m.opts.Sink(events)
	}
}
