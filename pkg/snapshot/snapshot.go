package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
	"github.com/Vic-Dev/flux-capacitor/pkg/metrics"
)

type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

const DefaultLimit = 50

const maxBodyBytes = 32 << 20

// ErrBodyTooLarge is wrapped by the FetchError of a response larger than the loader accepts.
var ErrBodyTooLarge = errors.New("response body too large")

// Params shape the bulk read. A zero Limit leaves the result count to the server; an empty Order means DESC.
type Params struct {
	Limit int
	Order Order
}

func (p Params) validate() (Params, error) {
	if p.Order == "" {
		p.Order = OrderDesc
	}
	if p.Order != OrderAsc && p.Order != OrderDesc {
		return p, fmt.Errorf("invalid order %q", p.Order)
	}
	if p.Limit < 0 {
		return p, fmt.Errorf("invalid limit %d", p.Limit)
	}
	return p, nil
}

// Resource is one bulk-read endpoint. Records it returns without a discriminator become DefaultType events.
type Resource struct {
	Name        string
	Path        string
	DefaultType string
	Params      Params
}

var (
	Events = Resource{Name: "events", Path: "/api/events", Params: Params{Limit: DefaultLimit, Order: OrderDesc}}
	Notes  = Resource{Name: "notes", Path: "/api/notes", DefaultType: event.TypeNoteCreated, Params: Params{Order: OrderDesc}}
)

// Snapshot is the ordered result of one bulk read.
type Snapshot struct {
	Resource string
	Events   []event.Event
}

// FetchError is returned when a snapshot could not be loaded. Status is zero for transport failures.
type FetchError struct {
	Resource string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	msg := "failed to fetch " + e.Resource
	if e.Status != 0 {
		msg += ": status " + strconv.Itoa(e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Loader struct {
	base    *url.URL
	client  *http.Client
	logger  *slog.Logger
	maxBody int64
}

func NewLoader(base *url.URL, client *http.Client, logger *slog.Logger) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{base: base, client: client, logger: logger, maxBody: maxBodyBytes}
}

// URL is the request url for res with params applied.
func (l *Loader) URL(res Resource, params Params) (*url.URL, error) {
	params, err := params.validate()
	if err != nil {
		return nil, err
	}
	u := l.base.JoinPath(res.Path)
	q := u.Query()
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	q.Set("order", string(params.Order))
	u.RawQuery = q.Encode()
	return u, nil
}

// Load performs one bulk read of res. Individually malformed records are logged and skipped; a failed request or
// an undecodable body fails the whole snapshot with a *FetchError.
func (l *Loader) Load(ctx context.Context, res Resource, params Params) (Snapshot, error) {
	start := time.Now()
	snap, err := l.load(ctx, res, params)
	metrics.SnapshotDuration.WithLabelValues(res.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SnapshotFetches.WithLabelValues(res.Name, "error").Inc()
		return Snapshot{}, err
	}
	metrics.SnapshotFetches.WithLabelValues(res.Name, "ok").Inc()
	return snap, nil
}

func (l *Loader) load(ctx context.Context, res Resource, params Params) (Snapshot, error) {
	u, err := l.URL(res, params)
	if err != nil {
		return Snapshot{}, &FetchError{Resource: res.Name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Snapshot{}, &FetchError{Resource: res.Name, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	l.logger.Info("loading snapshot", "resource", res.Name, "url", u.String())
	resp, err := l.client.Do(req)
	if err != nil {
		return Snapshot{}, &FetchError{Resource: res.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Snapshot{}, &FetchError{Resource: res.Name, Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBody+1))
	if err != nil {
		return Snapshot{}, &FetchError{Resource: res.Name, Status: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if int64(len(raw)) > l.maxBody {
		return Snapshot{}, &FetchError{Resource: res.Name, Status: resp.StatusCode, Err: fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, l.maxBody)}
	}

	events, err := event.DecodeRecords(raw, res.DefaultType)
	if err != nil {
		var pe *event.ProtocolError
		if errors.As(err, &pe) && pe.Index < 0 {
			return Snapshot{}, &FetchError{Resource: res.Name, Status: resp.StatusCode, Err: err}
		}
		l.logger.Warn("dropped malformed snapshot records", "resource", res.Name, "err", err)
		metrics.DroppedMessages.WithLabelValues("snapshot_record").Inc()
	}

	l.logger.Info("loaded snapshot", "resource", res.Name, "events", len(events))
	return Snapshot{Resource: res.Name, Events: events}, nil
}
