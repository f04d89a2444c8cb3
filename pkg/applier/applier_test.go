package applier

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
	"github.com/Vic-Dev/flux-capacitor/pkg/store"
)

func decode(t *testing.T, raw string) []event.Event {
	t.Helper()
	events, err := event.DecodeBatch([]byte(raw))
	require.NoError(t, err)
	return events
}

func names(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.String()
	}
	return out
}

func TestApply_SequenceIsConcatenationOfMessages(t *testing.T) {
	a, err := New(store.NewMemory(), 0, nil)
	require.NoError(t, err)

	messages := []string{
		`[{"type":"EVENT_LOGGED","id":1},{"type":"EVENT_LOGGED","id":2}]`,
		`[]`,
		`[{"type":"NOTE_CREATED","id":"a"}]`,
		`[{"type":"NOTE_UPDATED","id":"a","payload":{"text":"x"}},{"type":"FUTURE_THING","id":"z"},{"type":"NOTE_DELETED","id":"a"}]`,
	}
	var want []string
	for _, m := range messages {
		events := decode(t, m)
		want = append(want, names(events)...)
		a.Apply(events)
	}
	assert.Equal(t, want, names(a.Sequence()))
	assert.Equal(t, len(want), a.Len())
}

func TestApply_SkipsDuplicateSequenceNumbers(t *testing.T) {
	st := store.NewMemory()
	a, err := New(st, 16, nil)
	require.NoError(t, err)

	batch := decode(t, `[{"type":"NOTE_CREATED","id":"a","seq":1},{"type":"EVENT_LOGGED","id":"1","seq":1}]`)
	assert.Equal(t, 2, a.Apply(batch))
	before := st.State()
	assert.Equal(t, 0, a.Apply(batch))
	assert.Equal(t, before, st.State())
	assert.Len(t, a.Sequence(), 2)

	// unsequenced events are never filtered
	plain := decode(t, `[{"type":"NOTE_CREATED","id":"b"}]`)
	a.Apply(plain)
	a.Apply(plain)
	assert.Equal(t, 4, a.Len())
	assert.Len(t, st.State().Notes, 2)
}

type recordingStore struct {
	lock   sync.Mutex
	events []event.Event
}

func (r *recordingStore) Dispatch(e event.Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingStore) Subscribe(store.Listener) func() { return func() {} }

func TestApply_BatchesDoNotInterleave(t *testing.T) {
	rs := &recordingStore{}
	a, err := New(rs, 0, nil)
	require.NoError(t, err)

	const sources = 8
	const perBatch = 50
	wg := new(sync.WaitGroup)
	for s := 0; s < sources; s++ {
		batch := make([]event.Event, perBatch)
		for i := range batch {
			batch[i] = event.Event{Type: "T", ID: fmt.Sprintf("%d-%d", s, i)}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Apply(batch)
		}()
	}
	wg.Wait()

	require.Len(t, rs.events, sources*perBatch)
	for start := 0; start < len(rs.events); start += perBatch {
		var src int
		_, err := fmt.Sscanf(rs.events[start].ID, "%d-0", &src)
		require.NoError(t, err)
		for i := 0; i < perBatch; i++ {
			assert.Equal(t, fmt.Sprintf("%d-%d", src, i), rs.events[start+i].ID)
		}
	}
	assert.Equal(t, rs.events, a.Sequence())
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, 0, nil)
	assert.Error(t, err)
}
