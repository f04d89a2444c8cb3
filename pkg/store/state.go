package store

import (
	"encoding/json"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
)

// LogEntry is one row of the event log view.
type LogEntry struct {
	ID      string          `json:"id"`
	Seq     int64           `json:"seq,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Note struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// State is the whole client-side view. Values are never modified in place by the reducers, so a State handed to a
// listener stays valid after later dispatches.
type State struct {
	Log   []LogEntry `json:"log"`
	Notes []Note     `json:"notes"`
}

func (s State) Note(id string) (Note, bool) {
	if i := s.noteIndex(id); i >= 0 {
		return s.Notes[i], true
	}
	return Note{}, false
}

func (s State) noteIndex(id string) int {
	for i, n := range s.Notes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s State) logIndex(id string) int {
	for i, l := range s.Log {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// Reducer maps the current state and one event to the next state. Reducers must not modify their input.
type Reducer func(State, event.Event) State

var reducers = map[string]Reducer{
	event.TypeEventLogged: reduceEventLogged,
	event.TypeNoteCreated: reduceNoteCreated,
	event.TypeNoteUpdated: reduceNoteUpdated,
	event.TypeNoteDeleted: reduceNoteDeleted,

	event.TypeNotesRetained: reduceNotesRetained,
}

// Reduce applies e to s. Unknown discriminators leave s unchanged.
func Reduce(s State, e event.Event) State {
	r, ok := reducers[e.Type]
	if !ok {
		return s
	}
	return r(s, e)
}

func reduceEventLogged(s State, e event.Event) State {
	if e.ID == "" {
		return s
	}
	var inner struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(e.Payload, &inner)
	entry := LogEntry{ID: e.ID, Seq: e.Seq, Kind: inner.Type, Payload: e.Payload}

	log := make([]LogEntry, len(s.Log), len(s.Log)+1)
	copy(log, s.Log)
	if i := s.logIndex(e.ID); i >= 0 {
		log[i] = entry
	} else {
		log = append(log, entry)
	}
	s.Log = log
	return s
}

type notePayload struct {
	Title *string `json:"title"`
	Text  *string `json:"text"`
}

func upsertNote(s State, e event.Event, replace bool) State {
	if e.ID == "" {
		return s
	}
	var p notePayload
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return s
		}
	}

	notes := make([]Note, len(s.Notes), len(s.Notes)+1)
	copy(notes, s.Notes)
	i := s.noteIndex(e.ID)
	n := Note{ID: e.ID}
	if i >= 0 && !replace {
		n = notes[i]
	}
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Text != nil {
		n.Text = *p.Text
	}
	if i >= 0 {
		notes[i] = n
	} else {
		notes = append(notes, n)
	}
	s.Notes = notes
	return s
}

func reduceNoteCreated(s State, e event.Event) State {
	return upsertNote(s, e, true)
}

// updates to notes we have not seen yet are treated as creations
func reduceNoteUpdated(s State, e event.Event) State {
	return upsertNote(s, e, false)
}

func reduceNoteDeleted(s State, e event.Event) State {
	i := s.noteIndex(e.ID)
	if i < 0 {
		return s
	}
	notes := make([]Note, 0, len(s.Notes)-1)
	notes = append(notes, s.Notes[:i]...)
	notes = append(notes, s.Notes[i+1:]...)
	s.Notes = notes
	return s
}

// RetainedNotes is the payload of a NOTES_RETAINED event.
type RetainedNotes struct {
	IDs []string `json:"ids"`
}

func reduceNotesRetained(s State, e event.Event) State {
	var p struct {
		IDs *[]string `json:"ids"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.IDs == nil {
		return s
	}
	keep := make(map[string]struct{}, len(*p.IDs))
	for _, id := range *p.IDs {
		keep[id] = struct{}{}
	}
	notes := make([]Note, 0, len(s.Notes))
	for _, n := range s.Notes {
		if _, ok := keep[n.ID]; ok {
			notes = append(notes, n)
		}
	}
	if len(notes) == len(s.Notes) {
		return s
	}
	s.Notes = notes
	return s
}
