package store

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// ExportDoc writes s into a fresh automerge document with two lists, "notes" and "log", preserving order.
func ExportDoc(s State) (*automerge.Doc, error) {
	doc := automerge.New()

	notes := make([]interface{}, 0, len(s.Notes))
	for _, n := range s.Notes {
		notes = append(notes, map[string]interface{}{"id": n.ID, "title": n.Title, "text": n.Text})
	}
	if err := doc.Path("notes").Set(notes); err != nil {
		return nil, fmt.Errorf("failed to set notes: %w", err)
	}

	log := make([]interface{}, 0, len(s.Log))
	for _, l := range s.Log {
		log = append(log, map[string]interface{}{"id": l.ID, "seq": l.Seq, "kind": l.Kind, "payload": string(l.Payload)})
	}
	if err := doc.Path("log").Set(log); err != nil {
		return nil, fmt.Errorf("failed to set log: %w", err)
	}

	if _, err := doc.Commit("export", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit doc: %w", err)
	}
	return doc, nil
}

// ImportDoc reads back a document written by ExportDoc.
func ImportDoc(doc *automerge.Doc) (State, error) {
	var s State

	notes := doc.Path("notes").List()
	for i := 0; i < notes.Len(); i++ {
		var n Note
		var err error
		if n.ID, err = automerge.As[string](doc.Path("notes", i, "id").Get()); err != nil {
			return State{}, fmt.Errorf("failed to read note %d: %w", i, err)
		}
		if n.Title, err = automerge.As[string](doc.Path("notes", i, "title").Get()); err != nil {
			return State{}, fmt.Errorf("failed to read note %d: %w", i, err)
		}
		if n.Text, err = automerge.As[string](doc.Path("notes", i, "text").Get()); err != nil {
			return State{}, fmt.Errorf("failed to read note %d: %w", i, err)
		}
		s.Notes = append(s.Notes, n)
	}

	log := doc.Path("log").List()
	for i := 0; i < log.Len(); i++ {
		var l LogEntry
		var err error
		if l.ID, err = automerge.As[string](doc.Path("log", i, "id").Get()); err != nil {
			return State{}, fmt.Errorf("failed to read log entry %d: %w", i, err)
		}
		if l.Seq, err = automerge.As[int64](doc.Path("log", i, "seq").Get()); err != nil {
			return State{}, fmt.Errorf("failed to read log entry %d: %w", i, err)
		}
		if l.Kind, err = automerge.As[string](doc.Path("log", i, "kind").Get()); err != nil {
			return State{}, fmt.Errorf("failed to read log entry %d: %w", i, err)
		}
		payload, err := automerge.As[string](doc.Path("log", i, "payload").Get())
		if err != nil {
			return State{}, fmt.Errorf("failed to read log entry %d: %w", i, err)
		}
		if payload != "" {
			l.Payload = []byte(payload)
		}
		s.Log = append(s.Log, l)
	}
	return s, nil
}
