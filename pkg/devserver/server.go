// Package devserver is a small backend for local development and tests. It serves the notes and event log read
// endpoints and pushes every change over /websocket in the same record format.
package devserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
)

const subscriberBuffer = 64

type Server struct {
	database    *sql.DB
	logger      *slog.Logger
	subscribers *xsync.MapOf[string, *subscriber]
	upgrader    websocket.Upgrader
	// mutations are serialised so sequence order and broadcast order agree
	writeLock sync.Mutex
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

// Open opens (or creates) the sqlite database at path. Use ":memory:" for a throwaway server.
func Open(path string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and writes ordered
	db.SetMaxOpenConns(1)
	s := &Server{
		database:    db,
		logger:      logger,
		subscribers: xsync.NewMapOf[string, *subscriber](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	return s, nil
}

// Close disconnects every subscriber and closes the database.
func (s *Server) Close() error {
	s.subscribers.Range(func(id string, sub *subscriber) bool {
		_ = sub.conn.Close()
		return true
	})
	return s.database.Close()
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/api/events").HandlerFunc(s.getEvents)
	r.Methods(http.MethodGet).Path("/api/notes").HandlerFunc(s.getNotes)
	r.Methods(http.MethodPost).Path("/api/notes").HandlerFunc(s.createNote)
	r.Methods(http.MethodPut, http.MethodPatch).Path("/api/notes/{id}").HandlerFunc(s.updateNote)
	r.Methods(http.MethodDelete).Path("/api/notes/{id}").HandlerFunc(s.deleteNote)
	r.Methods(http.MethodGet).Path("/websocket").HandlerFunc(s.subscribe)
	return r
}

func parseOrder(request *http.Request) (bool, error) {
	switch strings.ToUpper(request.URL.Query().Get("order")) {
	case "", "DESC":
		return true, nil
	case "ASC":
		return false, nil
	default:
		return false, fmt.Errorf("invalid order")
	}
}

func writeJSON(writer http.ResponseWriter, status int, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) getEvents(writer http.ResponseWriter, request *http.Request) {
	desc, err := parseOrder(request)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := request.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			http.Error(writer, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	events, err := s.listEvents(request.Context(), limit, desc)
	if err != nil {
		s.logger.Error("failed to list events", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusOK, events)
}

func (s *Server) getNotes(writer http.ResponseWriter, request *http.Request) {
	desc, err := parseOrder(request)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	notes, err := s.listNotes(request.Context(), desc)
	if err != nil {
		s.logger.Error("failed to list notes", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusOK, notes)
}

type noteInput struct {
	Title *string `json:"title,omitempty"`
	Text  *string `json:"text,omitempty"`
}

func (s *Server) createNote(writer http.ResponseWriter, request *http.Request) {
	var in noteInput
	if err := json.NewDecoder(request.Body).Decode(&in); err != nil {
		http.Error(writer, "invalid body", http.StatusBadRequest)
		return
	}
	n := note{ID: uuid.NewString()}
	if in.Title != nil {
		n.Title = *in.Title
	}
	if in.Text != nil {
		n.Text = *in.Text
	}

	s.mutate(writer, request, event.TypeNoteCreated, n.ID, noteInput{Title: &n.Title, Text: &n.Text}, func(tx *sql.Tx, seq int64) error {
		_, err := tx.ExecContext(request.Context(),
			`INSERT INTO notes (id, title, text, created_seq) VALUES (?, ?, ?, ?)`, n.ID, n.Title, n.Text, seq)
		return err
	}, http.StatusCreated, n)
}

func (s *Server) updateNote(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	var in noteInput
	if err := json.NewDecoder(request.Body).Decode(&in); err != nil {
		http.Error(writer, "invalid body", http.StatusBadRequest)
		return
	}
	s.mutate(writer, request, event.TypeNoteUpdated, id, in, func(tx *sql.Tx, seq int64) error {
		return requireRow(tx.ExecContext(request.Context(),
			`UPDATE notes SET title = COALESCE(?, title), text = COALESCE(?, text) WHERE id = ?`, in.Title, in.Text, id))
	}, http.StatusNoContent, nil)
}

func (s *Server) deleteNote(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	s.mutate(writer, request, event.TypeNoteDeleted, id, struct{}{}, func(tx *sql.Tx, seq int64) error {
		return requireRow(tx.ExecContext(request.Context(), `DELETE FROM notes WHERE id = ?`, id))
	}, http.StatusNoContent, nil)
}

func (s *Server) mutate(writer http.ResponseWriter, request *http.Request, typ, id string, payload interface{}, apply mutation, status int, body interface{}) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	events, err := s.appendEvent(request.Context(), typ, id, payload, apply)
	if errors.Is(err, errNoteNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		s.logger.Error("failed to append event", "type", typ, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.broadcast(events)

	if body == nil {
		writer.WriteHeader(status)
		return
	}
	writeJSON(writer, status, body)
}

func (s *Server) broadcast(events []event.Event) {
	raw, err := json.Marshal(events)
	if err != nil {
		s.logger.Error("failed to encode broadcast", "err", err)
		return
	}
	s.subscribers.Range(func(id string, sub *subscriber) bool {
		select {
		case sub.send <- raw:
		default:
			s.logger.Warn("subscriber too slow, disconnecting", "subscriber", id)
			_ = sub.conn.Close()
		}
		return true
	})
}

func (s *Server) subscribe(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	sub := &subscriber{id: uuid.NewString(), conn: conn, send: make(chan []byte, subscriberBuffer)}
	s.subscribers.Store(sub.id, sub)
	s.logger.Info("subscribed", "subscriber", sub.id, "subscribers", s.subscribers.Size())

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range sub.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = conn.Close()
				// keep draining so broadcast never blocks on a dead subscriber
				continue
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.writeLock.Lock()
	s.subscribers.Delete(sub.id)
	sub.close()
	s.writeLock.Unlock()
	wg.Wait()
	_ = conn.Close()
	s.logger.Info("unsubscribed", "subscriber", sub.id)
}

// Subscribers is the number of connected push clients.
func (s *Server) Subscribers() int {
	return s.subscribers.Size()
}
