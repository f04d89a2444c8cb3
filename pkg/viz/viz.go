package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/Vic-Dev/flux-capacitor/pkg/store"
)

// RenderState draws the event log as a chain in application order, with an edge from each log entry to the note
// it touched when that note still exists.
func RenderState(s store.State, format graphviz.Format) ([]byte, error) {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return nil, fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	notes := make(map[string]*cgraph.Node, len(s.Notes))
	for _, n := range s.Notes {
		node, err := graph.CreateNode("note:" + n.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		node.SetLabel(fmt.Sprintf("%s\n%s", shortID(n.ID), n.Title))
		node.SetShape(cgraph.BoxShape)
		notes[n.ID] = node
	}

	var prev *cgraph.Node
	for i, l := range s.Log {
		node, err := graph.CreateNode("log:" + l.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		node.SetLabel(fmt.Sprintf("#%d %s", l.Seq, l.Kind))
		if prev != nil {
			if _, err := graph.CreateEdge(fmt.Sprintf("seq%d", i), prev, node); err != nil {
				return nil, fmt.Errorf("failed to create edge: %w", err)
			}
		}
		prev = node

		if target, ok := notes[touchedNote(l)]; ok {
			e, err := graph.CreateEdge(fmt.Sprintf("touch%d", i), node, target)
			if err != nil {
				return nil, fmt.Errorf("failed to create edge: %w", err)
			}
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, format, &buff); err != nil {
		return nil, fmt.Errorf("failed to render: %w", err)
	}
	return buff.Bytes(), nil
}

func RenderToTemp(s store.State) (string, error) {
	raw, err := RenderState(s, graphviz.SVG)
	if err != nil {
		return "", err
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := os.WriteFile(tf, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write: %w", err)
	}
	return tf, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func touchedNote(l store.LogEntry) string {
	var inner struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(l.Payload, &inner); err != nil {
		return ""
	}
	return inner.ID
}
