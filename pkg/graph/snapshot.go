package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// EnvGraphPath names the environment variable overriding the snapshot path.
const EnvGraphPath = "WILLOW_GRAPH_PATH"

// DefaultSnapshotPath resolves the on-disk snapshot location:
// $WILLOW_GRAPH_PATH when set, otherwise $HOME/.willow/graph.json.
func DefaultSnapshotPath() string {
	if p := os.Getenv(EnvGraphPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// Last resort: relative to the working directory.
		return filepath.Join(".willow", "graph.json")
	}
	return filepath.Join(home, ".willow", "graph.json")
}

// snapshotNode is the wire form of a [Node] in the snapshot file. ParentID is
// an explicit nullable so the root serialises as "parent_id": null.
type snapshotNode struct {
	ID        string            `json:"id"`
	NodeType  NodeType          `json:"node_type"`
	Content   string            `json:"content"`
	ParentID  *string           `json:"parent_id"`
	Children  []string          `json:"children"`
	Metadata  map[string]string `json:"metadata"`
	Temporal  *Temporal         `json:"temporal"`
	History   []Revision        `json:"history,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// snapshotLink is the wire form of a [Link] in the snapshot file.
type snapshotLink struct {
	ID            string    `json:"id"`
	FromNode      string    `json:"from_node"`
	ToNode        string    `json:"to_node"`
	Relation      Relation  `json:"relation"`
	Bidirectional bool      `json:"bidirectional,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// snapshotFile is the full snapshot document.
type snapshotFile struct {
	RootID string                  `json:"root_id"`
	Nodes  map[string]snapshotNode `json:"nodes"`
	Links  map[string]snapshotLink `json:"links"`
}

// EncodeSnapshot serialises g into the snapshot wire format.
func EncodeSnapshot(g *Graph) ([]byte, error) {
	doc := snapshotFile{
		RootID: g.RootID,
		Nodes:  make(map[string]snapshotNode, len(g.Nodes)),
		Links:  make(map[string]snapshotLink, len(g.Links)),
	}
	for id, n := range g.Nodes {
		sn := snapshotNode{
			ID:        n.ID,
			NodeType:  n.Type,
			Content:   n.Content,
			Children:  n.Children,
			Metadata:  n.Metadata,
			Temporal:  n.Temporal,
			History:   n.History,
			CreatedAt: n.CreatedAt,
			UpdatedAt: n.UpdatedAt,
		}
		if sn.Children == nil {
			sn.Children = []string{}
		}
		if sn.Metadata == nil {
			sn.Metadata = map[string]string{}
		}
		if !n.IsRoot() {
			parent := n.ParentID
			sn.ParentID = &parent
		}
		doc.Nodes[id] = sn
	}
	for id, l := range g.Links {
		doc.Links[id] = snapshotLink{
			ID:            l.ID,
			FromNode:      l.FromNode,
			ToNode:        l.ToNode,
			Relation:      l.Relation,
			Bidirectional: l.Bidirectional,
			Confidence:    l.Confidence,
			CreatedAt:     l.CreatedAt,
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// toGraph converts the wire document into the in-memory arena form.
func (doc *snapshotFile) toGraph() *Graph {
	g := &Graph{
		RootID: doc.RootID,
		Nodes:  make(map[string]*Node, len(doc.Nodes)),
		Links:  make(map[string]*Link, len(doc.Links)),
	}
	for id, sn := range doc.Nodes {
		n := &Node{
			ID:        sn.ID,
			Type:      sn.NodeType,
			Content:   sn.Content,
			Children:  sn.Children,
			Metadata:  sn.Metadata,
			Temporal:  sn.Temporal,
			History:   sn.History,
			CreatedAt: sn.CreatedAt,
			UpdatedAt: sn.UpdatedAt,
		}
		if sn.ParentID != nil {
			n.ParentID = *sn.ParentID
		}
		if n.Children == nil {
			n.Children = []string{}
		}
		if len(n.Metadata) == 0 {
			n.Metadata = nil
		}
		g.Nodes[id] = n
	}
	for id, sl := range doc.Links {
		g.Links[id] = &Link{
			ID:            sl.ID,
			FromNode:      sl.FromNode,
			ToNode:        sl.ToNode,
			Relation:      sl.Relation,
			Bidirectional: sl.Bidirectional,
			Confidence:    sl.Confidence,
			CreatedAt:     sl.CreatedAt,
		}
	}
	return g
}

// DecodeSnapshot parses data from the snapshot wire format and validates
// every graph invariant before returning.
func DecodeSnapshot(data []byte) (*Graph, error) {
	var doc snapshotFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("graph: decode snapshot: %w", err)
	}
	g := doc.toGraph()
	if err := Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

// DecodeSnapshotUnchecked parses data without invariant validation. The
// maintenance pre-scan needs this: its whole job is to inspect graphs that
// may be broken, which the checked decoder refuses to return.
func DecodeSnapshotUnchecked(data []byte) (*Graph, error) {
	var doc snapshotFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("graph: decode snapshot: %w", err)
	}
	return doc.toGraph(), nil
}

// LoadSnapshotUnchecked reads the snapshot at path without invariant
// validation. See [DecodeSnapshotUnchecked].
func LoadSnapshotUnchecked(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewGraph(time.Now().UTC()), nil
		}
		return nil, fmt.Errorf("graph: read snapshot %q: %w", path, err)
	}
	return DecodeSnapshotUnchecked(data)
}

// LoadSnapshot reads the snapshot at path. A missing file yields a fresh
// graph containing only the root, so first-run works without setup.
func LoadSnapshot(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewGraph(time.Now().UTC()), nil
		}
		return nil, fmt.Errorf("graph: read snapshot %q: %w", path, err)
	}
	g, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("graph: snapshot %q: %w", path, err)
	}
	return g, nil
}

// SaveSnapshot writes g to path atomically: the document is written to a
// temporary file in the same directory and renamed into place, so concurrent
// readers never observe a torn file.
func SaveSnapshot(path string, g *Graph) error {
	data, err := EncodeSnapshot(g)
	if err != nil {
		return fmt.Errorf("graph: encode snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("graph: create snapshot dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".graph-*.json")
	if err != nil {
		return fmt.Errorf("graph: create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("graph: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("graph: close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("graph: rename snapshot into place: %w", err)
	}
	return nil
}
