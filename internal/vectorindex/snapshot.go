package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/starford/synapse/internal/apperr"
)

// SnapshotVersion is bumped whenever the graph layout changes incompatibly.
const SnapshotVersion = 1

// Snapshot is the serializable form of the graph. Links reference node ids.
type Snapshot struct {
	Version  int            `msgpack:"version"`
	Config   Config         `msgpack:"config"`
	Dims     int            `msgpack:"dims"`
	Entry    string         `msgpack:"entry"`
	MaxLevel int            `msgpack:"max_level"`
	Seq      uint64         `msgpack:"seq"`
	Nodes    []NodeSnapshot `msgpack:"nodes"`
}

// NodeSnapshot is one serialized graph node.
type NodeSnapshot struct {
	ID     string     `msgpack:"id"`
	Seq    uint64     `msgpack:"seq"`
	Level  int        `msgpack:"level"`
	Vector []float32  `msgpack:"vector"`
	Links  [][]string `msgpack:"links"`
}

// Snapshot returns a deep copy of the graph in insertion order.
func (h *Index) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Snapshot{
		Version:  SnapshotVersion,
		Config:   h.cfg,
		Dims:     h.dims,
		Entry:    h.entry,
		MaxLevel: h.maxLevel,
		Seq:      h.seq,
		Nodes:    make([]NodeSnapshot, 0, len(h.nodes)),
	}
	for _, id := range h.idsLocked() {
		n := h.nodes[id]
		links := make([][]string, len(n.links))
		for l := range n.links {
			links[l] = slices.Clone(n.links[l])
		}
		s.Nodes = append(s.Nodes, NodeSnapshot{
			ID:     n.id,
			Seq:    n.seq,
			Level:  n.level,
			Vector: slices.Clone(n.vector),
			Links:  links,
		})
	}
	return s
}

// Restore rebuilds an index from s exactly as it was captured, so queries
// rank identically. A graph that does not hold together fails with
// apperr.ErrIndexCorruption.
func Restore(s Snapshot) (*Index, error) {
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("vectorindex: restore: %w: snapshot version %d, want %d", apperr.ErrIndexCorruption, s.Version, SnapshotVersion)
	}
	h := New(s.Dims, s.Config)
	h.entry = s.Entry
	h.maxLevel = s.MaxLevel
	h.seq = s.Seq
	for _, ns := range s.Nodes {
		n := newNode(ns.ID, ns.Seq, slices.Clone(ns.Vector), max(ns.Level, len(ns.Links)-1))
		n.level = ns.Level
		n.links = ns.Links
		h.nodes[ns.ID] = n
	}
	for _, n := range h.nodes {
		for l, layer := range n.links {
			for _, nid := range layer {
				if nb, ok := h.nodes[nid]; ok && l < len(nb.in) {
					nb.in[l][n.id] = struct{}{}
				}
			}
		}
	}
	if err := h.Check(); err != nil {
		return nil, err
	}
	return h, nil
}

// Check verifies the structural invariants of the graph: every link points
// at a live node of sufficient level and is mirrored in its reverse set, no
// node links to itself, vectors have the index dimension and unit length,
// and the entry point is the highest node.
func (h *Index) Check() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var errs []error
	if len(h.nodes) == 0 {
		if h.entry != "" {
			errs = append(errs, fmt.Errorf("entry point %q in empty graph", h.entry))
		}
		return wrapCorruption(errs)
	}
	top, ok := h.nodes[h.entry]
	switch {
	case !ok:
		errs = append(errs, fmt.Errorf("entry point %q missing", h.entry))
	case top.level != h.maxLevel:
		errs = append(errs, fmt.Errorf("entry point level %d, max level %d", top.level, h.maxLevel))
	}
	for id, n := range h.nodes {
		if n.id != id {
			errs = append(errs, fmt.Errorf("node %q stored under %q", n.id, id))
		}
		if len(n.vector) != h.dims {
			errs = append(errs, fmt.Errorf("node %q has %d dims, want %d", id, len(n.vector), h.dims))
		}
		if norm := math.Sqrt(Dot(n.vector, n.vector)); norm != 0 && math.Abs(norm-1) > 1e-3 {
			errs = append(errs, fmt.Errorf("node %q is not normalized (norm %.4f)", id, norm))
		}
		if n.level > h.maxLevel || len(n.links) != n.level+1 {
			errs = append(errs, fmt.Errorf("node %q has level %d and %d link layers", id, n.level, len(n.links)))
			continue
		}
		for l, layer := range n.links {
			for _, nid := range layer {
				nb, ok := h.nodes[nid]
				switch {
				case nid == id:
					errs = append(errs, fmt.Errorf("node %q links to itself at level %d", id, l))
				case !ok:
					errs = append(errs, fmt.Errorf("node %q links to missing %q at level %d", id, nid, l))
				case nb.level < l:
					errs = append(errs, fmt.Errorf("node %q links to %q above its level %d", id, nid, nb.level))
				default:
					if _, ok := nb.in[l][id]; !ok {
						errs = append(errs, fmt.Errorf("link %q -> %q at level %d missing from reverse set", id, nid, l))
					}
				}
			}
		}
		for l, srcs := range n.in {
			for src := range srcs {
				if s, ok := h.nodes[src]; !ok || l >= len(s.links) || !slices.Contains(s.links[l], id) {
					errs = append(errs, fmt.Errorf("reverse set of %q holds stale %q at level %d", id, src, l))
				}
			}
		}
	}
	return wrapCorruption(errs)
}

func wrapCorruption(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("vectorindex: %w: %w", apperr.ErrIndexCorruption, errors.Join(errs...))
}
