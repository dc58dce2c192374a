// Package vectorindex provides an HNSW approximate nearest neighbour index
// over note embeddings, keyed by note id and ranked by cosine similarity.
package vectorindex

import (
	"cmp"
	"container/heap"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/starford/synapse/internal/apperr"
)

// maxLevel caps the layer count; 2^16 notes per layer-1 node is far beyond the corpus sizes served.
const maxLevel = 16

// efPerLog2 scales the query candidate list with the graph size: a query
// explores at least efPerLog2*log2(N) candidates, whatever EfSearch says.
const efPerLog2 = 16

// Config contains the HNSW construction and search parameters.
type Config struct {
	M              int `json:"m" yaml:"m" msgpack:"m"`                                           // Max links per node on upper layers; layer 0 holds 2*M
	EfConstruction int `json:"ef_construction" yaml:"ef_construction" msgpack:"ef_construction"` // Candidate list size during insert
	EfSearch       int `json:"ef_search" yaml:"ef_search" msgpack:"ef_search"`                   // Minimum candidate list size during query
}

// DefaultConfig returns sensible defaults for corpora up to tens of thousands of notes.
func DefaultConfig() Config {
	return Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.M <= 1 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	return c
}

// Result is one query hit.
type Result struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

type node struct {
	id     string
	seq    uint64
	vector []float32 // unit length unless the input was the zero vector
	level  int
	links  [][]string
	in     []map[string]struct{} // per level, the nodes linking here
}

func newNode(id string, seq uint64, vector []float32, level int) *node {
	n := &node{
		id:     id,
		seq:    seq,
		vector: vector,
		level:  level,
		links:  make([][]string, level+1),
		in:     make([]map[string]struct{}, level+1),
	}
	for l := range n.in {
		n.in[l] = make(map[string]struct{})
	}
	return n
}

// Index is an HNSW graph. Nodes reference each other by id, never by
// pointer, so the graph serializes as-is and removal only touches the local
// neighbourhood.
type Index struct {
	mu       sync.RWMutex
	cfg      Config
	mult     float64
	dims     int
	nodes    map[string]*node
	entry    string
	maxLevel int
	seq      uint64
}

// New creates an empty index. dims may be zero, in which case the first
// inserted vector fixes the dimension.
func New(dims int, cfg Config) *Index {
	cfg = cfg.withDefaults()
	return &Index{
		cfg:   cfg,
		mult:  1 / math.Log(float64(cfg.M)),
		dims:  dims,
		nodes: make(map[string]*node),
	}
}

// Config returns the parameters in use.
func (h *Index) Config() Config {
	return h.cfg
}

// Dims returns the vector dimension, zero while unset.
func (h *Index) Dims() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dims
}

// Len returns the number of live vectors.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Has reports whether id has a vector.
func (h *Index) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.nodes[id]
	return ok
}

// Vector returns a copy of the normalized vector stored for id.
func (h *Index) Vector(id string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(n.vector), true
}

// IDs returns the ids in insertion order.
func (h *Index) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idsLocked()
}

func (h *Index) idsLocked() []string {
	ns := make([]*node, 0, len(h.nodes))
	for _, n := range h.nodes {
		ns = append(ns, n)
	}
	slices.SortFunc(ns, func(a, b *node) int { return cmp.Compare(a.seq, b.seq) })
	ids := make([]string, len(ns))
	for i, n := range ns {
		ids[i] = n.id
	}
	return ids
}

// Insert adds vec under id, replacing any previous vector for id. Inserting
// an identical vector again leaves the graph untouched.
func (h *Index) Insert(id string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("vectorindex: insert %s: %w: empty vector", id, apperr.ErrInvalidInput)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dims == 0 {
		h.dims = len(vec)
	}
	if len(vec) != h.dims {
		return fmt.Errorf("vectorindex: insert %s: %w: got %d, want %d", id, apperr.ErrDimensionMismatch, len(vec), h.dims)
	}

	normalized := Normalize(vec)
	if old, ok := h.nodes[id]; ok {
		if slices.Equal(old.vector, normalized) {
			return nil
		}
		h.removeLocked(id)
	}
	h.seq++
	h.insertLocked(newNode(id, h.seq, normalized, h.levelFor(id)))
	return nil
}

func (h *Index) insertLocked(n *node) {
	h.nodes[n.id] = n

	if h.entry == "" {
		h.entry = n.id
		h.maxLevel = n.level
		return
	}

	ep := h.entry
	for l := h.maxLevel; l > n.level; l-- {
		ep = h.greedy(n.vector, ep, l)
	}

	for l := min(n.level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(n.vector, []string{ep}, h.cfg.EfConstruction, l)
		h.setLinks(n, l, h.selectNeighbors(n.vector, candidates, h.maxLinks(l)))

		for _, nid := range n.links[l] {
			nb := h.nodes[nid]
			next := append(slices.Clone(nb.links[l]), n.id)
			if len(next) > h.maxLinks(l) {
				next = h.selectNeighbors(nb.vector, h.scored(nb.vector, next), h.maxLinks(l))
			}
			h.setLinks(nb, l, next)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if n.level > h.maxLevel {
		h.entry = n.id
		h.maxLevel = n.level
	}
}

// setLinks replaces the level-l links of n and keeps the reverse sets in step.
func (h *Index) setLinks(n *node, l int, links []string) {
	for _, old := range n.links[l] {
		if nb, ok := h.nodes[old]; ok {
			delete(nb.in[l], n.id)
		}
	}
	n.links[l] = links
	for _, nid := range links {
		h.nodes[nid].in[l][n.id] = struct{}{}
	}
}

// Remove deletes id from the graph. Nodes that pointed at it are reconnected
// through its former neighbours so the graph stays navigable. Only those
// nodes are visited.
func (h *Index) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *Index) removeLocked(id string) {
	gone, ok := h.nodes[id]
	if !ok {
		return
	}
	delete(h.nodes, id)

	for l, layer := range gone.links {
		for _, nid := range layer {
			delete(h.nodes[nid].in[l], id)
		}
	}
	for l := range gone.in {
		for _, src := range slices.Sorted(maps.Keys(gone.in[l])) {
			n := h.nodes[src]
			pool := slices.DeleteFunc(slices.Clone(n.links[l]), func(s string) bool { return s == id })
			for _, cid := range gone.links[l] {
				if cid != n.id && !slices.Contains(pool, cid) {
					pool = append(pool, cid)
				}
			}
			h.setLinks(n, l, h.selectNeighbors(n.vector, h.scored(n.vector, pool), h.maxLinks(l)))
		}
	}

	if h.entry == id {
		h.entry = ""
		h.maxLevel = 0
		for _, n := range h.nodes {
			if h.entry == "" || n.level > h.maxLevel || (n.level == h.maxLevel && n.id < h.entry) {
				h.entry = n.id
				h.maxLevel = n.level
			}
		}
	}
}

// Query returns up to k nearest vectors to vec by descending cosine
// similarity, ties broken by ascending id. Ids listed in exclude never appear.
func (h *Index) Query(vec []float32, k int, exclude ...string) ([]Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k <= 0 || len(h.nodes) == 0 {
		return []Result{}, nil
	}
	if len(vec) != h.dims {
		return nil, fmt.Errorf("vectorindex: query: %w: got %d, want %d", apperr.ErrDimensionMismatch, len(vec), h.dims)
	}

	q := Normalize(vec)
	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedy(q, ep, l)
	}
	ef := h.efFor(k + len(exclude))
	candidates := h.searchLayer(q, []string{ep}, ef, 0)

	out := make([]Result, 0, min(k, len(candidates)))
	for _, c := range candidates {
		if slices.Contains(exclude, c.id) {
			continue
		}
		out = append(out, Result{ID: c.id, Similarity: 1 - c.dist})
	}
	sortResults(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Rebuild reconstructs the graph from the live vectors in insertion order.
// It is a maintenance operation; single-note updates never need it.
func (h *Index) Rebuild() {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := h.idsLocked()
	old := h.nodes
	h.nodes = make(map[string]*node, len(old))
	h.entry = ""
	h.maxLevel = 0
	for _, id := range ids {
		o := old[id]
		h.insertLocked(newNode(o.id, o.seq, o.vector, o.level))
	}
}

// Reset drops every vector and forgets the dimension.
func (h *Index) Reset(dims int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dims = dims
	h.nodes = make(map[string]*node)
	h.entry = ""
	h.maxLevel = 0
	h.seq = 0
}

// efFor returns the candidate list size of a query for k results.
func (h *Index) efFor(k int) int {
	scaled := int(math.Ceil(efPerLog2 * math.Log2(float64(len(h.nodes)+1))))
	return max(h.cfg.EfSearch, k, scaled)
}

func (h *Index) maxLinks(level int) int {
	if level == 0 {
		return 2 * h.cfg.M
	}
	return h.cfg.M
}

// levelFor draws the node level from a hash of the id, so the same
// insertion sequence always yields the same graph.
func (h *Index) levelFor(id string) int {
	u := float64(xxhash.Sum64String(id)>>11) / (1 << 53)
	if u <= 0 {
		u = 1.0 / (1 << 53)
	}
	return min(int(-math.Log(u)*h.mult), maxLevel)
}

func (h *Index) distance(q []float32, id string) float64 {
	return 1 - Dot(q, h.nodes[id].vector)
}

func (h *Index) greedy(q []float32, ep string, level int) string {
	cur := ep
	curDist := h.distance(q, cur)
	for changed := true; changed; {
		changed = false
		for _, nid := range h.nodes[cur].links[level] {
			if d := h.distance(q, nid); d < curDist {
				cur, curDist, changed = nid, d, true
			}
		}
	}
	return cur
}

// searchLayer returns up to ef nodes closest to q at level, nearest first.
func (h *Index) searchLayer(q []float32, entries []string, ef, level int) []distItem {
	visited := make(map[string]struct{}, ef*4)
	candidates := &distHeap{}
	results := &distHeap{max: true}

	for _, e := range entries {
		visited[e] = struct{}{}
		item := distItem{id: e, dist: h.distance(q, e)}
		heap.Push(candidates, item)
		heap.Push(results, item)
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)
		if results.Len() >= ef && closest.dist > results.items[0].dist {
			break
		}
		for _, nid := range h.nodes[closest.id].links[level] {
			if _, seen := visited[nid]; seen {
				continue
			}
			visited[nid] = struct{}{}
			d := h.distance(q, nid)
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(candidates, distItem{id: nid, dist: d})
				heap.Push(results, distItem{id: nid, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]distItem, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem)
	}
	return out
}

func (h *Index) scored(q []float32, ids []string) []distItem {
	out := make([]distItem, len(ids))
	for i, id := range ids {
		out[i] = distItem{id: id, dist: h.distance(q, id)}
	}
	return out
}

// selectNeighbors applies the HNSW diversity heuristic: a candidate is kept
// only if it is closer to the base than to every neighbour already kept.
// Remaining slots are filled with the nearest pruned candidates.
func (h *Index) selectNeighbors(base []float32, candidates []distItem, m int) []string {
	sorted := slices.Clone(candidates)
	slices.SortFunc(sorted, compareItems)

	kept := make([]string, 0, m)
	var pruned []string
	for _, c := range sorted {
		if len(kept) >= m {
			break
		}
		diverse := true
		for _, k := range kept {
			if 1-Dot(h.nodes[c.id].vector, h.nodes[k].vector) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			kept = append(kept, c.id)
		} else {
			pruned = append(pruned, c.id)
		}
	}
	for _, id := range pruned {
		if len(kept) >= m {
			break
		}
		kept = append(kept, id)
	}
	return kept
}

func sortResults(rs []Result) {
	slices.SortFunc(rs, func(a, b Result) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

type distItem struct {
	id   string
	dist float64
}

func compareItems(a, b distItem) int {
	if c := cmp.Compare(a.dist, b.dist); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// distHeap is a min-heap on distance, or a max-heap when max is set.
type distHeap struct {
	items []distItem
	max   bool
}

func (dh *distHeap) Len() int { return len(dh.items) }
func (dh *distHeap) Less(i, j int) bool {
	if dh.max {
		return compareItems(dh.items[i], dh.items[j]) > 0
	}
	return compareItems(dh.items[i], dh.items[j]) < 0
}
func (dh *distHeap) Swap(i, j int) { dh.items[i], dh.items[j] = dh.items[j], dh.items[i] }

func (dh *distHeap) Push(x any) {
	dh.items = append(dh.items, x.(distItem))
}

func (dh *distHeap) Pop() any {
	old := dh.items
	n := len(old)
	x := old[n-1]
	dh.items = old[:n-1]
	return x
}
