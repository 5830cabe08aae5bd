package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shinyes/yep_collab/pkg/hlc"
)

// HeadID is the id of the virtual head vertex. It is a fixed constant so that
// two replicas created independently for the same document share a common
// root and can always merge.
const HeadID = "HEAD"

// RGA is a replicated growable array of text runs. Each vertex anchors to the
// vertex it was inserted after; concurrent siblings are ordered by timestamp
// (newest first) with the vertex id as tiebreaker, which gives every replica
// the same linearization.
type RGA struct {
	mu       sync.RWMutex
	Vertices map[string]*Vertex
	Head     string
	clock    *hlc.Clock

	// Origin -> children cache, kept sorted. Avoids rebuilding the tree on
	// every merge.
	edges map[string][]*Vertex
}

type Vertex struct {
	ID        string `msgpack:"id"`
	Value     string `msgpack:"value"`
	Origin    string `msgpack:"origin"`
	Next      string `msgpack:"next"`
	Timestamp int64  `msgpack:"ts"`
	Deleted   bool   `msgpack:"deleted"`
}

// NewRGA creates an empty RGA bound to clock.
func NewRGA(clock *hlc.Clock) *RGA {
	head := &Vertex{ID: HeadID, Deleted: true}
	return &RGA{
		Vertices: map[string]*Vertex{HeadID: head},
		Head:     HeadID,
		clock:    clock,
		edges:    make(map[string][]*Vertex),
	}
}

func (r *RGA) Type() Type { return TypeRGA }

// SetClock rebinds the clock, used after deserialization.
func (r *RGA) SetClock(clock *hlc.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// OpInsert inserts a value after the vertex identified by AnchorID.
type OpInsert struct {
	AnchorID string
	Value    string
}

func (OpInsert) Type() Type { return TypeRGA }

// OpRemove tombstones the vertex identified by ID.
type OpRemove struct {
	ID string
}

func (OpRemove) Type() Type { return TypeRGA }

// Value returns the visible text.
func (r *RGA) Value() any {
	return r.String()
}

// String concatenates all visible vertices in list order.
func (r *RGA) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	curr := r.Head
	for curr != "" {
		v := r.Vertices[curr]
		if v == nil {
			break
		}
		if !v.Deleted {
			b.WriteString(v.Value)
		}
		curr = v.Next
	}
	return b.String()
}

// VisibleID returns the vertex id holding the idx-th visible rune. idx == -1
// addresses the head (insert-at-start anchor). The second return is the rune
// offset inside the vertex.
func (r *RGA) VisibleID(idx int) (string, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx < 0 {
		return r.Head, 0, nil
	}
	seen := 0
	curr := r.Vertices[r.Head].Next
	for curr != "" {
		v := r.Vertices[curr]
		if v == nil {
			break
		}
		if !v.Deleted {
			n := len([]rune(v.Value))
			if idx < seen+n {
				return v.ID, idx - seen, nil
			}
			seen += n
		}
		curr = v.Next
	}
	return "", 0, fmt.Errorf("index %d out of range (len %d)", idx, seen)
}

// Len returns the number of visible runes.
func (r *RGA) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	curr := r.Vertices[r.Head].Next
	for curr != "" {
		v := r.Vertices[curr]
		if v == nil {
			break
		}
		if !v.Deleted {
			n += len([]rune(v.Value))
		}
		curr = v.Next
	}
	return n
}

func (r *RGA) ensureEdges() {
	if len(r.edges) > 0 {
		return
	}
	if r.edges == nil {
		r.edges = make(map[string][]*Vertex)
	}
	if len(r.Vertices) > 1 {
		for _, v := range r.Vertices {
			if v.ID == r.Head {
				continue
			}
			r.edges[v.Origin] = append(r.edges[v.Origin], v)
		}
		for _, children := range r.edges {
			sortChildren(children)
		}
	}
}

// Apply applies a local OpInsert or OpRemove. The inserted vertex id is
// returned through op side effects; callers that need it should use InsertAfter.
func (r *RGA) Apply(op Op) error {
	switch o := op.(type) {
	case OpInsert:
		_, err := r.InsertAfter(o.AnchorID, o.Value)
		return err
	case OpRemove:
		return r.Remove(o.ID)
	default:
		return ErrInvalidOp
	}
}

// InsertAfter inserts value after anchorID and returns the new vertex id.
func (r *RGA) InsertAfter(anchorID, value string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureEdges()

	anchor, ok := r.Vertices[anchorID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAnchor, anchorID)
	}

	var ts int64
	if r.clock != nil {
		ts = r.clock.Now()
	}
	v := &Vertex{
		ID:        uuid.NewString(),
		Value:     value,
		Origin:    anchorID,
		Timestamp: ts,
	}

	r.Vertices[v.ID] = v
	r.edges[anchorID] = append(r.edges[anchorID], v)
	sortChildren(r.edges[anchorID])

	// A fresh local insert carries the highest timestamp among its siblings,
	// so it links directly after its anchor.
	v.Next = anchor.Next
	anchor.Next = v.ID
	return v.ID, nil
}

// Remove tombstones a vertex. Removing an unknown or already removed vertex
// is a no-op, which keeps remote replays idempotent.
func (r *RGA) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.Vertices[id]; ok && id != r.Head {
		v.Deleted = true
	}
	return nil
}

// sortChildren orders siblings by timestamp DESC, then id DESC.
func sortChildren(children []*Vertex) {
	sort.Slice(children, func(i, j int) bool {
		if children[i].Timestamp != children[j].Timestamp {
			return children[i].Timestamp > children[j].Timestamp
		}
		return children[i].ID > children[j].ID
	})
}

// traverseRightMost walks to the right-most vertex of the subtree rooted at node.
func (r *RGA) traverseRightMost(node *Vertex) *Vertex {
	curr := node
	for {
		children := r.edges[curr.ID]
		if len(children) == 0 {
			return curr
		}
		curr = children[len(children)-1]
	}
}

// MaxTimestamp returns the highest vertex timestamp in the state.
func (r *RGA) MaxTimestamp() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var max int64
	for _, v := range r.Vertices {
		if v.Timestamp > max {
			max = v.Timestamp
		}
	}
	return max
}

// Merge folds another RGA state into this one. Vertices already known are
// only updated for tombstones; unknown vertices are inserted at the position
// every replica agrees on.
func (r *RGA) Merge(other CRDT) error {
	o, ok := other.(*RGA)
	if !ok {
		return fmt.Errorf("cannot merge %T into RGA", other)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureEdges()

	// 1. Adopt missing vertices, propagate tombstones.
	var newVertices []*Vertex
	for id, vRemote := range o.Vertices {
		if id == HeadID {
			continue
		}
		if vLocal, exists := r.Vertices[id]; exists {
			if vRemote.Deleted && !vLocal.Deleted {
				vLocal.Deleted = true
			}
			continue
		}
		vNew := &Vertex{
			ID:        vRemote.ID,
			Value:     vRemote.Value,
			Origin:    vRemote.Origin,
			Timestamp: vRemote.Timestamp,
			Deleted:   vRemote.Deleted,
		}
		r.Vertices[id] = vNew
		newVertices = append(newVertices, vNew)
		r.edges[vNew.Origin] = append(r.edges[vNew.Origin], vNew)
	}

	if len(newVertices) == 0 {
		return nil
	}

	// 2. Re-sort the sibling lists that changed and capture ranks.
	affectedOrigins := make(map[string]bool)
	for _, v := range newVertices {
		affectedOrigins[v.Origin] = true
	}
	siblingRanks := make(map[string]int)
	for originID := range affectedOrigins {
		if list, ok := r.edges[originID]; ok {
			sortChildren(list)
			for i, child := range list {
				siblingRanks[child.ID] = i
			}
		}
	}

	// 3. Order new vertices parents-first, then left-to-right among siblings.
	depths := make(map[string]int)
	newSet := make(map[string]bool)
	for _, v := range newVertices {
		newSet[v.ID] = true
	}
	var getDepth func(id string) int
	getDepth = func(id string) int {
		if d, ok := depths[id]; ok {
			return d
		}
		if !newSet[id] {
			return 0
		}
		v := r.Vertices[id]
		d := getDepth(v.Origin) + 1
		depths[id] = d
		return d
	}
	sort.Slice(newVertices, func(i, j int) bool {
		d1, d2 := getDepth(newVertices[i].ID), getDepth(newVertices[j].ID)
		if d1 != d2 {
			return d1 < d2
		}
		u, v := newVertices[i], newVertices[j]
		if u.Origin == v.Origin {
			return siblingRanks[u.ID] < siblingRanks[v.ID]
		}
		return u.Origin < v.Origin
	})

	// 4. Link the new vertices into the linear chain.
	for _, v := range newVertices {
		origin := r.Vertices[v.Origin]
		if origin == nil {
			// Dangling origin in a foreign state: leave the vertex unlinked
			// rather than corrupting the chain.
			continue
		}

		rank := siblingRanks[v.ID]
		var insertPos *Vertex
		if rank == 0 {
			insertPos = origin
		} else {
			children := r.edges[v.Origin]
			if rank >= len(children) {
				continue
			}
			insertPos = r.traverseRightMost(children[rank-1])
		}
		if insertPos == nil {
			continue
		}

		v.Next = insertPos.Next
		insertPos.Next = v.ID
	}

	return nil
}
