// Package crdt implements the replicated text buffer behind collaborative
// page editing. It is an RGA (Replicated Growable Array) over runes: every
// character carries a unique (site, counter) identity, inserts are addressed
// by parent ("insert after element P"), and deletes leave tombstones. Any two
// replicas that have seen the same set of operations render the same text,
// regardless of delivery order.
//
// A Doc additionally keeps a per-site operation log so it can answer
// state-vector diffs for the sync handshake, and a ledger of unreviewed
// AI transactions that supports bulk accept and reject.
//
// Doc is not safe for concurrent use; callers serialize access per document.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"strings"
)

// Origins tag every transaction applied to a Doc. They are metadata about
// intent, not part of replicated state: two replicas may hold the same text
// while disagreeing on which site produced which part.
const (
	OriginUser   = "user"
	OriginAI     = "ai"
	OriginSystem = "system"
)

// ValidOrigin reports whether o is one of the recognized origin tags.
func ValidOrigin(o string) bool {
	switch o {
	case OriginUser, OriginAI, OriginSystem:
		return true
	}
	return false
}

// ID identifies one operation (and, for inserts, the element it creates).
// Site 0 is reserved for the head sentinel.
type ID struct {
	Site    uint32
	Counter uint32
}

// Head is the sentinel element before the first character of every document.
var Head = ID{}

// precedes orders siblings under a common parent: newest first, site as the
// tie-break. Newest-first keeps an insert at the position its replica
// observed even when older siblings have been tombstoned and later revived
// text must land in front of their subtrees.
func (a ID) precedes(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Site > b.Site
}

// OpKind discriminates the two operation shapes.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is one replicated operation. Inserts create element ID with payload
// Rune after Parent; deletes tombstone Target. Both consume a counter from
// the producing site, so a state vector covers deletions too.
type Op struct {
	ID     ID
	Kind   OpKind
	Parent ID
	Target ID
	Rune   rune
}

// StateVector maps site to the highest counter the holder has logged
// contiguously for that site.
type StateVector map[uint32]uint32

type elem struct {
	r       rune
	deleted bool
}

// held is an operation received ahead of its site's contiguous prefix,
// parked until the gap fills. The origin it arrived under is kept so the
// AI ledger attributes it correctly once it integrates.
type held struct {
	op     Op
	origin string
}

// Doc is one replica of a page's text.
type Doc struct {
	site uint32

	elems    map[ID]*elem
	children map[ID][]ID

	// logs holds, per site, the contiguous prefix of that site's operations
	// this replica has accepted. len(logs[s]) is the state-vector entry for s.
	logs map[uint32][]Op

	// parentWait and targetWait hold logged operations whose tree
	// dependency (an element from another site) has not arrived yet.
	parentWait map[ID][]Op
	targetWait map[ID][]Op

	// gaps holds operations received out of order per site, keyed by counter.
	// They are not logged and not covered by the state vector until drained.
	gaps map[uint32]map[uint32]held

	// pending is the AI edit ledger: transactions tagged OriginAI that have
	// not been accepted or rejected, oldest first.
	pending [][]Op

	order []ID
	text  string
	dirty bool
}

// New creates an empty replica with a randomly minted site.
func New() *Doc {
	return NewWithSite(randomSite())
}

// NewWithSite creates an empty replica with the given site. The site must be
// nonzero; zero is the head sentinel's reserved site.
func NewWithSite(site uint32) *Doc {
	if site == 0 {
		panic("crdt: site 0 is reserved")
	}
	d := &Doc{
		site:       site,
		elems:      make(map[ID]*elem),
		children:   make(map[ID][]ID),
		logs:       make(map[uint32][]Op),
		parentWait: make(map[ID][]Op),
		targetWait: make(map[ID][]Op),
		gaps:       make(map[uint32]map[uint32]held),
		dirty:      true,
	}
	d.elems[Head] = &elem{deleted: true}
	return d
}

func randomSite() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("crdt: read random site: " + err.Error())
		}
		if s := binary.BigEndian.Uint32(b[:]); s != 0 {
			return s
		}
	}
}

// Site returns this replica's site identifier.
func (d *Doc) Site() uint32 { return d.site }

// Text returns the visible projection of the document.
func (d *Doc) Text() string {
	if d.dirty {
		d.rebuild()
	}
	return d.text
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	if d.dirty {
		d.rebuild()
	}
	return len(d.order)
}

// StateVector returns a copy of this replica's contiguous-log frontier.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.logs))
	for s, log := range d.logs {
		sv[s] = uint32(len(log))
	}
	return sv
}

// Ops returns every logged operation, grouped per site in counter order.
// Applying the result to an empty replica reproduces the document.
func (d *Doc) Ops() []Op {
	return d.MissingFrom(nil)
}

// MissingFrom returns the logged operations a remote replica with the given
// state vector lacks, grouped per site in counter order.
func (d *Doc) MissingFrom(remote StateVector) []Op {
	sites := make([]uint32, 0, len(d.logs))
	for s := range d.logs {
		sites = append(sites, s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	var out []Op
	for _, s := range sites {
		log := d.logs[s]
		from := int(remote[s])
		if from < len(log) {
			out = append(out, log[from:]...)
		}
	}
	return out
}

// Apply integrates remote operations under the given origin and returns how
// many were new to this replica. Duplicates are skipped, so redelivery is
// harmless. Operations arriving ahead of their site's contiguous prefix are
// parked and integrated when the gap fills; parked operations do not count
// until then. When at least one operation is new and origin is OriginAI, the
// batch is recorded in the AI ledger.
func (d *Doc) Apply(ops []Op, origin string) int {
	var newly []Op
	total := 0
	for _, op := range ops {
		if op.ID.Site == 0 || op.ID.Counter == 0 {
			continue
		}
		have := uint32(len(d.logs[op.ID.Site]))
		switch {
		case op.ID.Counter <= have:
			// already logged
		case op.ID.Counter == have+1:
			d.log(op)
			d.integrate(op)
			newly = append(newly, op)
			total += 1 + d.drainGaps(op.ID.Site)
		default:
			d.hold(op, origin)
		}
	}
	if len(newly) > 0 {
		d.record(origin, newly)
	}
	return total
}

// Splice performs a local transaction: delete deleteN visible runes starting
// at the visible rune index, then insert the given text there. Out-of-range
// index and deleteN are clamped. The minted operations are returned for
// replication; they are already applied locally.
func (d *Doc) Splice(index, deleteN int, insert, origin string) []Op {
	if d.dirty {
		d.rebuild()
	}
	if index < 0 {
		index = 0
	}
	if index > len(d.order) {
		index = len(d.order)
	}
	if deleteN < 0 {
		deleteN = 0
	}
	if deleteN > len(d.order)-index {
		deleteN = len(d.order) - index
	}
	runes := []rune(insert)
	if deleteN == 0 && len(runes) == 0 {
		return nil
	}
	ops := make([]Op, 0, deleteN+len(runes))
	for _, target := range d.order[index : index+deleteN] {
		ops = append(ops, d.mint(Op{Kind: OpDelete, Target: target}))
	}
	parent := Head
	if index > 0 {
		parent = d.order[index-1]
	}
	for _, r := range runes {
		op := d.mint(Op{Kind: OpInsert, Parent: parent, Rune: r})
		ops = append(ops, op)
		parent = op.ID
	}
	d.record(origin, ops)
	return ops
}

// mint assigns the next counter of this replica's site, then logs and
// integrates the operation. Local operations never park: their dependencies
// are visible elements this replica already holds.
func (d *Doc) mint(op Op) Op {
	op.ID = ID{Site: d.site, Counter: uint32(len(d.logs[d.site])) + 1}
	d.log(op)
	d.integrate(op)
	return op
}

func (d *Doc) log(op Op) {
	d.logs[op.ID.Site] = append(d.logs[op.ID.Site], op)
}

func (d *Doc) hold(op Op, origin string) {
	g := d.gaps[op.ID.Site]
	if g == nil {
		g = make(map[uint32]held)
		d.gaps[op.ID.Site] = g
	}
	g[op.ID.Counter] = held{op: op, origin: origin}
}

// drainGaps logs and integrates parked operations for site s that have become
// contiguous, recording runs under the origin they arrived with. Returns how
// many were drained.
func (d *Doc) drainGaps(s uint32) int {
	g := d.gaps[s]
	if len(g) == 0 {
		return 0
	}
	total := 0
	for {
		next := uint32(len(d.logs[s])) + 1
		first, ok := g[next]
		if !ok {
			break
		}
		run := make([]Op, 0, 1)
		for {
			h, ok := g[next]
			if !ok || h.origin != first.origin {
				break
			}
			delete(g, next)
			d.log(h.op)
			d.integrate(h.op)
			run = append(run, h.op)
			next++
		}
		d.record(first.origin, run)
		total += len(run)
	}
	if len(g) == 0 {
		delete(d.gaps, s)
	}
	return total
}

// integrate applies a logged operation to the element tree, or parks it until
// the element it depends on arrives from another site.
func (d *Doc) integrate(op Op) {
	switch op.Kind {
	case OpInsert:
		if _, ok := d.elems[op.Parent]; !ok {
			d.parentWait[op.Parent] = append(d.parentWait[op.Parent], op)
			return
		}
		d.place(op)
	case OpDelete:
		el, ok := d.elems[op.Target]
		if !ok {
			d.targetWait[op.Target] = append(d.targetWait[op.Target], op)
			return
		}
		if !el.deleted {
			el.deleted = true
			d.dirty = true
		}
	}
}

// place materializes an insert whose parent is present: registers the
// element, links it among its siblings, then drains operations that were
// waiting for it.
func (d *Doc) place(op Op) {
	if _, ok := d.elems[op.ID]; ok {
		return
	}
	d.elems[op.ID] = &elem{r: op.Rune}
	kids := d.children[op.Parent]
	pos := sort.Search(len(kids), func(i int) bool { return !kids[i].precedes(op.ID) })
	kids = append(kids, ID{})
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = op.ID
	d.children[op.Parent] = kids
	d.dirty = true

	if waiters := d.parentWait[op.ID]; len(waiters) > 0 {
		delete(d.parentWait, op.ID)
		for _, w := range waiters {
			d.place(w)
		}
	}
	if dels := d.targetWait[op.ID]; len(dels) > 0 {
		delete(d.targetWait, op.ID)
		el := d.elems[op.ID]
		if !el.deleted {
			el.deleted = true
		}
	}
}

// rebuild linearizes the element tree: depth-first from Head, siblings in
// precedes order, emitting visible elements. Result cached until the next
// mutation.
func (d *Doc) rebuild() {
	order := make([]ID, 0, len(d.elems))
	var b strings.Builder
	type frame struct {
		kids []ID
		i    int
	}
	stack := []frame{{kids: d.children[Head]}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.i == len(f.kids) {
			stack = stack[:len(stack)-1]
			continue
		}
		id := f.kids[f.i]
		f.i++
		if el := d.elems[id]; !el.deleted {
			order = append(order, id)
			b.WriteRune(el.r)
		}
		if kids := d.children[id]; len(kids) > 0 {
			stack = append(stack, frame{kids: kids})
		}
	}
	d.order = order
	d.text = b.String()
	d.dirty = false
}
