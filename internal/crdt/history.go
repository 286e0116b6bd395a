package crdt

// The AI edit ledger tracks transactions applied under OriginAI that no
// reviewer has settled yet. Accepting keeps the text and clears the ledger;
// rejecting applies inverse operations for every unreviewed AI transaction,
// newest first, leaving edits from other origins intact. The ledger is
// replica-local state: it does not replicate and resets when a document is
// reloaded.

// record files a freshly applied transaction. Only AI transactions are
// retained; nothing else needs review.
func (d *Doc) record(origin string, ops []Op) {
	if origin == OriginAI {
		d.pending = append(d.pending, ops)
	}
}

// PendingAI returns the number of unreviewed AI transactions.
func (d *Doc) PendingAI() int {
	return len(d.pending)
}

// AcceptAI settles every unreviewed AI transaction without touching the text
// and returns how many were settled.
func (d *Doc) AcceptAI() int {
	n := len(d.pending)
	d.pending = nil
	return n
}

// RejectAI undoes every unreviewed AI transaction, newest first, and settles
// the ledger. The inverse of an insert tombstones the inserted element; the
// inverse of a delete inserts a fresh element carrying the same rune,
// parented on the tombstone so it reappears at the position the deleted
// character held. Edits from other origins, including ones interleaved with
// the rejected transactions, are preserved.
//
// The minted inverse operations are returned, already applied locally, for
// replication to other replicas. With nothing pending it returns (nil, 0).
func (d *Doc) RejectAI() ([]Op, int) {
	n := len(d.pending)
	if n == 0 {
		return nil, 0
	}
	var inverse []Op
	for i := n - 1; i >= 0; i-- {
		edit := d.pending[i]
		for j := len(edit) - 1; j >= 0; j-- {
			op := edit[j]
			switch op.Kind {
			case OpInsert:
				inverse = append(inverse, d.mint(Op{Kind: OpDelete, Target: op.ID}))
			case OpDelete:
				el, ok := d.elems[op.Target]
				if !ok {
					// Target never materialized here; nothing to revive.
					continue
				}
				inverse = append(inverse, d.mint(Op{Kind: OpInsert, Parent: op.Target, Rune: el.r}))
			}
		}
	}
	d.pending = nil
	return inverse, n
}
